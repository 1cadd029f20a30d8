package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/notifywatch/engine"
)

// Capturer takes a screenshot of the watched page as a data URL. It returns
// "" with a nil error when the page is not visible.
type Capturer interface {
	Capture(ctx context.Context) (string, error)
}

// DispatcherConfig for creating a Dispatcher.
type DispatcherConfig struct {
	Sink     Sink
	Capturer Capturer // optional

	QueueSize   int           // default 64
	SendTimeout time.Duration // default 15s
	Logger      *slog.Logger
}

func (c *DispatcherConfig) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Dispatcher implements engine.Dispatcher. Dispatch only queues; a worker
// goroutine attaches the optional screenshot and sends. Failures are logged
// and the notification is dropped.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *slog.Logger
	queue  chan engine.Notification

	mu      sync.Mutex
	closed  bool
	sent    int
	failed  int
	dropped int
}

// NewDispatcher creates a Dispatcher. Nothing is sent until Run is called.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger,
		queue:  make(chan engine.Notification, cfg.QueueSize),
	}
}

// Dispatch queues n. When the queue is full n is dropped.
func (d *Dispatcher) Dispatch(n engine.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dropped++
		return
	}
	select {
	case d.queue <- n:
	default:
		d.dropped++
		d.logger.Warn("sink: queue full, notification dropped", "app", n.App)
	}
}

// Run sends queued notifications until ctx is done, then drains what is
// left with a fresh timeout per send.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case n := <-d.queue:
			d.send(ctx, n)
		case <-ctx.Done():
			d.mu.Lock()
			d.closed = true
			d.mu.Unlock()
			for {
				select {
				case n := <-d.queue:
					d.send(context.WithoutCancel(ctx), n)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, n engine.Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	p := PayloadOf(n)
	if d.cfg.Capturer != nil {
		shot, err := d.cfg.Capturer.Capture(ctx)
		if err != nil {
			d.logger.Debug("sink: screenshot failed", "app", n.App, "error", err)
		}
		p.Screenshot = shot
	}
	err := d.cfg.Sink.Send(ctx, p)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.failed++
		d.logger.Warn("sink: notification failed", "app", n.App, "url", n.URL, "error", err)
		return
	}
	d.sent++
}

// Counts returns delivered, failed and dropped notification totals.
func (d *Dispatcher) Counts() (sent, failed, dropped int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent, d.failed, d.dropped
}
