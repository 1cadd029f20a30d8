package sink

import (
	"context"
	"errors"
	"log/slog"
)

// Router delivers each notification to every sink in turn. A failing sink
// does not stop delivery to the rest; all failures are joined.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a Router. A nil logger means slog.Default().
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

// Len reports how many sinks are attached.
func (r *Router) Len() int { return len(r.sinks) }

func (r *Router) Send(ctx context.Context, p Payload) error {
	var errs []error
	for i, s := range r.sinks {
		if err := s.Send(ctx, p); err != nil {
			r.logger.Warn("sink: delivery failed", "sink", i, "app", p.App, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Close() error {
	errs := make([]error, 0, len(r.sinks))
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
