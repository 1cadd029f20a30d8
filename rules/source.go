package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Source yields the current rule configuration.
type Source interface {
	Fetch(ctx context.Context) (Config, error)
}

// Static is a fixed configuration.
type Static Config

func (s Static) Fetch(context.Context) (Config, error) { return Config(s), nil }

// FileSource reads the configuration from a local JSON file.
type FileSource struct {
	Path   string
	Logger *slog.Logger
}

func (f *FileSource) Fetch(ctx context.Context) (Config, error) {
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Config{}, fmt.Errorf("rules: read %s: %w", f.Path, err)
	}
	return ParseConfig(data)
}

const fileDebounce = 250 * time.Millisecond

// Watch signals changed on every settled write to the file until ctx is
// done. Signals are coalesced: a pending signal is never duplicated.
func (f *FileSource) Watch(ctx context.Context, changed chan<- struct{}) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	target, err := filepath.Abs(f.Path)
	if err != nil {
		return fmt.Errorf("rules: watch: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules: watch: %w", err)
	}
	defer w.Close()
	// Watch the directory: editors replace files by rename.
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("rules: watch dir: %w", err)
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(fileDebounce)
				timerCh = timer.C
			} else {
				timer.Reset(fileDebounce)
			}
		case <-timerCh:
			timer, timerCh = nil, nil
			select {
			case changed <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("rules: file watcher error", "path", f.Path, "error", err)
		}
	}
}
