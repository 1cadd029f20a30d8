package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// display is an Xvfb server for headful Chrome.
type display struct {
	name   string
	cmd    *exec.Cmd
	logger *slog.Logger
}

const displayReady = 5 * time.Second

// startDisplay runs Xvfb on name and waits for its socket. The screen
// matches the tab viewport so screenshots are not cropped.
func startDisplay(ctx context.Context, name, screen string, logger *slog.Logger) (*display, error) {
	cmd := exec.Command("Xvfb", name, "-screen", "0", screen, "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("browser: start xvfb %s: %w", name, err)
	}
	d := &display{name: name, cmd: cmd, logger: logger}

	wait, cancel := context.WithTimeout(ctx, displayReady)
	defer cancel()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	sock := socketPath(name)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		select {
		case <-wait.Done():
			d.stop()
			return nil, fmt.Errorf("browser: xvfb %s: socket %s not ready: %w", name, sock, wait.Err())
		case <-tick.C:
		}
	}
	logger.Info("browser: xvfb started", "display", name, "pid", cmd.Process.Pid)
	return d, nil
}

func (d *display) stop() {
	if d == nil || d.cmd.Process == nil {
		return
	}
	d.cmd.Process.Kill()
	d.cmd.Wait()
	d.logger.Info("browser: xvfb stopped", "display", d.name)
}

// socketPath maps ":99" or ":99.0" to /tmp/.X11-unix/X99.
func socketPath(name string) string {
	n := strings.TrimPrefix(name, ":")
	if i := strings.IndexByte(n, '.'); i >= 0 {
		n = n[:i]
	}
	return "/tmp/.X11-unix/X" + n
}
