// Command notifyd is the notify service: rule configuration for watchers,
// notification forwarding to ntfy or Telegram, pending rule capture and
// rule administration.
//
// Environment:
//
//	PORT               listen port (default 5005)
//	NOTIFY_DB          SQLite path (default db/notifywatch.db)
//	PUSH_METHOD        ntfy | telegram (default ntfy)
//	NTFY_SERVER        default https://ntfy.sh
//	NTFY_TOPIC         ntfy topic
//	TELEGRAM_TOKEN     bot token
//	TELEGRAM_CHAT_ID   chat id
//	ADMIN_USER         Basic Auth user for admin routes (default admin)
//	ADMIN_HASH         bcrypt hash guarding admin routes; unset leaves them open
//	LOG_LEVEL          debug | info | warn | error
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/notifywatch/internal/push"
	"github.com/hazyhaar/notifywatch/internal/server"
	"github.com/hazyhaar/notifywatch/internal/store"
)

func main() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(env("LOG_LEVEL", "info"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("notifyd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	dbPath := env("NOTIFY_DB", "db/notifywatch.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	adminHash := env("ADMIN_HASH", "")
	if adminHash == "" {
		logger.Warn("notifyd: ADMIN_HASH not set, admin routes are open")
	}
	srv, err := server.New(server.Config{
		Store: st,
		Pusher: push.New(push.Config{
			Method:        env("PUSH_METHOD", push.MethodNtfy),
			NtfyServer:    env("NTFY_SERVER", ""),
			NtfyTopic:     env("NTFY_TOPIC", ""),
			TelegramToken: env("TELEGRAM_TOKEN", ""),
			TelegramChat:  env("TELEGRAM_CHAT_ID", ""),
		}, logger),
		AdminUser: env("ADMIN_USER", ""),
		AdminHash: adminHash,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	addr := ":" + env("PORT", "5005")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		logger.Info("notifyd: listening", "addr", addr, "db", dbPath)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("notifyd: listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	logger.Info("notifyd: stopped")
	return err
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
