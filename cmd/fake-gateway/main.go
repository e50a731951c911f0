// ABOUTME: Standalone fake KOOK gateway for local end-to-end runs of kook-gateway
// ABOUTME: Usage: fake-gateway [-addr 127.0.0.1:8765] [-token t] [-compress] [-emit 2s]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/2389/kook-gateway/internal/fakegateway"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "listen address")
	token := flag.String("token", "", "bot token to require (empty accepts any)")
	compress := flag.Bool("compress", true, "send zlib-compressed frames to clients that ask for them")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "heartbeat interval advertised in Hello")
	emit := flag.Duration("emit", 0, "emit a demo message on this interval (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := run(logger, *addr, *token, *compress, *heartbeat, *emit); err != nil {
		logger.Error("fake gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, addr, token string, compress bool, heartbeat, emit time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fake := fakegateway.New(fakegateway.Options{
		Token:             token,
		Compress:          compress,
		HeartbeatInterval: heartbeat,
		Logger:            logger,
	})
	srv := &http.Server{Addr: addr, Handler: fake.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	fmt.Fprintf(os.Stderr, "fake gateway on http://%s (api base http://%s/api/v3)\n", addr, addr)

	if emit > 0 {
		go emitLoop(ctx, logger, fake, emit)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func emitLoop(ctx context.Context, logger *slog.Logger, fake *fakegateway.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if fake.SessionID() == "" {
			continue
		}
		n++
		sn, err := fake.Emit(map[string]any{
			"channel_type":  "GROUP",
			"type":          1,
			"target_id":     "demo-channel",
			"author_id":     "demo-user",
			"content":       fmt.Sprintf("demo message %d", n),
			"msg_id":        uuid.NewString(),
			"msg_timestamp": time.Now().UnixMilli(),
			"extra": map[string]any{
				"type":     1,
				"guild_id": "demo-guild",
				"author":   map[string]any{"username": "demo"},
			},
		})
		if err != nil {
			logger.Debug("demo event not delivered", "sn", sn, "error", err)
		}
	}
}
