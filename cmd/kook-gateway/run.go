// ABOUTME: The run command: connects the engine and runs the consumer and metrics server together
// ABOUTME: check-config loads and validates a config file without connecting

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

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/kook-gateway/internal/api"
	"github.com/2389/kook-gateway/internal/config"
	"github.com/2389/kook-gateway/internal/dedupe"
	"github.com/2389/kook-gateway/internal/gateway"
	"github.com/2389/kook-gateway/internal/metrics"
	"github.com/2389/kook-gateway/internal/store"
)

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and stream events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			path := config.ResolvePath(*configPath)
			printBanner()

			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := setupLogger(cfg.Logging, os.Stdout)
			slog.SetDefault(logger)
			printStartup(path, cfg)

			return runGateway(ctx, cfg, logger)
		},
	}
}

func checkConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate a config file and print the effective engine settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(*configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			o := cfg.EngineOptions()
			fmt.Fprintf(out, "%s %s\n", color.GreenString("✓"), path)
			fmt.Fprintf(out, "  api_base:           %s\n", cfg.Gateway.APIBase)
			fmt.Fprintf(out, "  compress:           %v\n", o.Compress)
			fmt.Fprintf(out, "  heartbeat:          %v (deadline ratio %v, max missed %d)\n", o.HeartbeatInterval, o.HeartbeatDeadlineRatio, o.MaxMissedHeartbeats)
			fmt.Fprintf(out, "  backoff:            %v..%v (jitter %v)\n", o.BackoffBase, o.BackoffMax, o.BackoffJitter)
			fmt.Fprintf(out, "  dispatch_capacity:  %d\n", o.DispatchCapacity)
			fmt.Fprintf(out, "  gap_threshold:      %d\n", o.GapResumeThreshold)
			fmt.Fprintf(out, "  checkpoints:        %s\n", orDisabled(cfg.Store.Path))
			fmt.Fprintf(out, "  metrics:            %s\n", orDisabled(cfg.Metrics.Addr))
			return nil
		},
	}
}

func orDisabled(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}

func printStartup(path string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("API:         %s\n", cfg.Gateway.APIBase)
	green.Print("    ▶ ")
	fmt.Printf("Checkpoints: %s\n", orDisabled(cfg.Store.Path))
	if cfg.Metrics.Addr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:     http://%s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
	}
	if cfg.Echo.Enabled {
		gray.Println("    echo mode on")
	}
	fmt.Println()
}

func runGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client := api.New(cfg.Gateway.APIBase, cfg.Gateway.Token, api.WithLogger(logger))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(m),
	}

	if cfg.Store.Path != "" {
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening checkpoint store: %w", err)
		}
		defer st.Close()
		opts = append(opts, gateway.WithCheckpointer(st.Checkpointer(cfg.Gateway.BotID)))
	}

	if !cfg.Dedupe.Disabled {
		cache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.Size)
		defer cache.Close()
		opts = append(opts, gateway.WithDedupe(cache))
	}

	engine, err := gateway.New(cfg.EngineOptions(), client, opts...)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	c := &consumer{logger: logger.With("component", "consumer")}
	if cfg.Echo.Enabled {
		c.replier = client
		c.prefix = cfg.Echo.Prefix
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		// Drains until the engine closes the channel.
		c.consume(gctx, engine.Items())
		return nil
	})

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "%s\n", engine.State())
		})
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Error("gateway stopped", "error", err)
		return err
	}
	logger.Info("gateway stopped")
	return nil
}
