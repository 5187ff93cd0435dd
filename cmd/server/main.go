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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/andy6609/multiroom-chat-server/internal/chat"
	"github.com/andy6609/multiroom-chat-server/internal/config"
	"github.com/andy6609/multiroom-chat-server/internal/storage"
	"github.com/andy6609/multiroom-chat-server/internal/transfer"
)

const metricsShutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.Defaults(v)

	var cfgFile string
	cmd := &cobra.Command{
		Use:           "chat-server",
		Short:         "Multi-room line-oriented chat server with file offers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				fmt.Fprintln(os.Stderr, "config:", err)
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	cobra.CheckErr(config.BindFlags(v, cmd.Flags()))
	return cmd
}

func run(parent context.Context, cfg config.Config) error {
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewOsStore(cfg.BaseDir)
	if err != nil {
		logger.Error("failed to open storage", "base_dir", cfg.BaseDir, "error", err)
		return err
	}
	files := transfer.NewCoordinator(store, storage.NewDirectories(store), transfer.Options{
		MaxFileSize: cfg.MaxFileSize,
		ChunkSize:   cfg.ChunkSize,
		OfferTTL:    cfg.OfferTTL,
	}, logger)

	srv := chat.NewServer(chat.Config{
		Addr:            cfg.Addr,
		OutboundBuffer:  cfg.OutboundBuffer,
		RoomBuffer:      cfg.RoomBuffer,
		MaxLineLength:   cfg.MaxLineLength,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, files, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if cfg.MetricsAddr != "" {
		metrics := newMetricsServer(cfg.MetricsAddr)
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server exited", "error", err)
		return err
	}
	return nil
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", chat.MetricsHandler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
