package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/accel"
	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/natsserver"
)

var version = "0.1.0-dev"

// accel-broker owns the accelerator slots for every loqa-whisper process
// started with -multi-process-service.
func main() {
	var (
		configPath  string
		showVersion bool
		capacity    int
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.IntVar(&capacity, "capacity", 0, "Concurrent accelerator slots (overrides sharing.capacity)")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if capacity > 0 {
		cfg.Sharing.Capacity = capacity
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("broker exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	srv, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return err
	}
	if srv != nil {
		defer srv.Shutdown()
		cfg.Bus.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, cfg.Bus, "accel-broker", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	broker, err := accel.NewBroker(ctx, accel.BrokerConfig{
		Capacity:         cfg.Sharing.Capacity,
		HeartbeatTimeout: time.Duration(cfg.Sharing.HeartbeatTimeoutMS) * time.Millisecond,
	}, client, logger)
	if err != nil {
		return fmt.Errorf("start accelerator broker: %w", err)
	}
	defer broker.Close()

	logger.Info("accelerator broker running", slog.Int("capacity", cfg.Sharing.Capacity))
	<-ctx.Done()
	return nil
}
