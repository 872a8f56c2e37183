package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath   string
		showVersion  bool
		hwArch       string
		variant      string
		reuseAudio   bool
		multiProcess bool
		fastMode     bool
		streamOutput bool
		timing       bool
		chunkLength  float64
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&hwArch, "hw-arch", "", "Accelerator architecture (hailo8, hailo8l, hailo10h)")
	flag.StringVar(&variant, "variant", "", "Model variant (tiny, base)")
	flag.BoolVar(&reuseAudio, "reuse-audio", false, "Replay the previously recorded audio instead of capturing")
	flag.BoolVar(&multiProcess, "multi-process-service", false, "Share the accelerator with other processes through the bus")
	flag.BoolVar(&fastMode, "fast-mode", false, "Greedy decoding without voice activity trimming")
	flag.BoolVar(&streamOutput, "stream-output", false, "Print tokens as they are decoded")
	flag.BoolVar(&timing, "timing", false, "Log per-stage timings and export spans to stdout")
	flag.Float64Var(&chunkLength, "chunk-length", 0, "Chunk length in seconds (defaults to the model window)")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(slog.New(slog.NewJSONHandler(os.Stderr, nil)), "failed to load config", err)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if hwArch != "" {
		cfg.Model.Arch = hwArch
	}
	if variant != "" {
		cfg.Model.Variant = variant
	}
	if set["reuse-audio"] {
		cfg.Audio.ReuseAudio = reuseAudio
		if reuseAudio && cfg.Audio.RecordPath != "" {
			cfg.Audio.WAVPath = cfg.Audio.RecordPath
		}
	}
	if set["multi-process-service"] {
		cfg.Sharing.Enabled = multiProcess
	}
	if set["fast-mode"] {
		cfg.Decode.FastMode = fastMode
	}
	if set["stream-output"] {
		cfg.Output.Stream = streamOutput
	}
	if set["timing"] {
		cfg.Telemetry.Timing = timing
	}
	if chunkLength > 0 {
		cfg.Audio.ChunkSeconds = chunkLength
	}

	// Transcripts own stdout.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	if err := config.Validate(cfg); err != nil {
		fatal(logger, "invalid configuration", err)
	}

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
