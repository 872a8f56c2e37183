package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-whisper/internal/accel"
	"github.com/loqalabs/loqa-whisper/internal/audio"
	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/decode"
	"github.com/loqalabs/loqa-whisper/internal/eventstore"
	"github.com/loqalabs/loqa-whisper/internal/features"
	"github.com/loqalabs/loqa-whisper/internal/model"
	"github.com/loqalabs/loqa-whisper/internal/natsserver"
	"github.com/loqalabs/loqa-whisper/internal/pipeline"
	"github.com/loqalabs/loqa-whisper/internal/sink"
)

// recordSeconds bounds the audio kept for a later reuse-audio run.
const recordSeconds = 60

// statsEvents is how many journal entries /stats returns.
const statsEvents = 20

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	runID      string
	httpServer *http.Server
	metricsSrv *http.Server
	telemetry  *telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	broker   *accel.Broker
	arbiter  accel.Arbiter
	store    *eventstore.Store
	session  *accel.Session
	chunker  *audio.Chunker
	recorder *audio.Recorder
	pipeline *pipeline.Orchestrator
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		runID:  uuid.NewString(),
	}
}

// Start runs the transcription pipeline until ctx is cancelled, the audio
// source is drained, or an unrecoverable error occurs.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var err error
	r.telemetry, err = setupTelemetry(r.cfg, r.runID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer r.shutdown()

	if err := r.build(ctx); err != nil {
		return err
	}
	r.serve(r.telemetry.metrics)

	r.chunker.Start(ctx)
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("run_id", r.runID),
		slog.String("arch", r.cfg.Model.Arch),
		slog.String("variant", r.cfg.Model.Variant),
		slog.Bool("fast_mode", r.cfg.Decode.FastMode),
		slog.Bool("shared", r.cfg.Sharing.Enabled),
	)

	err = r.pipeline.Run(ctx)
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return err
}

func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg
	arch, err := model.ParseArch(cfg.Model.Arch)
	if err != nil {
		return err
	}
	variant, err := model.ParseVariant(cfg.Model.Variant)
	if err != nil {
		return err
	}
	profile := model.ProfileFor(variant)

	r.store, err = eventstore.Open(ctx, cfg.EventStore, r.logger.With(slog.String("component", "event-store")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if err := r.store.Ensure(); err != nil {
		return err
	}
	if err := r.store.AppendRun(ctx, r.runID, string(arch), string(variant)); err != nil {
		r.logger.Warn("failed to record run", slog.String("error", err.Error()))
	}

	if cfg.Sharing.Enabled || cfg.Output.Publish {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}
	if err := r.buildArbiter(ctx); err != nil {
		return err
	}

	var device accel.Device
	switch cfg.Accelerator.Device {
	case "exec":
		device, err = accel.NewExecDevice(ctx, cfg.Accelerator.Command, r.logger)
		if err != nil {
			return err
		}
	default:
		device = accel.NewSimDevice(arch, accel.SimOptions{VocabSize: profile.VocabSize})
	}
	r.session, err = accel.NewSession(ctx, accel.Options{
		Device:       device,
		Registry:     model.NewRegistry(cfg.Model.Dir, cfg.Model.Artifacts),
		Arbiter:      r.arbiter,
		QueueSize:    cfg.Accelerator.QueueSize,
		MaxRetries:   cfg.Accelerator.MaxRetries,
		RetryBackoff: time.Duration(cfg.Accelerator.RetryBackoffMS) * time.Millisecond,
		Logger:       r.logger,
	})
	if err != nil {
		_ = device.Close()
		return err
	}
	encoder, err := r.session.LoadModel(ctx, model.ID{Arch: arch, Variant: variant, Component: model.Encoder})
	if err != nil {
		return err
	}
	decoderModel, err := r.session.LoadModel(ctx, model.ID{Arch: arch, Variant: variant, Component: model.Decoder})
	if err != nil {
		return err
	}

	vocabPath := cfg.Model.VocabPath
	if vocabPath == "" {
		vocabPath = filepath.Join(cfg.Model.Dir, "vocab.json")
	}
	vocab, err := decode.LoadVocabulary(vocabPath, decode.DefaultSpecials())
	if err != nil {
		return &accel.ModelLoadError{ID: model.ID{Arch: arch, Variant: variant, Component: model.Decoder}, Err: err}
	}
	var selector decode.TokenSelector = decode.Accurate{
		Specials:      vocab.Specials(),
		Penalty:       cfg.Decode.RepetitionPenalty,
		Window:        cfg.Decode.RepetitionWindow,
		NoRepeatNGram: cfg.Decode.NoRepeatNGram,
	}
	if cfg.Decode.FastMode {
		selector = decode.Greedy{Specials: vocab.Specials()}
	}
	loop, err := decode.NewLoop(r.session, decoderModel, vocab, selector, decode.Config{
		MaxTokens:         cfg.Decode.MaxTokens,
		SeqLen:            profile.DecoderSeqLen,
		StepTimeout:       time.Duration(cfg.Accelerator.AwaitTimeoutMS) * time.Millisecond,
		BestEffortPartial: cfg.Decode.BestEffortPartial,
		Priority:          accel.PriorityHigh,
	}, r.logger)
	if err != nil {
		return err
	}

	chunkSeconds := cfg.Audio.ChunkSeconds
	if chunkSeconds <= 0 {
		chunkSeconds = profile.ChunkSeconds
	}
	extractor, err := features.NewExtractor(features.Config{
		ChunkSeconds: chunkSeconds,
		Mels:         cfg.Features.Mels,
		Layout:       features.Layout(cfg.Features.Layout),
		Tolerance:    cfg.Features.Tolerance,
	})
	if err != nil {
		return err
	}
	conditioner := features.NewConditioner(features.ConditionerConfig{
		VAD:           cfg.Features.VAD && !cfg.Decode.FastMode,
		VADThreshold:  cfg.Features.VADThreshold,
		LeadIn:        time.Duration(cfg.Features.LeadInMS) * time.Millisecond,
		GainThreshold: cfg.Features.GainThreshold,
		GainTarget:    cfg.Features.GainTarget,
	})

	src, err := audio.NewSource(cfg.Audio)
	if err != nil {
		return err
	}
	// a recording is read faster than real time and must not lose audio
	replay := cfg.Audio.ReuseAudio || cfg.Audio.Source == "wav"
	chunkerCfg := audio.ChunkerConfig{
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
		ChunkDuration: time.Duration(chunkSeconds * float64(time.Second)),
		Overlap:       time.Duration(cfg.Audio.OverlapMS) * time.Millisecond,
		BlockFrames:   cfg.Audio.BlockFrames,
		MaxBuffered:   cfg.Audio.MaxBufferedChunks,
		Blocking:      replay,
	}
	if cfg.Audio.RecordPath != "" && !replay {
		r.recorder = audio.NewRecorder(cfg.Audio.RecordPath, cfg.Audio.SampleRate, recordSeconds)
		chunkerCfg.Tap = r.recorder.Write
	}
	r.chunker = audio.NewChunker(src, chunkerCfg, r.logger)

	var sinks sink.Multi
	if cfg.Output.Console {
		sinks = append(sinks, sink.NewConsole(os.Stdout, cfg.Output.Prefix, cfg.Output.Stream))
	}
	if cfg.Output.Publish {
		sinks = append(sinks, sink.NewBus(r.bus, r.runID, r.logger))
	}

	backpressure := pipeline.Backpressure(cfg.Pipeline.Backpressure)
	if replay {
		backpressure = pipeline.BackpressureQueue
	}
	r.pipeline, err = pipeline.New(pipeline.Options{
		Source:      r.chunker,
		Conditioner: conditioner,
		Extractor:   extractor,
		Session:     r.session,
		Encoder:     encoder,
		Decoder:     loop,
		Sink:        sinks,
		Journal:     r.store,
		Config: pipeline.Config{
			RunID:          r.runID,
			Mode:           pipeline.Mode(cfg.Pipeline.Mode),
			Backpressure:   backpressure,
			QueueDepth:     cfg.Pipeline.QueueDepth,
			Preempt:        cfg.Pipeline.Preempt,
			EncoderTimeout: time.Duration(cfg.Pipeline.EncoderTimeoutMS) * time.Millisecond,
			Timing:         cfg.Telemetry.Timing,
		},
		Logger: r.logger,
	})
	return err
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	return err
}

func (r *Runtime) buildArbiter(ctx context.Context) error {
	sharing := r.cfg.Sharing
	if !sharing.Enabled {
		r.arbiter = accel.NewLocalArbiter(r.cfg.Accelerator.Capacity, time.Duration(sharing.AcquireTimeoutMS)*time.Millisecond)
		return nil
	}
	if sharing.EmbeddedBroker {
		broker, err := accel.NewBroker(ctx, accel.BrokerConfig{
			Capacity:         sharing.Capacity,
			HeartbeatTimeout: time.Duration(sharing.HeartbeatTimeoutMS) * time.Millisecond,
		}, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("start accelerator broker: %w", err)
		}
		r.broker = broker
	}
	holder := sharing.HolderID
	if holder == "" {
		holder = fmt.Sprintf("%s-%s", r.cfg.RuntimeName, r.runID[:8])
	}
	r.arbiter = accel.NewBusArbiter(ctx, accel.BusArbiterConfig{
		HolderID:          holder,
		Capacity:          sharing.Capacity,
		AcquireTimeout:    time.Duration(sharing.AcquireTimeoutMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(sharing.HeartbeatIntervalMS) * time.Millisecond,
	}, r.bus, r.logger)
	return nil
}

func (r *Runtime) serve(metricsHandler http.Handler) {
	if r.cfg.HTTP.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", r.handleHealth)
		mux.HandleFunc("/readyz", r.handleReady)
		mux.HandleFunc("/stats", r.handleStats)
		mux.HandleFunc("/flush", r.handleFlush)
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = r.listen(addr, mux)
	}
	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsSrv = r.listen(r.cfg.Telemetry.PrometheusBind, mux)
	}
}

func (r *Runtime) listen(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	var errs []error
	if r.chunker != nil {
		errs = append(errs, r.chunker.Close())
	}
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("write recording: %w", err))
		} else {
			r.logger.Info("audio recorded", slog.String("path", r.cfg.Audio.RecordPath))
		}
	}
	if r.session != nil {
		errs = append(errs, r.session.Close())
	}
	if r.arbiter != nil {
		errs = append(errs, r.arbiter.Close())
	}
	if r.broker != nil {
		r.broker.Close()
	}
	r.bus.Close()
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	if r.telemetry != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load() && r.session != nil && r.session.Healthy()
	if r.bus != nil {
		ready = ready && r.bus.Healthy()
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleFlush cuts the audio captured so far into a short chunk instead of
// waiting for a full window, e.g. when the speaker stops talking.
func (r *Runtime) handleFlush(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	r.chunker.Flush()
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("flushing"))
}

type statsResponse struct {
	RunID    string             `json:"run_id"`
	Pipeline pipeline.Stats     `json:"pipeline"`
	Audio    audio.ChunkerStats `json:"audio"`
	Running  int                `json:"running_jobs"`
	Broker   *accel.BrokerStats `json:"broker,omitempty"`
	Events   []eventstore.Event `json:"recent_events,omitempty"`
}

func (r *Runtime) handleStats(w http.ResponseWriter, req *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	resp := statsResponse{
		RunID:    r.runID,
		Pipeline: r.pipeline.Stats(),
		Audio:    r.chunker.Stats(),
		Running:  r.session.Running(),
	}
	if r.broker != nil {
		stats := r.broker.Stats()
		resp.Broker = &stats
	}
	events, err := r.store.ListRunEvents(req.Context(), r.runID, statsEvents)
	if err != nil {
		r.logger.Warn("failed to list run events", slog.String("error", err.Error()))
	}
	resp.Events = events
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
