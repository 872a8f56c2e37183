package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	Timing         bool   `yaml:"timing"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Audio       AudioConfig       `yaml:"audio"`
	Features    FeaturesConfig    `yaml:"features"`
	Model       ModelConfig       `yaml:"model"`
	Accelerator AcceleratorConfig `yaml:"accelerator"`
	Decode      DecodeConfig      `yaml:"decode"`
	Output      OutputConfig      `yaml:"output"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Sharing     SharingConfig     `yaml:"sharing"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	Source            string  `yaml:"source"` // exec, wav, portaudio, silence
	Command           string  `yaml:"command"`
	ReuseAudio        bool    `yaml:"reuse_audio"`
	WAVPath           string  `yaml:"wav_path"`
	RecordPath        string  `yaml:"record_path"`
	SampleRate        int     `yaml:"sample_rate"`
	Channels          int     `yaml:"channels"`
	ChunkSeconds      float64 `yaml:"chunk_seconds"`
	OverlapMS         int     `yaml:"overlap_ms"`
	BlockFrames       int     `yaml:"block_frames"`
	MaxBufferedChunks int     `yaml:"max_buffered_chunks"`
}

type FeaturesConfig struct {
	Layout        string  `yaml:"layout"` // nhwc, nchw
	Mels          int     `yaml:"mels"`
	Tolerance     float64 `yaml:"tolerance"`
	VAD           bool    `yaml:"vad"`
	VADThreshold  float64 `yaml:"vad_threshold"`
	GainThreshold float64 `yaml:"gain_threshold"`
	GainTarget    float64 `yaml:"gain_target"`
	LeadInMS      int     `yaml:"lead_in_ms"`
}

type ModelConfig struct {
	Arch      string            `yaml:"arch"`
	Variant   string            `yaml:"variant"`
	Dir       string            `yaml:"dir"`
	Artifacts map[string]string `yaml:"artifacts"`
	VocabPath string            `yaml:"vocab_path"`
}

type AcceleratorConfig struct {
	Device         string `yaml:"device"` // sim, exec
	Command        string `yaml:"command"`
	Capacity       int    `yaml:"capacity"`
	QueueSize      int    `yaml:"queue_size"`
	AwaitTimeoutMS int    `yaml:"await_timeout_ms"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryBackoffMS int    `yaml:"retry_backoff_ms"`
}

type DecodeConfig struct {
	FastMode          bool    `yaml:"fast_mode"`
	MaxTokens         int     `yaml:"max_tokens"`
	BestEffortPartial bool    `yaml:"best_effort_partial"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
	RepetitionWindow  int     `yaml:"repetition_window"`
	NoRepeatNGram     int     `yaml:"no_repeat_ngram"`
}

type OutputConfig struct {
	Stream  bool   `yaml:"stream"`
	Console bool   `yaml:"console"`
	Publish bool   `yaml:"publish"`
	Prefix  string `yaml:"prefix"`
}

type PipelineConfig struct {
	Mode             string `yaml:"mode"`         // pipelined, sequential
	Backpressure     string `yaml:"backpressure"` // drop, queue
	QueueDepth       int    `yaml:"queue_depth"`
	Preempt          bool   `yaml:"preempt"`
	EncoderTimeoutMS int    `yaml:"encoder_timeout_ms"`
}

type SharingConfig struct {
	Enabled             bool   `yaml:"enabled"`
	EmbeddedBroker      bool   `yaml:"embedded_broker"`
	HolderID            string `yaml:"holder_id"`
	Capacity            int    `yaml:"capacity"`
	AcquireTimeoutMS    int    `yaml:"acquire_timeout_ms"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-whisper",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-whisper.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
		Audio: AudioConfig{
			Source:            "exec",
			Command:           "arecord -q -t raw -f S16_LE -r 16000 -c 1",
			WAVPath:           "sampled_audio.wav",
			RecordPath:        "sampled_audio.wav",
			SampleRate:        16000,
			Channels:          1,
			OverlapMS:         0,
			BlockFrames:       2048,
			MaxBufferedChunks: 2,
		},
		Features: FeaturesConfig{
			Layout:        "nhwc",
			Mels:          80,
			Tolerance:     0.01,
			VAD:           true,
			VADThreshold:  0.02,
			GainThreshold: 0.1,
			GainTarget:    0.5,
			LeadInMS:      200,
		},
		Model: ModelConfig{
			Arch:    "hailo8",
			Variant: "base",
			Dir:     "./models",
		},
		Accelerator: AcceleratorConfig{
			Device:         "sim",
			Capacity:       1,
			QueueSize:      64,
			AwaitTimeoutMS: 2000,
			MaxRetries:     3,
			RetryBackoffMS: 20,
		},
		Decode: DecodeConfig{
			RepetitionPenalty: 1.5,
			RepetitionWindow:  8,
			NoRepeatNGram:     3,
		},
		Output: OutputConfig{
			Console: true,
			Prefix:  "[Transcription] ",
		},
		Pipeline: PipelineConfig{
			Mode:             "pipelined",
			Backpressure:     "drop",
			QueueDepth:       1,
			EncoderTimeoutMS: 5000,
		},
		Sharing: SharingConfig{
			Capacity:            1,
			AcquireTimeoutMS:    3000,
			HeartbeatIntervalMS: 1000,
			HeartbeatTimeoutMS:  4000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.Timing, "LOQA_TELEMETRY_TIMING")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideBool(&cfg.Audio.ReuseAudio, "LOQA_AUDIO_REUSE")
	overrideString(&cfg.Audio.WAVPath, "LOQA_AUDIO_WAV_PATH")
	overrideString(&cfg.Audio.RecordPath, "LOQA_AUDIO_RECORD_PATH")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideFloat(&cfg.Audio.ChunkSeconds, "LOQA_AUDIO_CHUNK_SECONDS")
	overrideInt(&cfg.Audio.OverlapMS, "LOQA_AUDIO_OVERLAP_MS")
	overrideInt(&cfg.Audio.BlockFrames, "LOQA_AUDIO_BLOCK_FRAMES")
	overrideInt(&cfg.Audio.MaxBufferedChunks, "LOQA_AUDIO_MAX_BUFFERED_CHUNKS")
	overrideString(&cfg.Features.Layout, "LOQA_FEATURES_LAYOUT")
	overrideFloat(&cfg.Features.Tolerance, "LOQA_FEATURES_TOLERANCE")
	overrideBool(&cfg.Features.VAD, "LOQA_FEATURES_VAD")
	overrideString(&cfg.Model.Arch, "LOQA_MODEL_ARCH")
	overrideString(&cfg.Model.Variant, "LOQA_MODEL_VARIANT")
	overrideString(&cfg.Model.Dir, "LOQA_MODEL_DIR")
	overrideString(&cfg.Model.VocabPath, "LOQA_MODEL_VOCAB_PATH")
	overrideString(&cfg.Accelerator.Device, "LOQA_ACCEL_DEVICE")
	overrideString(&cfg.Accelerator.Command, "LOQA_ACCEL_COMMAND")
	overrideInt(&cfg.Accelerator.Capacity, "LOQA_ACCEL_CAPACITY")
	overrideInt(&cfg.Accelerator.QueueSize, "LOQA_ACCEL_QUEUE_SIZE")
	overrideInt(&cfg.Accelerator.AwaitTimeoutMS, "LOQA_ACCEL_AWAIT_TIMEOUT_MS")
	overrideInt(&cfg.Accelerator.MaxRetries, "LOQA_ACCEL_MAX_RETRIES")
	overrideInt(&cfg.Accelerator.RetryBackoffMS, "LOQA_ACCEL_RETRY_BACKOFF_MS")
	overrideBool(&cfg.Decode.FastMode, "LOQA_DECODE_FAST_MODE")
	overrideInt(&cfg.Decode.MaxTokens, "LOQA_DECODE_MAX_TOKENS")
	overrideBool(&cfg.Decode.BestEffortPartial, "LOQA_DECODE_BEST_EFFORT_PARTIAL")
	overrideFloat(&cfg.Decode.RepetitionPenalty, "LOQA_DECODE_REPETITION_PENALTY")
	overrideBool(&cfg.Output.Stream, "LOQA_OUTPUT_STREAM")
	overrideBool(&cfg.Output.Console, "LOQA_OUTPUT_CONSOLE")
	overrideBool(&cfg.Output.Publish, "LOQA_OUTPUT_PUBLISH")
	overrideString(&cfg.Pipeline.Mode, "LOQA_PIPELINE_MODE")
	overrideString(&cfg.Pipeline.Backpressure, "LOQA_PIPELINE_BACKPRESSURE")
	overrideInt(&cfg.Pipeline.QueueDepth, "LOQA_PIPELINE_QUEUE_DEPTH")
	overrideBool(&cfg.Pipeline.Preempt, "LOQA_PIPELINE_PREEMPT")
	overrideBool(&cfg.Sharing.Enabled, "LOQA_SHARING_ENABLED")
	overrideBool(&cfg.Sharing.EmbeddedBroker, "LOQA_SHARING_EMBEDDED_BROKER")
	overrideString(&cfg.Sharing.HolderID, "LOQA_SHARING_HOLDER_ID")
	overrideInt(&cfg.Sharing.Capacity, "LOQA_SHARING_CAPACITY")
	overrideInt(&cfg.Sharing.AcquireTimeoutMS, "LOQA_SHARING_ACQUIRE_TIMEOUT_MS")
	overrideInt(&cfg.Sharing.HeartbeatIntervalMS, "LOQA_SHARING_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Sharing.HeartbeatTimeoutMS, "LOQA_SHARING_HEARTBEAT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks a fully merged configuration. It is exported so command line
// overrides applied after Load can be re-checked.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if (cfg.Sharing.Enabled || cfg.Output.Publish) && len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when the bus is used and embedded mode is disabled")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}

	switch cfg.Audio.Source {
	case "exec", "wav", "portaudio", "silence":
	default:
		return errors.New("audio.source must be one of exec|wav|portaudio|silence")
	}
	if cfg.Audio.Source == "exec" && !cfg.Audio.ReuseAudio && cfg.Audio.Command == "" {
		return errors.New("audio.command must be set when source=exec")
	}
	if (cfg.Audio.Source == "wav" || cfg.Audio.ReuseAudio) && cfg.Audio.WAVPath == "" {
		return errors.New("audio.wav_path must be set when reusing audio")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.ChunkSeconds < 0 {
		return errors.New("audio.chunk_seconds must be >= 0")
	}
	if cfg.Audio.OverlapMS < 0 {
		return errors.New("audio.overlap_ms must be >= 0")
	}
	if cfg.Audio.ChunkSeconds > 0 && float64(cfg.Audio.OverlapMS) >= cfg.Audio.ChunkSeconds*1000 {
		return errors.New("audio.overlap_ms must be shorter than the chunk")
	}
	if cfg.Audio.BlockFrames <= 0 {
		return errors.New("audio.block_frames must be positive")
	}
	if cfg.Audio.MaxBufferedChunks <= 0 {
		return errors.New("audio.max_buffered_chunks must be >= 1")
	}

	switch cfg.Features.Layout {
	case "nhwc", "nchw":
	default:
		return errors.New("features.layout must be one of nhwc|nchw")
	}
	if cfg.Features.Mels <= 0 {
		return errors.New("features.mels must be positive")
	}
	if cfg.Features.Tolerance < 0 || cfg.Features.Tolerance >= 1 {
		return errors.New("features.tolerance must be in [0, 1)")
	}

	switch cfg.Model.Arch {
	case "hailo8", "hailo8l", "hailo10h":
	default:
		return errors.New("model.arch must be one of hailo8|hailo8l|hailo10h")
	}
	switch cfg.Model.Variant {
	case "tiny", "base":
	default:
		return errors.New("model.variant must be one of tiny|base")
	}

	switch cfg.Accelerator.Device {
	case "sim", "exec":
	default:
		return errors.New("accelerator.device must be one of sim|exec")
	}
	if cfg.Accelerator.Device == "exec" && cfg.Accelerator.Command == "" {
		return errors.New("accelerator.command must be set when device=exec")
	}
	if cfg.Accelerator.Capacity <= 0 {
		return errors.New("accelerator.capacity must be >= 1")
	}
	if cfg.Accelerator.QueueSize <= 0 {
		return errors.New("accelerator.queue_size must be >= 1")
	}
	if cfg.Accelerator.AwaitTimeoutMS <= 0 {
		return errors.New("accelerator.await_timeout_ms must be positive")
	}
	if cfg.Accelerator.MaxRetries < 0 {
		return errors.New("accelerator.max_retries must be >= 0")
	}

	if cfg.Decode.MaxTokens < 0 {
		return errors.New("decode.max_tokens must be >= 0")
	}
	if cfg.Decode.RepetitionPenalty < 1 {
		return errors.New("decode.repetition_penalty must be >= 1")
	}

	switch cfg.Pipeline.Mode {
	case "pipelined", "sequential":
	default:
		return errors.New("pipeline.mode must be one of pipelined|sequential")
	}
	switch cfg.Pipeline.Backpressure {
	case "drop", "queue":
	default:
		return errors.New("pipeline.backpressure must be one of drop|queue")
	}
	if cfg.Pipeline.QueueDepth <= 0 {
		return errors.New("pipeline.queue_depth must be >= 1")
	}
	if cfg.Pipeline.EncoderTimeoutMS <= 0 {
		return errors.New("pipeline.encoder_timeout_ms must be positive")
	}

	if cfg.Sharing.Enabled {
		if cfg.Sharing.Capacity <= 0 {
			return errors.New("sharing.capacity must be >= 1")
		}
		if cfg.Sharing.AcquireTimeoutMS <= 0 {
			return errors.New("sharing.acquire_timeout_ms must be positive")
		}
		if cfg.Sharing.HeartbeatIntervalMS <= 0 {
			return errors.New("sharing.heartbeat_interval_ms must be positive")
		}
		if cfg.Sharing.HeartbeatTimeoutMS <= cfg.Sharing.HeartbeatIntervalMS {
			return errors.New("sharing.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	return nil
}
