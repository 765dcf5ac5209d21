package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type AdminConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type AudioConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	TempDir         string `yaml:"temp_dir"`
}

type VADConfig struct {
	StartThreshold    int `yaml:"start_threshold"`
	SustainThreshold  int `yaml:"sustain_threshold"`
	SilenceDurationMS int `yaml:"silence_duration_ms"`
	MinRecordingMS    int `yaml:"min_recording_ms"`
	PrerollChunks     int `yaml:"preroll_chunks"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type QueueConfig struct {
	Path          string `yaml:"path"`
	MaxRetries    int    `yaml:"max_retries"`
	BackoffBaseMS int    `yaml:"backoff_base_ms"`
	BackoffCapMS  int    `yaml:"backoff_cap_ms"`
	RetentionDays int    `yaml:"retention_days"`
}

type DeliveryConfig struct {
	EndpointURL        string `yaml:"endpoint_url"`
	Token              string `yaml:"token"`
	ProbeIntervalMS    int    `yaml:"probe_interval_ms"`
	ProbeTimeoutMS     int    `yaml:"probe_timeout_ms"`
	DispatchIntervalMS int    `yaml:"dispatch_interval_ms"`
	RequestTimeoutMS   int    `yaml:"request_timeout_ms"`
	MaxConcurrent      int    `yaml:"max_concurrent"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	Admin       AdminConfig     `yaml:"admin"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Audio       AudioConfig     `yaml:"audio"`
	VAD         VADConfig       `yaml:"vad"`
	STT         STTConfig       `yaml:"stt"`
	Queue       QueueConfig     `yaml:"queue"`
	Delivery    DeliveryConfig  `yaml:"delivery"`
	Bus         BusConfig       `yaml:"bus"`
}

func Default() Config {
	return Config{
		RuntimeName: "murmur",
		Environment: "development",
		Admin: AdminConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			ChunkDurationMS: 30,
			TempDir:         "./data/temp",
		},
		VAD: VADConfig{
			StartThreshold:    900,
			SustainThreshold:  500,
			SilenceDurationMS: 900,
			MinRecordingMS:    400,
			PrerollChunks:     10,
		},
		STT: STTConfig{
			Mode:      "mock",
			Language:  "en",
			Threads:   4,
			TimeoutMS: 45000,
		},
		Queue: QueueConfig{
			Path:          "./data/queue.db",
			MaxRetries:    5,
			BackoffBaseMS: 1000,
			BackoffCapMS:  60000,
			RetentionDays: 30,
		},
		Delivery: DeliveryConfig{
			EndpointURL:        "",
			Token:              "",
			ProbeIntervalMS:    5000,
			ProbeTimeoutMS:     3000,
			DispatchIntervalMS: 2000,
			RequestTimeoutMS:   10000,
			MaxConcurrent:      3,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "MURMUR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MURMUR_ENVIRONMENT")
	overrideString(&cfg.Admin.Bind, "MURMUR_ADMIN_BIND")
	overrideInt(&cfg.Admin.Port, "MURMUR_ADMIN_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MURMUR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MURMUR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MURMUR_TELEMETRY_OTLP_INSECURE")
	overrideInt(&cfg.Audio.SampleRate, "MURMUR_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "MURMUR_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkDurationMS, "MURMUR_AUDIO_CHUNK_DURATION_MS")
	overrideString(&cfg.Audio.TempDir, "MURMUR_AUDIO_TEMP_DIR")
	overrideInt(&cfg.VAD.StartThreshold, "MURMUR_VAD_START_THRESHOLD")
	overrideInt(&cfg.VAD.SustainThreshold, "MURMUR_VAD_SUSTAIN_THRESHOLD")
	overrideInt(&cfg.VAD.SilenceDurationMS, "MURMUR_VAD_SILENCE_DURATION_MS")
	overrideInt(&cfg.VAD.MinRecordingMS, "MURMUR_VAD_MIN_RECORDING_MS")
	overrideInt(&cfg.VAD.PrerollChunks, "MURMUR_VAD_PREROLL_CHUNKS")
	overrideString(&cfg.STT.Mode, "MURMUR_STT_MODE")
	overrideString(&cfg.STT.Command, "MURMUR_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "MURMUR_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "MURMUR_STT_LANGUAGE")
	overrideInt(&cfg.STT.Threads, "MURMUR_STT_THREADS")
	overrideInt(&cfg.STT.TimeoutMS, "MURMUR_STT_TIMEOUT_MS")
	overrideString(&cfg.Queue.Path, "MURMUR_QUEUE_PATH")
	overrideInt(&cfg.Queue.MaxRetries, "MURMUR_QUEUE_MAX_RETRIES")
	overrideInt(&cfg.Queue.BackoffBaseMS, "MURMUR_QUEUE_BACKOFF_BASE_MS")
	overrideInt(&cfg.Queue.BackoffCapMS, "MURMUR_QUEUE_BACKOFF_CAP_MS")
	overrideInt(&cfg.Queue.RetentionDays, "MURMUR_QUEUE_RETENTION_DAYS")
	overrideString(&cfg.Delivery.EndpointURL, "MURMUR_DELIVERY_ENDPOINT_URL")
	overrideString(&cfg.Delivery.Token, "MURMUR_DELIVERY_TOKEN")
	overrideInt(&cfg.Delivery.ProbeIntervalMS, "MURMUR_DELIVERY_PROBE_INTERVAL_MS")
	overrideInt(&cfg.Delivery.ProbeTimeoutMS, "MURMUR_DELIVERY_PROBE_TIMEOUT_MS")
	overrideInt(&cfg.Delivery.DispatchIntervalMS, "MURMUR_DELIVERY_DISPATCH_INTERVAL_MS")
	overrideInt(&cfg.Delivery.RequestTimeoutMS, "MURMUR_DELIVERY_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Delivery.MaxConcurrent, "MURMUR_DELIVERY_MAX_CONCURRENT")
	overrideBool(&cfg.Bus.Enabled, "MURMUR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MURMUR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MURMUR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MURMUR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MURMUR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MURMUR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MURMUR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MURMUR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MURMUR_BUS_CONNECT_TIMEOUT_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535 {
		return errors.New("admin.port must be between 1 and 65535")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.ChunkDurationMS <= 0 {
		return errors.New("audio.chunk_duration_ms must be positive")
	}
	if cfg.Audio.TempDir == "" {
		return errors.New("audio.temp_dir must not be empty")
	}
	if cfg.VAD.StartThreshold <= 0 {
		return errors.New("vad.start_threshold must be positive")
	}
	if cfg.VAD.SustainThreshold <= 0 {
		return errors.New("vad.sustain_threshold must be positive")
	}
	if cfg.VAD.StartThreshold < cfg.VAD.SustainThreshold {
		return errors.New("vad.start_threshold must be >= sustain_threshold")
	}
	if cfg.VAD.SilenceDurationMS <= 0 {
		return errors.New("vad.silence_duration_ms must be positive")
	}
	if cfg.VAD.MinRecordingMS < 0 {
		return errors.New("vad.min_recording_ms must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.Queue.Path == "" {
		return errors.New("queue.path must not be empty")
	}
	if cfg.Queue.MaxRetries <= 0 {
		return errors.New("queue.max_retries must be >= 1")
	}
	if cfg.Queue.BackoffBaseMS <= 0 {
		return errors.New("queue.backoff_base_ms must be positive")
	}
	if cfg.Queue.BackoffCapMS < cfg.Queue.BackoffBaseMS {
		return errors.New("queue.backoff_cap_ms must be >= backoff_base_ms")
	}
	if cfg.Queue.RetentionDays < 0 {
		return errors.New("queue.retention_days must be >= 0")
	}
	if cfg.Delivery.EndpointURL == "" {
		return errors.New("delivery.endpoint_url must be set")
	}
	if u, err := url.Parse(cfg.Delivery.EndpointURL); err != nil ||
		u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("delivery.endpoint_url must be an http(s) URL with a host")
	}
	if cfg.Delivery.ProbeIntervalMS <= 0 {
		return errors.New("delivery.probe_interval_ms must be positive")
	}
	if cfg.Delivery.ProbeTimeoutMS <= 0 {
		return errors.New("delivery.probe_timeout_ms must be positive")
	}
	if cfg.Delivery.DispatchIntervalMS <= 0 {
		return errors.New("delivery.dispatch_interval_ms must be positive")
	}
	if cfg.Delivery.RequestTimeoutMS <= 0 {
		return errors.New("delivery.request_timeout_ms must be positive")
	}
	if cfg.Delivery.ProbeTimeoutMS >= cfg.Delivery.RequestTimeoutMS {
		return errors.New("delivery.probe_timeout_ms must be shorter than request_timeout_ms")
	}
	if cfg.Delivery.MaxConcurrent <= 0 {
		return errors.New("delivery.max_concurrent must be >= 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}
