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
	StdoutTraces   bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Listener    ListenerConfig   `yaml:"listener"`
	Channel     ChannelConfig    `yaml:"channel"`
	Capture     CaptureConfig    `yaml:"capture"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

// ListenerConfig drives the command socket served by loqa-micd.
type ListenerConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Path            string `yaml:"path"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
	PublishFrames   bool   `yaml:"publish_frames"`
	RecordDir       string `yaml:"record_dir"`
}

// ChannelConfig describes the endpoint loqa-mic relays frames to.
type ChannelConfig struct {
	Scheme         string `yaml:"scheme"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Path           string `yaml:"path"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type CaptureConfig struct {
	Source     string  `yaml:"source"` // portaudio, tone, wav, exec
	SampleRate int     `yaml:"sample_rate"`
	Channels   int     `yaml:"channels"`
	FrameSize  int     `yaml:"frame_size"`
	QueueSize  int     `yaml:"queue_size"`
	// DropWhenFull drops the newest frame when the queue is full instead of
	// pausing the source.
	DropWhenFull bool    `yaml:"drop_when_full"`
	ToneHz       float64 `yaml:"tone_hz"`
	File         string  `yaml:"file"`
	Loop         bool    `yaml:"loop"`
	Command      string  `yaml:"command"`
	Encoding     string  `yaml:"encoding"` // f32le, s16le
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-mic",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 4000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-mic-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Listener: ListenerConfig{
			Enabled:         true,
			Path:            "/command",
			SampleRate:      48000,
			Channels:        1,
			MaxMessageBytes: 1 << 20,
			PublishFrames:   true,
		},
		Channel: ChannelConfig{
			Scheme:         "ws",
			Host:           "localhost",
			Port:           4000,
			Path:           "/command",
			DialTimeoutMS:  5000,
			WriteTimeoutMS: 2000,
		},
		Capture: CaptureConfig{
			Source:     DefaultCaptureSource,
			SampleRate: 48000,
			Channels:   1,
			FrameSize:  128,
			QueueSize:  64,
			ToneHz:     440,
			Encoding:   "f32le",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	// SERVER_ADDR and SERVER_PORT predate the LOQA_ prefix; the prefixed keys win.
	overrideString(&cfg.HTTP.Bind, "SERVER_ADDR")
	overrideInt(&cfg.HTTP.Port, "SERVER_PORT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
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
	overrideBool(&cfg.Listener.Enabled, "LOQA_LISTENER_ENABLED")
	overrideString(&cfg.Listener.Path, "LOQA_LISTENER_PATH")
	overrideInt(&cfg.Listener.SampleRate, "LOQA_LISTENER_SAMPLE_RATE")
	overrideInt(&cfg.Listener.Channels, "LOQA_LISTENER_CHANNELS")
	overrideInt64(&cfg.Listener.MaxMessageBytes, "LOQA_LISTENER_MAX_MESSAGE_BYTES")
	overrideBool(&cfg.Listener.PublishFrames, "LOQA_LISTENER_PUBLISH_FRAMES")
	overrideString(&cfg.Listener.RecordDir, "LOQA_LISTENER_RECORD_DIR")
	overrideString(&cfg.Channel.Scheme, "LOQA_CHANNEL_SCHEME")
	overrideString(&cfg.Channel.Host, "LOQA_CHANNEL_HOST")
	overrideInt(&cfg.Channel.Port, "LOQA_CHANNEL_PORT")
	overrideString(&cfg.Channel.Path, "LOQA_CHANNEL_PATH")
	overrideInt(&cfg.Channel.DialTimeoutMS, "LOQA_CHANNEL_DIAL_TIMEOUT_MS")
	overrideInt(&cfg.Channel.WriteTimeoutMS, "LOQA_CHANNEL_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Capture.Source, "LOQA_CAPTURE_SOURCE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameSize, "LOQA_CAPTURE_FRAME_SIZE")
	overrideInt(&cfg.Capture.QueueSize, "LOQA_CAPTURE_QUEUE_SIZE")
	overrideBool(&cfg.Capture.DropWhenFull, "LOQA_CAPTURE_DROP_WHEN_FULL")
	overrideFloat(&cfg.Capture.ToneHz, "LOQA_CAPTURE_TONE_HZ")
	overrideString(&cfg.Capture.File, "LOQA_CAPTURE_FILE")
	overrideBool(&cfg.Capture.Loop, "LOQA_CAPTURE_LOOP")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Encoding, "LOQA_CAPTURE_ENCODING")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if cfg.Bus.StoreDir == "" {
				return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
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
	if cfg.Listener.Enabled {
		if !strings.HasPrefix(cfg.Listener.Path, "/") {
			return errors.New("listener.path must start with /")
		}
		if cfg.Listener.SampleRate <= 0 {
			return errors.New("listener.sample_rate must be positive")
		}
		if cfg.Listener.Channels <= 0 {
			return errors.New("listener.channels must be positive")
		}
		if cfg.Listener.MaxMessageBytes <= 0 {
			return errors.New("listener.max_message_bytes must be positive")
		}
	}
	switch cfg.Channel.Scheme {
	case "ws", "wss":
	default:
		return errors.New("channel.scheme must be one of ws|wss")
	}
	if cfg.Channel.Host == "" {
		return errors.New("channel.host must not be empty")
	}
	if cfg.Channel.Port <= 0 || cfg.Channel.Port > 65535 {
		return errors.New("channel.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.Channel.Path, "/") {
		return errors.New("channel.path must start with /")
	}
	if cfg.Channel.DialTimeoutMS <= 0 {
		return errors.New("channel.dial_timeout_ms must be positive")
	}
	if cfg.Channel.WriteTimeoutMS <= 0 {
		return errors.New("channel.write_timeout_ms must be positive")
	}
	switch cfg.Capture.Source {
	case "portaudio", "tone":
	case "wav":
		if cfg.Capture.File == "" {
			return errors.New("capture.file must be set when source=wav")
		}
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when source=exec")
		}
	default:
		return errors.New("capture.source must be one of portaudio|tone|wav|exec")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FrameSize <= 0 {
		return errors.New("capture.frame_size must be positive")
	}
	if cfg.Capture.QueueSize < 0 {
		return errors.New("capture.queue_size must be >= 0")
	}
	switch cfg.Capture.Encoding {
	case "f32le", "s16le":
	default:
		return errors.New("capture.encoding must be one of f32le|s16le")
	}
	return nil
}
