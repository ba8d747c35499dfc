package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Channel.Path != "/command" || cfg.Channel.Port != 4000 {
		t.Fatalf("expected default command endpoint, got %+v", cfg.Channel)
	}
	if cfg.Capture.FrameSize != 128 {
		t.Fatalf("expected render quantum of 128, got %d", cfg.Capture.FrameSize)
	}
	if cfg.Capture.DropWhenFull {
		t.Fatal("capture must not drop frames by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-mic.yaml")
	body := `channel:
  host: car.local
  port: 4100
capture:
  source: tone
  tone_hz: 220
listener:
  record_dir: ./recordings
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Channel.Host != "car.local" || cfg.Channel.Port != 4100 {
		t.Fatalf("expected channel override, got %+v", cfg.Channel)
	}
	if cfg.Channel.Path != "/command" {
		t.Fatalf("expected default path to survive partial file, got %q", cfg.Channel.Path)
	}
	if cfg.Capture.Source != "tone" || cfg.Capture.ToneHz != 220 {
		t.Fatalf("expected capture override, got %+v", cfg.Capture)
	}
	if cfg.Listener.RecordDir != "./recordings" {
		t.Fatalf("expected record dir, got %q", cfg.Listener.RecordDir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", "127.0.0.1")
	t.Setenv("SERVER_PORT", "4001")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_CHANNEL_HOST", "10.0.0.7")
	t.Setenv("LOQA_CHANNEL_PORT", "4500")
	t.Setenv("LOQA_CAPTURE_SOURCE", "exec")
	t.Setenv("LOQA_CAPTURE_COMMAND", "arecord -t raw -f FLOAT_LE")
	t.Setenv("LOQA_CAPTURE_QUEUE_SIZE", "0")
	t.Setenv("LOQA_CAPTURE_DROP_WHEN_FULL", "true")
	t.Setenv("LOQA_LISTENER_MAX_MESSAGE_BYTES", "4096")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Bind != "127.0.0.1" || cfg.HTTP.Port != 4001 {
		t.Fatalf("expected SERVER_* overrides, got %+v", cfg.HTTP)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || !cfg.Bus.TLSInsecure {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.Channel.Host != "10.0.0.7" || cfg.Channel.Port != 4500 {
		t.Fatalf("expected channel overrides, got %+v", cfg.Channel)
	}
	if cfg.Capture.Source != "exec" || cfg.Capture.QueueSize != 0 || !cfg.Capture.DropWhenFull {
		t.Fatalf("expected capture overrides, got %+v", cfg.Capture)
	}
	if cfg.Listener.MaxMessageBytes != 4096 {
		t.Fatalf("expected max message override, got %d", cfg.Listener.MaxMessageBytes)
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected retention override")
	}
}

func TestPrefixedHTTPOverrideWins(t *testing.T) {
	t.Setenv("SERVER_PORT", "4001")
	t.Setenv("LOQA_HTTP_PORT", "4002")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 4002 {
		t.Fatalf("expected LOQA_HTTP_PORT to win, got %d", cfg.HTTP.Port)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad scheme", func(c *Config) { c.Channel.Scheme = "http" }, "channel.scheme"},
		{"relative path", func(c *Config) { c.Channel.Path = "command" }, "channel.path"},
		{"unknown source", func(c *Config) { c.Capture.Source = "webrtc" }, "capture.source"},
		{"wav without file", func(c *Config) { c.Capture.Source = "wav" }, "capture.file"},
		{"exec without command", func(c *Config) { c.Capture.Source = "exec" }, "capture.command"},
		{"negative queue", func(c *Config) { c.Capture.QueueSize = -1 }, "capture.queue_size"},
		{"zero frame", func(c *Config) { c.Capture.FrameSize = 0 }, "capture.frame_size"},
		{"bad encoding", func(c *Config) { c.Capture.Encoding = "mulaw" }, "capture.encoding"},
		{"listener path", func(c *Config) { c.Listener.Path = "" }, "listener.path"},
		{"retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }, "retention_mode"},
		{"external bus without servers", func(c *Config) {
			c.Bus.Embedded = false
			c.Bus.Servers = nil
		}, "bus.servers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	cfg := Default()
	cfg.Bus.Enabled = false
	cfg.Bus.Embedded = false
	cfg.Bus.Servers = nil
	cfg.Listener.Enabled = false
	cfg.Listener.Path = ""
	if err := validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"trace": LevelTrace,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (TelemetryConfig{LogLevel: in}).SlogLevel(); got != want {
			t.Fatalf("%q: expected %v, got %v", in, want, got)
		}
	}
	if LevelTrace >= slog.LevelDebug {
		t.Fatalf("trace level %v must sit below debug", LevelTrace)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := LoadEnv(); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("LOQA_CHANNEL_HOST=mic.example\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("LOQA_CHANNEL_HOST", "")
	os.Unsetenv("LOQA_CHANNEL_HOST")
	if err := LoadEnv(); err != nil {
		t.Fatalf("load env: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Channel.Host != "mic.example" {
		t.Fatalf("expected host from .env, got %q", cfg.Channel.Host)
	}
}
