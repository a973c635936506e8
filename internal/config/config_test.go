package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.URL != "http://localhost:8086" {
		t.Errorf("Server.URL = %q, want http://localhost:8086", cfg.Server.URL)
	}
	if cfg.Server.TimeoutSeconds != 30 {
		t.Errorf("Server.TimeoutSeconds = %d, want 30", cfg.Server.TimeoutSeconds)
	}
	if cfg.Query.Mode != "stream" {
		t.Errorf("Query.Mode = %q, want stream", cfg.Query.Mode)
	}
	if !reflect.DeepEqual(cfg.Query.ValueDestinations, []string{"_value"}) {
		t.Errorf("Query.ValueDestinations = %v, want [_value]", cfg.Query.ValueDestinations)
	}
	if cfg.Query.ChunkSize != 32*1024 {
		t.Errorf("Query.ChunkSize = %d, want %d", cfg.Query.ChunkSize, 32*1024)
	}
	if cfg.Query.MaxSessions != 4 {
		t.Errorf("Query.MaxSessions = %d, want 4", cfg.Query.MaxSessions)
	}
	if !cfg.Breaker.Enabled || cfg.Breaker.MaxFailures != 5 {
		t.Errorf("Breaker = %+v, want enabled with 5 failures", cfg.Breaker)
	}
	if cfg.Registry.HistorySize != 100 {
		t.Errorf("Registry.HistorySize = %d, want 100", cfg.Registry.HistorySize)
	}
	if cfg.Events.MQTTEnabled || cfg.Events.MQTTTopic != "fluxq/events" || cfg.Events.MQTTQoS != 1 {
		t.Errorf("Events = %+v, unexpected MQTT defaults", cfg.Events)
	}
	if cfg.Admin.Enabled || cfg.Admin.Port != 8090 {
		t.Errorf("Admin = %+v, want disabled on 8090", cfg.Admin)
	}
	if cfg.Output.Format != "json" {
		t.Errorf("Output.Format = %q, want json", cfg.Output.Format)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
	if cfg.Watch.Schedule != "@every 1m" {
		t.Errorf("Watch.Schedule = %q, want @every 1m", cfg.Watch.Schedule)
	}
	if cfg.Shutdown.TimeoutSeconds != 10 {
		t.Errorf("Shutdown.TimeoutSeconds = %d, want 10", cfg.Shutdown.TimeoutSeconds)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLUXQ_SERVER_URL", "https://influx.example.com")
	t.Setenv("FLUXQ_SERVER_ORG", "acme")
	t.Setenv("FLUXQ_QUERY_MODE", "batch")
	t.Setenv("FLUXQ_QUERY_VALUE_DESTINATIONS", "_value, max")
	t.Setenv("FLUXQ_QUERY_CHUNK_SIZE", "1MB")
	t.Setenv("FLUXQ_OUTPUT_FORMAT", "ARROW")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.URL != "https://influx.example.com" || cfg.Server.Org != "acme" {
		t.Errorf("Server = %+v, env not applied", cfg.Server)
	}
	if cfg.Query.Mode != "batch" {
		t.Errorf("Query.Mode = %q, want batch", cfg.Query.Mode)
	}
	if !reflect.DeepEqual(cfg.Query.ValueDestinations, []string{"_value", "max"}) {
		t.Errorf("Query.ValueDestinations = %v, want [_value max]", cfg.Query.ValueDestinations)
	}
	if cfg.Query.ChunkSize != 1024*1024 {
		t.Errorf("Query.ChunkSize = %d, want 1MB", cfg.Query.ChunkSize)
	}
	if cfg.Output.Format != "arrow" {
		t.Errorf("Output.Format = %q, want arrow", cfg.Output.Format)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	toml := `
[server]
url = "http://db:8086"
token = "secret"
gzip = true

[query]
max_sessions = 2

[admin]
enabled = true
port = 9100
`
	if err := os.WriteFile(filepath.Join(dir, "fluxq.toml"), []byte(toml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.URL != "http://db:8086" || cfg.Server.Token != "secret" || !cfg.Server.Gzip {
		t.Errorf("Server = %+v, file not applied", cfg.Server)
	}
	if cfg.Query.MaxSessions != 2 {
		t.Errorf("Query.MaxSessions = %d, want 2", cfg.Query.MaxSessions)
	}
	if !cfg.Admin.Enabled || cfg.Admin.Port != 9100 {
		t.Errorf("Admin = %+v, want enabled on 9100", cfg.Admin)
	}
}

func TestLoad_InvalidChunkSize(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLUXQ_QUERY_CHUNK_SIZE", "lots")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "query.chunk_size") {
		t.Errorf("Load() error = %v, want chunk_size error", err)
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{URL: "http://localhost:8086"},
		Query:  QueryConfig{Mode: "stream", ChunkSize: 1024, MaxSessions: 1},
		Events: EventsConfig{MQTTQoS: 1},
		Output: OutputConfig{Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty url", func(c *Config) { c.Server.URL = "" }, "server.url is required"},
		{"bad scheme", func(c *Config) { c.Server.URL = "ftp://host" }, "http(s) URL"},
		{"unknown mode", func(c *Config) { c.Query.Mode = "tail" }, "query.mode"},
		{"unknown format", func(c *Config) { c.Output.Format = "xml" }, "output.format"},
		{"arrow needs batch", func(c *Config) { c.Output.Format = "arrow" }, "requires query.mode batch"},
		{"arrow with batch", func(c *Config) { c.Output.Format = "arrow"; c.Query.Mode = "batch" }, ""},
		{"zero chunk", func(c *Config) { c.Query.ChunkSize = 0 }, "chunk_size"},
		{"zero sessions", func(c *Config) { c.Query.MaxSessions = 0 }, "max_sessions"},
		{"bad qos", func(c *Config) { c.Events.MQTTQoS = 3 }, "mqtt_qos"},
		{"mqtt without broker", func(c *Config) { c.Events.MQTTEnabled = true }, "mqtt_broker"},
		{"admin port", func(c *Config) { c.Admin.Enabled = true; c.Admin.Port = 70000 }, "admin.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"32KB", 32 * 1024, false},
		{"1mb", 1024 * 1024, false},
		{"1.5KB", 1536, false},
		{"2GB", 2 * 1024 * 1024 * 1024, false},
		{"512B", 512, false},
		{"4096", 4096, false},
		{" 64KB ", 64 * 1024, false},
		{"", 0, true},
		{"1TB", 0, true},
		{"-1KB", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
