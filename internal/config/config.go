package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for fluxq
type Config struct {
	Server   ServerConfig
	Query    QueryConfig
	Breaker  BreakerConfig
	Registry RegistryConfig
	Events   EventsConfig
	Admin    AdminConfig
	Output   OutputConfig
	Log      LogConfig
	Shutdown ShutdownConfig
	Watch    WatchConfig
}

// ServerConfig points at the query service
type ServerConfig struct {
	URL            string
	Org            string
	Token          string
	TimeoutSeconds int // Connect and response-header timeout
	Gzip           bool
	UserAgent      string
}

type QueryConfig struct {
	Mode              string   // stream or batch
	ValueDestinations []string // Columns collected into Record.Values
	ChunkSize         int64    // Read size for response bodies
	MaxSessions       int      // Concurrent sessions per runner
}

type BreakerConfig struct {
	Enabled        bool
	MaxFailures    int
	TimeoutSeconds int
	HalfOpenMax    int
}

type RegistryConfig struct {
	HistorySize int
}

type EventsConfig struct {
	Buffer       int
	MQTTEnabled  bool
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTQoS      int
	MQTTUsername string
	MQTTPassword string
}

type AdminConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type OutputConfig struct {
	Format string // json, msgpack or arrow
}

type LogConfig struct {
	Level  string
	Format string
}

type ShutdownConfig struct {
	TimeoutSeconds int
}

// WatchConfig drives the watch command
type WatchConfig struct {
	Schedule       string // Cron expression or descriptor such as "@every 1m"
	TimeoutSeconds int    // Per-run limit, 0 for none
}

// Timeout returns the server timeout as a duration
func (c ServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads configuration from defaults, an optional fluxq.toml and FLUXQ_* environment variables
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLUXQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("fluxq")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fluxq/")
	v.AddConfigPath("$HOME/.fluxq/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	chunkSize, err := ParseSize(v.GetString("query.chunk_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid query.chunk_size: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			URL:            v.GetString("server.url"),
			Org:            v.GetString("server.org"),
			Token:          v.GetString("server.token"),
			TimeoutSeconds: v.GetInt("server.timeout_seconds"),
			Gzip:           v.GetBool("server.gzip"),
			UserAgent:      v.GetString("server.user_agent"),
		},
		Query: QueryConfig{
			Mode:              v.GetString("query.mode"),
			ValueDestinations: splitList(v.GetStringSlice("query.value_destinations")),
			ChunkSize:         chunkSize,
			MaxSessions:       v.GetInt("query.max_sessions"),
		},
		Breaker: BreakerConfig{
			Enabled:        v.GetBool("breaker.enabled"),
			MaxFailures:    v.GetInt("breaker.max_failures"),
			TimeoutSeconds: v.GetInt("breaker.timeout_seconds"),
			HalfOpenMax:    v.GetInt("breaker.half_open_max"),
		},
		Registry: RegistryConfig{
			HistorySize: v.GetInt("registry.history_size"),
		},
		Events: EventsConfig{
			Buffer:       v.GetInt("events.buffer"),
			MQTTEnabled:  v.GetBool("events.mqtt_enabled"),
			MQTTBroker:   v.GetString("events.mqtt_broker"),
			MQTTTopic:    v.GetString("events.mqtt_topic"),
			MQTTClientID: v.GetString("events.mqtt_client_id"),
			MQTTQoS:      v.GetInt("events.mqtt_qos"),
			MQTTUsername: v.GetString("events.mqtt_username"),
			MQTTPassword: v.GetString("events.mqtt_password"),
		},
		Admin: AdminConfig{
			Enabled: v.GetBool("admin.enabled"),
			Host:    v.GetString("admin.host"),
			Port:    v.GetInt("admin.port"),
		},
		Output: OutputConfig{
			Format: strings.ToLower(v.GetString("output.format")),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Shutdown: ShutdownConfig{
			TimeoutSeconds: v.GetInt("shutdown.timeout_seconds"),
		},
		Watch: WatchConfig{
			Schedule:       v.GetString("watch.schedule"),
			TimeoutSeconds: v.GetInt("watch.timeout_seconds"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.url", "http://localhost:8086")
	v.SetDefault("server.org", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("server.gzip", false)
	v.SetDefault("server.user_agent", "fluxq")

	// Query defaults
	v.SetDefault("query.mode", "stream")
	v.SetDefault("query.value_destinations", []string{"_value"})
	v.SetDefault("query.chunk_size", "32KB")
	v.SetDefault("query.max_sessions", 4)

	// Circuit breaker defaults
	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.timeout_seconds", 30)
	v.SetDefault("breaker.half_open_max", 3)

	v.SetDefault("registry.history_size", 100)

	// Event defaults
	v.SetDefault("events.buffer", 64)
	v.SetDefault("events.mqtt_enabled", false)
	v.SetDefault("events.mqtt_broker", "tcp://localhost:1883")
	v.SetDefault("events.mqtt_topic", "fluxq/events")
	v.SetDefault("events.mqtt_client_id", "")
	v.SetDefault("events.mqtt_qos", 1)
	v.SetDefault("events.mqtt_username", "")
	v.SetDefault("events.mqtt_password", "")

	// Admin API defaults
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 8090)

	v.SetDefault("output.format", "json")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("shutdown.timeout_seconds", 10)

	v.SetDefault("watch.schedule", "@every 1m")
	v.SetDefault("watch.timeout_seconds", 0)
}

// splitList accepts both list values and a single comma-separated string
// (the form environment variables arrive in)
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks settings that would otherwise fail deep inside a session
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.URL) == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if u, err := url.Parse(c.Server.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.url must be an http(s) URL, got %q", c.Server.URL))
	}

	switch c.Query.Mode {
	case "stream", "batch":
	default:
		errs = append(errs, fmt.Errorf("query.mode must be stream or batch, got %q", c.Query.Mode))
	}

	switch c.Output.Format {
	case "json", "msgpack":
	case "arrow":
		if c.Query.Mode != "batch" {
			errs = append(errs, errors.New("output.format arrow requires query.mode batch"))
		}
	default:
		errs = append(errs, fmt.Errorf("output.format must be json, msgpack or arrow, got %q", c.Output.Format))
	}

	if c.Query.ChunkSize <= 0 {
		errs = append(errs, errors.New("query.chunk_size must be positive"))
	}
	if c.Query.MaxSessions < 1 {
		errs = append(errs, errors.New("query.max_sessions must be at least 1"))
	}
	if c.Events.MQTTQoS < 0 || c.Events.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("events.mqtt_qos must be 0, 1 or 2, got %d", c.Events.MQTTQoS))
	}
	if c.Events.MQTTEnabled && c.Events.MQTTBroker == "" {
		errs = append(errs, errors.New("events.mqtt_broker is required when MQTT is enabled"))
	}
	if c.Watch.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("watch.timeout_seconds cannot be negative"))
	}
	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		errs = append(errs, fmt.Errorf("admin.port out of range: %d", c.Admin.Port))
	}

	return errors.Join(errs...)
}

// ParseSize parses a human-readable size string (e.g., "32KB", "1MB") into bytes.
// Supported units: B, KB, MB, GB (case-insensitive). Plain numbers are bytes.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1MB', '32KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1MB', '32KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
