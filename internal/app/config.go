package app

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"pulsechat/internal/presence"
)

// ConfigPathEnvVar names the environment variable pointing at a YAML config file.
const ConfigPathEnvVar = "PULSECHAT_CONFIG"

const envPrefix = "PULSECHAT_"

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Presence PresenceConfig `koanf:"presence"`
	Session  SessionConfig  `koanf:"session"`
	Log      LogConfig      `koanf:"log"`
}

// ServerConfig defines how the HTTP/WebSocket backend listens.
type ServerConfig struct {
	Addr          string        `koanf:"addr" validate:"required"`
	WSPath        string        `koanf:"ws_path" validate:"required,startswith=/"`
	TokenTTL      time.Duration `koanf:"token_ttl" validate:"gt=0"`
	AuthRateLimit int           `koanf:"auth_rate_limit" validate:"gte=1"`
}

type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// PresenceConfig tunes the failure detector and the optional Redis mirror.
// The mirror is disabled while RedisAddr is empty.
type PresenceConfig struct {
	SweepInterval  time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	OfflineTimeout time.Duration `koanf:"offline_timeout" validate:"gtfield=SweepInterval"`
	RedisAddr      string        `koanf:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword  string        `koanf:"redis_password"`
	RedisDB        int           `koanf:"redis_db" validate:"gte=0"`
	KeyPrefix      string        `koanf:"key_prefix"`
}

type SessionConfig struct {
	SendBuffer   int     `koanf:"send_buffer" validate:"gte=1"`
	MessageRate  float64 `koanf:"message_rate" validate:"gt=0"`
	MessageBurst int     `koanf:"message_burst" validate:"gte=1"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL   string
	Email       string
	WSPath      string
	Heartbeat   time.Duration
	SessionPath string
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:          ":8080",
			WSPath:        "/ws",
			TokenTTL:      7 * 24 * time.Hour,
			AuthRateLimit: 20,
		},
		Database: DatabaseConfig{Path: DefaultDBPath()},
		Presence: PresenceConfig{
			SweepInterval:  presence.DefaultSweepInterval,
			OfflineTimeout: presence.DefaultOfflineTimeout,
		},
		Session: SessionConfig{
			SendBuffer:   256,
			MessageRate:  5,
			MessageBurst: 10,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// Path is an optional YAML file. When empty, PULSECHAT_CONFIG is consulted.
	Path string
	// Overrides are applied last, keyed by koanf path (e.g. "server.addr").
	Overrides map[string]any
}

// Load layers defaults, the YAML file, PULSECHAT_* environment variables and
// explicit overrides, in that order, and validates the result.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := opts.Path
	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range opts.Overrides {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("apply override %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Server.WSPath = NormalizeWSPath(cfg.Server.WSPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

var envMappings = map[string]string{
	"pulsechat_addr":            "server.addr",
	"pulsechat_ws_path":         "server.ws_path",
	"pulsechat_token_ttl":       "server.token_ttl",
	"pulsechat_auth_rate_limit": "server.auth_rate_limit",
	"pulsechat_db_path":         "database.path",
	"pulsechat_sweep_interval":  "presence.sweep_interval",
	"pulsechat_offline_timeout": "presence.offline_timeout",
	"pulsechat_redis_addr":      "presence.redis_addr",
	"pulsechat_redis_password":  "presence.redis_password",
	"pulsechat_redis_db":        "presence.redis_db",
	"pulsechat_redis_prefix":    "presence.key_prefix",
	"pulsechat_send_buffer":     "session.send_buffer",
	"pulsechat_message_rate":    "session.message_rate",
	"pulsechat_message_burst":   "session.message_burst",
	"pulsechat_log_level":       "log.level",
}

// envTransformFunc maps PULSECHAT_* variables to koanf paths. Unknown variables
// are ignored.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if dir := os.Getenv("PULSECHAT_DATA_DIR"); dir != "" {
		return filepath.Join(dir, "pulsechat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "pulsechat", "pulsechat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Pulsechat", "pulsechat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Pulsechat", "pulsechat.db")
		}
		return filepath.Join(home, ".local", "share", "pulsechat", "pulsechat.db")
	}
	return filepath.Join(".", ".pulsechat", "pulsechat.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls back
// to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
