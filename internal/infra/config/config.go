package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"maas-ws/internal/domain"
)

// Config is the top-level client configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Connection  ConnectionConfig  `yaml:"connection"`
	RPC         RPCConfig         `yaml:"rpc"`
	FileContext FileContextConfig `yaml:"file_context"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
}

// ServerConfig locates the backend and its session credential.
type ServerConfig struct {
	// URL is the HTTP(S) base the UI is served from, e.g. "http://maas:5240/MAAS".
	URL string `yaml:"url"`
	// CSRFTokenEnv names the environment variable holding the csrftoken.
	// It is read on every connection attempt.
	CSRFTokenEnv string `yaml:"csrf_token_env"`
	// SessionIDEnv names the environment variable holding the sessionid cookie.
	SessionIDEnv string `yaml:"session_id_env"`
	// CSRFToken is a static fallback; may be "enc:..." encrypted.
	CSRFToken string `yaml:"csrf_token,omitempty"`
	// SessionID is a static fallback; may be "enc:..." encrypted.
	SessionID string `yaml:"session_id,omitempty"`
}

// ConnectionConfig tunes the socket transport.
type ConnectionConfig struct {
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	// ReconnectAttempts caps consecutive failed dials; 0 = retry forever.
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	SendBuffer        int           `yaml:"send_buffer"`
	SendRate          float64       `yaml:"send_rate"` // frames per second, 0 = unlimited
	SendBurst         int           `yaml:"send_burst"`
	ReadLimit         int64         `yaml:"read_limit"` // max inbound frame size in bytes
	Breaker           BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the dial circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RPCConfig tunes the dispatch loop.
type RPCConfig struct {
	DefaultPollInterval time.Duration `yaml:"default_poll_interval"`
	NotifyTimeout       time.Duration `yaml:"notify_timeout"`
	InboxSize           int           `yaml:"inbox_size"`
}

// FileContextConfig selects the side-channel payload store backend.
type FileContextConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`    // sqlite database path
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns $HOME/.maasws, falling back to "./data".
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".maasws")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			URL:          "http://localhost:5240/MAAS",
			CSRFTokenEnv: "MAAS_CSRF_TOKEN",
			SessionIDEnv: "MAAS_SESSION_ID",
		},
		Connection: ConnectionConfig{
			DialTimeout:       10 * time.Second,
			WriteTimeout:      5 * time.Second,
			ReconnectMinDelay: time.Second,
			ReconnectMaxDelay: 30 * time.Second,
			SendBuffer:        256,
			SendBurst:         1,
			ReadLimit:         32 << 20,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		RPC: RPCConfig{
			DefaultPollInterval: 10 * time.Second,
			NotifyTimeout:       30 * time.Second,
			InboxSize:           128,
		},
		FileContext: FileContextConfig{
			Backend: "memory",
			Path:    filepath.Join(defaultDataDir(), "file_context.db"),
		},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrConfigLoad, path, err)
	default:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", domain.ErrConfigLoad, path, err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("MAASWS_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps MAASWS_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAASWS_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("MAASWS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MAASWS_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MAASWS_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("MAASWS_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MAASWS_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("MAASWS_FILE_CONTEXT_BACKEND"); v != "" {
		cfg.FileContext.Backend = v
	}
	if v := os.Getenv("MAASWS_FILE_CONTEXT_PATH"); v != "" {
		cfg.FileContext.Path = v
	}
	if v := os.Getenv("MAASWS_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RPC.DefaultPollInterval = d
		}
	}
	if v := os.Getenv("MAASWS_SEND_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Connection.SendRate = f
		}
	}
}

// decryptSecrets finds "enc:..." credential values and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"server.csrf_token": &cfg.Server.CSRFToken,
		"server.session_id": &cfg.Server.SessionID,
	}
	for name, fp := range fields {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// validatePermissions checks the config file is not group/world writable.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
