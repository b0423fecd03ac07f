package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateConnection(cfg, ve)
	validateRPC(cfg, ve)
	validateFileContext(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.URL == "" {
		ve.Add("server.url is required")
		return
	}
	u, err := url.Parse(cfg.Server.URL)
	if err != nil {
		ve.Add("server.url %q: %v", cfg.Server.URL, err)
		return
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		ve.Add("server.url scheme %q must be http, https, ws or wss", u.Scheme)
	}
	if u.Host == "" {
		ve.Add("server.url %q has no host", cfg.Server.URL)
	}
	if cfg.Server.CSRFTokenEnv == "" && cfg.Server.CSRFToken == "" {
		ve.Add("server.csrf_token_env or server.csrf_token is required")
	}
}

func validateConnection(cfg *Config, ve *ValidationError) {
	c := cfg.Connection
	if c.DialTimeout <= 0 {
		ve.Add("connection.dial_timeout must be > 0")
	}
	if c.WriteTimeout <= 0 {
		ve.Add("connection.write_timeout must be > 0")
	}
	if c.ReconnectMinDelay <= 0 {
		ve.Add("connection.reconnect_min_delay must be > 0")
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		ve.Add("connection.reconnect_max_delay must be >= reconnect_min_delay")
	}
	if c.ReconnectAttempts < 0 {
		ve.Add("connection.reconnect_attempts must be >= 0")
	}
	if c.SendBuffer <= 0 {
		ve.Add("connection.send_buffer must be > 0")
	}
	if c.SendRate < 0 {
		ve.Add("connection.send_rate must be >= 0")
	}
	if c.SendRate > 0 && c.SendBurst <= 0 {
		ve.Add("connection.send_burst must be > 0 when send_rate is set")
	}
	if c.Breaker.MaxFailures == 0 {
		ve.Add("connection.breaker.max_failures must be > 0")
	}
}

func validateRPC(cfg *Config, ve *ValidationError) {
	if cfg.RPC.DefaultPollInterval <= 0 {
		ve.Add("rpc.default_poll_interval must be > 0")
	}
	if cfg.RPC.NotifyTimeout <= 0 {
		ve.Add("rpc.notify_timeout must be > 0")
	}
	if cfg.RPC.InboxSize <= 0 {
		ve.Add("rpc.inbox_size must be > 0")
	}
}

func validateFileContext(cfg *Config, ve *ValidationError) {
	switch cfg.FileContext.Backend {
	case "memory":
	case "sqlite":
		if cfg.FileContext.Path == "" {
			ve.Add("file_context.path is required for the sqlite backend")
		}
	default:
		ve.Add("file_context.backend %q must be memory or sqlite", cfg.FileContext.Backend)
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
}
