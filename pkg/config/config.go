// Package config holds the environment-driven configuration for the proxy.
// Every knob is a PW_* environment variable so the container deployment story
// stays a plain env-file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// TLS serving modes for the proxy listener. ModeSimulated serves plain HTTP
// but issues cookies with Secure attributes, for deployments behind an
// external TLS terminator.
const (
	TLSModeOff       = "no"
	TLSModeOn        = "yes"
	TLSModeSimulated = "http"
)

// Auth modes against the local gateway.
const (
	AuthModeCookie = "cookie"
	AuthModeToken  = "token"
)

// Config is the full configuration surface. Host empty selects cloud mode;
// that decision is made once at startup and never changes at runtime.
type Config struct {
	BindAddress  string `env:"PW_BIND_ADDRESS"`
	Password     string `env:"PW_PASSWORD"`
	Email        string `env:"PW_EMAIL" envDefault:"email@example.com"`
	Host         string `env:"PW_HOST"`
	Timezone     string `env:"PW_TIMEZONE" envDefault:"America/Los_Angeles"`
	Debug        bool   `env:"PW_DEBUG"`
	CacheExpire  int    `env:"PW_CACHE_EXPIRE" envDefault:"5"`
	BrowserCache int    `env:"PW_BROWSER_CACHE" envDefault:"0"`
	Timeout      int    `env:"PW_TIMEOUT" envDefault:"5"`
	PoolMaxSize  int    `env:"PW_POOL_MAXSIZE" envDefault:"15"`
	TLSMode      string `env:"PW_HTTPS" envDefault:"no"`
	Port         int    `env:"PW_PORT" envDefault:"8675"`
	Style        string `env:"PW_STYLE" envDefault:"clear"`
	SiteID       string `env:"PW_SITEID"`
	AuthPath     string `env:"PW_AUTH_PATH"`
	AuthMode     string `env:"PW_AUTH_MODE" envDefault:"cookie"`
	CacheFile    string `env:"PW_CACHEFILE" envDefault:".powerwall"`
	WebRoot      string `env:"PW_WEB_ROOT"`
	CertFile     string `env:"PW_CERT_FILE"`
	KeyFile      string `env:"PW_KEY_FILE"`
}

// Load parses the environment and validates the enumerated fields.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the enumerations and ranges beyond what env tags express.
func (c Config) Validate() error {
	switch c.AuthMode {
	case AuthModeCookie, AuthModeToken:
	default:
		return fmt.Errorf("PW_AUTH_MODE must be %q or %q, got %q", AuthModeCookie, AuthModeToken, c.AuthMode)
	}
	switch c.TLSMode {
	case TLSModeOff, TLSModeOn, TLSModeSimulated:
	default:
		return fmt.Errorf("PW_HTTPS must be %q, %q or %q, got %q", TLSModeOff, TLSModeOn, TLSModeSimulated, c.TLSMode)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("PW_TIMEOUT must be positive, got %d", c.Timeout)
	}
	if c.CacheExpire < 0 {
		return fmt.Errorf("PW_CACHE_EXPIRE must not be negative, got %d", c.CacheExpire)
	}
	if c.PoolMaxSize < 0 {
		return fmt.Errorf("PW_POOL_MAXSIZE must not be negative, got %d", c.PoolMaxSize)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PW_PORT must be a valid port, got %d", c.Port)
	}
	if c.TLSMode == TLSModeOn && (c.CertFile == "" || c.KeyFile == "") {
		return fmt.Errorf("PW_HTTPS=yes requires PW_CERT_FILE and PW_KEY_FILE")
	}
	return nil
}

// CloudMode reports whether the proxy talks to the cloud API instead of a
// local gateway.
func (c Config) CloudMode() bool {
	return c.Host == ""
}

// CacheTTL is the response cache expiry.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheExpire) * time.Second
}

// NetTimeout bounds every upstream HTTP call.
func (c Config) NetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// ListenAddr is the bind address for the proxy listener.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// CookieSuffix returns the attributes appended to re-issued session cookies.
// Secure attributes are used in both real and simulated TLS modes so the
// dashboard works behind an external terminator.
func (c Config) CookieSuffix() string {
	if c.TLSMode == TLSModeOn || c.TLSMode == TLSModeSimulated {
		return "path=/;SameSite=None;Secure;"
	}
	return "path=/;"
}
