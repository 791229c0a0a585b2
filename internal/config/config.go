// Package config loads client and dev server settings from the environment
// and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Client configures the chat client core.
type Client struct {
	// BaseURL is the HTTP API root, e.g. http://localhost:8080.
	BaseURL string `mapstructure:"CHAT_BASE_URL"`
	// WSURL is the realtime endpoint. Derived from BaseURL when empty.
	WSURL string `mapstructure:"CHAT_WS_URL"`

	HTTPTimeout       time.Duration `mapstructure:"CHAT_HTTP_TIMEOUT"`
	ReconnectAttempts int           `mapstructure:"CHAT_RECONNECT_ATTEMPTS"`
	ReconnectDelay    time.Duration `mapstructure:"CHAT_RECONNECT_DELAY"`
	ConnectTimeout    time.Duration `mapstructure:"CHAT_CONNECT_TIMEOUT"`
	AckTimeout        time.Duration `mapstructure:"CHAT_ACK_TIMEOUT"`

	RedirectLock  time.Duration `mapstructure:"CHAT_REDIRECT_LOCK"`
	RedirectReset time.Duration `mapstructure:"CHAT_REDIRECT_RESET"`
	ToastWindow   time.Duration `mapstructure:"CHAT_TOAST_WINDOW"`

	// RedisAddr enables the Redis session persister when set.
	RedisAddr  string `mapstructure:"CHAT_REDIS_ADDR"`
	SessionKey string `mapstructure:"CHAT_SESSION_KEY"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// Server configures the development backend.
type Server struct {
	Addr      string `mapstructure:"ADDR"`
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// DatabaseDSN selects the Postgres store. Users and messages are kept in
	// memory when empty.
	DatabaseDSN string `mapstructure:"DB_DSN"`
	// RedisAddr enables cross-instance fan-out of realtime events.
	RedisAddr  string        `mapstructure:"REDIS_ADDR"`
	AccessTTL  time.Duration `mapstructure:"ACCESS_TTL"`
	RefreshTTL time.Duration `mapstructure:"REFRESH_TTL"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine
	v.AutomaticEnv()
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	return v
}

// LoadClient reads the client configuration.
func LoadClient() (*Client, error) {
	v := newViper()
	v.SetDefault("CHAT_BASE_URL", "http://localhost:8080")
	v.SetDefault("CHAT_WS_URL", "")
	v.SetDefault("CHAT_HTTP_TIMEOUT", "15s")
	v.SetDefault("CHAT_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("CHAT_RECONNECT_DELAY", "1s")
	v.SetDefault("CHAT_CONNECT_TIMEOUT", "10s")
	v.SetDefault("CHAT_ACK_TIMEOUT", "10s")
	v.SetDefault("CHAT_REDIRECT_LOCK", "10s")
	v.SetDefault("CHAT_REDIRECT_RESET", "2s")
	v.SetDefault("CHAT_TOAST_WINDOW", "3s")
	v.SetDefault("CHAT_REDIS_ADDR", "")
	v.SetDefault("CHAT_SESSION_KEY", "chat:session")

	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, errors.New("config: CHAT_BASE_URL must be an absolute http(s) URL")
	}
	if cfg.WSURL == "" {
		cfg.WSURL = WebsocketURL(base)
	}
	if cfg.ReconnectAttempts < 0 {
		return nil, errors.New("config: CHAT_RECONNECT_ATTEMPTS must not be negative")
	}
	if cfg.RedirectLock <= 0 || cfg.ToastWindow <= 0 {
		return nil, errors.New("config: CHAT_REDIRECT_LOCK and CHAT_TOAST_WINDOW must be positive")
	}
	return &cfg, nil
}

// WebsocketURL maps an API root to its realtime endpoint.
func WebsocketURL(base *url.URL) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String()
}

// LoadServer reads the dev server configuration.
func LoadServer() (*Server, error) {
	v := newViper()
	v.SetDefault("ADDR", ":8080")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("ACCESS_TTL", "15m")
	v.SetDefault("REFRESH_TTL", "168h")

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Addr == "" {
		return nil, errors.New("config: ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("config: JWT_SECRET must be set")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("config: ACCESS_TTL and REFRESH_TTL must be positive")
	}
	return &cfg, nil
}

// ParseLevel maps LOG_LEVEL to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
