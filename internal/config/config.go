// Package config loads the campaign sync client configuration from an
// optional YAML file and CAMPAIGN_SYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/whisper/campaign-sync/internal/auth"
	"github.com/whisper/campaign-sync/internal/engine"
	"github.com/whisper/campaign-sync/internal/messaging"
	"github.com/whisper/campaign-sync/internal/session"
	"github.com/whisper/campaign-sync/internal/ws"
)

// Config is the full client configuration.
type Config struct {
	Environment string `yaml:"environment"`
	SocketURL   string `yaml:"socket_url"`
	HistoryURL  string `yaml:"history_url"`
	TokenURL    string `yaml:"token_url"`
	Token       string `yaml:"token"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Streaming StreamingConfig `yaml:"streaming"`
	Banners   BannersConfig   `yaml:"banners"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type ReconnectConfig struct {
	Floor     Duration `yaml:"floor"`
	Ceiling   Duration `yaml:"ceiling"`
	AuthRetry Duration `yaml:"auth_retry"`
}

type HeartbeatConfig struct {
	Interval     Duration `yaml:"interval"`
	WriteTimeout Duration `yaml:"write_timeout"`
	SendBuffer   int      `yaml:"send_buffer"`
}

type StreamingConfig struct {
	FlickerReset Duration `yaml:"flicker_reset"`
}

type BannersConfig struct {
	ErrorTimeout  Duration `yaml:"error_timeout"`
	TurnIndicator Duration `yaml:"turn_indicator"`
}

// RedisConfig enables the warm-state cache and the shared audio queue when
// Addr is set.
type RedisConfig struct {
	Addr   string   `yaml:"addr"`
	Prefix string   `yaml:"prefix"`
	TTL    Duration `yaml:"ttl"`
}

// NATSConfig enables change notifications when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig serves /metrics when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig selects the log level and an optional rotating log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the built-in configuration.
func Default() Config {
	sock := ws.DefaultConfig()
	eng := engine.DefaultConfig()
	return Config{
		Environment: "development",
		SocketURL:   sock.URL,
		HistoryURL:  "http://localhost:8080/campaigns/{campaign_id}/messages",
		Reconnect: ReconnectConfig{
			Floor:     D(sock.Floor),
			Ceiling:   D(sock.Ceiling),
			AuthRetry: D(sock.AuthRetry),
		},
		Heartbeat: HeartbeatConfig{
			Interval:     D(sock.Heartbeat.Interval),
			WriteTimeout: D(10 * time.Second),
			SendBuffer:   sock.Heartbeat.SendBuffer,
		},
		Streaming: StreamingConfig{FlickerReset: D(eng.FlickerReset)},
		Banners: BannersConfig{
			ErrorTimeout:  D(eng.ErrorTimeout),
			TurnIndicator: D(eng.TurnIndicator),
		},
		Redis: RedisConfig{
			Prefix: "campaign-sync:",
			TTL:    D(session.DefaultCacheTTL),
		},
		NATS:    NATSConfig{SubjectPrefix: messaging.DefaultSubjectPrefix},
		Metrics: MetricsConfig{},
		Log:     LogConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 3},
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.SocketURL == "" {
		errs = append(errs, errors.New("socket_url is required"))
	}
	positive := map[string]Duration{
		"reconnect.floor":         c.Reconnect.Floor,
		"reconnect.ceiling":       c.Reconnect.Ceiling,
		"reconnect.auth_retry":    c.Reconnect.AuthRetry,
		"streaming.flicker_reset": c.Streaming.FlickerReset,
		"banners.error_timeout":   c.Banners.ErrorTimeout,
		"banners.turn_indicator":  c.Banners.TurnIndicator,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key].Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Reconnect.Floor.Duration > c.Reconnect.Ceiling.Duration {
		errs = append(errs, fmt.Errorf("reconnect.floor (%s) exceeds reconnect.ceiling (%s)",
			c.Reconnect.Floor, c.Reconnect.Ceiling))
	}
	if c.Heartbeat.Interval.Duration < 0 {
		errs = append(errs, errors.New("heartbeat.interval must not be negative"))
	}
	if c.Heartbeat.SendBuffer <= 0 {
		errs = append(errs, errors.New("heartbeat.send_buffer must be positive"))
	}
	if c.Token != "" && c.TokenURL != "" {
		errs = append(errs, errors.New("set only one of token and token_url"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// AuthRequired reports whether the environment refuses unauthenticated
// sockets.
func (c Config) AuthRequired() bool {
	return auth.RequiredFor(c.Environment)
}

// Socket returns the connection manager configuration.
func (c Config) Socket() ws.Config {
	return ws.Config{
		URL:          c.SocketURL,
		Floor:        c.Reconnect.Floor.Duration,
		Ceiling:      c.Reconnect.Ceiling.Duration,
		AuthRetry:    c.Reconnect.AuthRetry.Duration,
		AuthRequired: c.AuthRequired(),
		Heartbeat: ws.HeartbeatConfig{
			Interval:   c.Heartbeat.Interval.Duration,
			SendBuffer: c.Heartbeat.SendBuffer,
		},
	}
}

// Engine returns the engine's timing configuration.
func (c Config) Engine() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.FlickerReset = c.Streaming.FlickerReset.Duration
	cfg.ErrorTimeout = c.Banners.ErrorTimeout.Duration
	cfg.TurnIndicator = c.Banners.TurnIndicator.Duration
	return cfg
}

// Credentials returns the credential source the configuration names.
func (c Config) Credentials() auth.Source {
	switch {
	case c.Token != "":
		return auth.Static(c.Token)
	case c.TokenURL != "":
		return auth.NewHTTPSource(c.TokenURL)
	default:
		return auth.None
	}
}

// SessionPrefix and AudioPrefix are the Redis key prefixes of the two
// Redis-backed components.
func (c Config) SessionPrefix() string { return c.Redis.Prefix + "session:" }
func (c Config) AudioPrefix() string   { return c.Redis.Prefix + "audio:" }
