package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CAMPAIGN_SYNC_"

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config file not found: %s", path)
			}
			return Config{}, fmt.Errorf("cannot read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays CAMPAIGN_SYNC_* variables read through getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	get := func(key string) string { return getenv(EnvPrefix + key) }

	strs := map[string]*string{
		"ENVIRONMENT":         &cfg.Environment,
		"SOCKET_URL":          &cfg.SocketURL,
		"HISTORY_URL":         &cfg.HistoryURL,
		"TOKEN_URL":           &cfg.TokenURL,
		"TOKEN":               &cfg.Token,
		"REDIS_ADDR":          &cfg.Redis.Addr,
		"REDIS_PREFIX":        &cfg.Redis.Prefix,
		"NATS_URL":            &cfg.NATS.URL,
		"NATS_SUBJECT_PREFIX": &cfg.NATS.SubjectPrefix,
		"METRICS_LISTEN_ADDR": &cfg.Metrics.ListenAddr,
		"LOG_LEVEL":           &cfg.Log.Level,
		"LOG_FILE":            &cfg.Log.File,
	}
	for key, dst := range strs {
		if v := get(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"RECONNECT_FLOOR":         &cfg.Reconnect.Floor,
		"RECONNECT_CEILING":       &cfg.Reconnect.Ceiling,
		"RECONNECT_AUTH_RETRY":    &cfg.Reconnect.AuthRetry,
		"HEARTBEAT_INTERVAL":      &cfg.Heartbeat.Interval,
		"HEARTBEAT_WRITE_TIMEOUT": &cfg.Heartbeat.WriteTimeout,
		"FLICKER_RESET":           &cfg.Streaming.FlickerReset,
		"ERROR_TIMEOUT":           &cfg.Banners.ErrorTimeout,
		"TURN_INDICATOR":          &cfg.Banners.TurnIndicator,
		"REDIS_TTL":               &cfg.Redis.TTL,
	}
	for _, key := range sortedKeys(durations) {
		v := get(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: invalid duration %q: %w", EnvPrefix, key, v, err)
		}
		durations[key].Duration = d
	}

	if v := get("HEARTBEAT_SEND_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sHEARTBEAT_SEND_BUFFER: %w", EnvPrefix, err)
		}
		cfg.Heartbeat.SendBuffer = n
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
