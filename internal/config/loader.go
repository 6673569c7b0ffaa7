package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Partials tunables
	p := cfg.Partials
	if p.MinStabilityThreshold < 0.70 || p.MinStabilityThreshold > 0.95 {
		errs = append(errs, fmt.Errorf("partials.min_stability_threshold %.2f is out of range [0.70, 0.95]", p.MinStabilityThreshold))
	}
	if p.MaxBufferTimeout < 2*time.Second || p.MaxBufferTimeout > 10*time.Second {
		errs = append(errs, fmt.Errorf("partials.max_buffer_timeout %v is out of range [2s, 10s]", p.MaxBufferTimeout))
	}
	if p.PauseThreshold <= 0 {
		errs = append(errs, fmt.Errorf("partials.pause_threshold %v must be positive", p.PauseThreshold))
	}
	if p.OrphanTimeout <= p.MaxBufferTimeout {
		errs = append(errs, fmt.Errorf("partials.orphan_timeout %v must exceed max_buffer_timeout %v", p.OrphanTimeout, p.MaxBufferTimeout))
	}
	if p.MaxForwardsPerSecond < 1 {
		errs = append(errs, fmt.Errorf("partials.max_forwards_per_second %d must be at least 1", p.MaxForwardsPerSecond))
	}
	if p.DedupCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("partials.dedup_cache_ttl %v must be positive", p.DedupCacheTTL))
	}

	// Sessions
	if cfg.Sessions.MaxListeners < 1 {
		errs = append(errs, fmt.Errorf("sessions.max_listeners %d must be at least 1", cfg.Sessions.MaxListeners))
	}
	if cfg.Sessions.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sessions.idle_timeout %v must be positive", cfg.Sessions.IdleTimeout))
	}
	if cfg.Sessions.MaxAge < cfg.Sessions.IdleTimeout {
		errs = append(errs, fmt.Errorf("sessions.max_age %v must be at least idle_timeout %v", cfg.Sessions.MaxAge, cfg.Sessions.IdleTimeout))
	}

	// Fan-out
	if cfg.Fanout.MaxConcurrentBroadcasts < 1 {
		errs = append(errs, fmt.Errorf("fanout.max_concurrent_broadcasts %d must be at least 1", cfg.Fanout.MaxConcurrentBroadcasts))
	}
	if cfg.Fanout.MaxCacheEntries < 1 {
		errs = append(errs, fmt.Errorf("fanout.max_cache_entries %d must be at least 1", cfg.Fanout.MaxCacheEntries))
	}

	// Flags
	if rp := cfg.Providers.Flags.RolloutPercentage; rp < 0 || rp > 100 {
		errs = append(errs, fmt.Errorf("providers.flags.rollout_percentage %d is out of range [0, 100]", rp))
	}

	// Provider availability warnings. The server can start without upstream
	// providers configured (finals never arrive), which is only useful in
	// development.
	if cfg.Providers.ASR.Endpoint == "" {
		slog.Warn("providers.asr.endpoint is empty; no speech recognition will occur")
	}
	if cfg.Providers.MT.Endpoint == "" {
		slog.Warn("providers.mt.endpoint is empty; translations will fail")
	}
	if cfg.Providers.TTS.Endpoint == "" {
		slog.Warn("providers.tts.endpoint is empty; synthesis will fail")
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; sessions will not survive restarts")
	}

	return errors.Join(errs...)
}
