package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// duration decodes YAML scalars like "3s" or "1h30m" into a time.Duration.
// Bare numbers are read as seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = duration(v)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err == nil {
		*d = duration(secs * float64(time.Second))
		return nil
	}
	return fmt.Errorf("config: cannot parse %q as a duration", value.Value)
}

// UnmarshalYAML accepts human-readable duration strings for the timing
// fields.
func (p *PartialsConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MinStabilityThreshold float64  `yaml:"min_stability_threshold"`
		MaxBufferTimeout      duration `yaml:"max_buffer_timeout"`
		PauseThreshold        duration `yaml:"pause_threshold"`
		OrphanTimeout         duration `yaml:"orphan_timeout"`
		MaxForwardsPerSecond  int      `yaml:"max_forwards_per_second"`
		DedupCacheTTL         duration `yaml:"dedup_cache_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.MinStabilityThreshold = raw.MinStabilityThreshold
	p.MaxBufferTimeout = time.Duration(raw.MaxBufferTimeout)
	p.PauseThreshold = time.Duration(raw.PauseThreshold)
	p.OrphanTimeout = time.Duration(raw.OrphanTimeout)
	p.MaxForwardsPerSecond = raw.MaxForwardsPerSecond
	p.DedupCacheTTL = time.Duration(raw.DedupCacheTTL)
	return nil
}

// UnmarshalYAML accepts human-readable duration strings for the timing
// fields.
func (s *SessionsConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxListeners int      `yaml:"max_listeners"`
		IdleTimeout  duration `yaml:"idle_timeout"`
		MaxAge       duration `yaml:"max_age"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.MaxListeners = raw.MaxListeners
	s.IdleTimeout = time.Duration(raw.IdleTimeout)
	s.MaxAge = time.Duration(raw.MaxAge)
	return nil
}

// UnmarshalYAML accepts human-readable duration strings for the cache TTL.
func (f *FanoutConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxConcurrentBroadcasts int      `yaml:"max_concurrent_broadcasts"`
		CacheTTL                duration `yaml:"cache_ttl"`
		MaxCacheEntries         int      `yaml:"max_cache_entries"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	f.MaxConcurrentBroadcasts = raw.MaxConcurrentBroadcasts
	f.CacheTTL = time.Duration(raw.CacheTTL)
	f.MaxCacheEntries = raw.MaxCacheEntries
	return nil
}
