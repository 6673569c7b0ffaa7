package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Execute] while the breaker is open
// and the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("breaker is open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards all calls.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls immediately until the cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen lets a single probe call through; success closes the
	// breaker, failure re-opens it.
	BreakerHalfOpen
)

// String returns the human-readable name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the protected upstream in log messages (e.g. "mt", "tts").
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before allowing a probe.
	// Default: 15s.
	Cooldown time.Duration
}

// Breaker is a three-state circuit breaker guarding one upstream service.
// A session keeps translating for its healthy languages while the breaker
// sheds load from an upstream that is failing consistently.
//
// Breaker is safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a [Breaker]. Zero-value config fields get defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		state:     BreakerClosed,
	}
}

// Execute runs fn unless the breaker is open. In the half-open state only one
// probe call is admitted at a time; concurrent callers get [ErrBreakerOpen].
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		slog.Info("breaker half-open, probing", "name", b.name)
		fallthrough
	case BreakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err != nil {
		b.failures++
		if b.state == BreakerHalfOpen || b.failures >= b.threshold {
			if b.state != BreakerOpen {
				slog.Warn("breaker opened",
					"name", b.name, "consecutive_failures", b.failures)
			}
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
		return err
	}

	if b.state == BreakerHalfOpen {
		slog.Info("breaker closed after successful probe", "name", b.name)
	}
	b.state = BreakerClosed
	b.failures = 0
	return nil
}

// State returns the current state, accounting for an elapsed cooldown.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}
