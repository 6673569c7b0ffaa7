// Package processor turns the raw partial/final result stream from the
// speech recognizer into a clean, rate-limited sequence of segments for the
// translation fan-out.
//
// Each session owns one [Processor]. Partials pass through five filters in
// order: stream-health fallback, the per-session feature gate, the rate
// limiter, the stability gate, and the phrase-boundary buffer. Finals bypass
// all of them: a final always supersedes the partials it replaces and is
// forwarded as soon as the dedup cache clears it.
package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/parlance-dev/parlance/internal/flags"
	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/internal/textnorm"
	"github.com/parlance-dev/parlance/pkg/types"
)

const (
	// streamSilenceTimeout is how long the recognizer may go quiet before
	// the processor falls back to finals-only mode.
	streamSilenceTimeout = 10 * time.Second

	// orphanSweepInterval is the minimum time between orphan sweeps.
	orphanSweepInterval = 5 * time.Second

	// unknownStabilityAge is how long an unknown-stability partial must age
	// in the buffer before a timeout flush may trust it.
	unknownStabilityAge = 3 * time.Second

	// discrepancyThreshold is the normalized edit distance above which a
	// final is logged as diverging from the partial already forwarded.
	discrepancyThreshold = 0.20

	// discrepancyLogLimit truncates logged transcript excerpts.
	discrepancyLogLimit = 80
)

// Downstream receives forwarded segments. Implementations must not block;
// the orchestrator hands each segment to its own goroutine.
type Downstream interface {
	Dispatch(ctx context.Context, seg types.Segment)
}

// EmotionSource provides the session's current emotion sample, stamped onto
// each forwarded segment. May be nil when no analyzer is attached.
type EmotionSource interface {
	Sample(sessionID string) types.EmotionSample
}

// Config carries the per-session effective tunables. The runtime layer
// resolves precedence (flag override, then session tunable, then global
// default) before constructing the processor.
type Config struct {
	SessionID      string
	SourceLanguage string

	// MinStability is the cutoff below which partials are discarded.
	MinStability float64

	// MaxBufferTimeout force-flushes buffered partials at this age.
	MaxBufferTimeout time.Duration

	// PauseThreshold is the recognizer silence treated as a phrase boundary.
	PauseThreshold time.Duration

	// OrphanTimeout flushes buffered results that no final ever claimed.
	OrphanTimeout time.Duration

	// MaxForwardsPerSecond caps downstream forwards.
	MaxForwardsPerSecond int

	// DedupTTL is how long forwarded text hashes are remembered.
	DedupTTL time.Duration
}

// Processor is the per-session partial-result pipeline. Safe for concurrent
// use; all state is guarded by one mutex since events for a single session
// arrive at speech cadence.
type Processor struct {
	cfg        Config
	gate       *flags.Gate
	downstream Downstream
	emotions   EmotionSource
	metrics    *observe.Metrics
	clock      func() time.Time

	mu              sync.Mutex
	window          *rateWindow
	buf             *resultBuffer
	dedup           *dedupCache
	forwardedTexts  map[string]string // result ID -> text as forwarded
	lastEventAt     time.Time
	lastAudioAt     time.Time
	lastForwardedAt time.Time
	lastOrphanSweep time.Time
	fallback        bool
}

// Option configures a [Processor].
type Option func(*Processor)

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Processor) { p.clock = clock }
}

// WithMetrics overrides the metrics instance (default: [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithEmotionSource attaches the emotion analyzer so forwarded segments carry
// the session's current emotion sample.
func WithEmotionSource(src EmotionSource) Option {
	return func(p *Processor) { p.emotions = src }
}

// New creates a Processor for one session. The gate may be nil, in which
// case partials are always processed (used by tests and by deployments
// without a flag service).
func New(cfg Config, gate *flags.Gate, downstream Downstream, opts ...Option) *Processor {
	p := &Processor{
		cfg:            cfg,
		gate:           gate,
		downstream:     downstream,
		clock:          time.Now,
		window:         newRateWindow(cfg.MaxForwardsPerSecond),
		buf:            newResultBuffer(),
		dedup:          newDedupCache(cfg.DedupTTL),
		forwardedTexts: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	now := p.clock()
	p.lastEventAt = now
	p.lastForwardedAt = now
	p.lastOrphanSweep = now
	return p
}

// HandlePartial processes one partial result from the recognizer.
func (p *Processor) HandlePartial(ctx context.Context, res types.PartialResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	p.lastEventAt = now

	if p.fallback {
		// Partials are flowing again; leave finals-only mode.
		p.fallback = false
		slog.Info("partial stream recovered", "session_id", p.cfg.SessionID)
	}

	enabled, minStability, maxBufferTimeout := p.effectiveSettings(ctx)
	if !enabled {
		p.metrics.RecordPartialDropped(ctx, "disabled")
		return
	}

	released, dropped := p.window.add(res, now)
	for range dropped {
		p.metrics.RecordPartialDropped(ctx, "rate_limited")
	}
	for _, r := range released {
		p.admit(ctx, r, now, minStability, maxBufferTimeout)
	}
}

// NoteAudio records that speaker audio reached the recognizer. The stream
// health probe only fires for sessions that emit audio without getting
// results back, never for ones that simply went quiet.
func (p *Processor) NoteAudio() {
	p.mu.Lock()
	p.lastAudioAt = p.clock()
	p.mu.Unlock()
}

// HandleFinal processes one final result. Finals bypass the gate, the
// stability filter, and the rate limiter.
func (p *Processor) HandleFinal(ctx context.Context, res types.FinalResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	p.lastEventAt = now

	// Drop every buffered partial the final supersedes: the ones it names,
	// then anything else within the replace window around its origin.
	removed := 0
	superseded := make([]string, 0, len(res.Replaces))
	for _, id := range res.Replaces {
		if e := p.buf.removeByID(id); e != nil {
			removed++
		}
		superseded = append(superseded, id)
	}
	for _, e := range p.buf.removeWindow(res.OriginTimestamp) {
		removed++
		superseded = append(superseded, e.result.ResultID)
	}
	if removed > 0 {
		p.metrics.BufferedResults.Add(ctx, int64(-removed))
	}

	p.checkDiscrepancy(res, superseded)
	for _, id := range superseded {
		delete(p.forwardedTexts, id)
	}

	p.forward(ctx, types.Segment{
		SessionID:       p.cfg.SessionID,
		SourceLanguage:  p.cfg.SourceLanguage,
		Text:            res.Text,
		IsPartial:       false,
		Stability:       1,
		OriginTimestamp: res.OriginTimestamp,
	}, now)
}

// Tick runs periodic maintenance: releasing a trailing rate-window
// candidate, flushing aged and orphaned buffer entries, and checking stream
// health. The session runtime calls it about once per second.
func (p *Processor) Tick(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	_, minStability, maxBufferTimeout := p.effectiveSettings(ctx)

	for _, r := range p.window.flush(now) {
		p.admit(ctx, r, now, minStability, maxBufferTimeout)
	}

	// Aged entries hit their buffer timeout without a boundary. Entries the
	// stability gate still holds back stay for a final or the orphan sweep.
	for _, e := range p.buf.aged(now, maxBufferTimeout) {
		if stabilityCleared(e, now, minStability) {
			p.forwardBuffered(ctx, e, now)
		}
	}

	p.sweepOrphans(ctx, now)

	if !p.fallback && p.lastAudioAt.After(p.lastEventAt) &&
		now.Sub(p.lastEventAt) > streamSilenceTimeout {
		p.fallback = true
		p.metrics.FallbackTriggered.Add(ctx, 1)
		slog.Warn("recognizer stream silent, falling back to finals only",
			"session_id", p.cfg.SessionID, "silence", now.Sub(p.lastEventAt))
	}
}

// BufferedCount returns the number of buffered results. For tests and the
// session runtime's shutdown drain.
func (p *Processor) BufferedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// admit places a rate-cleared partial into the buffer and forwards it
// immediately when the stability gate clears it and it already sits on a
// phrase boundary. Caller holds p.mu.
func (p *Processor) admit(ctx context.Context, res types.PartialResult, now time.Time, minStability float64, maxBufferTimeout time.Duration) {
	evicted := p.buf.add(res, now, minStability)
	p.metrics.BufferedResults.Add(ctx, 1)
	if len(evicted) > 0 {
		// Word cap exceeded: the oldest eligible entries leave the buffer
		// now, forwarded if they never were.
		p.metrics.BufferOverflow.Add(ctx, int64(len(evicted)))
		p.metrics.BufferedResults.Add(ctx, int64(-len(evicted)))
		for _, e := range evicted {
			if !e.forwarded {
				p.forwardEntry(ctx, e, now, true)
			}
		}
	}

	// Low-stability partials wait in the buffer for a final, a timeout
	// flush, or the orphan sweep. So do unknown-stability ones, which earn
	// trust only by aging.
	if !res.StabilityKnown || res.Stability < minStability {
		return
	}
	sinceForward := now.Sub(p.lastForwardedAt)
	if phraseBoundary(res.Text, sinceForward, 0, p.cfg.PauseThreshold, maxBufferTimeout) {
		if e := p.findEntry(res.ResultID); e != nil {
			p.forwardBuffered(ctx, e, now)
		}
	}
}

// forwardBuffered forwards a buffered entry once. The entry stays in the
// buffer so a later final can still claim it. Caller holds p.mu.
func (p *Processor) forwardBuffered(ctx context.Context, e *bufferedResult, now time.Time) {
	if e.forwarded {
		return
	}
	e.forwarded = true
	p.forwardEntry(ctx, e, now, true)
}

// forwardEntry emits the entry downstream and records its text for the
// discrepancy check. Reaped orphans go out with asPartial=false: no final is
// coming, the text is as complete as it will ever be. Caller holds p.mu.
func (p *Processor) forwardEntry(ctx context.Context, e *bufferedResult, now time.Time, asPartial bool) {
	res := e.result
	if p.forward(ctx, types.Segment{
		SessionID:       p.cfg.SessionID,
		SourceLanguage:  p.cfg.SourceLanguage,
		Text:            res.Text,
		IsPartial:       asPartial,
		Stability:       res.Stability,
		OriginTimestamp: res.OriginTimestamp,
	}, now) {
		p.forwardedTexts[res.ResultID] = res.Text
	}
}

// forward runs the dedup check and hands the segment to the downstream.
// Returns false when the segment was a duplicate. Caller holds p.mu.
func (p *Processor) forward(ctx context.Context, seg types.Segment, now time.Time) bool {
	hash := textnorm.Hash16(seg.Text)
	if p.dedup.seen(hash, now) {
		p.metrics.DuplicatesDetected.Add(ctx, 1)
		if seg.IsPartial {
			p.metrics.RecordPartialDropped(ctx, "duplicate")
		}
		return false
	}
	// Record before dispatch so a concurrent identical result arriving while
	// the downstream works cannot slip through.
	p.dedup.record(hash, now)
	p.lastForwardedAt = now

	if p.emotions != nil {
		seg.Emotion = p.emotions.Sample(seg.SessionID)
	}
	if !seg.OriginTimestamp.IsZero() {
		p.metrics.ForwardDuration.Record(ctx, now.Sub(seg.OriginTimestamp).Seconds())
	}
	p.downstream.Dispatch(ctx, seg)
	return true
}

// sweepOrphans flushes buffered results that outlived the orphan timeout
// without a final claiming them. Runs at most every orphanSweepInterval.
// Caller holds p.mu.
func (p *Processor) sweepOrphans(ctx context.Context, now time.Time) {
	if now.Sub(p.lastOrphanSweep) < orphanSweepInterval {
		return
	}
	p.lastOrphanSweep = now

	for _, e := range p.buf.orphans(now, p.cfg.OrphanTimeout) {
		if !e.forwarded {
			e.forwarded = true
			p.forwardEntry(ctx, e, now, false)
			p.metrics.OrphanedResultsFlushed.Add(ctx, 1)
		}
		p.buf.removeByID(e.result.ResultID)
		p.metrics.BufferedResults.Add(ctx, -1)
		delete(p.forwardedTexts, e.result.ResultID)
	}
}

// checkDiscrepancy compares the final's text against the superseded partials
// already forwarded for the same utterance and logs when they diverge badly.
// Listeners already heard the partial; there is no retraction, only an
// operator signal. Caller holds p.mu.
func (p *Processor) checkDiscrepancy(res types.FinalResult, superseded []string) {
	finalNorm := textnorm.Normalize(res.Text)
	for _, id := range superseded {
		sent, ok := p.forwardedTexts[id]
		if !ok {
			continue
		}
		sentNorm := textnorm.Normalize(sent)
		if d := normalizedDistance(sentNorm, finalNorm); d > discrepancyThreshold {
			slog.Warn("final transcript diverges from forwarded partial",
				"session_id", p.cfg.SessionID,
				"result_id", id,
				"distance", d,
				"partial", truncate(sent, discrepancyLogLimit),
				"final", truncate(res.Text, discrepancyLogLimit),
			)
		}
	}
}

// effectiveSettings resolves the gate decision and tunable overrides for
// this event. Without a gate, partials are always enabled. Caller holds p.mu.
func (p *Processor) effectiveSettings(ctx context.Context) (enabled bool, minStability float64, maxBufferTimeout time.Duration) {
	minStability = p.cfg.MinStability
	maxBufferTimeout = p.cfg.MaxBufferTimeout
	if p.gate == nil {
		return true, minStability, maxBufferTimeout
	}
	d := p.gate.Evaluate(ctx, p.cfg.SessionID)
	if d.MinStabilityThreshold > 0 {
		minStability = d.MinStabilityThreshold
	}
	if d.MaxBufferTimeout > 0 {
		maxBufferTimeout = d.MaxBufferTimeout
	}
	return d.PartialsEnabled, minStability, maxBufferTimeout
}

// findEntry locates a buffer entry by result ID. Caller holds p.mu.
func (p *Processor) findEntry(id string) *bufferedResult {
	for _, e := range p.buf.entries {
		if e.result.ResultID == id {
			return e
		}
	}
	return nil
}

// stabilityCleared reports whether the entry may leave the buffer through a
// timeout flush: its stability met the threshold, or the recognizer never
// reported one and the entry has aged past the trust window.
func stabilityCleared(e *bufferedResult, now time.Time, minStability float64) bool {
	if e.result.StabilityKnown {
		return e.result.Stability >= minStability
	}
	return e.age(now) >= unknownStabilityAge
}

// normalizedDistance is the Levenshtein distance divided by the longer
// length, in [0, 1].
func normalizedDistance(a, b string) float64 {
	if a == b {
		return 0
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	return float64(matchr.Levenshtein(a, b)) / float64(longest)
}

// truncate shortens s for log output.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
