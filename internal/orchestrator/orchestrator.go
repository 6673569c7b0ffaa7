// Package orchestrator fans forwarded segments out to every listener.
//
// For each segment the orchestrator looks up which target languages
// currently have an audience, then runs translation, SSML shaping, and
// speech synthesis per language in parallel. One language failing never
// blocks the others: its error is logged and counted, and that language
// simply misses this segment. Translations are memoized, so a phrase that
// repeats (or a partial followed by an identical final) costs one upstream
// call, not one per occurrence.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/parlance-dev/parlance/internal/config"
	"github.com/parlance-dev/parlance/internal/directory"
	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/internal/resilience"
	"github.com/parlance-dev/parlance/pkg/provider/mt"
	"github.com/parlance-dev/parlance/pkg/provider/tts"
	"github.com/parlance-dev/parlance/pkg/types"
)

const (
	// translateTimeout bounds one machine-translation call.
	translateTimeout = 5 * time.Second

	// synthesizeTimeout bounds one speech-synthesis call.
	synthesizeTimeout = 5 * time.Second
)

// EmotionSource provides the current emotion sample for a session. The
// emotion analyzer implements it; tests substitute fixtures.
type EmotionSource interface {
	Sample(sessionID string) types.EmotionSample
}

// Orchestrator implements the processor's downstream: it receives clean
// segments and turns them into per-language synthesized audio deliveries.
// Safe for concurrent use.
type Orchestrator struct {
	mt       mt.Provider
	tts      tts.Provider
	emotions EmotionSource
	dir      *directory.Directory
	cache    *translationCache
	bc       *broadcaster
	metrics  *observe.Metrics

	mtBreaker  *resilience.Breaker
	ttsBreaker *resilience.Breaker
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithMetrics overrides the metrics instance (default: [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithCacheClock overrides the translation cache's time source. Intended for
// tests.
func WithCacheClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.cache.clock = clock }
}

// New creates an Orchestrator.
func New(cfg config.FanoutConfig, mtp mt.Provider, ttsp tts.Provider, emotions EmotionSource, dir *directory.Directory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		mt:         mtp,
		tts:        ttsp,
		emotions:   emotions,
		dir:        dir,
		cache:      newTranslationCache(cfg.CacheTTL, cfg.MaxCacheEntries, time.Now),
		mtBreaker:  resilience.NewBreaker(resilience.BreakerConfig{Name: "mt"}),
		ttsBreaker: resilience.NewBreaker(resilience.BreakerConfig{Name: "tts"}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.bc = newBroadcaster(dir, o.metrics, cfg.MaxConcurrentBroadcasts)
	return o
}

// Dispatch hands a segment to the fan-out without blocking the caller. The
// processor's event loop must never wait on upstream translation latency.
func (o *Orchestrator) Dispatch(ctx context.Context, seg types.Segment) {
	// The segment must outlive the triggering event's context; only session
	// teardown cancels in-flight fan-out.
	go o.fanOut(context.WithoutCancel(ctx), seg)
}

// FanOutSync runs the fan-out inline. Exposed for tests and for the
// shutdown drain, where the caller wants completion.
func (o *Orchestrator) FanOutSync(ctx context.Context, seg types.Segment) {
	o.fanOut(ctx, seg)
}

// ForgetSession releases per-session fan-out state. Called when the session
// ends.
func (o *Orchestrator) ForgetSession(sessionID string) {
	o.bc.forgetSession(sessionID)
}

// fanOut translates, shapes, synthesizes, and broadcasts seg for every
// target language with at least one listener.
func (o *Orchestrator) fanOut(ctx context.Context, seg types.Segment) {
	byLang := o.dir.Listeners(seg.SessionID)
	if len(byLang) == 0 {
		return
	}

	// The processor stamps the emotion sample current at forward time; fall
	// back to a live read for segments that arrived without one.
	emo := seg.Emotion
	if emo.ProducedAt.IsZero() {
		emo = o.emotions.Sample(seg.SessionID)
	}

	g, gctx := errgroup.WithContext(ctx)
	for lang := range byLang {
		g.Go(func() error {
			if err := o.processLanguage(gctx, seg, lang, emo); err != nil {
				slog.Warn("language fan-out failed, skipping segment for language",
					"session_id", seg.SessionID, "target_language", lang, "err", err)
			}
			// Per-language failures never cancel sibling languages.
			return nil
		})
	}
	_ = g.Wait()
}

// processLanguage runs the translate, shape, synthesize, broadcast chain for
// one target language.
func (o *Orchestrator) processLanguage(ctx context.Context, seg types.Segment, lang string, emo types.EmotionSample) error {
	if lang == seg.SourceLanguage {
		// Same-language listeners get the untranslated text re-voiced.
		return o.synthesizeAndSend(ctx, seg, lang, seg.Text, emo)
	}

	translated, err := o.translate(ctx, seg, lang)
	if err != nil {
		return err
	}
	return o.synthesizeAndSend(ctx, seg, lang, translated, emo)
}

// translate returns the segment text in lang, consulting the cache first.
func (o *Orchestrator) translate(ctx context.Context, seg types.Segment, lang string) (string, error) {
	if cached, ok := o.cache.get(seg.SourceLanguage, lang, seg.Text); ok {
		o.metrics.RecordCacheHit(ctx, lang)
		return cached, nil
	}

	var translated string
	start := time.Now()
	err := o.mtBreaker.Execute(func() error {
		return resilience.Retry(ctx, resilience.RetryConfig{}, func() error {
			callCtx, cancel := context.WithTimeout(ctx, translateTimeout)
			defer cancel()
			var err error
			translated, err = o.mt.Translate(callCtx, seg.Text, seg.SourceLanguage, lang)
			return err
		})
	})
	o.metrics.TranslateDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("target_language", lang)))
	if err != nil {
		if errors.Is(err, mt.ErrUnsupportedLanguage) {
			o.metrics.RecordProviderError(ctx, "mt", "unsupported_language")
			return "", fmt.Errorf("orchestrator: %s to %s: %w", seg.SourceLanguage, lang, err)
		}
		o.metrics.RecordProviderError(ctx, "mt", "translate")
		return "", fmt.Errorf("orchestrator: translate to %s: %w", lang, err)
	}

	o.cache.put(seg.SourceLanguage, lang, seg.Text, translated)
	return translated, nil
}

// synthesizeAndSend shapes text into SSML, synthesizes it, and broadcasts
// the audio to the language's listeners.
func (o *Orchestrator) synthesizeAndSend(ctx context.Context, seg types.Segment, lang, text string, emo types.EmotionSample) error {
	voice, ok := voiceFor(lang)
	if !ok {
		o.metrics.RecordProviderError(ctx, "tts", "no_voice")
		return fmt.Errorf("orchestrator: no synthesis voice for %q", lang)
	}

	ssml := buildSSML(text, emo)

	var pcm []byte
	start := time.Now()
	err := o.ttsBreaker.Execute(func() error {
		return resilience.Retry(ctx, resilience.RetryConfig{}, func() error {
			callCtx, cancel := context.WithTimeout(ctx, synthesizeTimeout)
			defer cancel()
			var err error
			pcm, err = o.tts.Synthesize(callCtx, ssml, voice, tts.DefaultSpec)
			return err
		})
	})
	o.metrics.SynthesizeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		o.metrics.RecordProviderError(ctx, "tts", "synthesize")
		return fmt.Errorf("orchestrator: synthesize for %s: %w", lang, err)
	}

	// Caption first, then audio: the playback queue preserves push order, so
	// listeners render the text before (or while) the audio plays.
	transcriptType := "finalTranscript"
	if seg.IsPartial {
		transcriptType = "partialTranscript"
	}
	originMs := seg.OriginTimestamp.UnixMilli()
	transcript, err := json.Marshal(TranscriptFrame{
		Type:            transcriptType,
		SessionID:       seg.SessionID,
		TargetLanguage:  lang,
		Text:            text,
		OriginTimestamp: originMs,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: marshal transcript frame: %w", err)
	}
	chunk, err := json.Marshal(AudioChunkFrame{
		Type:            "audioChunk",
		SessionID:       seg.SessionID,
		TargetLanguage:  lang,
		AudioData:       pcm,
		SampleRate:      tts.DefaultSpec.SampleRate,
		OriginTimestamp: originMs,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: marshal audio chunk frame: %w", err)
	}
	return o.bc.broadcast(ctx, seg.SessionID, lang, [][]byte{transcript, chunk}, seg.OriginTimestamp)
}
