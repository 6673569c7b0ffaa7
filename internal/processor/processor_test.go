package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/pkg/types"
)

// capture records dispatched segments.
type capture struct {
	mu   sync.Mutex
	segs []types.Segment
}

func (c *capture) Dispatch(_ context.Context, seg types.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segs = append(c.segs, seg)
}

func (c *capture) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.segs))
	for i, s := range c.segs {
		out[i] = s.Text
	}
	return out
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.segs)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		SessionID:            "amber-otter-312",
		SourceLanguage:       "en",
		MinStability:         0.85,
		MaxBufferTimeout:     3 * time.Second,
		PauseThreshold:       2 * time.Second,
		OrphanTimeout:        15 * time.Second,
		MaxForwardsPerSecond: 5,
		DedupTTL:             10 * time.Second,
	}
}

func newTestProcessor(t *testing.T, opts ...Option) (*Processor, *capture, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	down := &capture{}
	opts = append([]Option{WithClock(clock.Now), WithMetrics(m)}, opts...)
	p := New(testConfig(), nil, down, opts...)
	return p, down, clock
}

func partial(id, text string, stability float64, origin time.Time) types.PartialResult {
	return types.PartialResult{
		ResultID:        id,
		Text:            text,
		Stability:       stability,
		StabilityKnown:  true,
		OriginTimestamp: origin,
		SessionID:       "amber-otter-312",
		SourceLanguage:  "en",
	}
}

func TestHandlePartial_StabilityFilter(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	// Below the stability cutoff: held in the buffer for a final to claim,
	// never forwarded on its own boundary.
	p.HandlePartial(ctx, partial("r1", "low confidence guess.", 0.60, clock.Now()))
	clock.Advance(time.Second)
	p.Tick(ctx)

	if down.count() != 0 {
		t.Errorf("low-stability partial was forwarded: %v", down.texts())
	}
	if p.BufferedCount() != 1 {
		t.Errorf("buffered count = %d, want the partial held for a final", p.BufferedCount())
	}

	// The timeout flush must not trust it either.
	clock.Advance(3 * time.Second)
	p.Tick(ctx)
	if down.count() != 0 {
		t.Errorf("timeout flush forwarded a low-stability partial: %v", down.texts())
	}
}

func TestHandlePartial_UnknownStabilityAgesIntoTrust(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	res := partial("r1", "hard to score", 0, clock.Now())
	res.StabilityKnown = false
	p.HandlePartial(ctx, res)
	clock.Advance(time.Second)
	p.Tick(ctx) // releases the rate window into the buffer

	// Still inside the trust window: held.
	clock.Advance(2500 * time.Millisecond)
	p.Tick(ctx)
	if down.count() != 0 {
		t.Errorf("unknown-stability partial forwarded early: %v", down.texts())
	}

	// Past three seconds buffered, the timeout flush may trust it.
	clock.Advance(time.Second)
	p.Tick(ctx)
	if got := down.texts(); len(got) != 1 || got[0] != "hard to score" {
		t.Fatalf("forwarded = %v, want the aged unknown-stability partial", got)
	}
}

func TestHandlePartial_SentenceBoundaryForwardsImmediately(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	// First partial opens the rate window; a tick past the window span
	// releases it into the buffer, where the terminal punctuation forwards
	// it at once.
	p.HandlePartial(ctx, partial("r1", "Hello everyone.", 0.92, clock.Now()))
	clock.Advance(250 * time.Millisecond)
	p.Tick(ctx)

	got := down.texts()
	if len(got) != 1 || got[0] != "Hello everyone." {
		t.Fatalf("forwarded = %v, want [Hello everyone.]", got)
	}
}

func TestRateWindow_KeepsBestCandidate(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	// Three partials inside one 200ms window; only the most stable one may
	// come out.
	origin := clock.Now()
	p.HandlePartial(ctx, partial("r1", "Welcome to the.", 0.86, origin))
	clock.Advance(50 * time.Millisecond)
	p.HandlePartial(ctx, partial("r2", "Welcome to the show.", 0.95, origin.Add(50*time.Millisecond)))
	clock.Advance(50 * time.Millisecond)
	p.HandlePartial(ctx, partial("r3", "Welcome to this show.", 0.88, origin.Add(100*time.Millisecond)))

	clock.Advance(250 * time.Millisecond)
	p.Tick(ctx)

	got := down.texts()
	if len(got) != 1 {
		t.Fatalf("forwarded %d segments, want 1: %v", len(got), got)
	}
	if got[0] != "Welcome to the show." {
		t.Errorf("forwarded %q, want the most stable candidate", got[0])
	}
}

func TestContinuousSpeech_ForwardsAtPauseThreshold(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	// Steady unpunctuated speech: a growing partial every 300ms. No sentence
	// ever ends, yet a caption must go out each time the pause threshold
	// passes with nothing forwarded, well before the buffer timeout.
	text := ""
	for i := 0; i < 15; i++ {
		text += " again"
		p.HandlePartial(ctx, partial(fmt.Sprintf("r%d", i), text, 0.95, clock.Now()))
		clock.Advance(300 * time.Millisecond)
	}

	if down.count() != 2 {
		t.Fatalf("forwarded %d segments over 4.5s of speech, want 2: %v",
			down.count(), down.texts())
	}
}

func TestRateLimit_CapsForwardsPerSecond(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	down := &capture{}
	p := New(testConfig(), nil, down, WithClock(clock.Now), WithMetrics(m))
	ctx := context.Background()

	// 20 distinct complete sentences inside one second. At 5 forwards per
	// second, exactly 5 may come out; the other 15 are rate-limited away.
	for i := 0; i < 20; i++ {
		p.HandlePartial(ctx, partial(
			fmt.Sprintf("r%d", i), fmt.Sprintf("Sentence number %d.", i), 0.95, clock.Now()))
		clock.Advance(50 * time.Millisecond)
	}
	p.Tick(ctx) // closes the trailing window

	if down.count() != 5 {
		t.Errorf("forwarded %d segments, want 5: %v", down.count(), down.texts())
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var dropped int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "parlance.partials.dropped" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("reason")); ok && v.AsString() == "rate_limited" {
					dropped += dp.Value
				}
			}
		}
	}
	if dropped != 15 {
		t.Errorf("rate-limited drops = %d, want 15", dropped)
	}
}

func TestDedup_SuppressesRepeatedText(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	p.HandlePartial(ctx, partial("r1", "Good morning.", 0.95, clock.Now()))
	clock.Advance(time.Second)
	p.Tick(ctx)

	// Same normalized text under a new result ID within the dedup TTL;
	// normalization strips punctuation and case before hashing.
	p.HandlePartial(ctx, partial("r2", "good morning!", 0.95, clock.Now()))
	clock.Advance(time.Second)
	p.Tick(ctx)

	if down.count() != 1 {
		t.Errorf("forwarded %d segments, want 1: %v", down.count(), down.texts())
	}
}

func TestDedup_ExpiresAfterTTL(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	p.HandlePartial(ctx, partial("r1", "Good morning.", 0.95, clock.Now()))
	clock.Advance(time.Second)
	p.Tick(ctx)

	clock.Advance(31 * time.Second) // past TTL and past a sweep interval
	p.Tick(ctx)
	p.HandlePartial(ctx, partial("r2", "Good morning.", 0.95, clock.Now()))
	clock.Advance(time.Second)
	p.Tick(ctx)

	if down.count() != 2 {
		t.Errorf("forwarded %d segments, want 2: %v", down.count(), down.texts())
	}
}

func TestHandleFinal_BypassesStabilityAndSupersedes(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	origin := clock.Now()
	p.HandlePartial(ctx, partial("r1", "Let us begin the", 0.90, origin))
	clock.Advance(250 * time.Millisecond)
	p.Tick(ctx)

	p.HandleFinal(ctx, types.FinalResult{
		ResultID:        "f1",
		Text:            "Let us begin the demonstration.",
		OriginTimestamp: origin,
		SessionID:       "amber-otter-312",
		SourceLanguage:  "en",
		Replaces:        []string{"r1"},
	})

	if p.BufferedCount() != 0 {
		t.Errorf("buffered count = %d, want 0 after final supersedes", p.BufferedCount())
	}

	texts := down.texts()
	if len(texts) == 0 || texts[len(texts)-1] != "Let us begin the demonstration." {
		t.Fatalf("final not forwarded: %v", texts)
	}
	last := down.segs[len(down.segs)-1]
	if last.IsPartial {
		t.Error("final forwarded with IsPartial=true")
	}
}

func TestHandleFinal_RemovesNearbyUnnamedPartials(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	origin := clock.Now()
	p.HandlePartial(ctx, partial("r1", "almost done", 0.90, origin))
	clock.Advance(time.Second)
	p.Tick(ctx)
	before := down.count()

	// Final does not name r1 but lands within the replace window.
	p.HandleFinal(ctx, types.FinalResult{
		ResultID:        "f1",
		Text:            "Almost done now.",
		OriginTimestamp: origin.Add(2 * time.Second),
		SessionID:       "amber-otter-312",
		SourceLanguage:  "en",
	})

	if p.BufferedCount() != 0 {
		t.Errorf("buffered count = %d, want 0", p.BufferedCount())
	}
	if down.count() != before+1 {
		t.Errorf("forwarded %d new segments, want exactly the final", down.count()-before)
	}
}

// emotionStub returns a fixed sample for any session.
type emotionStub struct{ sample types.EmotionSample }

func (s emotionStub) Sample(string) types.EmotionSample { return s.sample }

func TestForward_StampsEmotionSample(t *testing.T) {
	sample := types.NeutralEmotion("amber-otter-312")
	sample.Label = types.EmotionExcited
	sample.Volume = 0.9
	p, down, clock := newTestProcessor(t, WithEmotionSource(emotionStub{sample: sample}))
	ctx := context.Background()

	p.HandleFinal(ctx, types.FinalResult{
		ResultID:        "f1",
		Text:            "What a finish!",
		OriginTimestamp: clock.Now(),
		SessionID:       "amber-otter-312",
		SourceLanguage:  "en",
	})

	if down.count() != 1 {
		t.Fatalf("forwarded %d segments, want 1", down.count())
	}
	got := down.segs[0].Emotion
	if got.Label != types.EmotionExcited || got.Volume != 0.9 {
		t.Errorf("segment emotion = %+v, want the analyzer sample stamped on", got)
	}
}

func TestOrphanFlush(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	// A partial with no boundary sits in the buffer. MaxBufferTimeout will
	// forward it, and the orphan sweep must eventually remove it when no
	// final ever claims it.
	p.HandlePartial(ctx, partial("r1", "and then we", 0.90, clock.Now()))
	clock.Advance(time.Second)
	p.Tick(ctx) // releases the rate window into the buffer
	clock.Advance(16 * time.Second)
	p.Tick(ctx)

	if p.BufferedCount() != 0 {
		t.Errorf("buffered count = %d, want 0 after orphan sweep", p.BufferedCount())
	}
	if down.count() != 1 {
		t.Errorf("forwarded %d segments, want 1: %v", down.count(), down.texts())
	}
}

func TestOrphanFlush_LowStabilityGoesOutComplete(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	// The stability gate holds the partial back for its whole buffered life;
	// only the orphan sweep may flush it, and it goes out as a complete
	// segment because no final is coming.
	p.HandlePartial(ctx, partial("r1", "never confirmed", 0.60, clock.Now()))
	clock.Advance(time.Second)
	p.Tick(ctx)
	clock.Advance(16 * time.Second)
	p.Tick(ctx)

	if down.count() != 1 {
		t.Fatalf("forwarded %d segments, want 1: %v", down.count(), down.texts())
	}
	if down.segs[0].IsPartial {
		t.Error("orphan flush forwarded with IsPartial=true, want complete")
	}
	if p.BufferedCount() != 0 {
		t.Errorf("buffered count = %d, want 0 after orphan sweep", p.BufferedCount())
	}
}

func TestFallback_AfterStreamSilence(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	// Audio keeps arriving while the recognizer returns nothing.
	clock.Advance(time.Second)
	p.NoteAudio()
	clock.Advance(10 * time.Second)
	p.Tick(ctx)

	p.mu.Lock()
	inFallback := p.fallback
	p.mu.Unlock()
	if !inFallback {
		t.Fatal("processor did not enter finals-only fallback after silence")
	}

	// Finals still flow in fallback.
	p.HandleFinal(ctx, types.FinalResult{
		ResultID:        "f1",
		Text:            "Still here.",
		OriginTimestamp: clock.Now(),
		SessionID:       "amber-otter-312",
		SourceLanguage:  "en",
	})
	if down.count() != 1 {
		t.Errorf("final not forwarded during fallback")
	}

	// A fresh partial ends the fallback.
	p.HandlePartial(ctx, partial("r1", "Back again.", 0.95, clock.Now()))
	p.mu.Lock()
	inFallback = p.fallback
	p.mu.Unlock()
	if inFallback {
		t.Error("processor did not recover when partials resumed")
	}
}

func TestFallback_NotTriggeredWithoutAudio(t *testing.T) {
	p, _, clock := newTestProcessor(t)
	ctx := context.Background()

	// No audio ever reached the recognizer; a quiet speaker is not a broken
	// stream.
	clock.Advance(11 * time.Second)
	p.Tick(ctx)

	p.mu.Lock()
	inFallback := p.fallback
	p.mu.Unlock()
	if inFallback {
		t.Error("fallback engaged for a session that sent no audio")
	}

	// A result after the last audio resets the probe; silence on both channels
	// still must not trip it.
	p.NoteAudio()
	clock.Advance(time.Second)
	p.HandlePartial(ctx, partial("r1", "Checking in.", 0.95, clock.Now()))
	clock.Advance(11 * time.Second)
	p.Tick(ctx)

	p.mu.Lock()
	inFallback = p.fallback
	p.mu.Unlock()
	if inFallback {
		t.Error("fallback engaged though no audio followed the last result")
	}
}

func TestBufferOverflow_EvictsOldest(t *testing.T) {
	p, down, clock := newTestProcessor(t)
	ctx := context.Background()

	// 31 ten-word partials exceed the 300-word cap. Forwarded entries stay
	// buffered for a final to claim, so the word count keeps growing until
	// eviction kicks in.
	text := "one two three four five six seven eight nine ten"
	for i := 0; i < 31; i++ {
		p.HandlePartial(ctx, partial(
			// Unique words per entry keep dedup out of the picture.
			"r"+string(rune('a'+i/26))+string(rune('a'+i%26)),
			text+" x"+string(rune('a'+i/26))+string(rune('a'+i%26)),
			0.90, clock.Now()))
		clock.Advance(300 * time.Millisecond)
	}

	if p.BufferedCount() > 30 {
		t.Errorf("buffered count = %d, want eviction to cap the buffer", p.BufferedCount())
	}
	if down.count() == 0 {
		t.Error("evicted entries were not flushed downstream")
	}
}

func TestNormalizedDistance(t *testing.T) {
	tests := []struct {
		a, b string
		over bool // above the discrepancy threshold
	}{
		{"hello world", "hello world", false},
		{"hello world", "hello word", false},
		{"the meeting starts at nine", "the meeting is cancelled today", true},
		{"", "", false},
	}
	for _, tt := range tests {
		d := normalizedDistance(tt.a, tt.b)
		if got := d > discrepancyThreshold; got != tt.over {
			t.Errorf("normalizedDistance(%q, %q) = %.2f, over-threshold = %v, want %v",
				tt.a, tt.b, d, got, tt.over)
		}
	}
}
