// Package emotion derives per-session prosody hints from the speaker's raw
// audio.
//
// For every incoming audio frame the analyzer measures loudness and speaking
// rate in parallel, combines them into an [types.EmotionSample], and stores
// it as the session's current sample. The newest sample always wins and
// there is no freshness TTL: a speaker who stops shouting keeps the "loud"
// sample until calmer audio replaces it, which matches how the synthesis
// layer consumes the data (per-segment, always using the latest reading).
//
// Frames that contain no detectable speech leave the stored sample untouched,
// so silence between sentences does not decay the speaker's affect to
// neutral mid-utterance.
package emotion

import (
	"sync"
	"time"

	"github.com/parlance-dev/parlance/pkg/types"
)

// surpriseJumpDB is the loudness jump over the previous sample that
// classifies as surprise regardless of the absolute level.
const surpriseJumpDB = 15

// Analyzer holds the latest emotion sample per session.
// Safe for concurrent use.
type Analyzer struct {
	clock func() time.Time

	mu      sync.RWMutex
	samples map[string]types.EmotionSample
}

// Option configures an [Analyzer].
type Option func(*Analyzer)

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Analyzer) { a.clock = clock }
}

// New creates an empty Analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		clock:   time.Now,
		samples: make(map[string]types.EmotionSample),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze measures frame and updates the session's sample. Volume and rate
// run concurrently; the frame sizes on the ingress path (100ms at 16kHz)
// make each measurement cheap, but the two are independent and the audio
// path is latency-critical.
//
// Frames without detectable speech are ignored. Malformed frames (empty PCM,
// zero sample rate) are ignored the same way; the previous sample, or the
// neutral default, keeps serving.
func (a *Analyzer) Analyze(sessionID string, frame types.AudioFrame) {
	if len(frame.PCM) == 0 || frame.SampleRate <= 0 {
		return
	}

	var (
		vol  volumeResult
		rate rateResult
		wg   sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vol = analyzeVolume(frame)
	}()
	go func() {
		defer wg.Done()
		rate = analyzeRate(frame)
	}()
	wg.Wait()

	if !vol.speech {
		return
	}

	prev := a.Sample(sessionID)
	sample := types.EmotionSample{
		SessionID:   sessionID,
		Volume:      normalizeVolume(vol.db),
		Rate:        rate.multiplier,
		Energy:      normalizeVolume(vol.db),
		VolumeDB:    vol.db,
		RateWPM:     rate.wpm,
		VolumeClass: vol.class,
		RateClass:   rate.class,
		ProducedAt:  a.clock(),
	}
	sample.Label = classifyLabel(sample, prev)

	a.mu.Lock()
	a.samples[sessionID] = sample
	a.mu.Unlock()
}

// Sample returns the session's current emotion sample, or the neutral
// default when no audio has been analysed yet.
func (a *Analyzer) Sample(sessionID string) types.EmotionSample {
	a.mu.RLock()
	s, ok := a.samples[sessionID]
	a.mu.RUnlock()
	if !ok {
		return types.NeutralEmotion(sessionID)
	}
	return s
}

// Forget drops the session's sample. Called when the session ends.
func (a *Analyzer) Forget(sessionID string) {
	a.mu.Lock()
	delete(a.samples, sessionID)
	a.mu.Unlock()
}

// classifyLabel maps the volume/rate pair onto a coarse affect label. A
// sudden loudness jump relative to the previous sample reads as surprise and
// takes precedence over the steady-state rules.
func classifyLabel(cur, prev types.EmotionSample) types.EmotionLabel {
	if cur.VolumeDB-prev.VolumeDB > surpriseJumpDB {
		return types.EmotionSurprised
	}

	loud := cur.VolumeClass == types.VolumeLoud || cur.VolumeClass == types.VolumeVeryLoud
	quiet := cur.VolumeClass == types.VolumeWhisper || cur.VolumeClass == types.VolumeSoft
	fast := cur.RateClass == types.RateFast || cur.RateClass == types.RateVeryFast
	slow := cur.RateClass == types.RateSlow || cur.RateClass == types.RateVerySlow

	switch {
	case loud && fast:
		return types.EmotionExcited
	case loud && slow:
		return types.EmotionAngry
	case quiet && slow:
		return types.EmotionSad
	case quiet && fast:
		return types.EmotionFearful
	default:
		return types.EmotionNeutral
	}
}
