package emotion

import (
	"github.com/parlance-dev/parlance/pkg/audio"
	"github.com/parlance-dev/parlance/pkg/types"
)

const (
	// onsetFramesPerSecond is the energy-flux analysis resolution. 20ms
	// windows resolve individual syllable onsets.
	onsetFramesPerSecond = 50

	// onsetRiseRatio is how much a window's energy must exceed its
	// predecessor's to count as a syllable onset.
	onsetRiseRatio = 1.5

	// syllablesPerWord converts the syllable estimate into words. 1.5 is
	// the long-run average for conversational English and close enough for
	// other languages at this granularity.
	syllablesPerWord = 1.5

	// baselineWPM is the neutral speaking rate the multiplier is relative to.
	baselineWPM = 150
)

// rateResult is the speaking-rate analysis of one audio frame.
type rateResult struct {
	// wpm is the estimated words per minute.
	wpm float64

	// multiplier is wpm relative to the neutral baseline, clamped to
	// [0.5, 2.0] for the prosody layer.
	multiplier float64

	// class is the bucketed rate.
	class types.RateClass

	// onsets is the raw syllable onset count, exposed for tests.
	onsets int
}

// analyzeRate estimates the speaking rate from syllable onsets. A syllable
// onset is a short-window energy rise: the window's RMS energy jumps past
// [onsetRiseRatio] times the previous window's while clearing the
// quantization floor.
func analyzeRate(frame types.AudioFrame) rateResult {
	sub := audio.SplitSubFrames(frame.PCM, frame.SampleRate/onsetFramesPerSecond)
	dur := audio.Duration(frame.PCM, frame.SampleRate)
	if len(sub) < 2 || dur <= 0 {
		return rateResult{}
	}

	prev := audio.RMS(sub[0])
	onsets := 0
	for _, s := range sub[1:] {
		cur := audio.RMS(s)
		if cur > quantizationFloor*4 && cur > prev*onsetRiseRatio {
			onsets++
		}
		prev = cur
	}

	words := float64(onsets) / syllablesPerWord
	wpm := words / dur * 60

	return rateResult{
		wpm:        wpm,
		multiplier: clampMultiplier(wpm / baselineWPM),
		class:      classifyRate(wpm),
		onsets:     onsets,
	}
}

// classifyRate buckets a words-per-minute estimate.
func classifyRate(wpm float64) types.RateClass {
	switch {
	case wpm < 100:
		return types.RateVerySlow
	case wpm < 130:
		return types.RateSlow
	case wpm < 160:
		return types.RateMedium
	case wpm < 190:
		return types.RateFast
	default:
		return types.RateVeryFast
	}
}

// clampMultiplier bounds the rate multiplier to what downstream synthesis
// accepts.
func clampMultiplier(m float64) float64 {
	if m < 0.5 {
		return 0.5
	}
	if m > 2.0 {
		return 2.0
	}
	return m
}
