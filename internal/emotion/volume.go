package emotion

import (
	"github.com/parlance-dev/parlance/pkg/audio"
	"github.com/parlance-dev/parlance/pkg/types"
)

// subFrameDur is the RMS analysis window, as a fraction of a second. 100ms
// windows are long enough for stable loudness statistics and short enough to
// catch within-frame dynamics.
const subFramesPerSecond = 10

// quantizationFloor is the amplitude of one 16-bit LSB. Used as the noise
// floor for clean signals whose sub-frame loudness barely varies, where a
// percentile floor would swallow the whole signal.
const quantizationFloor = 1.0 / 65536

// volumeResult is the loudness analysis of one audio frame.
type volumeResult struct {
	// rms is the full-frame normalised amplitude.
	rms float64

	// db is the full-frame loudness in dBFS.
	db float64

	// class is the bucketed loudness.
	class types.VolumeClass

	// speech reports whether any sub-frame rose above the noise floor.
	// Frames without speech must not update the session sample.
	speech bool
}

// analyzeVolume measures frame loudness with an adaptive noise floor.
//
// The floor is the 10th percentile of sub-frame RMS values, so steady
// background noise calibrates itself out. Very clean signals (sub-frame
// spread under 0.001) would see their own speech at the 10th percentile; for
// those the floor drops to the quantization limit instead.
func analyzeVolume(frame types.AudioFrame) volumeResult {
	sub := audio.SplitSubFrames(frame.PCM, frame.SampleRate/subFramesPerSecond)
	if len(sub) == 0 {
		return volumeResult{}
	}

	rmsValues := make([]float64, len(sub))
	for i, s := range sub {
		rmsValues[i] = audio.RMS(s)
	}

	floor := audio.Percentile(rmsValues, 10)
	if audio.Stddev(rmsValues) < 0.001 {
		floor = quantizationFloor
	}

	speech := false
	for _, v := range rmsValues {
		if v > 2*floor && v > quantizationFloor {
			speech = true
			break
		}
	}

	rms := audio.RMS(frame.PCM)
	db := audio.DBFS(rms)
	return volumeResult{
		rms:    rms,
		db:     db,
		class:  classifyVolume(db),
		speech: speech,
	}
}

// classifyVolume buckets a dBFS loudness. Typical conversational speech sits
// around -20 dBFS at the ingress gain.
func classifyVolume(db float64) types.VolumeClass {
	switch {
	case db > -10:
		return types.VolumeVeryLoud
	case db > -20:
		return types.VolumeLoud
	case db > -30:
		return types.VolumeMedium
	case db > -45:
		return types.VolumeSoft
	default:
		return types.VolumeWhisper
	}
}

// normalizeVolume maps dBFS onto [0, 1] for the prosody layer, with -40 dB
// and below as 0 and full scale as 1. -20 dB lands on 0.5, the neutral
// midpoint.
func normalizeVolume(db float64) float64 {
	v := (db + 40) / 40
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
