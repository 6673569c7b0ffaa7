package emotion

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/parlance-dev/parlance/pkg/types"
)

const testSampleRate = 16000

// tone synthesizes amp-scaled sine PCM of the given duration. amp is in
// [0, 1] of full scale.
func tone(amp float64, dur time.Duration) []byte {
	n := int(float64(testSampleRate) * dur.Seconds())
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*440*float64(i)/testSampleRate)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}

// silence returns zero PCM of the given duration.
func silence(dur time.Duration) []byte {
	n := int(float64(testSampleRate) * dur.Seconds())
	return make([]byte, n*2)
}

// burstTrain alternates short tone bursts with silence, producing a known
// number of energy onsets per second.
func burstTrain(amp float64, burst, gap time.Duration, total time.Duration) []byte {
	var out []byte
	for time.Duration(len(out)/2)*time.Second/testSampleRate < total {
		out = append(out, tone(amp, burst)...)
		out = append(out, silence(gap)...)
	}
	return out
}

func frame(pcm []byte) types.AudioFrame {
	return types.AudioFrame{PCM: pcm, SampleRate: testSampleRate, Channels: 1, Timestamp: time.Now()}
}

func TestAnalyzeVolume_Classes(t *testing.T) {
	tests := []struct {
		name string
		amp  float64
		want types.VolumeClass
	}{
		// RMS of a sine is amp/sqrt(2); dBFS follows from that.
		{"near full scale", 0.9, types.VolumeVeryLoud}, // ~-3.9 dB
		{"raised voice", 0.2, types.VolumeLoud},        // ~-17 dB
		{"conversational", 0.07, types.VolumeMedium},   // ~-26 dB
		{"murmur", 0.01, types.VolumeSoft},             // ~-43 dB
		{"whisper", 0.002, types.VolumeWhisper},        // ~-57 dB
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyzeVolume(frame(tone(tt.amp, time.Second)))
			if !res.speech {
				t.Fatal("tone not detected as speech")
			}
			if res.class != tt.want {
				t.Errorf("class = %v (%.1f dB), want %v", res.class, res.db, tt.want)
			}
		})
	}
}

func TestAnalyzeVolume_SilenceIsNotSpeech(t *testing.T) {
	res := analyzeVolume(frame(silence(time.Second)))
	if res.speech {
		t.Error("silence classified as speech")
	}
}

func TestAnalyzeRate_BurstOnsets(t *testing.T) {
	// Four bursts per second: 40ms tone + 210ms gap. Each burst is one
	// onset, so roughly 4 onsets/s -> 4/1.5*60 = 160 WPM.
	pcm := burstTrain(0.5, 40*time.Millisecond, 210*time.Millisecond, 2*time.Second)
	res := analyzeRate(frame(pcm))
	if res.onsets < 6 || res.onsets > 10 {
		t.Fatalf("onsets = %d over ~2s, want about 8", res.onsets)
	}
	if res.class != types.RateFast && res.class != types.RateMedium {
		t.Errorf("class = %v (%.0f WPM), want medium or fast", res.class, res.wpm)
	}
}

func TestAnalyzeRate_SilenceHasNoOnsets(t *testing.T) {
	res := analyzeRate(frame(silence(time.Second)))
	if res.onsets != 0 {
		t.Errorf("onsets = %d in silence, want 0", res.onsets)
	}
	if res.multiplier != 0.5 {
		t.Errorf("multiplier = %v, want clamped floor 0.5", res.multiplier)
	}
}

func TestAnalyzer_LatestWins(t *testing.T) {
	a := New()

	a.Analyze("s1", frame(tone(0.9, time.Second)))
	if got := a.Sample("s1").VolumeClass; got != types.VolumeVeryLoud {
		t.Fatalf("first sample class = %v, want very_loud", got)
	}

	a.Analyze("s1", frame(tone(0.01, time.Second)))
	if got := a.Sample("s1").VolumeClass; got != types.VolumeSoft {
		t.Errorf("second sample class = %v, want soft (latest wins)", got)
	}
}

func TestAnalyzer_SilenceKeepsPreviousSample(t *testing.T) {
	a := New()

	a.Analyze("s1", frame(tone(0.9, time.Second)))
	before := a.Sample("s1")

	a.Analyze("s1", frame(silence(time.Second)))
	after := a.Sample("s1")
	if after.ProducedAt != before.ProducedAt {
		t.Error("silent frame replaced the stored sample")
	}
}

func TestAnalyzer_DefaultIsNeutral(t *testing.T) {
	a := New()
	s := a.Sample("unknown")
	if s.Label != types.EmotionNeutral {
		t.Errorf("label = %v, want neutral", s.Label)
	}
	if s.Volume != 0.5 || s.Rate != 1.0 {
		t.Errorf("volume/rate = %v/%v, want 0.5/1.0", s.Volume, s.Rate)
	}
}

func TestAnalyzer_Forget(t *testing.T) {
	a := New()
	a.Analyze("s1", frame(tone(0.9, time.Second)))
	a.Forget("s1")
	if got := a.Sample("s1").VolumeClass; got != types.VolumeMedium {
		t.Errorf("class after Forget = %v, want neutral default", got)
	}
}

func TestClassifyLabel(t *testing.T) {
	prev := types.NeutralEmotion("s1")
	tests := []struct {
		name   string
		volume types.VolumeClass
		rate   types.RateClass
		db     float64
		want   types.EmotionLabel
	}{
		{"loud and fast", types.VolumeVeryLoud, types.RateFast, -8, types.EmotionExcited},
		{"loud and slow", types.VolumeLoud, types.RateSlow, -15, types.EmotionAngry},
		{"quiet and slow", types.VolumeSoft, types.RateVerySlow, -40, types.EmotionSad},
		{"quiet and fast", types.VolumeWhisper, types.RateVeryFast, -50, types.EmotionFearful},
		{"middle of the road", types.VolumeMedium, types.RateMedium, -22, types.EmotionNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := types.EmotionSample{
				VolumeClass: tt.volume,
				RateClass:   tt.rate,
				VolumeDB:    tt.db,
			}
			if got := classifyLabel(cur, prev); got != tt.want {
				t.Errorf("classifyLabel = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyLabel_SurpriseOnLoudnessJump(t *testing.T) {
	prev := types.EmotionSample{VolumeDB: -40}
	cur := types.EmotionSample{
		VolumeClass: types.VolumeLoud,
		RateClass:   types.RateMedium,
		VolumeDB:    -12,
	}
	if got := classifyLabel(cur, prev); got != types.EmotionSurprised {
		t.Errorf("classifyLabel = %v, want surprised on a 28 dB jump", got)
	}
}
