package orchestrator

import (
	"fmt"
	"strings"

	"github.com/parlance-dev/parlance/pkg/types"
)

// emphasisEnergy is the energy above which high-arousal emotions add an
// emphasis wrapper.
const emphasisEnergy = 0.7

// buildSSML renders the translated text as SSML, shaping prosody from the
// speaker's emotion sample so the synthesized voice tracks how the speaker
// actually sounded.
//
// Structure, outermost first: <speak>, <prosody rate>, <prosody volume>,
// then the affect-specific wrapper (emphasis for high-energy anger,
// excitement, or surprise; a leading break for sad or fearful speech).
func buildSSML(text string, emo types.EmotionSample) string {
	var b strings.Builder
	b.WriteString("<speak>")
	b.WriteString(fmt.Sprintf(`<prosody rate="%s">`, prosodyRate(emo.RateClass)))
	b.WriteString(fmt.Sprintf(`<prosody volume="%s">`, prosodyVolume(emo.VolumeClass)))

	escaped := escapeXML(text)
	switch emo.Label {
	case types.EmotionAngry, types.EmotionExcited, types.EmotionSurprised:
		if emo.Energy > emphasisEnergy {
			b.WriteString(`<emphasis level="strong">`)
			b.WriteString(escaped)
			b.WriteString(`</emphasis>`)
		} else {
			b.WriteString(escaped)
		}
	case types.EmotionSad, types.EmotionFearful:
		b.WriteString(`<break time="300ms"/>`)
		b.WriteString(escaped)
	default:
		b.WriteString(escaped)
	}

	b.WriteString(`</prosody></prosody></speak>`)
	return b.String()
}

// prosodyRate maps the speaker's rate bucket onto the SSML rate attribute.
func prosodyRate(rc types.RateClass) string {
	switch rc {
	case types.RateVerySlow:
		return "x-slow"
	case types.RateSlow:
		return "slow"
	case types.RateFast:
		return "fast"
	case types.RateVeryFast:
		return "x-fast"
	default:
		return "medium"
	}
}

// prosodyVolume maps the speaker's loudness bucket onto the SSML volume
// attribute.
func prosodyVolume(vc types.VolumeClass) string {
	switch vc {
	case types.VolumeWhisper:
		return "x-soft"
	case types.VolumeSoft:
		return "soft"
	case types.VolumeLoud:
		return "loud"
	case types.VolumeVeryLoud:
		return "x-loud"
	default:
		return "medium"
	}
}

// escapeXML escapes the five XML special characters in text content.
func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}
