// Package types defines the shared types used across all Parlance packages.
//
// These types form the lingua franca between the ingress server, the
// partial-result processor, the emotion analyzer, and the translation
// orchestrator. They are intentionally minimal: each package defines its own
// domain types, but cross-cutting data structures live here to avoid circular
// imports.
package types

import "time"

// AudioFrame is a single frame of speaker audio flowing through the pipeline.
// Frames are the atomic unit of audio transport: received from the speaker
// connection, analysed for emotion dynamics, and pumped into the ASR stream.
type AudioFrame struct {
	// PCM is 16-bit signed little-endian audio data.
	PCM []byte

	// SampleRate in Hz. The pipeline operates at 16000 throughout.
	SampleRate int

	// Channels is the channel count. Always 1 (mono) on the ingress path.
	Channels int

	// Timestamp marks when this frame was captured, as reported by the client.
	Timestamp time.Time
}

// PartialResult is an interim transcription emitted by the ASR while an
// utterance is still in flight. Later partials or a final may revise it.
type PartialResult struct {
	// ResultID uniquely identifies this result within the ASR stream.
	ResultID string

	// Text is the transcribed text, trimmed and non-empty.
	Text string

	// Stability is the ASR's confidence in [0, 1] that this partial will not
	// be revised. Valid only when StabilityKnown is true.
	Stability float64

	// StabilityKnown reports whether the ASR supplied a stability score.
	// Providers that omit it are treated as stability 0 for ranking purposes.
	StabilityKnown bool

	// OriginTimestamp is when the underlying audio was spoken. Arrival order
	// may disagree with origin order; consumers sort on read where it matters.
	OriginTimestamp time.Time

	// SessionID is the owning broadcast session.
	SessionID string

	// SourceLanguage is the ISO-639-1 code of the spoken language.
	SourceLanguage string
}

// FinalResult is an authoritative transcription that terminates a chain of
// partials. Finals are never revised.
type FinalResult struct {
	// ResultID uniquely identifies this result within the ASR stream.
	ResultID string

	// Text is the final transcribed text.
	Text string

	// OriginTimestamp is when the underlying audio was spoken.
	OriginTimestamp time.Time

	// SessionID is the owning broadcast session.
	SessionID string

	// SourceLanguage is the ISO-639-1 code of the spoken language.
	SourceLanguage string

	// Replaces optionally lists the ResultIDs of partials superseded by this
	// final. When empty, partials are matched by origin-timestamp window.
	Replaces []string
}

// VolumeClass buckets the speaker's loudness for prosody shaping.
type VolumeClass string

const (
	VolumeWhisper  VolumeClass = "whisper"
	VolumeSoft     VolumeClass = "soft"
	VolumeMedium   VolumeClass = "medium"
	VolumeLoud     VolumeClass = "loud"
	VolumeVeryLoud VolumeClass = "very_loud"
)

// RateClass buckets the speaker's speaking rate for prosody shaping.
type RateClass string

const (
	RateVerySlow RateClass = "very_slow"
	RateSlow     RateClass = "slow"
	RateMedium   RateClass = "medium"
	RateFast     RateClass = "fast"
	RateVeryFast RateClass = "very_fast"
)

// EmotionLabel is a coarse affect classification derived from volume and
// speaking-rate dynamics. It drives SSML emphasis rules downstream.
type EmotionLabel string

const (
	EmotionNeutral   EmotionLabel = "neutral"
	EmotionExcited   EmotionLabel = "excited"
	EmotionAngry     EmotionLabel = "angry"
	EmotionSad       EmotionLabel = "sad"
	EmotionFearful   EmotionLabel = "fearful"
	EmotionSurprised EmotionLabel = "surprised"
)

// EmotionSample is the latest per-session volume / rate / energy triple
// derived from the speaker's audio. The newest sample always wins; there is
// no freshness TTL.
type EmotionSample struct {
	// SessionID is the session this sample was measured for.
	SessionID string

	// Volume is the normalised loudness in [0, 1].
	Volume float64

	// Rate is the speaking-rate multiplier in [0.5, 2.0] relative to a
	// neutral 150 WPM baseline.
	Rate float64

	// Energy mirrors Volume; retained as a separate field because prosody
	// emphasis intensity is keyed on it.
	Energy float64

	// VolumeDB is the raw frame RMS in dBFS, kept for SSML shaping.
	VolumeDB float64

	// RateWPM is the estimated words-per-minute, kept for SSML shaping.
	RateWPM float64

	// VolumeClass and RateClass are the bucketed classifications.
	VolumeClass VolumeClass
	RateClass   RateClass

	// Label is the coarse affect classification.
	Label EmotionLabel

	// ProducedAt is when this sample was computed.
	ProducedAt time.Time
}

// NeutralEmotion returns the defaults used when emotion detection fails or no
// audio has been analysed yet for the session.
func NeutralEmotion(sessionID string) EmotionSample {
	return EmotionSample{
		SessionID:   sessionID,
		Volume:      0.5,
		Rate:        1.0,
		Energy:      0.5,
		VolumeDB:    -20,
		RateWPM:     150,
		VolumeClass: VolumeMedium,
		RateClass:   RateMedium,
		Label:       EmotionNeutral,
		ProducedAt:  time.Now(),
	}
}

// Segment is a unit of forwardable text handed from the partial-result
// processor to the translation orchestrator.
type Segment struct {
	// SessionID is the originating broadcast session.
	SessionID string

	// SourceLanguage is the ISO-639-1 code of the spoken language.
	SourceLanguage string

	// Text is the segment text.
	Text string

	// IsPartial reports whether this segment came from a partial (as opposed
	// to a final or a reaped orphan, both of which count as complete).
	IsPartial bool

	// Stability carries the originating partial's stability score, when known.
	Stability float64

	// OriginTimestamp is when the underlying audio was spoken.
	OriginTimestamp time.Time

	// Emotion is the per-session emotion sample current at forward time.
	Emotion EmotionSample
}

// Role identifies what a connection is allowed to do.
type Role string

const (
	// RoleUnauthenticated is the initial role bound at transport accept,
	// before the first createSession or joinSession frame.
	RoleUnauthenticated Role = "unauthenticated"

	// RoleSpeaker may send audio and control frames for its session.
	RoleSpeaker Role = "speaker"

	// RoleListener may join, leave, and change its target language.
	RoleListener Role = "listener"
)
