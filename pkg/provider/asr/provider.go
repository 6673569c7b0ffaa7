// Package asr defines the Provider interface for streaming speech
// recognition backends.
//
// An ASR provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is StreamHandle: once
// opened, a stream accepts raw PCM audio frames and emits two event streams:
// low-latency partial results carrying stability scores, and authoritative
// final results that terminate a partial chain.
//
// Implementations must be safe for concurrent use. Audio input and result
// output channels are goroutine-safe by construction.
package asr

import (
	"context"

	"github.com/parlance-dev/parlance/pkg/types"
)

// StabilityLevel selects how aggressively the provider emits partials.
type StabilityLevel string

const (
	// StabilityHigh asks the provider for fewer, more stable partials.
	// This is the pipeline default.
	StabilityHigh StabilityLevel = "high"

	// StabilityMedium is a balance between latency and revision churn.
	StabilityMedium StabilityLevel = "medium"

	// StabilityLow asks for the fastest partials regardless of churn.
	StabilityLow StabilityLevel = "low"
)

// StreamConfig describes the audio format and recognition settings for a new
// ASR stream.
type StreamConfig struct {
	// SourceLanguage is the ISO-639-1 code of the expected spoken language.
	SourceLanguage string

	// SampleRate is the PCM sample rate in Hz. The pipeline always sends 16000.
	SampleRate int

	// Encoding names the audio encoding. Always "pcm" on this pipeline.
	Encoding string

	// PartialStabilityLevel controls partial emission aggressiveness.
	PartialStabilityLevel StabilityLevel
}

// StreamHandle is an open ASR streaming session. It is an interface so test
// code can provide mock implementations without a live provider connection.
//
// Callers must call Close when the stream is no longer needed; failing to do
// so may leak goroutines and network connections inside the implementation.
// All methods must be safe for concurrent use.
type StreamHandle interface {
	// SendAudio delivers a chunk of raw PCM bytes for transcription. The
	// chunk must match the format agreed in StreamConfig. Calling SendAudio
	// after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting interim results in
	// arrival order. Closed when the stream ends.
	Partials() <-chan types.PartialResult

	// Finals returns a read-only channel emitting authoritative results in
	// arrival order. Closed when the stream ends.
	Finals() <-chan types.FinalResult

	// Close terminates the stream, flushes pending audio, and releases all
	// resources. After Close returns, the Partials and Finals channels are
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming ASR backend.
//
// Implementations must be safe for concurrent use; one stream is opened per
// active broadcast session.
type Provider interface {
	// OpenStream opens a new streaming transcription session. The returned
	// StreamHandle is ready to accept audio immediately. The caller owns the
	// handle and must call Close when done.
	OpenStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)
}
