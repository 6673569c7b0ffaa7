// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to verify the caller opens streams with the expected
// StreamConfig. Use Stream to feed controlled partial and final results and
// inspect which audio chunks were delivered.
//
// Example:
//
//	st := mock.NewStream()
//	p := &mock.Provider{Stream: st}
//	h, _ := p.OpenStream(ctx, cfg)
//	st.PartialsCh <- types.PartialResult{ResultID: "r1", Text: "hello"}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/parlance-dev/parlance/pkg/provider/asr"
	"github.com/parlance-dev/parlance/pkg/types"
)

// OpenStreamCall records a single invocation of Provider.OpenStream.
type OpenStreamCall struct {
	// Ctx is the context passed to OpenStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to OpenStream.
	Cfg asr.StreamConfig
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is the StreamHandle returned by OpenStream. If nil, OpenStream
	// returns a fresh default Stream with buffered channels.
	Stream asr.StreamHandle

	// OpenStreamErr, if non-nil, is returned as the error from OpenStream.
	OpenStreamErr error

	// OpenStreamCalls records every call to OpenStream.
	OpenStreamCalls []OpenStreamCall
}

// OpenStream records the call and returns Stream, OpenStreamErr.
func (p *Provider) OpenStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenStreamCalls = append(p.OpenStreamCalls, OpenStreamCall{Ctx: ctx, Cfg: cfg})
	if p.OpenStreamErr != nil {
		return nil, p.OpenStreamErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)

// Stream is a mock implementation of asr.StreamHandle. Tests write to
// PartialsCh and FinalsCh to simulate ASR output.
type Stream struct {
	// PartialsCh and FinalsCh are the channels returned by Partials/Finals.
	PartialsCh chan types.PartialResult
	FinalsCh   chan types.FinalResult

	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// Chunks records copies of every chunk passed to SendAudio.
	Chunks [][]byte

	closed bool
}

// NewStream creates a Stream with buffered partial and final channels.
func NewStream() *Stream {
	return &Stream{
		PartialsCh: make(chan types.PartialResult, 16),
		FinalsCh:   make(chan types.FinalResult, 16),
	}
}

// SendAudio records a copy of chunk.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: stream is closed")
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Chunks = append(s.Chunks, cp)
	return nil
}

// Partials returns the partial-result channel.
func (s *Stream) Partials() <-chan types.PartialResult { return s.PartialsCh }

// Finals returns the final-result channel.
func (s *Stream) Finals() <-chan types.FinalResult { return s.FinalsCh }

// Close closes both result channels. Safe to call multiple times.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.PartialsCh)
	close(s.FinalsCh)
	return nil
}

// Ensure Stream implements asr.StreamHandle at compile time.
var _ asr.StreamHandle = (*Stream)(nil)
