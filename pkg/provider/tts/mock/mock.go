// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/parlance-dev/parlance/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	SSML  string
	Voice tts.Voice
	Spec  tts.AudioSpec
}

// Provider is a mock implementation of tts.Provider.
//
// By default Synthesize returns Audio (or a short non-empty PCM placeholder
// when Audio is nil). Set Err to inject failures.
type Provider struct {
	mu sync.Mutex

	// Audio is the PCM returned from every Synthesize call.
	Audio []byte

	// Err, if non-nil, is returned from every Synthesize call.
	Err error

	// Calls records every Synthesize invocation.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns Audio, Err.
func (p *Provider) Synthesize(ctx context.Context, ssml string, voice tts.Voice, spec tts.AudioSpec) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SynthesizeCall{SSML: ssml, Voice: voice, Spec: spec})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Audio != nil {
		return p.Audio, nil
	}
	// 10 ms of silence at 16 kHz mono.
	return make([]byte, 320), nil
}

// CallCount returns the number of recorded Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
