// Package rest provides an HTTP-backed speech-synthesis provider.
// It implements the tts.Provider interface against a JSON synthesize
// endpoint that returns raw PCM in the response body.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parlance-dev/parlance/pkg/provider/tts"
)

const defaultTimeout = 5 * time.Second

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithAPIKey sets a bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// Provider implements tts.Provider against an HTTP synthesize endpoint.
type Provider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// New creates a Provider for the given endpoint
// (e.g. "https://tts.example.com/v1/synthesize").
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("tts rest: endpoint must not be empty")
	}
	p := &Provider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthesizeRequest is the JSON request body.
type synthesizeRequest struct {
	SSML       string `json:"ssml"`
	VoiceID    string `json:"voice_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
	Format     string `json:"format"`
}

// Synthesize performs a single synthesis call. The response body is the raw
// PCM audio. Throttling and 5xx responses are classified transient; a 404
// maps to tts.ErrVoiceUnavailable.
func (p *Provider) Synthesize(ctx context.Context, ssml string, voice tts.Voice, spec tts.AudioSpec) ([]byte, error) {
	body, err := json.Marshal(synthesizeRequest{
		SSML:       ssml,
		VoiceID:    voice.ID,
		SampleRate: spec.SampleRate,
		Channels:   spec.Channels,
		BitDepth:   spec.BitDepth,
		Format:     "pcm",
	})
	if err != nil {
		return nil, fmt.Errorf("tts rest: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts rest: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/pcm")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &tts.UpstreamError{Op: "synthesize", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to read below.
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("tts rest: voice %q: %w", voice.ID, tts.ErrVoiceUnavailable)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &tts.UpstreamError{Op: "synthesize", Status: resp.StatusCode,
			Transient: true, Err: errors.New(http.StatusText(resp.StatusCode))}
	default:
		return nil, &tts.UpstreamError{Op: "synthesize", Status: resp.StatusCode,
			Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &tts.UpstreamError{Op: "synthesize", Transient: true, Err: err}
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("tts rest: empty audio for voice %q", voice.ID)
	}
	return pcm, nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
