// Package rest provides an HTTP-backed machine-translation provider.
// It implements the mt.Provider interface against a JSON translate endpoint.
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

	"github.com/parlance-dev/parlance/pkg/provider/mt"
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

// Provider implements mt.Provider against an HTTP translate endpoint.
type Provider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// New creates a Provider for the given endpoint
// (e.g. "https://mt.example.com/v1/translate").
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("mt rest: endpoint must not be empty")
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

// translateRequest is the JSON request body.
type translateRequest struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// translateResponse is the JSON response body.
type translateResponse struct {
	TranslatedText string `json:"translated_text"`
}

// Translate performs a single translation call. Throttling and 5xx responses
// are classified transient; a 400 with an unsupported-language body maps to
// mt.ErrUnsupportedLanguage.
func (p *Provider) Translate(ctx context.Context, text, src, tgt string) (string, error) {
	body, err := json.Marshal(translateRequest{
		Text:           text,
		SourceLanguage: src,
		TargetLanguage: tgt,
	})
	if err != nil {
		return "", fmt.Errorf("mt rest: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("mt rest: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &mt.UpstreamError{Op: "translate", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode below.
	case resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if bytes.Contains(msg, []byte("unsupported")) {
			return "", fmt.Errorf("mt rest: %s -> %s: %w", src, tgt, mt.ErrUnsupportedLanguage)
		}
		return "", &mt.UpstreamError{Op: "translate", Status: resp.StatusCode,
			Err: fmt.Errorf("bad request: %s", msg)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &mt.UpstreamError{Op: "translate", Status: resp.StatusCode,
			Transient: true, Err: errors.New(http.StatusText(resp.StatusCode))}
	default:
		return "", &mt.UpstreamError{Op: "translate", Status: resp.StatusCode,
			Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	var tr translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("mt rest: decode response: %w", err)
	}
	if tr.TranslatedText == "" {
		return "", fmt.Errorf("mt rest: empty translation for %q", text)
	}
	return tr.TranslatedText, nil
}

// Ensure Provider implements mt.Provider at compile time.
var _ mt.Provider = (*Provider)(nil)
