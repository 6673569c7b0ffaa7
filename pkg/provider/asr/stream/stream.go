// Package stream provides a WebSocket-backed ASR provider speaking the
// streaming transcription gateway protocol: binary frames carry PCM audio
// upstream, JSON text frames carry partial and final results downstream.
// It implements the asr.Provider interface.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parlance-dev/parlance/pkg/provider/asr"
	"github.com/parlance-dev/parlance/pkg/types"
)

const (
	defaultSampleRate = 16000
	defaultEncoding   = "pcm"

	// Channel depths sized to absorb bursts without blocking the gateway's
	// read loop; the partial-result processor drains much faster than any
	// ASR emits.
	partialBuf = 64
	finalBuf   = 64
	audioBuf   = 256
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithHTTPHeader adds a header to the WebSocket dial request, typically for
// gateway authentication.
func WithHTTPHeader(key, value string) Option {
	return func(p *Provider) { p.headers.Set(key, value) }
}

// Provider implements asr.Provider backed by a streaming ASR gateway.
type Provider struct {
	endpoint string
	headers  http.Header
}

// New creates a Provider that dials the given WebSocket endpoint
// (e.g. "wss://asr.example.com/v1/stream").
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("asr stream: endpoint must not be empty")
	}
	p := &Provider{
		endpoint: endpoint,
		headers:  http.Header{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// OpenStream dials the gateway and starts the read and write loops.
func (p *Provider) OpenStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("asr stream: build URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: p.headers,
	})
	if err != nil {
		return nil, fmt.Errorf("asr stream: dial: %w", err)
	}

	h := &handle{
		conn:     conn,
		lang:     cfg.SourceLanguage,
		partials: make(chan types.PartialResult, partialBuf),
		finals:   make(chan types.FinalResult, finalBuf),
		audio:    make(chan []byte, audioBuf),
		done:     make(chan struct{}),
	}

	h.wg.Add(2)
	go h.readLoop(ctx)
	go h.writeLoop(ctx)

	return h, nil
}

// buildURL constructs the gateway streaming URL for the given config.
func (p *Provider) buildURL(cfg asr.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = defaultEncoding
	}
	level := cfg.PartialStabilityLevel
	if level == "" {
		level = asr.StabilityHigh
	}

	q := u.Query()
	q.Set("language", cfg.SourceLanguage)
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", enc)
	q.Set("partial_stability", string(level))
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- handle ----

// resultMessage is the JSON structure the gateway sends for each result event.
type resultMessage struct {
	Type      string   `json:"type"` // "partial" or "final"
	ResultID  string   `json:"result_id"`
	Text      string   `json:"text"`
	Stability *float64 `json:"stability,omitempty"`
	OriginMs  int64    `json:"origin_ts_ms"`
	Replaces  []string `json:"replaces,omitempty"`
}

// handle is a live ASR stream. It implements asr.StreamHandle.
type handle struct {
	conn     *websocket.Conn
	lang     string
	partials chan types.PartialResult
	finals   chan types.FinalResult
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM chunk for delivery to the gateway.
func (h *handle) SendAudio(chunk []byte) error {
	select {
	case <-h.done:
		return errors.New("asr stream: handle is closed")
	default:
	}
	select {
	case h.audio <- chunk:
		return nil
	case <-h.done:
		return errors.New("asr stream: handle is closed")
	}
}

// Partials returns the channel of interim results.
func (h *handle) Partials() <-chan types.PartialResult { return h.partials }

// Finals returns the channel of authoritative results.
func (h *handle) Finals() <-chan types.FinalResult { return h.finals }

// Close terminates the stream cleanly. The gateway flushes pending audio on
// receipt of the close message before tearing down the socket.
func (h *handle) Close() error {
	h.once.Do(func() {
		close(h.done)
		_ = h.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"close_stream"}`))
		h.wg.Wait()
		h.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

// writeLoop drains the audio channel into binary WebSocket messages.
func (h *handle) writeLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case chunk, ok := <-h.audio:
			if !ok {
				return
			}
			if err := h.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-h.done:
			// Flush whatever is already queued, then exit.
			for {
				select {
				case chunk, ok := <-h.audio:
					if !ok {
						return
					}
					_ = h.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON result messages and dispatches them to the partial
// and final channels.
func (h *handle) readLoop(ctx context.Context) {
	defer h.wg.Done()
	defer close(h.partials)
	defer close(h.finals)

	for {
		_, msg, err := h.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		var rm resultMessage
		if err := json.Unmarshal(msg, &rm); err != nil {
			continue
		}
		if rm.Text == "" {
			continue
		}
		if rm.ResultID == "" {
			rm.ResultID = uuid.NewString()
		}
		origin := time.UnixMilli(rm.OriginMs)

		switch rm.Type {
		case "partial":
			p := types.PartialResult{
				ResultID:        rm.ResultID,
				Text:            rm.Text,
				OriginTimestamp: origin,
				SourceLanguage:  h.lang,
			}
			if rm.Stability != nil {
				p.Stability = *rm.Stability
				p.StabilityKnown = true
			}
			select {
			case h.partials <- p:
			case <-h.done:
			}
		case "final":
			f := types.FinalResult{
				ResultID:        rm.ResultID,
				Text:            rm.Text,
				OriginTimestamp: origin,
				SourceLanguage:  h.lang,
				Replaces:        rm.Replaces,
			}
			select {
			case h.finals <- f:
			case <-h.done:
			}
		}
	}
}
