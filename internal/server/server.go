// Package server is the websocket ingress for Parlance: it accepts speaker
// and listener connections, enforces the frame protocol (roles, sizes,
// rates), and binds each session to its recognizer stream, partial-result
// processor, and fan-out.
//
// One connection maps to one client state machine. Speakers create a session
// and stream audio; listeners join a session in a target language and receive
// synthesized translation frames through a bounded per-connection playback
// queue.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/parlance-dev/parlance/internal/config"
	"github.com/parlance-dev/parlance/internal/directory"
	"github.com/parlance-dev/parlance/internal/emotion"
	"github.com/parlance-dev/parlance/internal/flags"
	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/internal/orchestrator"
	"github.com/parlance-dev/parlance/pkg/provider/asr"
	"github.com/parlance-dev/parlance/pkg/provider/auth"
)

// readLimit caps one inbound websocket message. Audio frames are at most
// 32 KB of PCM, roughly 43 KB once base64-wrapped in JSON.
const readLimit = 64 << 10

// Server is the websocket ingress.
type Server struct {
	partials config.PartialsConfig
	dir      *directory.Directory
	asr      asr.Provider
	verifier auth.Verifier
	gate     *flags.Gate // nil disables gating; partials always run
	orc      *orchestrator.Orchestrator
	emotions *emotion.Analyzer
	metrics  *observe.Metrics

	mu       sync.Mutex
	runtimes map[string]*sessionRuntime
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics overrides the metrics instance (default: [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server. The gate may be nil when no flag service is
// configured.
func New(partials config.PartialsConfig, dir *directory.Directory, asrp asr.Provider, verifier auth.Verifier, gate *flags.Gate, orc *orchestrator.Orchestrator, emotions *emotion.Analyzer, opts ...Option) *Server {
	s := &Server{
		partials: partials,
		dir:      dir,
		asr:      asrp,
		verifier: verifier,
		gate:     gate,
		orc:      orc,
		emotions: emotions,
		runtimes: make(map[string]*sessionRuntime),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register mounts the websocket endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stream", s.handleWS)
}

// handleWS upgrades the connection and runs the frame loop until the client
// disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(readLimit)

	ctx := r.Context()
	c := newClient(s)
	go c.writeLoop(ctx, ws)

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageText {
			c.sendError(ctx, CodeInvalidFrame, "frames must be JSON text messages", 0)
			continue
		}
		c.handleMessage(ctx, data)
	}

	// Teardown must run even when the request context is already cancelled.
	c.detach(context.WithoutCancel(ctx))
	ws.Close(websocket.StatusNormalClosure, "")
}

// writeLoop drains the client's outbound queue onto the socket.
func (c *client) writeLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		payload, ok := c.out.pop(ctx)
		if !ok {
			return
		}
		if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
			c.detach(context.WithoutCancel(ctx))
			return
		}
	}
}

// trackRuntime registers a live session runtime.
func (s *Server) trackRuntime(rt *sessionRuntime) {
	s.mu.Lock()
	s.runtimes[rt.session.ID] = rt
	s.mu.Unlock()
}

// endSession tears down one session: pumps stop, the directory marks it
// ended, listeners are told, and per-session fan-out state is released.
func (s *Server) endSession(ctx context.Context, rt *sessionRuntime) {
	id := rt.session.ID

	s.mu.Lock()
	delete(s.runtimes, id)
	s.mu.Unlock()

	rt.shutdown()

	detached := s.dir.EndSession(ctx, id)
	if len(detached) > 0 {
		payload, err := json.Marshal(sessionEndedFrame{Type: "sessionEnded", SessionID: id})
		if err == nil {
			for _, conn := range detached {
				_ = conn.Sink.Deliver(ctx, payload)
			}
		}
	}

	s.orc.ForgetSession(id)
	s.emotions.Forget(id)
}

// ReapEnded tears down runtimes for sessions the directory has reaped, e.g.
// for idleness. Wire it to the directory's reap results in the run loop.
func (s *Server) ReapEnded(ctx context.Context, sessionIDs []string) {
	for _, id := range sessionIDs {
		s.mu.Lock()
		rt, ok := s.runtimes[id]
		s.mu.Unlock()
		if ok {
			s.endSession(ctx, rt)
		}
	}
}

// Run drives the directory's idle reaper and closes the runtimes of reaped
// sessions, until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.ReapEnded(ctx, s.dir.ReapIdle(ctx))
		}
	}
}

// Shutdown ends every live session. Used on process exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	rts := make([]*sessionRuntime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		rts = append(rts, rt)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range rts {
		g.Go(func() error {
			s.endSession(gctx, rt)
			return nil
		})
	}
	return g.Wait()
}

// announceState pushes a broadcast state change to every listener of the
// session.
func (s *Server) announceState(ctx context.Context, sessionID string, st broadcastState) {
	payload, err := json.Marshal(broadcastStateFrame{
		Type:      "broadcastState",
		SessionID: sessionID,
		Paused:    st.Paused,
		Muted:     st.Muted,
		Volume:    st.Volume,
	})
	if err != nil {
		return
	}
	for _, conns := range s.dir.Listeners(sessionID) {
		for _, conn := range conns {
			_ = conn.Sink.Deliver(ctx, payload)
		}
	}
}

// supportedLanguage reports whether a synthesis voice exists for lang.
func (s *Server) supportedLanguage(lang string) bool {
	return orchestrator.SupportedLanguage(lang)
}
