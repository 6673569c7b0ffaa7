package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlance-dev/parlance/internal/directory"
	"github.com/parlance-dev/parlance/pkg/provider/asr"
	"github.com/parlance-dev/parlance/pkg/provider/auth"
	"github.com/parlance-dev/parlance/pkg/types"
)

// errClosed reports delivery to a connection whose transport has gone away.
// The broadcaster treats it as permanent and drops the listener.
var errClosed = errors.New("server: connection closed")

// client is one attached transport connection: a role state machine plus the
// outbound frame queue the transport write loop drains. It implements
// directory.Sink so the fan-out path can address it directly.
type client struct {
	srv *Server
	out *playbackBuffer

	mu      sync.Mutex
	role    types.Role
	conn    *directory.Connection
	runtime *sessionRuntime // speakers only
	closed  bool

	detachOnce sync.Once
}

func newClient(srv *Server) *client {
	return &client{
		srv:  srv,
		out:  newPlaybackBuffer(maxPlaybackBytes),
		role: types.RoleUnauthenticated,
	}
}

// Deliver queues payload for the transport write loop. Never blocks; when
// the listener is too far behind, the oldest queued frames are dropped.
func (c *client) Deliver(ctx context.Context, payload []byte) error {
	dropped, err := c.out.push(payload)
	if err != nil {
		return errClosed
	}
	if dropped > 0 {
		c.srv.metrics.BufferOverflow.Add(ctx, int64(dropped))
	}
	return nil
}

// handleMessage validates and routes one inbound frame. Errors are reported
// to the client as error frames; the connection stays up.
func (c *client) handleMessage(ctx context.Context, raw []byte) {
	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.sendError(ctx, CodeInvalidFrame, "frame is not valid JSON", 0)
		return
	}

	// Every inbound frame counts as connection activity for the idle reaper.
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.srv.dir.TouchConnection(conn.ID)
	}

	if f.Action == actionSendAudio {
		if len(f.AudioData) > maxAudioChunkBytes {
			c.sendError(ctx, CodeMessageTooLarge,
				fmt.Sprintf("audio chunk exceeds %d bytes", maxAudioChunkBytes), 0)
			return
		}
	} else if len(raw) > maxControlFrameBytes {
		c.sendError(ctx, CodeMessageTooLarge,
			fmt.Sprintf("control frame exceeds %d bytes", maxControlFrameBytes), 0)
		return
	}

	switch f.Action {
	case actionCreateSession:
		c.handleCreateSession(ctx, f)
	case actionJoinSession:
		c.handleJoinSession(ctx, f)
	case actionSendAudio:
		c.handleSendAudio(ctx, f)
	case actionControlBroadcast:
		c.handleControlBroadcast(ctx, f)
	case actionGetSessionStatus:
		c.handleGetSessionStatus(ctx, f)
	case actionChangeLanguage:
		c.handleChangeLanguage(ctx, f)
	case actionHeartbeat:
		c.handleHeartbeat(ctx)
	default:
		c.sendError(ctx, CodeInvalidFrame, fmt.Sprintf("unknown action %q", f.Action), 0)
	}
}

func (c *client) handleCreateSession(ctx context.Context, f clientFrame) {
	if c.currentRole() != types.RoleUnauthenticated {
		c.sendError(ctx, CodeInvalidRole, "connection is already bound to a session", 0)
		return
	}
	if f.SourceLanguage == "" {
		c.sendError(ctx, CodeInvalidFrame, "sourceLanguage is required", 0)
		return
	}

	identity, err := c.srv.verifier.Verify(ctx, f.Token)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			slog.Error("speaker verification failed", "err", err)
		}
		c.sendError(ctx, CodeUnauthorized, "speaker identity could not be verified", 0)
		return
	}

	tun := directory.Tunables{
		MinStabilityThreshold: f.MinStability,
		MaxBufferTimeout:      secondsToDuration(f.MaxBufferTimeout),
	}
	s, err := c.srv.dir.CreateSession(ctx, identity.SpeakerID, f.SourceLanguage, tun)
	if err != nil {
		c.sendError(ctx, CodeInvalidFrame, err.Error(), 0)
		return
	}

	conn, err := c.srv.dir.AttachSpeaker(ctx, s.ID, c)
	if err != nil {
		c.srv.dir.EndSession(ctx, s.ID)
		c.sendError(ctx, CodeSessionInactive, err.Error(), 0)
		return
	}

	stream, err := c.srv.asr.OpenStream(context.WithoutCancel(ctx), asr.StreamConfig{
		SourceLanguage:        s.SourceLanguage,
		SampleRate:            16000,
		Encoding:              "pcm",
		PartialStabilityLevel: asr.StabilityHigh,
	})
	if err != nil {
		slog.Error("recognizer stream open failed", "session_id", s.ID, "err", err)
		c.srv.metrics.RecordProviderError(ctx, "asr", "open_stream")
		c.srv.dir.EndSession(ctx, s.ID)
		c.sendError(ctx, CodeUpstreamDown, "speech recognition is unavailable, try again shortly", 5)
		return
	}

	partialsEnabled := f.PartialResults == nil || *f.PartialResults
	rt := newSessionRuntime(context.WithoutCancel(ctx), c.srv, s, stream, partialsEnabled)
	c.srv.trackRuntime(rt)

	c.mu.Lock()
	c.role = types.RoleSpeaker
	c.conn = conn
	c.runtime = rt
	c.mu.Unlock()

	c.send(ctx, sessionCreatedFrame{
		Type:             "sessionCreated",
		SessionID:        s.ID,
		SourceLanguage:   s.SourceLanguage,
		PartialResults:   partialsEnabled,
		MinStability:     effectiveStability(c.srv, s),
		MaxBufferTimeout: effectiveBufferTimeout(c.srv, s).Seconds(),
	})
}

func (c *client) handleJoinSession(ctx context.Context, f clientFrame) {
	if c.currentRole() != types.RoleUnauthenticated {
		c.sendError(ctx, CodeInvalidRole, "connection is already bound to a session", 0)
		return
	}
	if f.SessionID == "" || f.TargetLanguage == "" {
		c.sendError(ctx, CodeInvalidFrame, "sessionId and targetLanguage are required", 0)
		return
	}
	if !c.srv.supportedLanguage(f.TargetLanguage) {
		c.sendError(ctx, CodeUnsupportedLang,
			fmt.Sprintf("no synthesis voice for language %q", f.TargetLanguage), 0)
		return
	}

	conn, err := c.srv.dir.JoinSession(ctx, f.SessionID, f.TargetLanguage, c)
	if err != nil {
		code, retryAfter := directoryErrorCode(err)
		c.sendError(ctx, code, err.Error(), retryAfter)
		return
	}

	c.mu.Lock()
	c.role = types.RoleListener
	c.conn = conn
	c.mu.Unlock()

	c.send(ctx, sessionJoinedFrame{
		Type:           "sessionJoined",
		SessionID:      f.SessionID,
		TargetLanguage: f.TargetLanguage,
	})
}

func (c *client) handleSendAudio(ctx context.Context, f clientFrame) {
	rt, ok := c.speakerRuntime(ctx)
	if !ok {
		return
	}
	if !rt.limiter.Allow() {
		c.sendError(ctx, CodeRateLimitExceeded, "audio frame rate exceeded", 1)
		return
	}
	if len(f.AudioData) == 0 || len(f.AudioData)%2 != 0 {
		c.sendError(ctx, CodeInvalidAudioFormat, "audio must be non-empty 16-bit PCM", 0)
		return
	}

	c.srv.dir.Touch(rt.session.ID)

	ts := time.Now()
	if f.Timestamp > 0 {
		ts = time.UnixMilli(f.Timestamp)
	}
	rt.submitAudio(types.AudioFrame{
		PCM:        f.AudioData,
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  ts,
	}, f.AudioData)
}

func (c *client) handleControlBroadcast(ctx context.Context, f clientFrame) {
	rt, ok := c.speakerRuntime(ctx)
	if !ok {
		return
	}
	switch f.ControlAction {
	case controlPause, controlResume, controlMute, controlUnmute:
	default:
		c.sendError(ctx, CodeInvalidFrame,
			fmt.Sprintf("unknown control action %q", f.ControlAction), 0)
		return
	}
	if f.Volume != nil && (*f.Volume < 0 || *f.Volume > 1) {
		c.sendError(ctx, CodeInvalidFrame, "volume must lie in [0, 1]", 0)
		return
	}

	st := rt.control(f.ControlAction, f.Volume)
	c.send(ctx, broadcastControlledFrame{
		Type:          "broadcastControlled",
		SessionID:     rt.session.ID,
		ControlAction: f.ControlAction,
		Paused:        st.Paused,
		Muted:         st.Muted,
		Volume:        st.Volume,
	})
	c.srv.announceState(ctx, rt.session.ID, st)
}

func (c *client) handleGetSessionStatus(ctx context.Context, f clientFrame) {
	rt, ok := c.speakerRuntime(ctx)
	if !ok {
		return
	}
	distribution := make(map[string]int)
	for lang, conns := range c.srv.dir.Listeners(rt.session.ID) {
		distribution[lang] = len(conns)
	}
	st := rt.state()
	c.send(ctx, sessionStatusFrame{
		Type:                 "sessionStatus",
		SessionID:            rt.session.ID,
		ListenerCount:        rt.session.ListenerCount(),
		LanguageDistribution: distribution,
		Paused:               st.Paused,
		Muted:                st.Muted,
	})
}

func (c *client) handleChangeLanguage(ctx context.Context, f clientFrame) {
	c.mu.Lock()
	role, conn := c.role, c.conn
	c.mu.Unlock()
	if role != types.RoleListener || conn == nil {
		c.sendError(ctx, CodeInvalidRole, "only listeners change language", 0)
		return
	}
	if !c.srv.supportedLanguage(f.TargetLanguage) {
		c.sendError(ctx, CodeUnsupportedLang,
			fmt.Sprintf("no synthesis voice for language %q", f.TargetLanguage), 0)
		return
	}
	if err := c.srv.dir.Retarget(ctx, conn.ID, f.TargetLanguage); err != nil {
		c.sendError(ctx, CodeSessionNotFound, err.Error(), 0)
		return
	}
	c.send(ctx, languageChangedFrame{Type: "languageChanged", TargetLanguage: f.TargetLanguage})
}

func (c *client) handleHeartbeat(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.srv.dir.Touch(conn.SessionID)
	}
	c.send(ctx, heartbeatAckFrame{Type: "heartbeatAck"})
}

// detach tears the connection down: listeners leave their session, a speaker
// ends it. Idempotent; safe to call from the read and write loops.
func (c *client) detach(ctx context.Context) {
	c.detachOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		role, conn, rt := c.role, c.conn, c.runtime
		c.mu.Unlock()

		c.out.close()

		switch {
		case role == types.RoleSpeaker && rt != nil:
			c.srv.endSession(ctx, rt)
		case role == types.RoleListener && conn != nil:
			c.srv.dir.Leave(ctx, conn.ID)
		}
	})
}

// speakerRuntime returns the bound runtime, sending INVALID_ROLE when the
// connection is not a speaker.
func (c *client) speakerRuntime(ctx context.Context) (*sessionRuntime, bool) {
	c.mu.Lock()
	role, rt := c.role, c.runtime
	c.mu.Unlock()
	if role != types.RoleSpeaker || rt == nil {
		c.sendError(ctx, CodeInvalidRole, "only the session speaker may do this", 0)
		return nil, false
	}
	return rt, true
}

func (c *client) currentRole() types.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// send marshals v onto the outbound queue. Delivery failures mean the
// connection is going away; the read loop notices independently.
func (c *client) send(ctx context.Context, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal outbound frame", "err", err)
		return
	}
	_ = c.Deliver(ctx, payload)
}

func (c *client) sendError(ctx context.Context, code, message string, retryAfter int) {
	c.send(ctx, errorFrame{Type: "error", Code: code, Message: message, RetryAfter: retryAfter})
}

// directoryErrorCode maps directory errors onto wire codes.
func directoryErrorCode(err error) (code string, retryAfter int) {
	switch {
	case errors.Is(err, directory.ErrSessionNotFound):
		return CodeSessionNotFound, 0
	case errors.Is(err, directory.ErrSessionInactive):
		return CodeSessionInactive, 0
	case errors.Is(err, directory.ErrSessionAtCapacity):
		return CodeSessionAtCapacity, 30
	default:
		return CodeInvalidFrame, 0
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func effectiveStability(srv *Server, s *directory.Session) float64 {
	if s.Tunables.MinStabilityThreshold != 0 {
		return s.Tunables.MinStabilityThreshold
	}
	return srv.partials.MinStabilityThreshold
}

func effectiveBufferTimeout(srv *Server, s *directory.Session) time.Duration {
	if s.Tunables.MaxBufferTimeout != 0 {
		return s.Tunables.MaxBufferTimeout
	}
	return srv.partials.MaxBufferTimeout
}
