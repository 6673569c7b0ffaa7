package server

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/parlance-dev/parlance/internal/config"
	"github.com/parlance-dev/parlance/internal/directory"
	"github.com/parlance-dev/parlance/internal/emotion"
	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/internal/orchestrator"
	asrmock "github.com/parlance-dev/parlance/pkg/provider/asr/mock"
	authmock "github.com/parlance-dev/parlance/pkg/provider/auth/mock"
	"github.com/parlance-dev/parlance/pkg/provider/auth"
	mtmock "github.com/parlance-dev/parlance/pkg/provider/mt/mock"
	ttsmock "github.com/parlance-dev/parlance/pkg/provider/tts/mock"
	"github.com/parlance-dev/parlance/pkg/types"
)

type fixture struct {
	srv      *Server
	dir      *directory.Directory
	asrp     *asrmock.Provider
	stream   *asrmock.Stream
	verifier *authmock.Verifier
	mt       *mtmock.Provider
	tts      *ttsmock.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	dir := directory.New(config.SessionsConfig{
		MaxListeners: 5,
		IdleTimeout:  10 * time.Minute,
		MaxAge:       2 * time.Hour,
	}, directory.WithMetrics(m))

	mtp := &mtmock.Provider{}
	ttsp := &ttsmock.Provider{}
	emo := emotion.New()
	orc := orchestrator.New(config.FanoutConfig{
		MaxConcurrentBroadcasts: 100,
		CacheTTL:                time.Hour,
		MaxCacheEntries:         1000,
	}, mtp, ttsp, emo, dir, orchestrator.WithMetrics(m))

	stream := asrmock.NewStream()
	asrp := &asrmock.Provider{Stream: stream}
	verifier := &authmock.Verifier{}

	srv := New(config.PartialsConfig{
		MinStabilityThreshold: 0.85,
		MaxBufferTimeout:      3 * time.Second,
		PauseThreshold:        2 * time.Second,
		OrphanTimeout:         15 * time.Second,
		MaxForwardsPerSecond:  5,
		DedupCacheTTL:         10 * time.Second,
	}, dir, asrp, verifier, nil, orc, emo, WithMetrics(m))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &fixture{srv: srv, dir: dir, asrp: asrp, stream: stream, verifier: verifier, mt: mtp, tts: ttsp}
}

func send(t *testing.T, c *client, frame clientFrame) {
	t.Helper()
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.handleMessage(context.Background(), raw)
}

// nextFrame pops the client's next outbound frame, failing the test if none
// arrives in time.
func nextFrame(t *testing.T, c *client) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	payload, ok := c.out.pop(ctx)
	if !ok {
		t.Fatal("no outbound frame arrived")
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal outbound frame: %v", err)
	}
	return m
}

// waitForType pops frames until one of the wanted type arrives.
func waitForType(t *testing.T, c *client, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m := nextFrame(t, c)
		if m["type"] == wantType {
			return m
		}
	}
	t.Fatalf("no %q frame arrived", wantType)
	return nil
}

// createSession binds a fresh speaker client and returns it with its session ID.
func createSession(t *testing.T, f *fixture) (*client, string) {
	t.Helper()
	speaker := newClient(f.srv)
	send(t, speaker, clientFrame{Action: actionCreateSession, Token: "tok", SourceLanguage: "en"})
	m := nextFrame(t, speaker)
	if m["type"] != "sessionCreated" {
		t.Fatalf("frame = %v, want sessionCreated", m)
	}
	return speaker, m["sessionId"].(string)
}

func joinSession(t *testing.T, f *fixture, sessionID, lang string) *client {
	t.Helper()
	listener := newClient(f.srv)
	send(t, listener, clientFrame{Action: actionJoinSession, SessionID: sessionID, TargetLanguage: lang})
	if m := nextFrame(t, listener); m["type"] != "sessionJoined" {
		t.Fatalf("frame = %v, want sessionJoined", m)
	}
	return listener
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	speaker, id := createSession(t, f)

	s, ok := f.dir.Session(id)
	if !ok || s.SourceLanguage != "en" {
		t.Fatalf("session %q not registered", id)
	}
	if got := speaker.currentRole(); got != types.RoleSpeaker {
		t.Errorf("role = %v, want speaker", got)
	}
	if len(f.asrp.OpenStreamCalls) != 1 {
		t.Fatalf("OpenStream calls = %d, want 1", len(f.asrp.OpenStreamCalls))
	}
	cfg := f.asrp.OpenStreamCalls[0].Cfg
	if cfg.SourceLanguage != "en" || cfg.SampleRate != 16000 || cfg.Encoding != "pcm" {
		t.Errorf("stream config = %+v", cfg)
	}
}

func TestCreateSession_UnverifiedSpeaker(t *testing.T) {
	f := newFixture(t)
	f.verifier.Err = auth.ErrUnauthenticated

	speaker := newClient(f.srv)
	send(t, speaker, clientFrame{Action: actionCreateSession, Token: "bad", SourceLanguage: "en"})
	m := nextFrame(t, speaker)
	if m["code"] != CodeUnauthorized {
		t.Errorf("code = %v, want UNAUTHORIZED", m["code"])
	}
	if got := speaker.currentRole(); got != types.RoleUnauthenticated {
		t.Errorf("role = %v, want unauthenticated after rejection", got)
	}
}

func TestHeartbeat_RefreshesConnectionActivity(t *testing.T) {
	f := newFixture(t)
	_, id := createSession(t, f)
	listener := joinSession(t, f, id, "es")

	listener.mu.Lock()
	connID := listener.conn.ID
	listener.mu.Unlock()
	conn, ok := f.dir.Connection(connID)
	if !ok {
		t.Fatal("listener connection not registered")
	}
	before := conn.LastActivity()

	time.Sleep(2 * time.Millisecond)
	send(t, listener, clientFrame{Action: actionHeartbeat})
	if m := nextFrame(t, listener); m["type"] != "heartbeatAck" {
		t.Fatalf("frame = %v, want heartbeatAck", m)
	}
	if !conn.LastActivity().After(before) {
		t.Error("heartbeat did not refresh the connection activity timestamp")
	}
}

func TestCreateSession_RejectsBadTunables(t *testing.T) {
	f := newFixture(t)
	speaker := newClient(f.srv)
	send(t, speaker, clientFrame{Action: actionCreateSession, Token: "tok", SourceLanguage: "en", MinStability: 0.5})
	if m := nextFrame(t, speaker); m["type"] != "error" {
		t.Errorf("frame = %v, want error for out-of-range stability", m)
	}
}

func TestJoinSession_Errors(t *testing.T) {
	f := newFixture(t)
	_, id := createSession(t, f)

	cases := []struct {
		name  string
		frame clientFrame
		code  string
	}{
		{"unknown session", clientFrame{Action: actionJoinSession, SessionID: "no-such-one", TargetLanguage: "es"}, CodeSessionNotFound},
		{"unsupported language", clientFrame{Action: actionJoinSession, SessionID: id, TargetLanguage: "xx"}, CodeUnsupportedLang},
		{"missing fields", clientFrame{Action: actionJoinSession}, CodeInvalidFrame},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(f.srv)
			send(t, c, tc.frame)
			if m := nextFrame(t, c); m["code"] != tc.code {
				t.Errorf("code = %v, want %s", m["code"], tc.code)
			}
		})
	}
}

func TestJoinSession_AtCapacityCarriesRetryAfter(t *testing.T) {
	f := newFixture(t)
	_, id := createSession(t, f)
	for range 5 {
		joinSession(t, f, id, "es")
	}

	c := newClient(f.srv)
	send(t, c, clientFrame{Action: actionJoinSession, SessionID: id, TargetLanguage: "es"})
	m := nextFrame(t, c)
	if m["code"] != CodeSessionAtCapacity {
		t.Fatalf("code = %v, want SESSION_AT_CAPACITY", m["code"])
	}
	if m["retryAfter"] == nil {
		t.Error("capacity error is missing retryAfter")
	}
}

func TestRoleEnforcement(t *testing.T) {
	f := newFixture(t)
	_, id := createSession(t, f)
	listener := joinSession(t, f, id, "es")

	// Listeners may not stream audio or control the broadcast.
	send(t, listener, clientFrame{Action: actionSendAudio, AudioData: make([]byte, 320)})
	if m := nextFrame(t, listener); m["code"] != CodeInvalidRole {
		t.Errorf("sendAudio as listener: code = %v, want INVALID_ROLE", m["code"])
	}
	send(t, listener, clientFrame{Action: actionControlBroadcast, ControlAction: controlPause})
	if m := nextFrame(t, listener); m["code"] != CodeInvalidRole {
		t.Errorf("controlBroadcast as listener: code = %v, want INVALID_ROLE", m["code"])
	}

	// A bound connection may not create or join again.
	send(t, listener, clientFrame{Action: actionCreateSession, Token: "tok", SourceLanguage: "en"})
	if m := nextFrame(t, listener); m["code"] != CodeInvalidRole {
		t.Errorf("createSession as listener: code = %v, want INVALID_ROLE", m["code"])
	}
}

func TestSendAudio_ReachesRecognizer(t *testing.T) {
	f := newFixture(t)
	speaker, _ := createSession(t, f)

	send(t, speaker, clientFrame{Action: actionSendAudio, AudioData: bytes.Repeat([]byte{1, 0}, 160)})
	if got := len(f.stream.Chunks); got != 1 {
		t.Fatalf("chunks delivered = %d, want 1", got)
	}
}

func TestSendAudio_InvalidFormat(t *testing.T) {
	f := newFixture(t)
	speaker, _ := createSession(t, f)

	send(t, speaker, clientFrame{Action: actionSendAudio, AudioData: []byte{1, 2, 3}})
	if m := nextFrame(t, speaker); m["code"] != CodeInvalidAudioFormat {
		t.Errorf("code = %v, want INVALID_AUDIO_FORMAT", m["code"])
	}
}

func TestSendAudio_RateLimited(t *testing.T) {
	f := newFixture(t)
	speaker, _ := createSession(t, f)

	chunk := bytes.Repeat([]byte{0, 1}, 160)
	for range audioFrameBurst {
		send(t, speaker, clientFrame{Action: actionSendAudio, AudioData: chunk})
	}
	send(t, speaker, clientFrame{Action: actionSendAudio, AudioData: chunk})

	m := nextFrame(t, speaker)
	if m["code"] != CodeRateLimitExceeded {
		t.Fatalf("code = %v, want RATE_LIMIT_EXCEEDED", m["code"])
	}
	if m["retryAfter"] == nil {
		t.Error("rate-limit error is missing retryAfter")
	}
}

func TestFrameSizeLimits(t *testing.T) {
	f := newFixture(t)
	speaker, _ := createSession(t, f)

	send(t, speaker, clientFrame{Action: actionSendAudio, AudioData: make([]byte, maxAudioChunkBytes+2)})
	if m := nextFrame(t, speaker); m["code"] != CodeMessageTooLarge {
		t.Errorf("oversized audio: code = %v, want MESSAGE_TOO_LARGE", m["code"])
	}

	send(t, speaker, clientFrame{Action: actionHeartbeat, Token: strings.Repeat("a", 2048)})
	if m := nextFrame(t, speaker); m["code"] != CodeMessageTooLarge {
		t.Errorf("oversized control frame: code = %v, want MESSAGE_TOO_LARGE", m["code"])
	}
}

func TestControlBroadcast_PauseStopsAudio(t *testing.T) {
	f := newFixture(t)
	speaker, id := createSession(t, f)
	listener := joinSession(t, f, id, "es")

	send(t, speaker, clientFrame{Action: actionControlBroadcast, ControlAction: controlPause})
	m := nextFrame(t, speaker)
	if m["type"] != "broadcastControlled" || m["paused"] != true {
		t.Fatalf("frame = %v, want paused broadcastControlled", m)
	}
	if st := waitForType(t, listener, "broadcastState"); st["paused"] != true {
		t.Errorf("listener state frame = %v, want paused", st)
	}

	send(t, speaker, clientFrame{Action: actionSendAudio, AudioData: bytes.Repeat([]byte{1, 0}, 160)})
	if got := len(f.stream.Chunks); got != 0 {
		t.Errorf("chunks delivered while paused = %d, want 0", got)
	}

	send(t, speaker, clientFrame{Action: actionControlBroadcast, ControlAction: controlResume})
	nextFrame(t, speaker)
	send(t, speaker, clientFrame{Action: actionSendAudio, AudioData: bytes.Repeat([]byte{1, 0}, 160)})
	if got := len(f.stream.Chunks); got != 1 {
		t.Errorf("chunks delivered after resume = %d, want 1", got)
	}
}

func TestGetSessionStatus(t *testing.T) {
	f := newFixture(t)
	speaker, id := createSession(t, f)
	joinSession(t, f, id, "es")
	joinSession(t, f, id, "es")
	joinSession(t, f, id, "fr")

	send(t, speaker, clientFrame{Action: actionGetSessionStatus})
	m := nextFrame(t, speaker)
	if m["type"] != "sessionStatus" {
		t.Fatalf("frame = %v, want sessionStatus", m)
	}
	if m["listenerCount"] != float64(3) {
		t.Errorf("listenerCount = %v, want 3", m["listenerCount"])
	}
	dist := m["languageDistribution"].(map[string]any)
	if dist["es"] != float64(2) || dist["fr"] != float64(1) {
		t.Errorf("languageDistribution = %v", dist)
	}
}

func TestChangeLanguage(t *testing.T) {
	f := newFixture(t)
	_, id := createSession(t, f)
	listener := joinSession(t, f, id, "es")

	send(t, listener, clientFrame{Action: actionChangeLanguage, TargetLanguage: "fr"})
	if m := nextFrame(t, listener); m["type"] != "languageChanged" {
		t.Fatalf("frame = %v, want languageChanged", m)
	}
	byLang := f.dir.Listeners(id)
	if len(byLang["fr"]) != 1 || len(byLang["es"]) != 0 {
		t.Errorf("listener groups = %v, want the listener under fr", byLang)
	}

	send(t, listener, clientFrame{Action: actionChangeLanguage, TargetLanguage: "xx"})
	if m := nextFrame(t, listener); m["code"] != CodeUnsupportedLang {
		t.Errorf("code = %v, want UNSUPPORTED_LANGUAGE", m["code"])
	}
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	c := newClient(f.srv)
	send(t, c, clientFrame{Action: actionHeartbeat})
	if m := nextFrame(t, c); m["type"] != "heartbeatAck" {
		t.Errorf("frame = %v, want heartbeatAck", m)
	}
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t)
	c := newClient(f.srv)
	send(t, c, clientFrame{Action: "selfDestruct"})
	if m := nextFrame(t, c); m["code"] != CodeInvalidFrame {
		t.Errorf("code = %v, want INVALID_FRAME", m["code"])
	}
}

func TestFinalResultFlowsToListener(t *testing.T) {
	f := newFixture(t)
	_, id := createSession(t, f)
	listener := joinSession(t, f, id, "es")

	f.stream.FinalsCh <- types.FinalResult{
		ResultID:        "r1",
		Text:            "Good morning everyone.",
		OriginTimestamp: time.Now(),
	}

	m := waitForType(t, listener, "finalTranscript")
	if m["text"] != "Good morning everyone. [es]" {
		t.Errorf("text = %v, want translated text", m["text"])
	}
	if m["targetLanguage"] != "es" {
		t.Errorf("targetLanguage = %v, want es", m["targetLanguage"])
	}
	a := waitForType(t, listener, "audioChunk")
	if a["audioData"] == nil || a["audioData"] == "" {
		t.Error("audio chunk frame carries no audio")
	}
}

func TestSpeakerDetachEndsSession(t *testing.T) {
	f := newFixture(t)
	speaker, id := createSession(t, f)
	listener := joinSession(t, f, id, "es")

	speaker.detach(context.Background())
	speaker.detach(context.Background()) // idempotent

	if m := waitForType(t, listener, "sessionEnded"); m["sessionId"] != id {
		t.Errorf("sessionEnded frame = %v", m)
	}
	s, ok := f.dir.Session(id)
	if !ok || s.State() != directory.StateEnded {
		t.Errorf("session state = %v, want ended", s.State())
	}

	// A late join sees "ended", not "not found".
	c := newClient(f.srv)
	send(t, c, clientFrame{Action: actionJoinSession, SessionID: id, TargetLanguage: "es"})
	if m := nextFrame(t, c); m["code"] != CodeSessionInactive {
		t.Errorf("late join code = %v, want SESSION_INACTIVE", m["code"])
	}
}

func TestListenerDetachLeavesSession(t *testing.T) {
	f := newFixture(t)
	_, id := createSession(t, f)
	listener := joinSession(t, f, id, "es")

	listener.detach(context.Background())

	s, _ := f.dir.Session(id)
	if got := s.ListenerCount(); got != 0 {
		t.Errorf("listener count = %d, want 0 after detach", got)
	}
}

func TestDeliverToClosedConnection(t *testing.T) {
	f := newFixture(t)
	c := newClient(f.srv)
	c.detach(context.Background())
	if err := c.Deliver(context.Background(), []byte("x")); err == nil {
		t.Error("Deliver to a detached client succeeded")
	}
}
