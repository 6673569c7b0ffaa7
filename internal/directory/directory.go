// Package directory tracks live translation sessions and the connections
// attached to them.
//
// A session is created by a speaker and joined by listeners, each listener
// choosing a target language. The directory is the single authority on which
// sessions exist, which connections belong to them, and which target
// languages currently have an audience. It also reaps sessions that go idle
// or exceed their maximum age.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parlance-dev/parlance/internal/config"
	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/pkg/types"
)

// Directory errors returned to the ingress layer, which maps them onto wire
// error codes.
var (
	ErrSessionNotFound   = errors.New("directory: session not found")
	ErrSessionInactive   = errors.New("directory: session has ended")
	ErrSessionAtCapacity = errors.New("directory: session is at listener capacity")
	ErrUnknownConnection = errors.New("directory: unknown connection")
)

// reapInterval is how often the background loop scans for idle and expired
// sessions.
const reapInterval = time.Minute

// SessionState is the lifecycle state of a session.
type SessionState int32

const (
	// StateActive accepts audio and listeners.
	StateActive SessionState = iota

	// StateEnded no longer accepts anything; the session is kept in the
	// directory until the next reap pass so late joins get a clear
	// "session has ended" instead of "not found".
	StateEnded
)

// Tunables are the per-session overrides of the global partial-processing
// configuration. Zero values mean "use the configured default".
type Tunables struct {
	// MinStabilityThreshold overrides the stability cutoff for forwarding
	// partials. Must lie in [0.70, 0.95] when set.
	MinStabilityThreshold float64

	// MaxBufferTimeout overrides the force-flush age for buffered results.
	// Must lie in [2s, 10s] when set.
	MaxBufferTimeout time.Duration
}

// Validate reports whether every set tunable is within its allowed range.
func (t Tunables) Validate() error {
	var errs []error
	if t.MinStabilityThreshold != 0 && (t.MinStabilityThreshold < 0.70 || t.MinStabilityThreshold > 0.95) {
		errs = append(errs, fmt.Errorf("min stability threshold %.2f out of range [0.70, 0.95]", t.MinStabilityThreshold))
	}
	if t.MaxBufferTimeout != 0 && (t.MaxBufferTimeout < 2*time.Second || t.MaxBufferTimeout > 10*time.Second) {
		errs = append(errs, fmt.Errorf("max buffer timeout %v out of range [2s, 10s]", t.MaxBufferTimeout))
	}
	return errors.Join(errs...)
}

// Sink delivers a wire frame to one connected client. The server's websocket
// layer implements it; tests use in-memory fakes.
type Sink interface {
	Deliver(ctx context.Context, payload []byte) error
}

// Session is one live translation session. Mutable fields are guarded by the
// owning [Directory]; the listener count and activity timestamp are atomics
// because the hot paths (audio ingress, broadcast) read them without taking
// the directory lock.
type Session struct {
	// ID is the memorable join code, e.g. "golden-eagle-427".
	ID string

	// SpeakerID identifies the authenticated speaker who owns the session.
	SpeakerID string

	// SourceLanguage is the BCP 47 tag of the spoken language.
	SourceLanguage string

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	// Tunables are the validated per-session overrides.
	Tunables Tunables

	state         atomic.Int32
	listenerCount atomic.Int64
	lastActivity  atomic.Int64 // unix nanos
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// ListenerCount returns the number of currently attached listeners.
// Never negative.
func (s *Session) ListenerCount() int {
	return int(s.listenerCount.Load())
}

// LastActivity returns the time of the most recent audio or membership event.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Connection is one attached client, speaker or listener.
type Connection struct {
	// ID uniquely identifies the connection.
	ID string

	// SessionID is the session this connection belongs to.
	SessionID string

	// Role is the connection's role within the session.
	Role types.Role

	// TargetLanguage is the listener's chosen output language. Empty for
	// speakers. Guarded by the directory lock; read through [Directory.Listeners].
	TargetLanguage string

	// JoinedAt is when the connection attached.
	JoinedAt time.Time

	// Sink delivers frames to the client.
	Sink Sink

	lastActivity atomic.Int64 // unix nanos
}

// LastActivity returns the time of the connection's most recent inbound frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Store persists directory state so sessions survive a restart. Implementations
// must be safe for concurrent use. All methods are best-effort from the
// directory's point of view: failures are logged, never surfaced to clients.
type Store interface {
	SaveSession(ctx context.Context, s *Session) error
	MarkSessionEnded(ctx context.Context, sessionID string, at time.Time) error
	SaveConnection(ctx context.Context, c *Connection) error
	DeleteConnection(ctx context.Context, connID string) error
}

// Directory is the in-memory session and connection registry.
// Safe for concurrent use.
type Directory struct {
	cfg     config.SessionsConfig
	clock   func() time.Time
	metrics *observe.Metrics
	store   Store

	mu       sync.RWMutex
	sessions map[string]*Session
	conns    map[string]*Connection
	// listeners indexes listener connections by session and target language
	// so the fan-out path can enumerate audiences without scanning.
	listeners map[string]map[string]map[string]*Connection
}

// Option configures a [Directory].
type Option func(*Directory)

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Directory) { d.clock = clock }
}

// WithStore attaches a persistence backend.
func WithStore(s Store) Option {
	return func(d *Directory) { d.store = s }
}

// WithMetrics overrides the metrics instance (default: [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Directory) { d.metrics = m }
}

// New creates an empty Directory with the given session limits.
func New(cfg config.SessionsConfig, opts ...Option) *Directory {
	d := &Directory{
		cfg:       cfg,
		clock:     time.Now,
		sessions:  make(map[string]*Session),
		conns:     make(map[string]*Connection),
		listeners: make(map[string]map[string]map[string]*Connection),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// CreateSession registers a new active session for the given speaker and
// returns it. Tunables outside their allowed ranges are rejected.
func (d *Directory) CreateSession(ctx context.Context, speakerID, sourceLanguage string, tun Tunables) (*Session, error) {
	if speakerID == "" {
		return nil, errors.New("directory: speaker ID is required")
	}
	if sourceLanguage == "" {
		return nil, errors.New("directory: source language is required")
	}
	if err := tun.Validate(); err != nil {
		return nil, fmt.Errorf("directory: invalid tunables: %w", err)
	}

	now := d.clock()
	s := &Session{
		SpeakerID:      speakerID,
		SourceLanguage: sourceLanguage,
		CreatedAt:      now,
		Tunables:       tun,
	}
	s.lastActivity.Store(now.UnixNano())

	d.mu.Lock()
	for {
		s.ID = newSessionID()
		if _, taken := d.sessions[s.ID]; !taken {
			break
		}
	}
	d.sessions[s.ID] = s
	d.listeners[s.ID] = make(map[string]map[string]*Connection)
	d.mu.Unlock()

	d.metrics.ActiveSessions.Add(ctx, 1)
	d.persist(ctx, func(st Store) error { return st.SaveSession(ctx, s) })
	slog.Info("session created",
		"session_id", s.ID, "speaker_id", speakerID, "source_language", sourceLanguage)
	return s, nil
}

// JoinSession attaches a listener to the session with the given target
// language and returns the new connection. Fails when the session does not
// exist, has ended, or is at listener capacity.
func (d *Directory) JoinSession(ctx context.Context, sessionID, targetLanguage string, sink Sink) (*Connection, error) {
	if targetLanguage == "" {
		return nil, errors.New("directory: target language is required")
	}

	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if !ok {
		d.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.State() != StateActive {
		d.mu.Unlock()
		return nil, ErrSessionInactive
	}
	if s.ListenerCount() >= d.cfg.MaxListeners {
		d.mu.Unlock()
		return nil, ErrSessionAtCapacity
	}

	now := d.clock()
	c := &Connection{
		ID:             newConnID(),
		SessionID:      sessionID,
		Role:           types.RoleListener,
		TargetLanguage: targetLanguage,
		JoinedAt:       now,
		Sink:           sink,
	}
	c.lastActivity.Store(now.UnixNano())
	d.conns[c.ID] = c
	d.indexListenerLocked(c)
	s.listenerCount.Add(1)
	s.lastActivity.Store(now.UnixNano())
	d.mu.Unlock()

	d.metrics.ActiveListeners.Add(ctx, 1)
	d.persist(ctx, func(st Store) error { return st.SaveConnection(ctx, c) })
	slog.Info("listener joined",
		"session_id", sessionID, "connection_id", c.ID, "target_language", targetLanguage)
	return c, nil
}

// AttachSpeaker registers the speaker's own connection for an existing
// session, so the server can address it like any other connection.
func (d *Directory) AttachSpeaker(ctx context.Context, sessionID string, sink Sink) (*Connection, error) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if !ok {
		d.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.State() != StateActive {
		d.mu.Unlock()
		return nil, ErrSessionInactive
	}
	c := &Connection{
		ID:        newConnID(),
		SessionID: sessionID,
		Role:      types.RoleSpeaker,
		JoinedAt:  d.clock(),
		Sink:      sink,
	}
	c.lastActivity.Store(c.JoinedAt.UnixNano())
	d.conns[c.ID] = c
	d.mu.Unlock()

	d.persist(ctx, func(st Store) error { return st.SaveConnection(ctx, c) })
	return c, nil
}

// Retarget switches a listener to a new target language. Subsequent
// broadcasts use the new language; in-flight ones may still arrive in the
// old language.
func (d *Directory) Retarget(ctx context.Context, connID, targetLanguage string) error {
	if targetLanguage == "" {
		return errors.New("directory: target language is required")
	}

	d.mu.Lock()
	c, ok := d.conns[connID]
	if !ok || c.Role != types.RoleListener {
		d.mu.Unlock()
		return ErrUnknownConnection
	}
	old := c.TargetLanguage
	if old == targetLanguage {
		d.mu.Unlock()
		return nil
	}
	d.unindexListenerLocked(c)
	c.TargetLanguage = targetLanguage
	d.indexListenerLocked(c)
	d.mu.Unlock()

	d.persist(ctx, func(st Store) error { return st.SaveConnection(ctx, c) })
	slog.Info("listener retargeted",
		"connection_id", connID, "from", old, "to", targetLanguage)
	return nil
}

// Leave detaches a listener connection. Idempotent: detaching an unknown or
// already-removed connection is a no-op.
func (d *Directory) Leave(ctx context.Context, connID string) {
	d.mu.Lock()
	c, ok := d.conns[connID]
	if !ok || c.Role != types.RoleListener {
		d.mu.Unlock()
		return
	}
	delete(d.conns, connID)
	d.unindexListenerLocked(c)
	if s, ok := d.sessions[c.SessionID]; ok {
		s.listenerCount.Add(-1)
		s.lastActivity.Store(d.clock().UnixNano())
	}
	d.mu.Unlock()

	d.metrics.ActiveListeners.Add(ctx, -1)
	d.persist(ctx, func(st Store) error { return st.DeleteConnection(ctx, connID) })
	slog.Info("listener left", "session_id", c.SessionID, "connection_id", connID)
}

// EndSession marks the session ended and detaches all of its connections,
// returning the listener connections so the caller can notify them. Ending a
// session that is already ended or unknown returns no connections and no
// error. The speaker disconnecting ends its session.
func (d *Directory) EndSession(ctx context.Context, sessionID string) []*Connection {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if !ok || s.State() != StateActive {
		d.mu.Unlock()
		return nil
	}
	s.state.Store(int32(StateEnded))

	var detached []*Connection
	for id, c := range d.conns {
		if c.SessionID != sessionID {
			continue
		}
		delete(d.conns, id)
		if c.Role == types.RoleListener {
			detached = append(detached, c)
		}
	}
	delete(d.listeners, sessionID)
	removed := s.listenerCount.Swap(0)
	d.mu.Unlock()

	d.metrics.ActiveSessions.Add(ctx, -1)
	if removed > 0 {
		d.metrics.ActiveListeners.Add(ctx, -removed)
	}
	d.persist(ctx, func(st Store) error { return st.MarkSessionEnded(ctx, sessionID, d.clock()) })
	slog.Info("session ended", "session_id", sessionID, "listeners_detached", len(detached))
	return detached
}

// Touch records activity on a session, deferring idle reaping. Called from
// the audio ingress path.
func (d *Directory) Touch(sessionID string) {
	d.mu.RLock()
	s, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if ok {
		s.lastActivity.Store(d.clock().UnixNano())
	}
}

// TouchConnection records an inbound frame on a connection, deferring its
// idle reap. The ingress layer calls it for every frame a client sends.
func (d *Directory) TouchConnection(connID string) {
	d.mu.RLock()
	c, ok := d.conns[connID]
	d.mu.RUnlock()
	if ok {
		c.lastActivity.Store(d.clock().UnixNano())
	}
}

// Session returns the session with the given ID, active or ended.
func (d *Directory) Session(sessionID string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[sessionID]
	return s, ok
}

// Connection returns the connection with the given ID.
func (d *Directory) Connection(connID string) (*Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conns[connID]
	return c, ok
}

// Listeners returns a snapshot of the session's listeners grouped by target
// language. Languages with no listeners are absent from the map.
func (d *Directory) Listeners(sessionID string) map[string][]*Connection {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byLang, ok := d.listeners[sessionID]
	if !ok {
		return nil
	}
	out := make(map[string][]*Connection, len(byLang))
	for lang, conns := range byLang {
		if len(conns) == 0 {
			continue
		}
		list := make([]*Connection, 0, len(conns))
		for _, c := range conns {
			list = append(list, c)
		}
		out[lang] = list
	}
	return out
}

// Run reaps idle and expired sessions every minute until ctx is cancelled.
func (d *Directory) Run(ctx context.Context) {
	t := time.NewTicker(reapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.ReapIdle(ctx)
		}
	}
}

// ReapIdle ends every active session that has been idle longer than the idle
// timeout or has exceeded the maximum session age, detaches listener
// connections whose own activity went stale, and drops ended sessions from
// the registry. Returns the IDs of sessions ended by this pass.
func (d *Directory) ReapIdle(ctx context.Context) []string {
	now := d.clock()

	d.mu.RLock()
	var toEnd, toDrop []string
	for id, s := range d.sessions {
		switch {
		case s.State() == StateEnded:
			toDrop = append(toDrop, id)
		case now.Sub(s.LastActivity()) > d.cfg.IdleTimeout:
			toEnd = append(toEnd, id)
		case now.Sub(s.CreatedAt) > d.cfg.MaxAge:
			toEnd = append(toEnd, id)
		}
	}
	d.mu.RUnlock()

	for _, id := range toEnd {
		slog.Info("reaping session", "session_id", id)
		d.EndSession(ctx, id)
	}

	// A listener can stop sending frames while its transport stays open;
	// its session outlives it, so the connection is reaped on its own clock.
	d.mu.RLock()
	var staleConns []string
	for id, c := range d.conns {
		if c.Role == types.RoleListener && now.Sub(c.LastActivity()) > d.cfg.IdleTimeout {
			staleConns = append(staleConns, id)
		}
	}
	d.mu.RUnlock()
	for _, id := range staleConns {
		slog.Info("reaping idle connection", "connection_id", id)
		d.Leave(ctx, id)
	}

	d.mu.Lock()
	for _, id := range toDrop {
		delete(d.sessions, id)
	}
	d.mu.Unlock()

	return toEnd
}

// indexListenerLocked adds c to the per-language index. Caller holds d.mu.
func (d *Directory) indexListenerLocked(c *Connection) {
	byLang, ok := d.listeners[c.SessionID]
	if !ok {
		byLang = make(map[string]map[string]*Connection)
		d.listeners[c.SessionID] = byLang
	}
	conns, ok := byLang[c.TargetLanguage]
	if !ok {
		conns = make(map[string]*Connection)
		byLang[c.TargetLanguage] = conns
	}
	conns[c.ID] = c
}

// unindexListenerLocked removes c from the per-language index. Caller holds d.mu.
func (d *Directory) unindexListenerLocked(c *Connection) {
	byLang, ok := d.listeners[c.SessionID]
	if !ok {
		return
	}
	conns := byLang[c.TargetLanguage]
	delete(conns, c.ID)
	if len(conns) == 0 {
		delete(byLang, c.TargetLanguage)
	}
}

// persist runs fn against the store, if one is attached, logging failures.
func (d *Directory) persist(ctx context.Context, fn func(Store) error) {
	if d.store == nil {
		return
	}
	if err := fn(d.store); err != nil {
		slog.Error("directory: persistence write failed", "err", err)
	}
}
