package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/parlance-dev/parlance/internal/directory"
	"github.com/parlance-dev/parlance/internal/processor"
	"github.com/parlance-dev/parlance/pkg/provider/asr"
	"github.com/parlance-dev/parlance/pkg/types"
)

const (
	// audioFramesPerSecond and audioFrameBurst guard the ingress audio path.
	// Clients send one frame per 100 ms, so 10/s with headroom for jitter.
	audioFramesPerSecond = 10
	audioFrameBurst      = 20

	// tickInterval drives the processor's periodic maintenance.
	tickInterval = time.Second
)

// broadcastState is the speaker-controlled live state of a session.
type broadcastState struct {
	Paused bool
	Muted  bool
	Volume float64 // 0..1
}

// sessionRuntime binds one active session to its recognizer stream and
// partial-result processor. Created on createSession, torn down when the
// speaker disconnects, the session is reaped, or the server shuts down.
type sessionRuntime struct {
	srv     *Server
	session *directory.Session
	stream  asr.StreamHandle
	proc    *processor.Processor
	limiter *rate.Limiter

	// partialsEnabled is the speaker's own opt-out; the canary gate inside
	// the processor applies on top of it.
	partialsEnabled bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.Mutex
	bstate broadcastState
}

// newSessionRuntime wires the processor and starts the result pump and tick
// loops. ctx must outlive the triggering request; the runtime owns its
// cancellation.
func newSessionRuntime(ctx context.Context, srv *Server, s *directory.Session, stream asr.StreamHandle, partialsEnabled bool) *sessionRuntime {
	pc := srv.partials
	minStability := pc.MinStabilityThreshold
	if s.Tunables.MinStabilityThreshold != 0 {
		minStability = s.Tunables.MinStabilityThreshold
	}
	bufferTimeout := pc.MaxBufferTimeout
	if s.Tunables.MaxBufferTimeout != 0 {
		bufferTimeout = s.Tunables.MaxBufferTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt := &sessionRuntime{
		srv:     srv,
		session: s,
		stream:  stream,
		limiter: rate.NewLimiter(rate.Limit(audioFramesPerSecond), audioFrameBurst),

		partialsEnabled: partialsEnabled,
		cancel:          cancel,
		bstate:          broadcastState{Volume: 1},
	}
	rt.proc = processor.New(processor.Config{
		SessionID:            s.ID,
		SourceLanguage:       s.SourceLanguage,
		MinStability:         minStability,
		MaxBufferTimeout:     bufferTimeout,
		PauseThreshold:       pc.PauseThreshold,
		OrphanTimeout:        pc.OrphanTimeout,
		MaxForwardsPerSecond: pc.MaxForwardsPerSecond,
		DedupTTL:             pc.DedupCacheTTL,
	}, srv.gate, srv.orc,
		processor.WithMetrics(srv.metrics),
		processor.WithEmotionSource(srv.emotions))

	rt.wg.Add(2)
	go rt.pumpResults(runCtx)
	go rt.tickLoop(runCtx)
	return rt
}

// submitAudio feeds one speaker frame to the emotion analyzer and the
// recognizer stream in parallel. Neither path blocks the other: analysis runs
// on its own goroutine and the stream handle queues internally.
func (rt *sessionRuntime) submitAudio(frame types.AudioFrame, chunk []byte) {
	rt.mu.Lock()
	suspended := rt.bstate.Paused || rt.bstate.Muted
	rt.mu.Unlock()
	if suspended {
		return
	}

	go rt.srv.emotions.Analyze(rt.session.ID, frame)

	rt.proc.NoteAudio()
	if err := rt.stream.SendAudio(chunk); err != nil {
		slog.Warn("recognizer rejected audio chunk",
			"session_id", rt.session.ID, "err", err)
	}
}

// control applies one broadcast control action and returns the new state.
func (rt *sessionRuntime) control(action string, volume *float64) broadcastState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	switch action {
	case controlPause:
		rt.bstate.Paused = true
	case controlResume:
		rt.bstate.Paused = false
	case controlMute:
		rt.bstate.Muted = true
	case controlUnmute:
		rt.bstate.Muted = false
	}
	if volume != nil {
		rt.bstate.Volume = *volume
	}
	return rt.bstate
}

// state returns the current broadcast state.
func (rt *sessionRuntime) state() broadcastState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.bstate
}

// pumpResults drains the recognizer's partial and final channels into the
// processor until both close or the runtime is cancelled.
func (rt *sessionRuntime) pumpResults(ctx context.Context) {
	defer rt.wg.Done()

	partials := rt.stream.Partials()
	finals := rt.stream.Finals()
	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if !rt.partialsEnabled {
				continue
			}
			p.SessionID = rt.session.ID
			if p.SourceLanguage == "" {
				p.SourceLanguage = rt.session.SourceLanguage
			}
			rt.proc.HandlePartial(ctx, p)
		case f, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			f.SessionID = rt.session.ID
			if f.SourceLanguage == "" {
				f.SourceLanguage = rt.session.SourceLanguage
			}
			rt.proc.HandleFinal(ctx, f)
		}
	}
}

// tickLoop runs the processor's maintenance once per second.
func (rt *sessionRuntime) tickLoop(ctx context.Context) {
	defer rt.wg.Done()
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rt.proc.Tick(ctx)
		}
	}
}

// shutdown stops the pumps and closes the recognizer stream. Idempotent.
func (rt *sessionRuntime) shutdown() {
	rt.once.Do(func() {
		rt.cancel()
		if err := rt.stream.Close(); err != nil {
			slog.Warn("recognizer stream close failed",
				"session_id", rt.session.ID, "err", err)
		}
		rt.wg.Wait()
	})
}
