package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/parlance-dev/parlance/internal/directory"
	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/internal/resilience"
)

// sendTimeout bounds one delivery attempt to a listener.
const sendTimeout = 2 * time.Second

// TranscriptFrame is the translated caption pushed to listeners ahead of its
// synthesized audio.
type TranscriptFrame struct {
	Type            string `json:"type"` // "partialTranscript" or "finalTranscript"
	SessionID       string `json:"sessionId"`
	TargetLanguage  string `json:"targetLanguage"`
	Text            string `json:"text"`
	OriginTimestamp int64  `json:"originTimestampMs"`
}

// AudioChunkFrame carries one synthesized audio chunk for a listener's
// target language.
type AudioChunkFrame struct {
	Type            string `json:"type"` // always "audioChunk"
	SessionID       string `json:"sessionId"`
	TargetLanguage  string `json:"targetLanguage"`
	AudioData       []byte `json:"audioData"` // base64 PCM16 on the wire
	SampleRate      int    `json:"sampleRate"`
	OriginTimestamp int64  `json:"originTimestampMs"`
}

// broadcaster fans one synthesized result out to every listener on a target
// language, bounding per-session concurrency and retrying transient delivery
// failures. Listeners whose sink reports a permanent failure are removed
// from the directory; their connection is gone.
type broadcaster struct {
	dir           *directory.Directory
	metrics       *observe.Metrics
	maxConcurrent int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newBroadcaster(dir *directory.Directory, metrics *observe.Metrics, maxConcurrent int) *broadcaster {
	return &broadcaster{
		dir:           dir,
		metrics:       metrics,
		maxConcurrent: int64(maxConcurrent),
		sems:          make(map[string]*semaphore.Weighted),
	}
}

// broadcast delivers the pre-marshalled payloads, in order, to all current
// listeners of (sessionID, lang). It blocks until every delivery goroutine
// has finished or failed, which keeps per-segment audio ordered per listener
// as long as the orchestrator serializes segments per session.
func (b *broadcaster) broadcast(ctx context.Context, sessionID, lang string, payloads [][]byte, origin time.Time) error {
	conns := b.dir.Listeners(sessionID)[lang]
	if len(conns) == 0 {
		return nil
	}

	sem := b.sessionSem(sessionID)
	var wg sync.WaitGroup
	for _, conn := range conns {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // context cancelled
		}
		wg.Add(1)
		go func(conn *directory.Connection) {
			defer wg.Done()
			defer sem.Release(1)
			b.deliver(ctx, conn, payloads, origin)
		}(conn)
	}
	wg.Wait()
	return nil
}

// deliver sends each payload to one listener with a per-attempt timeout and
// transient-failure retries. A payload that cannot be delivered marks the
// listener unreachable; the rest of the batch is not attempted.
func (b *broadcaster) deliver(ctx context.Context, conn *directory.Connection, payloads [][]byte, origin time.Time) {
	for _, payload := range payloads {
		err := resilience.Retry(ctx, resilience.RetryConfig{}, func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()
			// A timed-out delivery classifies as transient via the context
			// deadline, consuming a retry.
			return conn.Sink.Deliver(attemptCtx, payload)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Exhausted retries or a permanent sink failure: the listener is
			// unreachable, drop it from the session.
			slog.Warn("listener unreachable, removing",
				"session_id", conn.SessionID, "connection_id", conn.ID, "err", err)
			b.dir.Leave(ctx, conn.ID)
			return
		}
	}
	if !origin.IsZero() {
		b.metrics.DeliveryDuration.Record(ctx, time.Since(origin).Seconds())
	}
}

// sessionSem returns the session's delivery semaphore, creating it on first
// use.
func (b *broadcaster) sessionSem(sessionID string) *semaphore.Weighted {
	b.mu.Lock()
	defer b.mu.Unlock()
	sem, ok := b.sems[sessionID]
	if !ok {
		sem = semaphore.NewWeighted(b.maxConcurrent)
		b.sems[sessionID] = sem
	}
	return sem
}

// forgetSession drops the session's semaphore. Called when the session ends.
func (b *broadcaster) forgetSession(sessionID string) {
	b.mu.Lock()
	delete(b.sems, sessionID)
	b.mu.Unlock()
}
