package server

import (
	"context"
	"sync"
)

// maxPlaybackBytes bounds one connection's outbound queue to roughly ten
// seconds of 16 kHz 16-bit mono audio. A listener that cannot drain that much
// is too far behind live speech to ever catch up, so the oldest frames go.
const maxPlaybackBytes = 320 << 10

// playbackBuffer is a bounded FIFO of wire frames between the fan-out path
// and one connection's transport write loop. Pushes never block; when the
// byte budget would be exceeded the oldest frames are dropped first.
// Single reader, any number of writers.
type playbackBuffer struct {
	mu     sync.Mutex
	frames [][]byte
	bytes  int
	max    int
	closed bool

	ready chan struct{} // 1-buffered wakeup for the reader
	done  chan struct{}
}

func newPlaybackBuffer(max int) *playbackBuffer {
	if max <= 0 {
		max = maxPlaybackBytes
	}
	return &playbackBuffer{
		max:   max,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// push enqueues payload, evicting the oldest frames if needed. It reports
// how many frames were dropped. Pushing to a closed buffer is an error.
func (b *playbackBuffer) push(payload []byte) (dropped int, err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, errClosed
	}
	for len(b.frames) > 0 && b.bytes+len(payload) > b.max {
		b.bytes -= len(b.frames[0])
		b.frames[0] = nil
		b.frames = b.frames[1:]
		dropped++
	}
	b.frames = append(b.frames, payload)
	b.bytes += len(payload)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return dropped, nil
}

// pop returns the next frame, blocking until one is available, the buffer is
// closed, or ctx is cancelled. The second return is false when no more frames
// will ever arrive.
func (b *playbackBuffer) pop(ctx context.Context) ([]byte, bool) {
	for {
		b.mu.Lock()
		if len(b.frames) > 0 {
			payload := b.frames[0]
			b.frames[0] = nil
			b.frames = b.frames[1:]
			b.bytes -= len(payload)
			b.mu.Unlock()
			return payload, true
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-b.ready:
		case <-b.done:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// close marks the buffer closed. Pending frames are discarded; the reader
// unblocks. Safe to call more than once.
func (b *playbackBuffer) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.frames = nil
	b.bytes = 0
	b.mu.Unlock()
	close(b.done)
}
