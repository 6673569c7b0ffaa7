package processor

import (
	"time"

	"github.com/parlance-dev/parlance/pkg/types"
)

// rateWindow collapses bursts of partial results into fixed windows so that
// at most one result per window reaches the buffer. Within a window the best
// candidate wins: highest stability, latest origin timestamp as tie-breaker.
//
// Windows close lazily. A window with a held candidate stays open until the
// next event (or a tick) observes that its span has elapsed; there is no
// per-window timer.
type rateWindow struct {
	span    time.Duration
	start   time.Time
	held    types.PartialResult
	holding bool
}

// newRateWindow derives the window span from the forwards-per-second cap.
// Five per second gives 200ms windows.
func newRateWindow(maxPerSecond int) *rateWindow {
	return &rateWindow{span: time.Second / time.Duration(maxPerSecond)}
}

// add offers p to the limiter. When the current window has elapsed, the held
// candidate is released and p starts a fresh window. Within a window the
// weaker of p and the held candidate is returned as dropped.
func (w *rateWindow) add(p types.PartialResult, now time.Time) (released, dropped []types.PartialResult) {
	if !w.holding {
		w.start = now
		w.held = p
		w.holding = true
		return nil, nil
	}

	if now.Sub(w.start) >= w.span {
		released = append(released, w.held)
		w.start = now
		w.held = p
		return released, nil
	}

	if better(p, w.held) {
		dropped = append(dropped, w.held)
		w.held = p
	} else {
		dropped = append(dropped, p)
	}
	return nil, dropped
}

// flush releases the held candidate if its window has elapsed. Called from
// the periodic tick so a trailing candidate is not stuck waiting for the next
// partial.
func (w *rateWindow) flush(now time.Time) (released []types.PartialResult) {
	if w.holding && now.Sub(w.start) >= w.span {
		released = append(released, w.held)
		w.holding = false
	}
	return released
}

// better reports whether a should displace b as the window's candidate.
func better(a, b types.PartialResult) bool {
	as, bs := a.Stability, b.Stability
	if !a.StabilityKnown {
		as = 0
	}
	if !b.StabilityKnown {
		bs = 0
	}
	if as != bs {
		return as > bs
	}
	return a.OriginTimestamp.After(b.OriginTimestamp)
}
