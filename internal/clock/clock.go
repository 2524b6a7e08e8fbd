// Package clock provides the timestamps and identifiers used by every other
// component. Now is strictly monotonic within a process so that two events
// stamped in the same millisecond still have a total order, which the sync
// engine and the queue broker rely on for per-user and per-producer FIFO.
package clock

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// lastNano holds the last timestamp handed out, in Unix nanoseconds.
var lastNano atomic.Int64

// Now returns the current UTC wall-clock time with at least millisecond
// precision. Successive calls never return equal or decreasing values: a
// call landing on an already-issued nanosecond is bumped past it.
func Now() time.Time {
	candidate := time.Now().UnixNano()
	for {
		last := lastNano.Load()
		if candidate <= last {
			candidate = last + 1
		}
		if lastNano.CompareAndSwap(last, candidate) {
			return time.Unix(0, candidate).UTC()
		}
	}
}

// NewID returns a 128-bit opaque identifier with negligible collision
// probability.
func NewID() string {
	return uuid.NewString()
}

// NowFunc is the signature components accept for an injectable clock.
// Production wiring passes Now; tests pass a fake.
type NowFunc func() time.Time
