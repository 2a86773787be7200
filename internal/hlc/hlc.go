// Package hlc implements the hybrid logical clock used to order events
// across replicas. It replaces the previous implementation's Lamport clock
// (internal/core.Clock) with a timestamp that also carries wall-clock
// milliseconds, so timestamps stay close to real time while remaining
// strictly ordered under concurrent local and remote events.
package hlc

import (
	"fmt"
	"sync"
	"time"

	"github.com/privstack/core/internal/ids"
)

// Timestamp is (millis, counter) per spec.md §3.
type Timestamp struct {
	Millis  uint64 `json:"millis"`
	Counter uint32 `json:"counter"`
}

// Compare returns -1, 0, or 1 the way time.Time.Compare does.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Millis < other.Millis:
		return -1
	case t.Millis > other.Millis:
		return 1
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	default:
		return 0
	}
}

func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }
func (t Timestamp) After(other Timestamp) bool  { return t.Compare(other) > 0 }
func (t Timestamp) Equal(other Timestamp) bool  { return t.Compare(other) == 0 }

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.Millis, t.Counter)
}

// Clock is a single replica's hybrid logical clock.
type Clock struct {
	mu   sync.Mutex
	last Timestamp
}

// New creates a clock with a zero starting timestamp.
func New() *Clock {
	return &Clock{}
}

// Restore rebuilds a clock from a previously persisted timestamp, used on
// workspace open to resume from the event log's high-water mark.
func Restore(last Timestamp) *Clock {
	return &Clock{last: last}
}

// wallMillis is a seam for tests; production always reads real time.
var wallMillis = func() uint64 { return uint64(time.Now().UnixMilli()) }

// Now advances the clock for a new local event: millis = max(wall, last),
// counter resets to 0 unless wall didn't advance past last.millis, in which
// case counter increments.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := wallMillis()
	if wall > c.last.Millis {
		c.last = Timestamp{Millis: wall, Counter: 0}
	} else {
		c.last.Counter++
	}
	return c.last
}

// Receive merges in a remote timestamp on event ingestion. The result is
// strictly greater than both the prior local timestamp and the remote one,
// so any local event produced afterward is guaranteed to causally follow
// the remote event.
func (c *Clock) Receive(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := wallMillis()
	maxMillis := wall
	if c.last.Millis > maxMillis {
		maxMillis = c.last.Millis
	}
	if remote.Millis > maxMillis {
		maxMillis = remote.Millis
	}

	switch {
	case maxMillis == c.last.Millis && maxMillis == remote.Millis:
		counter := c.last.Counter
		if remote.Counter > counter {
			counter = remote.Counter
		}
		c.last = Timestamp{Millis: maxMillis, Counter: counter + 1}
	case maxMillis == c.last.Millis:
		c.last = Timestamp{Millis: maxMillis, Counter: c.last.Counter + 1}
	case maxMillis == remote.Millis:
		c.last = Timestamp{Millis: maxMillis, Counter: remote.Counter + 1}
	default:
		c.last = Timestamp{Millis: maxMillis, Counter: 0}
	}
	return c.last
}

// Last returns the most recent timestamp issued, without advancing it.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Less orders two timestamps, breaking exact ties by peer id, per spec.md
// §3's "Tie-break by PeerId lexicographic ordering where total order is
// required."
func Less(a Timestamp, aPeer ids.PeerId, b Timestamp, bPeer ids.PeerId) bool {
	if cmp := a.Compare(b); cmp != 0 {
		return cmp < 0
	}
	return aPeer.Less(bPeer)
}
