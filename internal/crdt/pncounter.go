package crdt

import "github.com/privstack/core/internal/ids"

// PNCounter is a grow/shrink counter: each peer owns a positive and a
// negative accumulator, and the counter's value is the sum of positives
// minus the sum of negatives across all peers. New relative to the
// previous implementation's corpus (the previous implementation has no counter CRDT) but built the same way as
// VectorClock — a sparse per-peer map merged by elementwise max.
type PNCounter struct {
	pos map[ids.PeerId]uint64
	neg map[ids.PeerId]uint64
}

// NewPNCounter returns a zero-valued counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{pos: make(map[ids.PeerId]uint64), neg: make(map[ids.PeerId]uint64)}
}

// Increment adds delta to peer's positive accumulator and returns the new
// total value of the counter.
func (c *PNCounter) Increment(peer ids.PeerId, delta uint64) int64 {
	if c.pos == nil {
		c.pos = make(map[ids.PeerId]uint64)
	}
	c.pos[peer] += delta
	return c.Value()
}

// Decrement adds delta to peer's negative accumulator and returns the new
// total value of the counter.
func (c *PNCounter) Decrement(peer ids.PeerId, delta uint64) int64 {
	if c.neg == nil {
		c.neg = make(map[ids.PeerId]uint64)
	}
	c.neg[peer] += delta
	return c.Value()
}

// Value returns sum(pos) - sum(neg).
func (c *PNCounter) Value() int64 {
	var total int64
	for _, v := range c.pos {
		total += int64(v)
	}
	for _, v := range c.neg {
		total -= int64(v)
	}
	return total
}

// Merge takes the elementwise max of both accumulator maps, which is
// commutative, associative, and idempotent the same way VectorClock.Merge
// is, since accumulators only ever grow.
func (c *PNCounter) Merge(other *PNCounter) *PNCounter {
	result := NewPNCounter()
	for p, v := range c.pos {
		result.pos[p] = v
	}
	for p, v := range other.pos {
		if v > result.pos[p] {
			result.pos[p] = v
		}
	}
	for p, v := range c.neg {
		result.neg[p] = v
	}
	for p, v := range other.neg {
		if v > result.neg[p] {
			result.neg[p] = v
		}
	}
	return result
}

// Clone deep-copies the counter.
func (c *PNCounter) Clone() *PNCounter {
	out := NewPNCounter()
	for p, v := range c.pos {
		out.pos[p] = v
	}
	for p, v := range c.neg {
		out.neg[p] = v
	}
	return out
}

// PNCounterSnapshot is the wire/storage shape of a PNCounter.
type PNCounterSnapshot struct {
	Pos map[ids.PeerId]uint64 `json:"pos"`
	Neg map[ids.PeerId]uint64 `json:"neg"`
}

// Snapshot returns the counter's wire representation.
func (c *PNCounter) Snapshot() PNCounterSnapshot {
	return PNCounterSnapshot{Pos: c.pos, Neg: c.neg}
}

// PNCounterFromSnapshot rebuilds a counter from a deserialized snapshot.
func PNCounterFromSnapshot(s PNCounterSnapshot) *PNCounter {
	c := NewPNCounter()
	for p, v := range s.Pos {
		c.pos[p] = v
	}
	for p, v := range s.Neg {
		c.neg[p] = v
	}
	return c
}
