// Package crdt provides conflict-free replicated data types for PrivStack:
// a vector clock, hybrid-logical-clock-stamped LWW registers, PN-counters,
// OR-sets, and RGA sequences. Every type satisfies commutativity,
// associativity, and idempotency of Merge (see property_test.go), and every
// type is a pure value — no I/O, no storage — matching the previous implementation's
// internal/crdt package's stated design ("Pure value types" in spec.md
// §4.2) even though the previous implementation's own CRDTs (LWWSet, ORSet) were scoped to
// a single concrete entry type rather than being reusable primitives.
package crdt

import (
	"encoding/json"

	"github.com/privstack/core/internal/ids"
)

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

// VectorClock is a sparse PeerId -> counter map.
type VectorClock struct {
	counts map[ids.PeerId]uint64
}

// NewVectorClock returns an empty clock.
func NewVectorClock() *VectorClock {
	return &VectorClock{counts: make(map[ids.PeerId]uint64)}
}

// Increment bumps peer's counter by one and returns the new value.
func (vc *VectorClock) Increment(peer ids.PeerId) uint64 {
	if vc.counts == nil {
		vc.counts = make(map[ids.PeerId]uint64)
	}
	vc.counts[peer]++
	return vc.counts[peer]
}

// Update sets peer's counter to max(current, value); it never decreases.
func (vc *VectorClock) Update(peer ids.PeerId, value uint64) {
	if vc.counts == nil {
		vc.counts = make(map[ids.PeerId]uint64)
	}
	if value > vc.counts[peer] {
		vc.counts[peer] = value
	}
}

// Get returns peer's counter (0 if unseen).
func (vc *VectorClock) Get(peer ids.PeerId) uint64 {
	if vc.counts == nil {
		return 0
	}
	return vc.counts[peer]
}

// Peers returns all peers with a nonzero entry.
func (vc *VectorClock) Peers() []ids.PeerId {
	out := make([]ids.PeerId, 0, len(vc.counts))
	for p := range vc.counts {
		out = append(out, p)
	}
	return out
}

// Dominates reports whether self[p] >= other[p] for every peer p known to
// either clock.
func (vc *VectorClock) Dominates(other *VectorClock) bool {
	for p, v := range other.counts {
		if vc.counts[p] < v {
			return false
		}
	}
	return true
}

// equalTo reports whether the two clocks have identical entries.
func (vc *VectorClock) equalTo(other *VectorClock) bool {
	if len(vc.counts) != len(other.counts) {
		return false
	}
	for p, v := range vc.counts {
		if other.counts[p] != v {
			return false
		}
	}
	return true
}

// Compare implements the four-way comparison from spec.md §3/§4.2.
func (vc *VectorClock) Compare(other *VectorClock) Ordering {
	if vc.equalTo(other) {
		return Equal
	}
	dominatesOther := vc.Dominates(other)
	otherDominatesSelf := other.Dominates(vc)
	switch {
	case dominatesOther && !otherDominatesSelf:
		return After
	case otherDominatesSelf && !dominatesOther:
		return Before
	default:
		return Concurrent
	}
}

// Merge returns the elementwise max of self and other, leaving both inputs
// unmodified (merge(a,b) = merge(b,a), idempotent, associative — verified
// in property_test.go).
func (vc *VectorClock) Merge(other *VectorClock) *VectorClock {
	result := NewVectorClock()
	for p, v := range vc.counts {
		result.counts[p] = v
	}
	for p, v := range other.counts {
		if v > result.counts[p] {
			result.counts[p] = v
		}
	}
	return result
}

// Clone deep-copies the clock.
func (vc *VectorClock) Clone() *VectorClock {
	out := NewVectorClock()
	for p, v := range vc.counts {
		out.counts[p] = v
	}
	return out
}

// Snapshot returns the map for serialization; callers must not mutate it.
func (vc *VectorClock) Snapshot() map[ids.PeerId]uint64 {
	return vc.counts
}

// FromSnapshot rebuilds a clock from a deserialized map.
func FromSnapshot(m map[ids.PeerId]uint64) *VectorClock {
	vc := NewVectorClock()
	for p, v := range m {
		vc.counts[p] = v
	}
	return vc
}

// MarshalJSON/UnmarshalJSON let VectorClock round-trip as a plain object
// keyed by peer id, the shape the sync engine's clock-exchange message
// (spec.md §4.6 step 1) puts on the wire.
func (vc *VectorClock) MarshalJSON() ([]byte, error) {
	m := make(map[string]uint64, len(vc.counts))
	for p, v := range vc.counts {
		m[p.String()] = v
	}
	return json.Marshal(m)
}

func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	vc.counts = make(map[ids.PeerId]uint64, len(m))
	for k, v := range m {
		p, err := ids.ParsePeerId(k)
		if err != nil {
			return err
		}
		vc.counts[p] = v
	}
	return nil
}
