package crdt

import (
	"github.com/privstack/core/internal/hlc"
	"github.com/privstack/core/internal/ids"
)

// Register is a last-writer-wins value cell, generalizing the previous
// implementation's entry-specific LWWSet (internal/crdt/lww.go) into a
// reusable primitive over any value type, per spec.md §4.2.
type Register[T any] struct {
	Value     T             `json:"value"`
	Timestamp hlc.Timestamp `json:"timestamp"`
	Peer      ids.PeerId    `json:"peer"`
}

// NewRegister constructs a register set by the given peer at the given
// timestamp.
func NewRegister[T any](value T, ts hlc.Timestamp, peer ids.PeerId) Register[T] {
	return Register[T]{Value: value, Timestamp: ts, Peer: peer}
}

// Merge implements spec.md §4.2's LWW rule: remote wins iff its timestamp
// is strictly greater, or timestamps tie and remote's peer sorts higher
// lexicographically. Ties are therefore fully deterministic regardless of
// merge order, which is what makes this commutative and idempotent.
func (r Register[T]) Merge(other Register[T]) Register[T] {
	if hlc.Less(r.Timestamp, r.Peer, other.Timestamp, other.Peer) {
		return other
	}
	return r
}
