package crdt

import (
	"github.com/privstack/core/internal/hlc"
	"github.com/privstack/core/internal/ids"
)

// ElementId addresses one RGA element. Concurrent inserts at the same
// position are ordered by descending (Timestamp, Peer, Seq) so every
// replica converges on the same linearization without further
// coordination, per spec.md §4.2's sequence CRDT requirement. New relative
// to the previous implementation's corpus: the previous implementation has no ordered-sequence CRDT, only
// LWWSet/ORSet over unordered entries.
type ElementId struct {
	Timestamp hlc.Timestamp `json:"timestamp"`
	Peer      ids.PeerId    `json:"peer"`
	Seq       uint64        `json:"seq"`
}

// less orders ids by insertion recency, descending: a newer id sorts
// before an older one so it is inserted immediately after its left anchor,
// ahead of any sibling already there.
func (id ElementId) less(other ElementId) bool {
	if cmp := other.Timestamp.Compare(id.Timestamp); cmp != 0 {
		return cmp < 0
	}
	if id.Peer != other.Peer {
		return other.Peer.Less(id.Peer)
	}
	return other.Seq < id.Seq
}

type rgaNode[T any] struct {
	ID        ElementId
	Value     T
	Tombstone bool
}

// RGA is a replicated growable array: an ordered sequence that supports
// concurrent inline insertion and tombstone-based deletion.
type RGA[T any] struct {
	nodes    []rgaNode[T]
	index    map[ElementId]int
	localPID ids.PeerId
	nextSeq  uint64
}

// NewRGA returns an empty sequence whose local inserts are attributed to
// local.
func NewRGA[T any](local ids.PeerId) *RGA[T] {
	return &RGA[T]{index: make(map[ElementId]int), localPID: local}
}

// InsertAfter inserts value immediately after the element identified by
// after (the zero ElementId means "at the head"), stamped with ts. It
// returns the new element's id.
func (r *RGA[T]) InsertAfter(after ElementId, value T, ts hlc.Timestamp) ElementId {
	id := ElementId{Timestamp: ts, Peer: r.localPID, Seq: r.nextSeq}
	r.nextSeq++
	r.insertNode(rgaNode[T]{ID: id, Value: value}, after)
	return id
}

// insertNode places node immediately after the node identified by after,
// skipping past any existing sibling whose id sorts before node's (so
// concurrent inserts at the same anchor converge on one order regardless
// of arrival order).
func (r *RGA[T]) insertNode(node rgaNode[T], after ElementId) {
	pos := 0
	if after != (ElementId{}) {
		idx, ok := r.index[after]
		if !ok {
			return
		}
		pos = idx + 1
	}
	for pos < len(r.nodes) && r.nodes[pos].ID.less(node.ID) {
		pos++
	}
	r.nodes = append(r.nodes, rgaNode[T]{})
	copy(r.nodes[pos+1:], r.nodes[pos:])
	r.nodes[pos] = node
	r.reindex()
}

func (r *RGA[T]) reindex() {
	r.index = make(map[ElementId]int, len(r.nodes))
	for i, n := range r.nodes {
		r.index[n.ID] = i
	}
}

// Delete tombstones the element identified by id, if present. Tombstones
// are kept (not physically removed) so a concurrent insert anchored on a
// deleted element still has a valid position to resolve against.
func (r *RGA[T]) Delete(id ElementId) {
	if idx, ok := r.index[id]; ok {
		r.nodes[idx].Tombstone = true
	}
}

// Values returns the live (non-tombstoned) values in sequence order.
func (r *RGA[T]) Values() []T {
	out := make([]T, 0, len(r.nodes))
	for _, n := range r.nodes {
		if !n.Tombstone {
			out = append(out, n.Value)
		}
	}
	return out
}

// Merge unions both sequences' elements and ORs their tombstone flags.
// The result keeps the receiver's order; each element unknown to the
// receiver is inserted after its left neighbour in other's sequence,
// using the same sibling rule as InsertAfter (newer ElementId first).
func (r *RGA[T]) Merge(other *RGA[T]) *RGA[T] {
	result := NewRGA[T](r.localPID)
	result.nextSeq = r.nextSeq
	if other.nextSeq > result.nextSeq {
		result.nextSeq = other.nextSeq
	}

	merged := make(map[ElementId]rgaNode[T])
	for _, n := range r.nodes {
		merged[n.ID] = n
	}
	for _, n := range other.nodes {
		if existing, ok := merged[n.ID]; ok {
			if n.Tombstone {
				existing.Tombstone = true
				merged[n.ID] = existing
			}
		} else {
			merged[n.ID] = n
		}
	}

	result.nodes = make([]rgaNode[T], 0, len(merged))
	for _, n := range r.nodes {
		result.nodes = append(result.nodes, merged[n.ID])
	}
	result.reindex()
	prev := ElementId{}
	for _, n := range other.nodes {
		if _, ok := result.index[n.ID]; !ok {
			result.insertNode(n, prev)
		}
		prev = n.ID
	}
	return result
}

// RGASnapshot is the wire/storage shape of an RGA.
type RGASnapshot[T any] struct {
	Nodes []RGANodeSnapshot[T] `json:"nodes"`
}

// RGANodeSnapshot is one element's wire representation.
type RGANodeSnapshot[T any] struct {
	ID        ElementId `json:"id"`
	Value     T         `json:"value"`
	Tombstone bool      `json:"tombstone"`
}

// Snapshot returns the sequence's wire representation, in order.
func (r *RGA[T]) Snapshot() RGASnapshot[T] {
	snap := RGASnapshot[T]{Nodes: make([]RGANodeSnapshot[T], 0, len(r.nodes))}
	for _, n := range r.nodes {
		snap.Nodes = append(snap.Nodes, RGANodeSnapshot[T]{ID: n.ID, Value: n.Value, Tombstone: n.Tombstone})
	}
	return snap
}

// RGAFromSnapshot rebuilds a sequence from a deserialized snapshot, which
// is already in causal order.
func RGAFromSnapshot[T any](local ids.PeerId, snap RGASnapshot[T]) *RGA[T] {
	r := NewRGA[T](local)
	r.nodes = make([]rgaNode[T], 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		r.nodes = append(r.nodes, rgaNode[T]{ID: n.ID, Value: n.Value, Tombstone: n.Tombstone})
		if n.ID.Peer == local && n.ID.Seq >= r.nextSeq {
			r.nextSeq = n.ID.Seq + 1
		}
	}
	r.reindex()
	return r
}
