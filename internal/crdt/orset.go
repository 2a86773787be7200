package crdt

import "github.com/privstack/core/internal/ids"

// addTag uniquely identifies one Add operation so that a concurrent Add and
// Remove of the same element resolve add-wins: only tags observed by the
// Remove are tombstoned, so a concurrent re-add survives. Mirrors the
// previous implementation's tag-based ORSet (internal/crdt/orset.go), generalized
// here from a fixed tag string to any comparable element type.
type addTag struct {
	Peer ids.PeerId
	Seq  uint64
}

// ORSet is an add-wins observed-remove set over any comparable element
// type T.
type ORSet[T comparable] struct {
	adds     map[T]map[addTag]struct{}
	tombs    map[T]map[addTag]struct{}
	nextSeq  map[ids.PeerId]uint64
	localPID ids.PeerId
}

// NewORSet returns an empty set whose local adds are attributed to local.
func NewORSet[T comparable](local ids.PeerId) *ORSet[T] {
	return &ORSet[T]{
		adds:     make(map[T]map[addTag]struct{}),
		tombs:    make(map[T]map[addTag]struct{}),
		nextSeq:  make(map[ids.PeerId]uint64),
		localPID: local,
	}
}

// Add inserts element, tagged with a fresh (peer, seq) pair so it can be
// distinguished from any other add of the same value.
func (s *ORSet[T]) Add(element T) {
	seq := s.nextSeq[s.localPID]
	s.nextSeq[s.localPID] = seq + 1
	s.addTagged(element, addTag{Peer: s.localPID, Seq: seq})
}

func (s *ORSet[T]) addTagged(element T, tag addTag) {
	if s.adds[element] == nil {
		s.adds[element] = make(map[addTag]struct{})
	}
	s.adds[element][tag] = struct{}{}
}

// Remove tombstones every add-tag currently observed for element. Any add
// tag not yet observed (because it arrives later, concurrently) is
// unaffected and keeps the element present once merged in.
func (s *ORSet[T]) Remove(element T) {
	tags, ok := s.adds[element]
	if !ok {
		return
	}
	if s.tombs[element] == nil {
		s.tombs[element] = make(map[addTag]struct{})
	}
	for tag := range tags {
		s.tombs[element][tag] = struct{}{}
	}
}

// Contains reports whether element has at least one live (untombstoned)
// add tag.
func (s *ORSet[T]) Contains(element T) bool {
	for tag := range s.adds[element] {
		if _, dead := s.tombs[element][tag]; !dead {
			return true
		}
	}
	return false
}

// Elements returns every element with at least one live add tag.
func (s *ORSet[T]) Elements() []T {
	out := make([]T, 0, len(s.adds))
	for element := range s.adds {
		if s.Contains(element) {
			out = append(out, element)
		}
	}
	return out
}

// Merge unions both sets' add-tags and tombstones, which is commutative,
// associative, and idempotent: a tag present in either input is present in
// the result, and tombstoning is permanent once a tag has been removed by
// any replica (verified in property_test.go).
func (s *ORSet[T]) Merge(other *ORSet[T]) *ORSet[T] {
	result := NewORSet[T](s.localPID)
	for element, tags := range s.adds {
		for tag := range tags {
			result.addTagged(element, tag)
		}
	}
	for element, tags := range other.adds {
		for tag := range tags {
			result.addTagged(element, tag)
		}
	}
	for element, tags := range s.tombs {
		for tag := range tags {
			if result.tombs[element] == nil {
				result.tombs[element] = make(map[addTag]struct{})
			}
			result.tombs[element][tag] = struct{}{}
		}
	}
	for element, tags := range other.tombs {
		for tag := range tags {
			if result.tombs[element] == nil {
				result.tombs[element] = make(map[addTag]struct{})
			}
			result.tombs[element][tag] = struct{}{}
		}
	}
	for peer, seq := range s.nextSeq {
		if seq > result.nextSeq[peer] {
			result.nextSeq[peer] = seq
		}
	}
	for peer, seq := range other.nextSeq {
		if seq > result.nextSeq[peer] {
			result.nextSeq[peer] = seq
		}
	}
	return result
}

// Clone deep-copies the set.
func (s *ORSet[T]) Clone() *ORSet[T] {
	out := NewORSet[T](s.localPID)
	return out.Merge(s)
}

// ORSetSnapshot is the wire/storage shape of an ORSet.
type ORSetSnapshot[T comparable] struct {
	Adds  map[T][]addTag `json:"adds"`
	Tombs map[T][]addTag `json:"tombs"`
}

// Snapshot returns the set's wire representation.
func (s *ORSet[T]) Snapshot() ORSetSnapshot[T] {
	snap := ORSetSnapshot[T]{Adds: make(map[T][]addTag), Tombs: make(map[T][]addTag)}
	for element, tags := range s.adds {
		for tag := range tags {
			snap.Adds[element] = append(snap.Adds[element], tag)
		}
	}
	for element, tags := range s.tombs {
		for tag := range tags {
			snap.Tombs[element] = append(snap.Tombs[element], tag)
		}
	}
	return snap
}

// ORSetFromSnapshot rebuilds a set from a deserialized snapshot.
func ORSetFromSnapshot[T comparable](local ids.PeerId, snap ORSetSnapshot[T]) *ORSet[T] {
	s := NewORSet[T](local)
	for element, tags := range snap.Adds {
		for _, tag := range tags {
			s.addTagged(element, tag)
			if tag.Seq >= s.nextSeq[tag.Peer] {
				s.nextSeq[tag.Peer] = tag.Seq + 1
			}
		}
	}
	for element, tags := range snap.Tombs {
		if s.tombs[element] == nil {
			s.tombs[element] = make(map[addTag]struct{})
		}
		for _, tag := range tags {
			s.tombs[element][tag] = struct{}{}
		}
	}
	return s
}
