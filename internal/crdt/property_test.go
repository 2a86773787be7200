package crdt

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/privstack/core/internal/hlc"
	"github.com/privstack/core/internal/ids"
)

// These property tests follow the previous implementation's randomized-replica style
// (internal/crdt/property_test.go): build several replicas,
// apply random operations to each independently, merge pairwise in
// different orders, and assert the results agree. No external
// property-testing library is used, matching the rest of the pack.

func testPeers(n int) []ids.PeerId {
	peers := make([]ids.PeerId, n)
	for i := range peers {
		p, err := ids.NewPeerId()
		if err != nil {
			panic(err)
		}
		peers[i] = p
	}
	return peers
}

func TestVectorClockMergeCommutative(t *testing.T) {
	peers := testPeers(3)
	a := NewVectorClock()
	a.Update(peers[0], 3)
	a.Update(peers[1], 1)
	b := NewVectorClock()
	b.Update(peers[1], 5)
	b.Update(peers[2], 2)

	ab := a.Merge(b)
	ba := b.Merge(a)

	if ab.Compare(ba) != Equal {
		t.Errorf("merge not commutative: a.Merge(b)=%v b.Merge(a)=%v", ab.Snapshot(), ba.Snapshot())
	}
}

func TestVectorClockMergeAssociative(t *testing.T) {
	peers := testPeers(3)
	a, b, c := NewVectorClock(), NewVectorClock(), NewVectorClock()
	a.Update(peers[0], 4)
	b.Update(peers[1], 2)
	c.Update(peers[2], 7)

	left := a.Merge(b).Merge(c)
	right := a.Merge(b.Merge(c))

	if left.Compare(right) != Equal {
		t.Errorf("merge not associative")
	}
}

func TestVectorClockMergeIdempotent(t *testing.T) {
	peers := testPeers(2)
	a := NewVectorClock()
	a.Update(peers[0], 9)
	a.Update(peers[1], 1)

	merged := a.Merge(a)
	if merged.Compare(a) != Equal {
		t.Errorf("merge not idempotent")
	}
}

func TestRegisterMergeCommutativeAssociativeIdempotent(t *testing.T) {
	peers := testPeers(3)
	r1 := NewRegister("alpha", hlc.Timestamp{Millis: 10, Counter: 0}, peers[0])
	r2 := NewRegister("beta", hlc.Timestamp{Millis: 20, Counter: 0}, peers[1])
	r3 := NewRegister("gamma", hlc.Timestamp{Millis: 20, Counter: 0}, peers[2])

	if r1.Merge(r2).Value != r2.Merge(r1).Value {
		t.Errorf("register merge not commutative")
	}

	left := r1.Merge(r2).Merge(r3)
	right := r1.Merge(r2.Merge(r3))
	if left.Value != right.Value {
		t.Errorf("register merge not associative: left=%v right=%v", left.Value, right.Value)
	}

	if r1.Merge(r1).Value != r1.Value {
		t.Errorf("register merge not idempotent")
	}
}

func TestRegisterTieBreaksDeterministically(t *testing.T) {
	low, _ := ids.ParsePeerId("00000000-0000-7000-8000-000000000000")
	high, _ := ids.ParsePeerId("ffffffff-ffff-7fff-bfff-ffffffffffff")
	ts := hlc.Timestamp{Millis: 100, Counter: 0}

	a := NewRegister("from-low", ts, low)
	b := NewRegister("from-high", ts, high)

	if a.Merge(b).Value != "from-high" {
		t.Errorf("expected higher peer id to win tie, got %v", a.Merge(b).Value)
	}
	if b.Merge(a).Value != "from-high" {
		t.Errorf("expected merge order independence on tie, got %v", b.Merge(a).Value)
	}
}

func TestPNCounterMergeCommutativeAssociativeIdempotent(t *testing.T) {
	peers := testPeers(3)
	a := NewPNCounter()
	a.Increment(peers[0], 5)
	b := NewPNCounter()
	b.Decrement(peers[1], 2)
	c := NewPNCounter()
	c.Increment(peers[2], 10)

	if a.Merge(b).Value() != b.Merge(a).Value() {
		t.Errorf("pncounter merge not commutative")
	}

	left := a.Merge(b).Merge(c)
	right := a.Merge(b.Merge(c))
	if left.Value() != right.Value() {
		t.Errorf("pncounter merge not associative")
	}

	if a.Merge(a).Value() != a.Value() {
		t.Errorf("pncounter merge not idempotent")
	}
}

func TestORSetMergeCommutativeAssociativeIdempotent(t *testing.T) {
	peers := testPeers(3)
	a := NewORSet[string](peers[0])
	a.Add("x")
	a.Add("y")
	b := NewORSet[string](peers[1])
	b.Add("y")
	b.Add("z")
	c := NewORSet[string](peers[2])
	c.Add("w")

	ab := a.Merge(b)
	ba := b.Merge(a)
	if !sameElements(ab.Elements(), ba.Elements()) {
		t.Errorf("orset merge not commutative: %v vs %v", ab.Elements(), ba.Elements())
	}

	left := a.Merge(b).Merge(c)
	right := a.Merge(b.Merge(c))
	if !sameElements(left.Elements(), right.Elements()) {
		t.Errorf("orset merge not associative")
	}

	if !sameElements(a.Merge(a).Elements(), a.Elements()) {
		t.Errorf("orset merge not idempotent")
	}
}

func TestORSetConcurrentAddWinsOverRemove(t *testing.T) {
	peers := testPeers(2)
	a := NewORSet[string](peers[0])
	a.Add("shared")

	// b starts from a state where it has observed a's add, then removes it.
	b := NewORSet[string](peers[1]).Merge(a)
	b.Remove("shared")

	// Meanwhile peer 0 concurrently re-adds the same value, unaware of the
	// remove, producing a fresh add tag.
	a.Add("shared")

	merged := a.Merge(b)
	if !merged.Contains("shared") {
		t.Errorf("expected concurrent re-add to win over remove")
	}
}

func TestRGAMergeCommutativeAssociativeIdempotent(t *testing.T) {
	peers := testPeers(3)
	a := NewRGA[string](peers[0])
	id1 := a.InsertAfter(ElementId{}, "one", hlc.Timestamp{Millis: 1})
	a.InsertAfter(id1, "two", hlc.Timestamp{Millis: 2})

	b := NewRGA[string](peers[1])
	b.InsertAfter(ElementId{}, "zero", hlc.Timestamp{Millis: 3})

	c := NewRGA[string](peers[2])
	c.InsertAfter(ElementId{}, "negative-one", hlc.Timestamp{Millis: 4})

	ab := a.Merge(b)
	ba := b.Merge(a)
	if fmt.Sprint(ab.Values()) != fmt.Sprint(ba.Values()) {
		t.Errorf("rga merge not commutative: %v vs %v", ab.Values(), ba.Values())
	}

	left := a.Merge(b).Merge(c)
	right := a.Merge(b.Merge(c))
	if fmt.Sprint(left.Values()) != fmt.Sprint(right.Values()) {
		t.Errorf("rga merge not associative: %v vs %v", left.Values(), right.Values())
	}

	if fmt.Sprint(a.Merge(a).Values()) != fmt.Sprint(a.Values()) {
		t.Errorf("rga merge not idempotent")
	}
}

func TestRGADeleteTombstonesAcrossMerge(t *testing.T) {
	peers := testPeers(2)
	a := NewRGA[string](peers[0])
	id := a.InsertAfter(ElementId{}, "gone", hlc.Timestamp{Millis: 1})

	b := NewRGA[string](peers[1]).Merge(a)
	b.Delete(id)

	merged := a.Merge(b)
	for _, v := range merged.Values() {
		if v == "gone" {
			t.Errorf("expected tombstoned element to stay absent after merge")
		}
	}
}

// TestConvergenceAcrossThreeReplicas exercises the OR-set across three
// independently-mutated replicas (random adds), merged pairwise in three
// different orders, asserting all three land on the same final state --
// the multi-replica convergence property.
func TestConvergenceAcrossThreeReplicas(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	peers := testPeers(3)

	sets := make([]*ORSet[string], 3)
	for i := range sets {
		sets[i] = NewORSet[string](peers[i])
	}
	values := []string{"a", "b", "c", "d", "e"}
	for i, s := range sets {
		for j := 0; j < 4; j++ {
			s.Add(values[rng.Intn(len(values))])
			_ = i
		}
	}

	merge := func(x, y *ORSet[string]) *ORSet[string] { return x.Merge(y) }
	final0 := merge(merge(sets[0], sets[1]), sets[2])
	final1 := merge(sets[2], merge(sets[1], sets[0]))
	final2 := merge(merge(sets[2], sets[0]), sets[1])

	if !sameElements(final0.Elements(), final1.Elements()) || !sameElements(final1.Elements(), final2.Elements()) {
		t.Errorf("replicas failed to converge: %v / %v / %v", final0.Elements(), final1.Elements(), final2.Elements())
	}
}

func sameElements(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int)
	for _, v := range a {
		counts[v]++
	}
	for _, v := range b {
		counts[v]--
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}
