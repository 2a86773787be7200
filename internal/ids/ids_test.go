package ids

import (
	"testing"
	"time"
)

func TestNewV7Monotonic(t *testing.T) {
	a, err := NewEntityId()
	if err != nil {
		t.Fatalf("NewEntityId: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	b, err := NewEntityId()
	if err != nil {
		t.Fatalf("NewEntityId: %v", err)
	}

	if a.String() >= b.String() {
		t.Errorf("expected lexicographic order to follow time: %s should sort before %s", a, b)
	}
}

func TestRoundTripParse(t *testing.T) {
	p, err := NewPeerId()
	if err != nil {
		t.Fatalf("NewPeerId: %v", err)
	}

	parsed, err := ParsePeerId(p.String())
	if err != nil {
		t.Fatalf("ParsePeerId: %v", err)
	}
	if parsed != p {
		t.Errorf("round trip mismatch: got %s, want %s", parsed, p)
	}
}

func TestPeerIdLess(t *testing.T) {
	a, _ := ParsePeerId("00000000-0000-7000-8000-000000000000")
	b, _ := ParsePeerId("ffffffff-ffff-7fff-bfff-ffffffffffff")

	if !a.Less(b) {
		t.Errorf("expected %s < %s", a, b)
	}
	if b.Less(a) {
		t.Errorf("expected %s not < %s", b, a)
	}
}
