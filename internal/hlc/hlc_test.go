package hlc

import (
	"testing"

	"github.com/privstack/core/internal/ids"
)

func TestNowMonotonic(t *testing.T) {
	c := New()
	a := c.Now()
	b := c.Now()

	if !a.Before(b) {
		t.Errorf("expected %s before %s", a, b)
	}
}

func TestReceiveAdvancesPastRemote(t *testing.T) {
	c := New()
	remote := Timestamp{Millis: 1_000_000_000_000, Counter: 5}

	result := c.Receive(remote)
	if !result.After(remote) {
		t.Errorf("expected result %s to be after remote %s", result, remote)
	}

	// Every subsequent local event must still be strictly greater.
	next := c.Now()
	if !next.After(result) {
		t.Errorf("expected next local event %s to be after received %s", next, result)
	}
}

func TestReceiveTieBreaksCounter(t *testing.T) {
	c := Restore(Timestamp{Millis: 500, Counter: 3})
	wallMillisOverride(t, 500)

	remote := Timestamp{Millis: 500, Counter: 3}
	result := c.Receive(remote)

	if result.Millis != 500 || result.Counter != 4 {
		t.Errorf("expected {500,4}, got %+v", result)
	}
}

func TestLessTieBreaksByPeer(t *testing.T) {
	ts := Timestamp{Millis: 1, Counter: 1}
	low, _ := ids.ParsePeerId("00000000-0000-7000-8000-000000000000")
	high, _ := ids.ParsePeerId("ffffffff-ffff-7fff-bfff-ffffffffffff")

	if !Less(ts, low, ts, high) {
		t.Errorf("expected low peer to sort before high peer on tied timestamp")
	}
	if Less(ts, high, ts, low) {
		t.Errorf("expected high peer to not sort before low peer on tied timestamp")
	}
}

func wallMillisOverride(t *testing.T, ms uint64) {
	t.Helper()
	prev := wallMillis
	wallMillis = func() uint64 { return ms }
	t.Cleanup(func() { wallMillis = prev })
}
