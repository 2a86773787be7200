// Package ids defines the three disjoint identifier types used throughout
// PrivStack: EntityId, EventId, and PeerId. All three are UUIDv7 (time
// ordered, 128-bit) so that lexicographic and chronological order agree,
// which the CRDT tie-break rules and the event store's range scans rely on.
package ids

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityId identifies a persisted entity.
type EntityId uuid.UUID

// EventId identifies a single durable mutation record.
type EventId uuid.UUID

// PeerId identifies a device/replica. It is a UUID and has no libp2p
// peer-id encoding; internal/sync derives a libp2p host identity
// independently and keeps this PeerId as the application-level,
// storage-facing name.
type PeerId uuid.UUID

// NewV7 generates a time-ordered UUIDv7 per RFC 9562 §5.7: 48 bits of
// Unix-epoch milliseconds, a 4-bit version, a 12-bit random sequence, a
// 2-bit variant, and 62 further random bits.
//
// The previous implementation's vendored google/uuid only exposes uuid.New() (V4), so the
// generator below builds RFC-9562-shaped bytes directly rather than relying
// on a newer uuid.NewV7 that may not be present in the pack's lockfile.
func NewV7() (uuid.UUID, error) {
	var u uuid.UUID

	var randBytes [10]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return u, fmt.Errorf("ids: read random bytes: %w", err)
	}

	ms := uint64(time.Now().UnixMilli())
	u[0] = byte(ms >> 40)
	u[1] = byte(ms >> 32)
	u[2] = byte(ms >> 24)
	u[3] = byte(ms >> 16)
	u[4] = byte(ms >> 8)
	u[5] = byte(ms)

	copy(u[6:8], randBytes[0:2])
	u[6] = (u[6] & 0x0f) | 0x70 // version 7

	copy(u[8:16], randBytes[2:10])
	u[8] = (u[8] & 0x3f) | 0x80 // RFC 4122 variant

	return u, nil
}

func NewEntityId() (EntityId, error) {
	u, err := NewV7()
	return EntityId(u), err
}

func NewEventId() (EventId, error) {
	u, err := NewV7()
	return EventId(u), err
}

func NewPeerId() (PeerId, error) {
	u, err := NewV7()
	return PeerId(u), err
}

func (id EntityId) String() string { return uuid.UUID(id).String() }
func (id EventId) String() string  { return uuid.UUID(id).String() }
func (id PeerId) String() string   { return uuid.UUID(id).String() }

func (id EntityId) UUID() uuid.UUID { return uuid.UUID(id) }
func (id EventId) UUID() uuid.UUID  { return uuid.UUID(id) }
func (id PeerId) UUID() uuid.UUID   { return uuid.UUID(id) }

func (id EntityId) IsZero() bool { return id == EntityId{} }
func (id EventId) IsZero() bool  { return id == EventId{} }
func (id PeerId) IsZero() bool   { return id == PeerId{} }

// Less gives the lexicographic order spec.md relies on for PeerId
// tie-breaks (LWW register ties, snapshot authority fallback).
func (id PeerId) Less(other PeerId) bool {
	return id.String() < other.String()
}

func ParseEntityId(s string) (EntityId, error) {
	u, err := uuid.Parse(s)
	return EntityId(u), err
}

func ParseEventId(s string) (EventId, error) {
	u, err := uuid.Parse(s)
	return EventId(u), err
}

func ParsePeerId(s string) (PeerId, error) {
	u, err := uuid.Parse(s)
	return PeerId(u), err
}

// MarshalText/UnmarshalText let all three ID types serialize as plain JSON
// strings instead of byte arrays, matching how the previous implementation's uuid.UUID
// fields already round-trip through JSON.
func (id EntityId) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id EventId) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }
func (id PeerId) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }

func (id *EntityId) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = EntityId(u)
	return nil
}

func (id *EventId) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = EventId(u)
	return nil
}

func (id *PeerId) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = PeerId(u)
	return nil
}
