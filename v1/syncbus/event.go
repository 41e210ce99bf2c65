package syncbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a lock state transition.
type Kind string

const (
	// KindLocked is emitted when a free key is granted (Absent -> Held).
	KindLocked Kind = "locked"
	// KindQueued is emitted when a caller starts waiting on a held key.
	KindQueued Kind = "queued"
	// KindHandoff is emitted when a release grants the key to the next waiter.
	KindHandoff Kind = "handoff"
	// KindUnlocked is emitted when a key becomes free again.
	KindUnlocked Kind = "unlocked"
	// KindCancelled is emitted when a waiter gives up before being granted.
	KindCancelled Kind = "cancelled"
)

// Event describes a single transition of a key inside a lock registry.
// Waiters is the queue length right after the transition.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Key     string    `json:"key"`
	Origin  string    `json:"origin,omitempty"`
	Waiters int       `json:"waiters"`
	At      time.Time `json:"at"`
}

// NewEvent returns an event stamped with a fresh ID and the current time.
func NewEvent(kind Kind, key, origin string, waiters int) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Key:     key,
		Origin:  origin,
		Waiters: waiters,
		At:      time.Now(),
	}
}

// Encode returns the wire representation of e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an event produced by Encode.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
