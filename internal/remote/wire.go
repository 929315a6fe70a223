package remote

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/roach88/invsync/internal/mutation"
)

// MutationsPath is the endpoint every mutation is POSTed to.
const MutationsPath = "/v1/mutations"

// IdempotencyHeader carries the mutation id so the remote can drop replays.
const IdempotencyHeader = "Idempotency-Key"

// WireMutation is the request body.
type WireMutation struct {
	ID         string              `json:"id"`
	EntityID   string              `json:"entity_id"`
	EntityType mutation.EntityType `json:"entity_type,omitempty"`
	Kind       mutation.Kind       `json:"kind"`
	Payload    json.RawMessage     `json:"payload,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`

	// Device names the sender. The remote records it on the entity.
	Device string `json:"device,omitempty"`
}

// WireSnapshot is the server's copy inside a conflict body.
type WireSnapshot struct {
	Payload    json.RawMessage `json:"payload,omitempty"`
	ModifiedAt time.Time       `json:"modified_at"`
	Deleted    bool            `json:"deleted,omitempty"`
	ModifiedBy string          `json:"modified_by,omitempty"`
	Device     string          `json:"device,omitempty"`
}

// ConflictBody is the 409 response body.
type ConflictBody struct {
	Server WireSnapshot `json:"server"`
}

// ErrorBody is the body of other non-2xx responses.
type ErrorBody struct {
	Error string `json:"error"`
}

// AckBody is the 2xx response body.
type AckBody struct {
	ID         string    `json:"id"`
	ModifiedAt time.Time `json:"modified_at"`
	Replayed   bool      `json:"replayed,omitempty"`
}

// ToWire converts a mutation into its request body.
func ToWire(m mutation.Mutation) WireMutation {
	w := WireMutation{
		ID:         m.ID,
		EntityID:   m.EntityID,
		EntityType: m.EntityType,
		Kind:       m.Kind,
		CreatedAt:  m.CreatedAt,
	}
	if len(m.Payload) > 0 {
		w.Payload = json.RawMessage(append([]byte(nil), m.Payload...))
	}
	return w
}

// Snapshot converts the wire form into the domain snapshot.
func (w WireSnapshot) Snapshot() mutation.Snapshot {
	s := mutation.Snapshot{
		ModifiedAt: w.ModifiedAt.UTC(),
		Deleted:    w.Deleted,
		ModifiedBy: w.ModifiedBy,
		Device:     w.Device,
	}
	if len(w.Payload) > 0 {
		s.Payload = append([]byte(nil), w.Payload...)
	}
	return s
}

// WireFromSnapshot converts a domain snapshot into its wire form.
func WireFromSnapshot(s mutation.Snapshot) WireSnapshot {
	w := WireSnapshot{
		ModifiedAt: s.ModifiedAt,
		Deleted:    s.Deleted,
		ModifiedBy: s.ModifiedBy,
		Device:     s.Device,
	}
	if len(s.Payload) > 0 {
		w.Payload = json.RawMessage(append([]byte(nil), s.Payload...))
	}
	return w
}
