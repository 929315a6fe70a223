package mutation

import (
	"fmt"
	"time"
)

// Kind is the type of change a mutation carries.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// ValidKinds defines the allowed mutation kinds.
var ValidKinds = []Kind{KindCreate, KindUpdate, KindDelete}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range ValidKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("invalid kind %q: must be one of %v", s, ValidKinds)
}

// Status is the synchronization state of a mutation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "inFlight"
	StatusConflicted Status = "conflicted"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// ValidStatuses defines the allowed statuses in lifecycle order.
var ValidStatuses = []Status{StatusPending, StatusInFlight, StatusConflicted, StatusFailed, StatusCompleted}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range ValidStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automatic transition occurs from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. Same-status transitions are allowed so that repeated marks are
// idempotent.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusInFlight
	case StatusInFlight:
		return next == StatusCompleted ||
			next == StatusConflicted ||
			next == StatusFailed ||
			next == StatusPending
	case StatusConflicted:
		// Resolution finishes the mutation, or an explicit reset re-queues it.
		return next == StatusCompleted || next == StatusPending
	case StatusFailed:
		return next == StatusPending
	default:
		return false
	}
}

// EntityType names the kind of domain object a mutation targets.
type EntityType string

const (
	EntityItem       EntityType = "item"
	EntityReceipt    EntityType = "receipt"
	EntityLocation   EntityType = "location"
	EntityCollection EntityType = "collection"
	EntityWarranty   EntityType = "warranty"
	EntityDocument   EntityType = "document"
	EntityScan       EntityType = "scan"
)

// ValidEntityTypes defines the allowed entity types.
var ValidEntityTypes = []EntityType{
	EntityItem, EntityReceipt, EntityLocation, EntityCollection,
	EntityWarranty, EntityDocument, EntityScan,
}

// ParseEntityType converts a string to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	for _, e := range ValidEntityTypes {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("invalid entity type %q: must be one of %v", s, ValidEntityTypes)
}

// Mutation is the unit of synchronization: one create, update or delete of a
// domain object destined for the remote service.
type Mutation struct {
	// ID is stable across retries and doubles as the idempotency key the
	// remote uses to de-duplicate re-sent requests.
	ID         string     `json:"id"`
	EntityID   string     `json:"entity_id"`
	EntityType EntityType `json:"entity_type"`
	Kind       Kind       `json:"kind"`

	// Payload is a serialized snapshot of the object at mutation time.
	// Opaque to the engine.
	Payload       []byte `json:"payload,omitempty"`
	PayloadDigest string `json:"payload_digest,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`

	AttemptCount int    `json:"attempt_count"`
	Status       Status `json:"status"`
	LastError    string `json:"last_error,omitempty"`

	// ManualMerge requests the manual conflict path for this mutation even
	// when automatic resolution is enabled globally.
	ManualMerge bool `json:"manual_merge,omitempty"`

	// Server holds the server's snapshot while the mutation is conflicted.
	Server *Snapshot `json:"server,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot alias queue-owned state.
func (m Mutation) Clone() Mutation {
	c := m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Server != nil {
		s := m.Server.Clone()
		c.Server = &s
	}
	return c
}

// Validate checks required fields.
func (m Mutation) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("mutation id is required")
	}
	if m.EntityID == "" {
		return fmt.Errorf("mutation %s: entity id is required", m.ID)
	}
	if _, err := ParseKind(string(m.Kind)); err != nil {
		return fmt.Errorf("mutation %s: %w", m.ID, err)
	}
	if m.EntityType != "" {
		if _, err := ParseEntityType(string(m.EntityType)); err != nil {
			return fmt.Errorf("mutation %s: %w", m.ID, err)
		}
	}
	return nil
}

// Snapshot is the server's current copy of an entity, returned with a
// version conflict.
type Snapshot struct {
	Payload    []byte    `json:"payload,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
	Deleted    bool      `json:"deleted,omitempty"`
	ModifiedBy string    `json:"modified_by,omitempty"`
	Device     string    `json:"device,omitempty"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	c := s
	if s.Payload != nil {
		c.Payload = append([]byte(nil), s.Payload...)
	}
	return c
}

// Summary counts queue entries by status.
type Summary struct {
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	Conflicted int `json:"conflicted"`
	Failed     int `json:"failed"`
}

// Total returns the number of entries still in the queue.
func (s Summary) Total() int {
	return s.Pending + s.InFlight + s.Conflicted + s.Failed
}

// NeedsAttention returns the number of entries the user must act on.
func (s Summary) NeedsAttention() int {
	return s.Conflicted + s.Failed
}

// String renders the badge text shown by collaborators.
func (s Summary) String() string {
	return fmt.Sprintf("%d items pending sync, %d items need attention",
		s.Pending+s.InFlight, s.NeedsAttention())
}
