package mutation

import "time"

// Side identifies one of the two versions in a conflict.
type Side string

const (
	SideLocal  Side = "local"
	SideServer Side = "server"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideLocal {
		return SideServer
	}
	return SideLocal
}

// ConflictType classifies how the two versions diverged.
type ConflictType string

const (
	// ConflictUpdate means both sides modified the entity.
	ConflictUpdate ConflictType = "update"
	// ConflictDelete means one side deleted while the other modified.
	ConflictDelete ConflictType = "delete"
	// ConflictCreate means the entity was created on more than one device.
	ConflictCreate ConflictType = "create"
)

// ClassifyConflict derives the conflict type from the local mutation kind and
// the server snapshot.
func ClassifyConflict(local Mutation, server Snapshot) ConflictType {
	switch {
	case local.Kind == KindDelete || server.Deleted:
		return ConflictDelete
	case local.Kind == KindCreate:
		return ConflictCreate
	default:
		return ConflictUpdate
	}
}

// FieldChange describes one top-level payload field that differs between
// the local and server versions.
type FieldChange struct {
	Field  string `json:"field"`
	Local  string `json:"local,omitempty"`
	Server string `json:"server,omitempty"`
}

// Strategy names how a resolution was reached.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyIdentical     Strategy = "identical"
	StrategyManual        Strategy = "manual"
	StrategyFieldMerge    Strategy = "field_merge"
)

// Resolution is the decided outcome of a conflict.
type Resolution struct {
	Chosen    Side     `json:"chosen"`
	Discarded Side     `json:"discarded"`
	Strategy  Strategy `json:"strategy"`

	// MergedPayload replaces the local payload when Chosen is local and the
	// user merged field by field.
	MergedPayload []byte `json:"merged_payload,omitempty"`

	ResolvedAt time.Time `json:"resolved_at"`
}

// Choose builds a resolution that keeps side and discards the other.
func Choose(side Side, strategy Strategy, at time.Time) Resolution {
	return Resolution{
		Chosen:     side,
		Discarded:  side.Other(),
		Strategy:   strategy,
		ResolvedAt: at,
	}
}

// ConflictRecord is produced when the remote rejects a mutation because the
// entity changed server-side since the mutation was authored.
type ConflictRecord struct {
	ID         string        `json:"id"`
	Type       ConflictType  `json:"type"`
	Local      Mutation      `json:"local"`
	Server     Snapshot      `json:"server"`
	Changes    []FieldChange `json:"changes,omitempty"`
	DetectedAt time.Time     `json:"detected_at"`

	// Resolution is nil until decided.
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Resolved reports whether a resolution has been recorded.
func (c ConflictRecord) Resolved() bool {
	return c.Resolution != nil
}
