package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/roach88/invsync/internal/mutation"
)

// Timestamps are stored as Unix milliseconds. Zero time is stored as 0 so it
// survives the round trip as the zero value.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func marshalSnapshot(s *mutation.Snapshot) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal server snapshot: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalSnapshot(ns sql.NullString) (*mutation.Snapshot, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var s mutation.Snapshot
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal server snapshot: %w", err)
	}
	return &s, nil
}

func marshalRecord(rec mutation.ConflictRecord) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal conflict record: %w", err)
	}
	return string(data), nil
}

func unmarshalRecord(s string) (mutation.ConflictRecord, error) {
	var rec mutation.ConflictRecord
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return mutation.ConflictRecord{}, fmt.Errorf("unmarshal conflict record: %w", err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
