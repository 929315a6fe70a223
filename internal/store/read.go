package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/invsync/internal/mutation"
)

// MetaLastSync is the meta key holding the last successful sync time.
const MetaLastSync = "last_sync_at"

const mutationColumns = `id, seq, entity_id, entity_type, kind, payload, payload_digest, created_at,
	attempt_count, status, last_error, manual_merge, server, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// LoadMutations returns every row of the log.
// Results are ordered deterministically: ORDER BY seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if the log is empty.
func (s *Store) LoadMutations(ctx context.Context) ([]mutation.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mutationColumns+`
		FROM mutations
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	defer rows.Close()

	out := []mutation.Mutation{}
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}
	return out, nil
}

// GetMutation returns one row by id, or ErrNotFound.
func (s *Store) GetMutation(ctx context.Context, id string) (mutation.Mutation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return mutation.Mutation{}, fmt.Errorf("get mutation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return mutation.Mutation{}, err
	}
	return m, nil
}

// MaxSeq returns the highest seq in the log, or 0 when empty.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM mutations").Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

// ReadConflicts returns conflict records oldest first. An empty mutationID
// returns the whole history.
func (s *Store) ReadConflicts(ctx context.Context, mutationID string) ([]mutation.ConflictRecord, error) {
	query := `SELECT record FROM conflicts`
	var args []any
	if mutationID != "" {
		query += ` WHERE mutation_id = ?`
		args = append(args, mutationID)
	}
	query += ` ORDER BY detected_at ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	out := []mutation.ConflictRecord{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		rec, err := unmarshalRecord(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

// GetMeta returns the value for key and whether it was present.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

// LastSync returns the time of the last successful sync run, zero if never.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	v, ok, err := s.GetMeta(ctx, MetaLastSync)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", MetaLastSync, err)
	}
	return t, nil
}

// SetLastSync records the time of a successful sync run.
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	return s.SetMeta(ctx, MetaLastSync, t.UTC().Format(time.RFC3339Nano))
}

func scanMutation(r rowScanner) (mutation.Mutation, error) {
	var (
		m                    mutation.Mutation
		entityType, kind     string
		status               string
		createdAt, updatedAt int64
		manual               int
		server               sql.NullString
	)
	err := r.Scan(
		&m.ID,
		&m.Seq,
		&m.EntityID,
		&entityType,
		&kind,
		&m.Payload,
		&m.PayloadDigest,
		&createdAt,
		&m.AttemptCount,
		&status,
		&m.LastError,
		&manual,
		&server,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan mutation: %w", err)
	}

	m.EntityType = mutation.EntityType(entityType)
	m.Kind = mutation.Kind(kind)
	m.Status = mutation.Status(status)
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	m.ManualMerge = manual != 0
	if len(m.Payload) == 0 {
		m.Payload = nil
	}

	snap, err := unmarshalSnapshot(server)
	if err != nil {
		return m, fmt.Errorf("mutation %s: %w", m.ID, err)
	}
	m.Server = snap
	return m, nil
}
