package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/invsync/internal/mutation"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendMutation inserts m and removes the superseded ids in one transaction.
// Uses ON CONFLICT(id) DO NOTHING so re-appending the same mutation is a no-op.
func (s *Store) AppendMutation(ctx context.Context, m mutation.Mutation, superseded ...string) error {
	return s.inTx(ctx, "append mutation", func(tx *sql.Tx) error {
		if err := deleteMutations(ctx, tx, superseded...); err != nil {
			return err
		}
		return insertMutation(ctx, tx, m)
	})
}

// SwapMutation removes oldID and inserts m in one transaction. Used when a
// conflicted mutation is replaced by a fresh one carrying the winning payload.
func (s *Store) SwapMutation(ctx context.Context, oldID string, m mutation.Mutation) error {
	return s.inTx(ctx, "swap mutation", func(tx *sql.Tx) error {
		if err := deleteMutations(ctx, tx, oldID); err != nil {
			return err
		}
		return insertMutation(ctx, tx, m)
	})
}

// UpdateMutation rewrites the mutable columns of an existing row.
// Returns ErrNotFound if the row does not exist.
func (s *Store) UpdateMutation(ctx context.Context, m mutation.Mutation) error {
	server, err := marshalSnapshot(m.Server)
	if err != nil {
		return fmt.Errorf("update mutation: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations
		SET payload = ?, payload_digest = ?, attempt_count = ?, status = ?,
		    last_error = ?, manual_merge = ?, server = ?, updated_at = ?
		WHERE id = ?
	`,
		m.Payload,
		m.PayloadDigest,
		m.AttemptCount,
		string(m.Status),
		m.LastError,
		boolToInt(m.ManualMerge),
		server,
		toMillis(m.UpdatedAt),
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("update mutation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update mutation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update mutation %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

// DeleteMutation removes a row. Deleting a missing id is not an error.
func (s *Store) DeleteMutation(ctx context.Context, id string) error {
	return deleteMutations(ctx, s.db, id)
}

// ReplaceMutations swaps the whole log for ms in one transaction.
func (s *Store) ReplaceMutations(ctx context.Context, ms []mutation.Mutation) error {
	return s.inTx(ctx, "replace mutations", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM mutations"); err != nil {
			return fmt.Errorf("clear mutations: %w", err)
		}
		for _, m := range ms {
			if err := insertMutation(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteConflict inserts or updates a conflict record. Re-writing the same id
// replaces the stored record, which is how a resolution gets attached.
func (s *Store) WriteConflict(ctx context.Context, rec mutation.ConflictRecord) error {
	body, err := marshalRecord(rec)
	if err != nil {
		return fmt.Errorf("write conflict: %w", err)
	}

	var resolvedAt sql.NullInt64
	if rec.Resolution != nil {
		resolvedAt = sql.NullInt64{Int64: toMillis(rec.Resolution.ResolvedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, mutation_id, entity_id, conflict_type, record, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, resolved_at = excluded.resolved_at
	`,
		rec.ID,
		rec.Local.ID,
		rec.Local.EntityID,
		string(rec.Type),
		body,
		toMillis(rec.DetectedAt),
		resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("write conflict: %w", err)
	}
	return nil
}

// SetMeta stores a key/value fact.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func insertMutation(ctx context.Context, ex execer, m mutation.Mutation) error {
	server, err := marshalSnapshot(m.Server)
	if err != nil {
		return fmt.Errorf("insert mutation: %w", err)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO mutations
		(id, seq, entity_id, entity_type, kind, payload, payload_digest, created_at,
		 attempt_count, status, last_error, manual_merge, server, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		m.ID,
		m.Seq,
		m.EntityID,
		string(m.EntityType),
		string(m.Kind),
		m.Payload,
		m.PayloadDigest,
		toMillis(m.CreatedAt),
		m.AttemptCount,
		string(m.Status),
		m.LastError,
		boolToInt(m.ManualMerge),
		server,
		toMillis(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert mutation %s: %w", m.ID, err)
	}
	return nil
}

func deleteMutations(ctx context.Context, ex execer, ids ...string) error {
	for _, id := range ids {
		if _, err := ex.ExecContext(ctx, "DELETE FROM mutations WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete mutation %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}
