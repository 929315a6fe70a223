package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/invsync/internal/mutation"
)

var testEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err, "Open() failed")
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestMutation creates a pending mutation with minimal required fields.
func createTestMutation(id, entityID string, kind mutation.Kind, seq int64) mutation.Mutation {
	at := testEpoch.Add(time.Duration(seq) * time.Second)
	return mutation.Mutation{
		ID:         id,
		EntityID:   entityID,
		EntityType: mutation.EntityItem,
		Kind:       kind,
		Payload:    []byte(`{"name":"widget"}`),
		CreatedAt:  at,
		Seq:        seq,
		Status:     mutation.StatusPending,
		UpdatedAt:  at,
	}
}
