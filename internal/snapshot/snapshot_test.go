package snapshot

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/queue"
	"github.com/roach88/invsync/internal/store"
)

var testEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newQueue(t *testing.T, name string) *queue.Queue {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	q, err := queue.Open(context.Background(), s,
		queue.WithNow(func() time.Time { return testEpoch }),
		queue.WithIDGenerator(mutation.NewSequenceGenerator("m")),
	)
	require.NoError(t, err)
	return q
}

func seed(t *testing.T, q *queue.Queue) {
	t.Helper()
	ctx := context.Background()
	for _, m := range []mutation.Mutation{
		{EntityID: "item-1", EntityType: mutation.EntityItem, Kind: mutation.KindCreate, Payload: []byte(`{"name":"Lamp","qty":1}`)},
		{EntityID: "item-2", EntityType: mutation.EntityItem, Kind: mutation.KindUpdate, Payload: []byte(`{"qty":4}`)},
		{EntityID: "loc-1", EntityType: mutation.EntityLocation, Kind: mutation.KindDelete},
	} {
		_, err := q.Enqueue(ctx, m)
		require.NoError(t, err)
	}
	_, err := q.MarkInFlight(ctx, "m-2")
	require.NoError(t, err)
	_, err = q.MarkConflicted(ctx, "m-2", mutation.Snapshot{
		Payload:    []byte(`{"qty":9}`),
		ModifiedAt: testEpoch.Add(time.Minute),
		ModifiedBy: "alice",
	})
	require.NoError(t, err)
}

func TestBuild_EmbedsPayloadAsJSON(t *testing.T) {
	q := newQueue(t, "src.db")
	seed(t, q)

	doc := Build(q, nil, testEpoch)
	require.Len(t, doc.Entries, 3)
	assert.Equal(t, FormatVersion, doc.Version)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, doc))
	out := buf.String()

	assert.Contains(t, out, `"name": "Lamp"`, "payload should be readable JSON, not base64")
	assert.Contains(t, out, `"status": "conflicted"`)
	assert.NotContains(t, out, `"payload": null`)
}

func TestRoundTrip_RestoresQueue(t *testing.T) {
	src := newQueue(t, "src.db")
	seed(t, src)
	path := filepath.Join(t.TempDir(), "out", "queue.json")

	require.NoError(t, WriteFile(path, Build(src, nil, testEpoch), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	doc, err := ReadFile(path)
	require.NoError(t, err)

	dst := newQueue(t, "dst.db")
	require.NoError(t, Restore(context.Background(), dst, doc))

	want := src.List()
	got := dst.List()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Seq, got[i].Seq)
		assert.Equal(t, want[i].Status, got[i].Status)
		assert.Equal(t, string(want[i].Payload), string(got[i].Payload))
	}

	m, ok := dst.Get("m-2")
	require.True(t, ok)
	require.NotNil(t, m.Server)
	assert.JSONEq(t, `{"qty":9}`, string(m.Server.Payload))
	assert.Equal(t, "alice", m.Server.ModifiedBy)

	del, ok := dst.Get("m-3")
	require.True(t, ok)
	assert.Nil(t, del.Payload)
}

func TestWriteFile_ReplacesExisting(t *testing.T) {
	q := newQueue(t, "src.db")
	seed(t, q)
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	require.NoError(t, WriteFile(path, Build(q, nil, testEpoch), 0o644))

	doc, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, doc.Entries, 3)

	// No temp files left behind.
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".snapshot-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"wrong version", `{"version":2,"exported_at":"2024-01-01T00:00:00Z","entries":[]}`, "unsupported version"},
		{"unknown field", `{"version":1,"entries":[],"extra":true}`, "extra"},
		{"not json", `queue`, "decode snapshot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRestore_InvalidEntryLeavesQueueUntouched(t *testing.T) {
	q := newQueue(t, "dst.db")
	seed(t, q)

	doc := Document{
		Version: FormatVersion,
		Entries: []Entry{
			{ID: "x-1", EntityID: "item-9", Kind: mutation.KindCreate, Seq: 1, Status: mutation.StatusPending},
			{ID: "x-1", EntityID: "item-9", Kind: mutation.KindUpdate, Seq: 2, Status: mutation.StatusPending},
		},
	}
	err := Restore(context.Background(), q, doc)
	require.ErrorIs(t, err, queue.ErrCorrupt)
	assert.Equal(t, 3, q.Len())
}
