package devserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/remote"
)

var testEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// newTestServer starts the router behind httptest with a fixed clock.
func newTestServer(t *testing.T) (*Server, *remote.HTTPClient) {
	t.Helper()
	s := New(WithNow(func() time.Time { return testEpoch.Add(time.Hour) }))
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, remote.NewHTTPClient(srv.URL)
}

func mut(id, entityID string, kind mutation.Kind, payload string, at time.Time) mutation.Mutation {
	m := mutation.Mutation{ID: id, EntityID: entityID, EntityType: mutation.EntityItem, Kind: kind, CreatedAt: at}
	if payload != "" {
		m.Payload = []byte(payload)
	}
	return m
}

func TestCreateUpdateDelete(t *testing.T) {
	s, c := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, c.Dispatch(ctx, mut("m1", "item-1", mutation.KindCreate, `{"qty":1}`, testEpoch)))

	snap, ok := s.Entity("item-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"qty":1}`, string(snap.Payload))
	assert.Equal(t, testEpoch.Add(time.Hour), snap.ModifiedAt)

	require.NoError(t, c.Dispatch(ctx, mut("m2", "item-1", mutation.KindUpdate, `{"qty":2}`, testEpoch.Add(2*time.Hour))))
	require.NoError(t, c.Dispatch(ctx, mut("m3", "item-1", mutation.KindDelete, "", testEpoch.Add(3*time.Hour))))

	snap, ok = s.Entity("item-1")
	require.True(t, ok)
	assert.True(t, snap.Deleted)
	assert.Equal(t, []string{"m1", "m2", "m3"}, s.Applied())

	all := s.Entities()
	require.Len(t, all, 1)
	assert.True(t, all["item-1"].Deleted)
}

func TestStaleUpdateConflicts(t *testing.T) {
	s, c := newTestServer(t)
	s.Seed("item-1", mutation.Snapshot{Payload: []byte(`{"qty":9}`), ModifiedAt: testEpoch.Add(time.Minute), ModifiedBy: "phone"})

	err := c.Dispatch(context.Background(), mut("m1", "item-1", mutation.KindUpdate, `{"qty":1}`, testEpoch))
	snap, ok := remote.IsConflict(err)
	require.True(t, ok, "want conflict, got %v", err)
	assert.JSONEq(t, `{"qty":9}`, string(snap.Payload))
	assert.Equal(t, "phone", snap.ModifiedBy)
	assert.Empty(t, s.Applied())
}

func TestDuplicateCreateConflicts(t *testing.T) {
	s, c := newTestServer(t)
	s.Seed("item-1", mutation.Snapshot{Payload: []byte(`{"qty":9}`), ModifiedAt: testEpoch})

	err := c.Dispatch(context.Background(), mut("m1", "item-1", mutation.KindCreate, `{"qty":1}`, testEpoch.Add(time.Hour)))
	_, ok := remote.IsConflict(err)
	assert.True(t, ok)
}

func TestUpdateMissingIsRejected(t *testing.T) {
	_, c := newTestServer(t)
	err := c.Dispatch(context.Background(), mut("m1", "ghost", mutation.KindUpdate, `{}`, testEpoch))
	assert.True(t, remote.IsRejected(err))
}

func TestReplayReturnsOriginalAnswer(t *testing.T) {
	s, c := newTestServer(t)
	ctx := context.Background()

	m := mut("m1", "item-1", mutation.KindCreate, `{"qty":1}`, testEpoch)
	require.NoError(t, c.Dispatch(ctx, m))
	// A replay of a create would conflict if it were applied again.
	require.NoError(t, c.Dispatch(ctx, m))

	assert.Equal(t, []string{"m1"}, s.Applied())
}

func TestConflictIsNotReplayed(t *testing.T) {
	s, c := newTestServer(t)
	ctx := context.Background()
	s.Seed("item-1", mutation.Snapshot{Payload: []byte(`{"qty":9}`), ModifiedAt: testEpoch.Add(time.Minute)})

	m := mut("m1", "item-1", mutation.KindUpdate, `{"qty":1}`, testEpoch)
	_, ok := remote.IsConflict(c.Dispatch(ctx, m))
	require.True(t, ok)

	// The server copy ages out from under the conflict; resending the same
	// id is decided afresh.
	s.Seed("item-1", mutation.Snapshot{Payload: []byte(`{"qty":9}`), ModifiedAt: testEpoch.Add(-time.Minute)})
	require.NoError(t, c.Dispatch(ctx, m))

	assert.Equal(t, []string{"m1"}, s.Applied())
	snap, ok := s.Entity("item-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"qty":1}`, string(snap.Payload))
}

func TestInjectedFailures(t *testing.T) {
	s, c := newTestServer(t)
	s.FailNext(http.StatusServiceUnavailable, http.StatusBadGateway)
	ctx := context.Background()

	m := mut("m1", "item-1", mutation.KindCreate, `{"qty":1}`, testEpoch)
	assert.Equal(t, remote.ClassTransient, remote.ClassOf(c.Dispatch(ctx, m)))
	assert.Equal(t, remote.ClassTransient, remote.ClassOf(c.Dispatch(ctx, m)))
	require.NoError(t, c.Dispatch(ctx, m))
}

func TestMalformedRequests(t *testing.T) {
	s := New()
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"missing entity", `{"id":"m1","kind":"create"}`, http.StatusBadRequest},
		{"bad kind", `{"id":"m1","entity_id":"e","kind":"upsert"}`, http.StatusBadRequest},
		{"bad entity type", `{"id":"m1","entity_id":"e","kind":"create","entity_type":"spaceship"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+remote.MutationsPath, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestEntityRoutes(t *testing.T) {
	s := New()
	s.Seed("item-1", mutation.Snapshot{Payload: []byte(`{"qty":1}`), ModifiedAt: testEpoch})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/entities/item-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/entities/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRecordsSendingDevice(t *testing.T) {
	s := New(WithNow(func() time.Time { return testEpoch.Add(time.Hour) }), WithDevice("hq"))
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	c := remote.NewHTTPClient(srv.URL, remote.WithDevice("shop-ipad"))

	require.NoError(t, c.Dispatch(context.Background(), mut("m1", "item-1", mutation.KindCreate, `{"qty":1}`, testEpoch)))

	snap, ok := s.Entity("item-1")
	require.True(t, ok)
	assert.Equal(t, "hq", snap.ModifiedBy)
	assert.Equal(t, "shop-ipad", snap.Device)
}
