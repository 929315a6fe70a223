package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/invsync/internal/mutation"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name   string
		local  string
		server string
		want   []mutation.FieldChange
	}{
		{
			name:   "equal objects",
			local:  `{"a":1,"b":[1,2]}`,
			server: `{"b":[1,2],"a":1}`,
			want:   nil,
		},
		{
			name:   "changed and missing fields",
			local:  `{"name":"lamp","qty":1,"notes":"x"}`,
			server: `{"name":"lamp","qty":2,"room":"attic"}`,
			want: []mutation.FieldChange{
				{Field: "notes", Local: `"x"`, Server: ""},
				{Field: "qty", Local: "1", Server: "2"},
				{Field: "room", Local: "", Server: `"attic"`},
			},
		},
		{
			name:   "non-object payloads",
			local:  `[1,2]`,
			server: `[2,1]`,
			want:   []mutation.FieldChange{{Local: "[1,2]", Server: "[2,1]"}},
		},
		{
			name:   "local empty",
			local:  ``,
			server: `{"a":1}`,
			want:   []mutation.FieldChange{{Local: "", Server: `{"a":1}`}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Diff([]byte(tt.local), []byte(tt.server))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiff_Malformed(t *testing.T) {
	_, err := Diff([]byte(`{"a":`), []byte(`{}`))
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	rec := record(testEpoch.Add(time.Minute), testEpoch,
		`{"name":"desk lamp","qty":1,"notes":"scratched"}`,
		`{"name":"lamp","qty":5,"room":"attic"}`)

	tests := []struct {
		name   string
		policy MergePolicy
		want   string
	}{
		{
			name:   "latest by default takes local when local is newer",
			policy: MergePolicy{},
			want:   `{"name":"desk lamp","notes":"scratched","qty":1}`,
		},
		{
			name:   "server default with local override",
			policy: MergePolicy{Default: UseServer, Fields: map[string]FieldRule{"name": UseLocal}},
			want:   `{"name":"desk lamp","qty":5,"room":"attic"}`,
		},
		{
			name:   "local default with server quantity",
			policy: MergePolicy{Default: UseLocal, Fields: map[string]FieldRule{"qty": UseServer}},
			want:   `{"name":"desk lamp","notes":"scratched","qty":5}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.policy.Validate())
			got, err := Merge(rec, tt.policy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMerge_LatestTieFavoursServer(t *testing.T) {
	rec := record(testEpoch, testEpoch, `{"qty":1}`, `{"qty":2}`)
	got, err := Merge(rec, MergePolicy{Default: UseLatest})
	require.NoError(t, err)
	assert.Equal(t, `{"qty":2}`, string(got))
}

func TestMerge_RejectsDeletes(t *testing.T) {
	rec := record(testEpoch, testEpoch, `{"qty":1}`, `{"qty":2}`)
	rec.Server.Deleted = true
	_, err := Merge(rec, MergePolicy{})
	assert.Error(t, err)
}

func TestMergePolicy_Validate(t *testing.T) {
	assert.NoError(t, MergePolicy{Default: UseLatest}.Validate())
	assert.Error(t, MergePolicy{Default: "newest"}.Validate())
	assert.Error(t, MergePolicy{Fields: map[string]FieldRule{"qty": "sum"}}.Validate())
}

func TestMergePresenter(t *testing.T) {
	p := MergePresenter{Policy: MergePolicy{Default: UseServer, Fields: map[string]FieldRule{"qty": UseLocal}}, Now: fixedNow}
	r := newTestResolver(WithMode(ModeManual), WithPresenter(p))

	rec := record(testEpoch, testEpoch.Add(time.Hour), `{"name":"a","qty":9}`, `{"name":"b","qty":1}`)
	res, err := r.Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, mutation.SideLocal, res.Chosen)
	assert.Equal(t, mutation.StrategyFieldMerge, res.Strategy)
	assert.Equal(t, `{"name":"b","qty":9}`, string(res.MergedPayload))
}

func TestMergePresenter_DeleteFallsBackToLWW(t *testing.T) {
	p := MergePresenter{Now: fixedNow}
	rec := record(testEpoch, testEpoch.Add(time.Hour), `{"qty":1}`, ``)
	rec.Server.Deleted = true

	res, err := p.Present(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, mutation.SideServer, res.Chosen)
	assert.Equal(t, mutation.StrategyLastWriteWins, res.Strategy)
}
