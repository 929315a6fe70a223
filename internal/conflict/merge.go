package conflict

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/invsync/internal/canonical"
	"github.com/roach88/invsync/internal/mutation"
)

// Diff lists the top-level fields whose canonical values differ between the
// local and server payloads, sorted by field name. Values are rendered as
// canonical JSON; a field missing on one side renders as "".
//
// Payloads that are not both JSON objects produce a single change with an
// empty field name when they differ.
func Diff(local, server []byte) ([]mutation.FieldChange, error) {
	lo, lok, err := decodeObject(local)
	if err != nil {
		return nil, fmt.Errorf("diff local: %w", err)
	}
	so, sok, err := decodeObject(server)
	if err != nil {
		return nil, fmt.Errorf("diff server: %w", err)
	}

	if !lok || !sok {
		if canonical.Equal(local, server) {
			return nil, nil
		}
		return []mutation.FieldChange{{Local: render(local), Server: render(server)}}, nil
	}

	var changes []mutation.FieldChange
	for _, k := range unionKeys(lo, so) {
		lv, err := encodeField(lo, k)
		if err != nil {
			return nil, err
		}
		sv, err := encodeField(so, k)
		if err != nil {
			return nil, err
		}
		if lv != sv {
			changes = append(changes, mutation.FieldChange{Field: k, Local: lv, Server: sv})
		}
	}
	return changes, nil
}

// FieldRule selects which side a field is taken from during a merge.
type FieldRule string

const (
	UseLocal  FieldRule = "local"
	UseServer FieldRule = "server"
	// UseLatest takes the field from whichever side was written last,
	// server on ties.
	UseLatest FieldRule = "latest"
)

// MergePolicy assigns a rule to each field. Fields without an entry use
// Default; an empty Default means UseLatest.
type MergePolicy struct {
	Default FieldRule            `yaml:"default" json:"default"`
	Fields  map[string]FieldRule `yaml:"fields" json:"fields,omitempty"`
}

func (p MergePolicy) rule(field string) FieldRule {
	if r, ok := p.Fields[field]; ok {
		return r
	}
	if p.Default == "" {
		return UseLatest
	}
	return p.Default
}

// Validate checks every rule name.
func (p MergePolicy) Validate() error {
	check := func(r FieldRule) error {
		switch r {
		case "", UseLocal, UseServer, UseLatest:
			return nil
		}
		return fmt.Errorf("invalid merge rule %q: must be local, server or latest", r)
	}
	if err := check(p.Default); err != nil {
		return err
	}
	for f, r := range p.Fields {
		if err := check(r); err != nil {
			return fmt.Errorf("field %s: %w", f, err)
		}
	}
	return nil
}

// Merge combines the two payloads of rec field by field and returns the
// canonical merged object. Both payloads must be JSON objects and neither
// side may be a delete.
func Merge(rec mutation.ConflictRecord, p MergePolicy) ([]byte, error) {
	if rec.Local.Kind == mutation.KindDelete || rec.Server.Deleted {
		return nil, fmt.Errorf("merge %s: cannot merge a delete", rec.Local.ID)
	}
	lo, lok, err := decodeObject(rec.Local.Payload)
	if err != nil {
		return nil, fmt.Errorf("merge local: %w", err)
	}
	so, sok, err := decodeObject(rec.Server.Payload)
	if err != nil {
		return nil, fmt.Errorf("merge server: %w", err)
	}
	if !lok || !sok {
		return nil, fmt.Errorf("merge %s: payloads must be JSON objects", rec.Local.ID)
	}

	localNewer := rec.Local.CreatedAt.After(rec.Server.ModifiedAt)
	out := make(map[string]any, len(lo)+len(so))
	for _, k := range unionKeys(lo, so) {
		src := so
		switch p.rule(k) {
		case UseLocal:
			src = lo
		case UseLatest:
			if localNewer {
				src = lo
			}
		}
		if v, ok := src[k]; ok {
			out[k] = v
		}
	}
	return canonical.Marshal(out)
}

// MergePresenter resolves every conflict it is shown with a field merge
// under Policy. Deletes and non-object payloads fall back to last-write-wins.
type MergePresenter struct {
	Policy MergePolicy
	Now    mutation.NowFunc
}

// Present implements Presenter.
func (m MergePresenter) Present(ctx context.Context, rec mutation.ConflictRecord) (mutation.Resolution, error) {
	now := m.Now
	if now == nil {
		now = mutation.SystemNow
	}
	merged, err := Merge(rec, m.Policy)
	if err != nil {
		return LastWriteWins(rec, now()), nil
	}
	res := mutation.Choose(mutation.SideLocal, mutation.StrategyFieldMerge, now())
	res.MergedPayload = merged
	return res, nil
}

func decodeObject(raw []byte) (map[string]any, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	v, err := canonical.Decode(raw)
	if err != nil {
		return nil, false, err
	}
	obj, ok := v.(map[string]any)
	return obj, ok, nil
}

func encodeField(obj map[string]any, k string) (string, error) {
	v, ok := obj[k]
	if !ok {
		return "", nil
	}
	data, err := canonical.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode field %s: %w", k, err)
	}
	return string(data), nil
}

func render(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	data, err := canonical.Normalize(raw)
	if err != nil {
		return string(raw)
	}
	return string(data)
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
