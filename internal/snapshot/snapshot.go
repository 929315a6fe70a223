// Package snapshot exports the mutation queue to a portable JSON document
// and imports it back.
//
// Payloads are embedded as raw JSON so an export can be read and edited by
// hand. Files are written atomically: a reader never sees half a snapshot.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/roach88/invsync/internal/mutation"
)

// FormatVersion is the document version written by Encode.
const FormatVersion = 1

// ErrVersion is returned when a document has an unsupported version.
var ErrVersion = errors.New("snapshot: unsupported version")

// Entry is one queued mutation in a snapshot.
type Entry struct {
	ID            string              `json:"id"`
	EntityID      string              `json:"entity_id"`
	EntityType    mutation.EntityType `json:"entity_type,omitempty"`
	Kind          mutation.Kind       `json:"kind"`
	Payload       json.RawMessage     `json:"payload,omitempty"`
	PayloadDigest string              `json:"payload_digest,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	Seq           int64               `json:"seq"`
	AttemptCount  int                 `json:"attempt_count"`
	Status        mutation.Status     `json:"status"`
	LastError     string              `json:"last_error,omitempty"`
	ManualMerge   bool                `json:"manual_merge,omitempty"`
	Server        *ServerCopy         `json:"server,omitempty"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// ServerCopy is the server snapshot held by a conflicted entry.
type ServerCopy struct {
	Payload    json.RawMessage `json:"payload,omitempty"`
	ModifiedAt time.Time       `json:"modified_at"`
	Deleted    bool            `json:"deleted,omitempty"`
	ModifiedBy string          `json:"modified_by,omitempty"`
	Device     string          `json:"device,omitempty"`
}

// Document is the exported form of a queue.
type Document struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Entries    []Entry   `json:"entries"`

	// Conflicts is the resolution history, informational only; Import
	// ignores it.
	Conflicts []mutation.ConflictRecord `json:"conflicts,omitempty"`
}

// Lister is the read side of the queue. *queue.Queue implements it.
type Lister interface {
	List() []mutation.Mutation
}

// Importer replaces the queue contents. *queue.Queue implements it.
type Importer interface {
	Import(ctx context.Context, ms []mutation.Mutation) error
}

// Build captures the queue as a document.
func Build(q Lister, conflicts []mutation.ConflictRecord, at time.Time) Document {
	ms := q.List()
	doc := Document{
		Version:    FormatVersion,
		ExportedAt: at.UTC(),
		Entries:    make([]Entry, len(ms)),
		Conflicts:  conflicts,
	}
	for i, m := range ms {
		doc.Entries[i] = EntryFrom(m)
	}
	return doc
}

// Mutations converts the entries back to queue mutations.
func (d Document) Mutations() []mutation.Mutation {
	out := make([]mutation.Mutation, len(d.Entries))
	for i, e := range d.Entries {
		out[i] = e.mutation()
	}
	return out
}

// Restore replaces the contents of q with the document's entries. The
// queue validates them; nothing changes if any entry is rejected.
func Restore(ctx context.Context, q Importer, d Document) error {
	if err := q.Import(ctx, d.Mutations()); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	return nil
}

// Encode writes d as indented JSON.
func Encode(w io.Writer, d Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// Decode reads a document and checks its version. Unknown fields are
// rejected.
func Decode(r io.Reader) (Document, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var d Document
	if err := dec.Decode(&d); err != nil {
		return Document{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if d.Version != FormatVersion {
		return Document{}, fmt.Errorf("%w: %d (want %d)", ErrVersion, d.Version, FormatVersion)
	}
	return d, nil
}

// WriteFile writes d to path atomically with mode perm.
func WriteFile(path string, d Document, perm fs.FileMode) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return atomicWrite(path, append(data, '\n'), perm)
}

// ReadFile reads and decodes the document at path.
func ReadFile(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// atomicWrite writes via a temp file in the same directory:
// write, fsync, close, chmod, rename.
func atomicWrite(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}

	// Windows refuses to rename over an open or existing file.
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(path)
		if err2 := os.Rename(tmpPath, path); err2 != nil {
			return fmt.Errorf("rename: %v (after remove: %v)", err, err2)
		}
	}
	return nil
}

// EntryFrom converts a queued mutation into its portable form.
func EntryFrom(m mutation.Mutation) Entry {
	e := Entry{
		ID:            m.ID,
		EntityID:      m.EntityID,
		EntityType:    m.EntityType,
		Kind:          m.Kind,
		Payload:       rawOrNil(m.Payload),
		PayloadDigest: m.PayloadDigest,
		CreatedAt:     m.CreatedAt,
		Seq:           m.Seq,
		AttemptCount:  m.AttemptCount,
		Status:        m.Status,
		LastError:     m.LastError,
		ManualMerge:   m.ManualMerge,
		UpdatedAt:     m.UpdatedAt,
	}
	if m.Server != nil {
		e.Server = &ServerCopy{
			Payload:    rawOrNil(m.Server.Payload),
			ModifiedAt: m.Server.ModifiedAt,
			Deleted:    m.Server.Deleted,
			ModifiedBy: m.Server.ModifiedBy,
			Device:     m.Server.Device,
		}
	}
	return e
}

func (e Entry) mutation() mutation.Mutation {
	m := mutation.Mutation{
		ID:            e.ID,
		EntityID:      e.EntityID,
		EntityType:    e.EntityType,
		Kind:          e.Kind,
		Payload:       bytesOrNil(e.Payload),
		PayloadDigest: e.PayloadDigest,
		CreatedAt:     e.CreatedAt,
		Seq:           e.Seq,
		AttemptCount:  e.AttemptCount,
		Status:        e.Status,
		LastError:     e.LastError,
		ManualMerge:   e.ManualMerge,
		UpdatedAt:     e.UpdatedAt,
	}
	if e.Server != nil {
		m.Server = &mutation.Snapshot{
			Payload:    bytesOrNil(e.Server.Payload),
			ModifiedAt: e.Server.ModifiedAt,
			Deleted:    e.Server.Deleted,
			ModifiedBy: e.Server.ModifiedBy,
			Device:     e.Server.Device,
		}
	}
	return m
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(append([]byte(nil), b...))
}

// bytesOrNil undoes the indentation Encode applied to embedded payloads.
func bytesOrNil(r json.RawMessage) []byte {
	if len(r) == 0 || string(r) == "null" {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, r); err != nil {
		return append([]byte(nil), r...)
	}
	return buf.Bytes()
}
