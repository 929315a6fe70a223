// Package conflict decides which side wins when the remote rejects a
// mutation because the entity changed server-side.
//
// Automatic resolution is last-write-wins: the local mutation's CreatedAt
// against the server's ModifiedAt, ties to the server. A payload that is
// canonically identical to the server copy needs no write and resolves to the
// server. Manual resolution defers to a Presenter and may block.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/invsync/internal/canonical"
	"github.com/roach88/invsync/internal/mutation"
)

var (
	// ErrAbandoned is returned by a Presenter when the user walks away from a
	// conflict. The mutation stays conflicted.
	ErrAbandoned = errors.New("conflict: resolution abandoned")

	// ErrNoPresenter is returned when manual resolution is required but no
	// Presenter is configured.
	ErrNoPresenter = errors.New("conflict: manual resolution required but no presenter configured")
)

// Mode selects the global resolution path.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// ParseMode converts a string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeManual:
		return Mode(s), nil
	case "":
		return ModeAuto, nil
	}
	return "", fmt.Errorf("invalid conflict strategy %q: must be auto or manual", s)
}

// Presenter surfaces a conflict to the user and returns their decision.
// Implementations may block; they must honour ctx cancellation.
type Presenter interface {
	Present(ctx context.Context, rec mutation.ConflictRecord) (mutation.Resolution, error)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, rec mutation.ConflictRecord) (mutation.Resolution, error)

// Present calls f.
func (f PresenterFunc) Present(ctx context.Context, rec mutation.ConflictRecord) (mutation.Resolution, error) {
	return f(ctx, rec)
}

// Resolver turns conflict records into resolutions.
//
// Safe for concurrent use; it holds no mutable state.
type Resolver struct {
	mode      Mode
	presenter Presenter
	now       mutation.NowFunc
	newID     func() string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMode sets the global mode.
func WithMode(m Mode) Option {
	return func(r *Resolver) { r.mode = m }
}

// WithPresenter sets the manual-resolution presenter.
func WithPresenter(p Presenter) Option {
	return func(r *Resolver) { r.presenter = p }
}

// WithNow sets the clock used for DetectedAt and ResolvedAt.
func WithNow(now mutation.NowFunc) Option {
	return func(r *Resolver) { r.now = now }
}

// WithIDs sets the conflict record id source.
func WithIDs(next func() string) Option {
	return func(r *Resolver) { r.newID = next }
}

// NewResolver creates a resolver in auto mode.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		mode:  ModeAuto,
		now:   mutation.SystemNow,
		newID: func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mode returns the configured global mode.
func (r *Resolver) Mode() Mode {
	return r.mode
}

// Detect builds the conflict record for local against server.
func (r *Resolver) Detect(local mutation.Mutation, server mutation.Snapshot) mutation.ConflictRecord {
	changes, err := Diff(local.Payload, server.Payload)
	if err != nil {
		slog.Debug("conflict diff skipped", "id", local.ID, "error", err)
	}
	return mutation.ConflictRecord{
		ID:         r.newID(),
		Type:       mutation.ClassifyConflict(local, server),
		Local:      local.Clone(),
		Server:     server.Clone(),
		Changes:    changes,
		DetectedAt: r.now(),
	}
}

// NeedsManual reports whether rec goes to the Presenter: the global mode is
// manual or the mutation asked for a manual merge.
func (r *Resolver) NeedsManual(rec mutation.ConflictRecord) bool {
	return r.mode == ModeManual || rec.Local.ManualMerge
}

// Resolve decides the winner for rec.
//
// Returns ErrAbandoned, ErrNoPresenter or a context error when no decision
// was reached; the caller must leave the mutation conflicted.
func (r *Resolver) Resolve(ctx context.Context, rec mutation.ConflictRecord) (mutation.Resolution, error) {
	if identical(rec) {
		return mutation.Choose(mutation.SideServer, mutation.StrategyIdentical, r.now()), nil
	}

	if r.NeedsManual(rec) {
		return r.manual(ctx, rec)
	}

	return LastWriteWins(rec, r.now()), nil
}

func (r *Resolver) manual(ctx context.Context, rec mutation.ConflictRecord) (mutation.Resolution, error) {
	if r.presenter == nil {
		return mutation.Resolution{}, ErrNoPresenter
	}
	if err := ctx.Err(); err != nil {
		return mutation.Resolution{}, err
	}

	res, err := r.presenter.Present(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrAbandoned) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return mutation.Resolution{}, err
		}
		return mutation.Resolution{}, fmt.Errorf("%w: presenter: %v", ErrAbandoned, err)
	}
	if err := ctx.Err(); err != nil {
		return mutation.Resolution{}, err
	}

	switch res.Chosen {
	case mutation.SideLocal, mutation.SideServer:
	default:
		return mutation.Resolution{}, fmt.Errorf("%w: presenter chose unknown side %q", ErrAbandoned, res.Chosen)
	}
	res.Discarded = res.Chosen.Other()
	if res.Strategy == "" {
		res.Strategy = mutation.StrategyManual
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = r.now()
	}
	if res.Chosen == mutation.SideServer {
		res.MergedPayload = nil
	}
	return res, nil
}

// LastWriteWins picks the side with the later timestamp. The server wins
// ties.
func LastWriteWins(rec mutation.ConflictRecord, at time.Time) mutation.Resolution {
	if rec.Local.CreatedAt.After(rec.Server.ModifiedAt) {
		return mutation.Choose(mutation.SideLocal, mutation.StrategyLastWriteWins, at)
	}
	return mutation.Choose(mutation.SideServer, mutation.StrategyLastWriteWins, at)
}

// identical reports whether applying the local mutation would leave the
// server unchanged.
func identical(rec mutation.ConflictRecord) bool {
	local, server := rec.Local, rec.Server
	if local.Kind == mutation.KindDelete {
		return server.Deleted
	}
	if server.Deleted || len(server.Payload) == 0 {
		return false
	}
	return canonical.Equal(local.Payload, server.Payload)
}
