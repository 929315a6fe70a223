package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/invsync/internal/config"
	"github.com/roach88/invsync/internal/conflict"
	"github.com/roach88/invsync/internal/connectivity"
	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/queue"
	"github.com/roach88/invsync/internal/remote"
	"github.com/roach88/invsync/internal/store"
	"github.com/roach88/invsync/internal/syncer"
)

var errNoEndpoint = errors.New("no remote endpoint configured")

// engine is the sync stack wired from the configuration.
type engine struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.Queue
	monitor *connectivity.Monitor
	coord   *syncer.Coordinator
}

// openEngine opens the queue database and builds the coordinator. The
// caller must Close it.
func openEngine(ctx context.Context, opts *RootOptions, extra ...syncer.Option) (*engine, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, err
	}

	slog.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	q, err := queue.Open(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to restore queue", err)
	}

	mon := connectivity.New()
	resolver := conflict.NewResolver(cfg.ResolverOptions()...)
	coordOpts := append([]syncer.Option{
		syncer.WithConfig(cfg.Syncer()),
		syncer.WithJournal(st),
	}, extra...)

	return &engine{
		cfg:     cfg,
		store:   st,
		queue:   q,
		monitor: mon,
		coord:   syncer.New(q, newClient(cfg), mon, resolver, coordOpts...),
	}, nil
}

// probe takes one connectivity reading. Without a probe target the network
// is assumed reachable and the dispatch itself finds out otherwise.
func (e *engine) probe(ctx context.Context) {
	prober := e.cfg.Prober()
	if prober == nil {
		e.monitor.SetOnline()
		return
	}
	r, err := prober.Probe(ctx)
	if err != nil {
		slog.Debug("connectivity probe failed", "target", e.cfg.Probe.Target, "error", err)
		r = connectivity.Reading{Reachable: false}
	}
	e.monitor.Observe(r)
}

// Close releases the database.
func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

func newClient(cfg config.Config) remote.NetworkClient {
	if cfg.Remote.Endpoint == "" {
		return remote.ClientFunc(func(ctx context.Context, m mutation.Mutation) error {
			return remote.NewConnectivityError(errNoEndpoint)
		})
	}
	opts := []remote.HTTPOption{remote.WithDevice(cfg.Device)}
	if cfg.Remote.Token != "" {
		opts = append(opts, remote.WithBearerToken(cfg.Remote.Token))
	}
	return remote.NewHTTPClient(cfg.Remote.Endpoint, opts...)
}

// requireEndpoint fails commands that talk to the remote.
func requireEndpoint(cfg config.Config) error {
	if cfg.Remote.Endpoint == "" {
		return WrapExitError(ExitCommandError, "remote endpoint is required (remote.endpoint or INVSYNC_ENDPOINT)", errNoEndpoint)
	}
	return nil
}
