// Package devserver is an in-memory reference implementation of the remote
// mutation endpoint, used by the CLI's devserver command, scenario runs and
// end-to-end tests.
//
// It applies mutations last-writer-checked: a mutation authored before the
// entity's current ModifiedAt is stale and answered with 409 and the
// server's copy. Replays of an Idempotency-Key get the original answer back.
package devserver

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"

	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/remote"
)

// DefaultReplayTTL is how long an idempotency key is remembered.
const DefaultReplayTTL = 24 * time.Hour

const maxBody = 1 << 20

type entity struct {
	payload    json.RawMessage
	modifiedAt time.Time
	deleted    bool
	modifiedBy string
	device     string
}

// Server holds entity state in memory.
//
// Thread-safety: Server is safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	entities map[string]*entity
	replays  *gocache.Cache
	now      mutation.NowFunc
	failures []int
	applied  []string
	device   string
}

// Option configures a Server.
type Option func(*Server)

// WithNow sets the clock used to stamp ModifiedAt.
func WithNow(now mutation.NowFunc) Option {
	return func(s *Server) { s.now = now }
}

// WithReplayTTL sets how long idempotency keys are remembered.
func WithReplayTTL(ttl time.Duration) Option {
	return func(s *Server) { s.replays = gocache.New(ttl, time.Minute) }
}

// WithDevice sets the name reported as ModifiedBy for applied mutations.
func WithDevice(name string) Option {
	return func(s *Server) { s.device = name }
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		entities: make(map[string]*entity),
		replays:  gocache.New(DefaultReplayTTL, time.Minute),
		now:      mutation.SystemNow,
		device:   "devserver",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post(remote.MutationsPath, s.postMutation)
	r.Get("/v1/entities", s.listEntities)
	r.Get("/v1/entities/{id}", s.getEntity)
	return r
}

// Seed sets an entity's server-side state, as if another device wrote it.
func (s *Server) Seed(entityID string, snap mutation.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entityID] = &entity{
		payload:    json.RawMessage(append([]byte(nil), snap.Payload...)),
		modifiedAt: snap.ModifiedAt.UTC(),
		deleted:    snap.Deleted,
		modifiedBy: snap.ModifiedBy,
		device:     snap.Device,
	}
}

// Entity returns the server's copy of entityID.
func (s *Server) Entity(entityID string) (mutation.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return mutation.Snapshot{}, false
	}
	return e.snapshot(), true
}

// Entities returns a copy of every entity, deleted ones included.
func (s *Server) Entities() map[string]mutation.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]mutation.Snapshot, len(s.entities))
	for id, e := range s.entities {
		out[id] = e.snapshot()
	}
	return out
}

// Applied returns the mutation ids applied so far, in order.
func (s *Server) Applied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.applied...)
}

// FailNext makes the next requests fail with the given statuses, one per
// request, before any processing.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

func (e *entity) snapshot() mutation.Snapshot {
	snap := mutation.Snapshot{
		ModifiedAt: e.modifiedAt,
		Deleted:    e.deleted,
		ModifiedBy: e.modifiedBy,
		Device:     e.device,
	}
	if len(e.payload) > 0 {
		snap.Payload = append([]byte(nil), e.payload...)
	}
	return snap
}

type reply struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

func (s *Server) postMutation(w http.ResponseWriter, r *http.Request) {
	if status, ok := s.injectedFailure(); ok {
		writeJSON(w, status, remote.ErrorBody{Error: "injected failure"})
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, remote.ErrorBody{Error: "read body"})
		return
	}
	var in remote.WireMutation
	if err := json.Unmarshal(data, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, remote.ErrorBody{Error: "malformed mutation"})
		return
	}

	key := r.Header.Get(remote.IdempotencyHeader)
	if key == "" {
		key = in.ID
	}
	if key == "" || in.EntityID == "" {
		writeJSON(w, http.StatusBadRequest, remote.ErrorBody{Error: "id and entity_id are required"})
		return
	}
	if _, err := mutation.ParseKind(string(in.Kind)); err != nil {
		writeJSON(w, http.StatusBadRequest, remote.ErrorBody{Error: err.Error()})
		return
	}
	if in.EntityType != "" {
		if _, err := mutation.ParseEntityType(string(in.EntityType)); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, remote.ErrorBody{Error: err.Error()})
			return
		}
	}

	status, body := s.apply(key, in)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// apply runs one mutation under the lock, answering replays from the cache.
func (s *Server) apply(key string, in remote.WireMutation) (int, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.replays.Get(key); ok {
		if rep, ok := v.(reply); ok {
			slog.Debug("idempotent replay", "key", key, "status", rep.Status)
			return rep.Status, rep.Body
		}
	}

	status, payload := s.decide(in)
	body, err := json.Marshal(payload)
	if err != nil {
		return http.StatusInternalServerError, []byte(`{"error":"encode response"}`)
	}

	// Only applied writes are replayable; a conflict or rejection is decided
	// again against current state when the same id is resent.
	if status >= 200 && status < 300 {
		s.replays.Set(key, reply{Status: status, Body: body}, gocache.DefaultExpiration)
	}
	return status, body
}

// decide applies in to the entity map. Caller must hold s.mu.
func (s *Server) decide(in remote.WireMutation) (int, any) {
	e, exists := s.entities[in.EntityID]
	live := exists && !e.deleted

	switch in.Kind {
	case mutation.KindCreate:
		if live {
			return http.StatusConflict, remote.ConflictBody{Server: remote.WireFromSnapshot(e.snapshot())}
		}
	case mutation.KindUpdate:
		if !exists {
			return http.StatusNotFound, remote.ErrorBody{Error: fmt.Sprintf("entity %s not found", in.EntityID)}
		}
		if e.deleted || in.CreatedAt.Before(e.modifiedAt) {
			return http.StatusConflict, remote.ConflictBody{Server: remote.WireFromSnapshot(e.snapshot())}
		}
	case mutation.KindDelete:
		if !live {
			// Deleting something already gone is a success.
			break
		}
		if in.CreatedAt.Before(e.modifiedAt) {
			return http.StatusConflict, remote.ConflictBody{Server: remote.WireFromSnapshot(e.snapshot())}
		}
	}

	now := s.now().UTC()
	next := &entity{modifiedAt: now, modifiedBy: s.device, device: in.Device}
	if in.Kind == mutation.KindDelete {
		next.deleted = true
	} else {
		next.payload = append(json.RawMessage(nil), in.Payload...)
	}
	s.entities[in.EntityID] = next
	s.applied = append(s.applied, in.ID)

	status := http.StatusOK
	if in.Kind == mutation.KindCreate {
		status = http.StatusCreated
	}
	return status, remote.AckBody{ID: in.ID, ModifiedAt: now}
}

func (s *Server) injectedFailure() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return 0, false
	}
	status := s.failures[0]
	s.failures = s.failures[1:]
	return status, true
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.Entity(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, remote.ErrorBody{Error: "not found"})
		return
	}
	writeJSON(w, http.StatusOK, remote.WireFromSnapshot(snap))
}

func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	all := s.Entities()
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{"entities": ids})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}
