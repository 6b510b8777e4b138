package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/clock"
)

// waitPollInterval is how often WaitForHealthy re-checks the registry; this
// is a coarse, infrequent poll, unlike the C1 ring's 1ms poll —
// there is no hot path waiting on agent readiness.
const waitPollInterval = 200 * time.Millisecond

// Registry is the in-memory agent directory. Reads (lookups, every publish's
// subscriber resolution) are expected to vastly outnumber writes
// (registration, health updates), so it is guarded by a single
// sync.RWMutex — the same discipline the fabric's lock-order rule assumes
// (Discovery's lock is acquired before any Router or RBAC lock).
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu         sync.RWMutex
	byID       map[uint32]*Record
	byName     map[string]uint32
	byKind     map[Kind]map[uint32]struct{}
	byCapability map[string]map[uint32]struct{}
	nextID     uint32

	clock  clock.Clock
	logger *zap.Logger
}

// New creates an empty Registry.
func New(clk clock.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		byID:         make(map[uint32]*Record),
		byName:       make(map[string]uint32),
		byKind:       make(map[Kind]map[uint32]struct{}),
		byCapability: make(map[string]map[uint32]struct{}),
		clock:        clk,
		logger:       logger.Named("discovery"),
	}
}

// Register assigns a new, never-reused id to an agent and inserts it into
// every index. name must be unique across the registry's process lifetime
// for as long as the previous holder remains registered.
func (r *Registry) Register(name string, kind Kind, caps []Capability, endpoints []Endpoint) (uint32, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: name must not be empty", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return 0, ErrAlreadyExists
	}

	r.nextID++
	id := r.nextID

	rec := &Record{
		ID:           id,
		Name:         name,
		Kind:         kind,
		Capabilities: append([]Capability(nil), caps...),
		Endpoints:    append([]Endpoint(nil), endpoints...),
		Lifecycle:    LifecycleInitializing,
		RegisteredAt: r.clock.Now(),
		Health: Health{
			LastHeartbeat: r.clock.Now(),
		},
	}

	r.byID[id] = rec
	r.byName[name] = id
	r.indexInsert(rec)

	r.logger.Info("agent registered",
		zap.String("trace_id", uuid.NewString()),
		zap.Uint32("agent_id", id),
		zap.String("name", name),
		zap.Int("total_registered", len(r.byID)),
	)
	return id, nil
}

func (r *Registry) indexInsert(rec *Record) {
	if r.byKind[rec.Kind] == nil {
		r.byKind[rec.Kind] = make(map[uint32]struct{})
	}
	r.byKind[rec.Kind][rec.ID] = struct{}{}

	for _, c := range rec.Capabilities {
		if r.byCapability[c.Name] == nil {
			r.byCapability[c.Name] = make(map[uint32]struct{})
		}
		r.byCapability[c.Name][rec.ID] = struct{}{}
	}
}

func (r *Registry) indexRemove(rec *Record) {
	delete(r.byKind[rec.Kind], rec.ID)
	if len(r.byKind[rec.Kind]) == 0 {
		delete(r.byKind, rec.Kind)
	}
	for _, c := range rec.Capabilities {
		delete(r.byCapability[c.Name], rec.ID)
		if len(r.byCapability[c.Name]) == 0 {
			delete(r.byCapability, c.Name)
		}
	}
}

// Unregister removes an agent from every index. Returns ErrNotFound if id is
// not registered.
func (r *Registry) Unregister(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	delete(r.byName, rec.Name)
	r.indexRemove(rec)

	r.logger.Info("agent unregistered",
		zap.Uint32("agent_id", id),
		zap.String("name", rec.Name),
		zap.Int("total_registered", len(r.byID)),
	)
	return nil
}

// LookupByName resolves an agent's current record by its registered name.
func (r *Registry) LookupByName(name string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *r.byID[id], nil
}

// LookupByID resolves an agent's current record by its numeric id.
func (r *Registry) LookupByID(id uint32) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// LookupByType returns the first healthy agent of the given kind: state in
// {Active, Degraded} with a heartbeat within staleAfter of now. Among
// healthy candidates the tie-break is deterministic — lowest load factor
// first, then lowest id (ids are assigned in strictly increasing order at
// registration and never reused, so ascending id is insertion order).
// Returns ErrNotFound if no healthy match exists.
func (r *Registry) LookupByType(kind Kind, staleAfter time.Duration) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	var best *Record
	for id := range r.byKind[kind] {
		rec := r.byID[id]
		if !isHealthyRecord(rec, now, staleAfter) {
			continue
		}
		if best == nil ||
			rec.Health.LoadFactor < best.Health.LoadFactor ||
			(rec.Health.LoadFactor == best.Health.LoadFactor && rec.ID < best.ID) {
			best = rec
		}
	}
	if best == nil {
		return Record{}, ErrNotFound
	}
	return *best, nil
}

// LookupByCapability returns every registered agent advertising the named
// capability.
func (r *Registry) LookupByCapability(name string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byCapability[name]
	out := make([]Record, 0, len(ids))
	for id := range ids {
		out = append(out, *r.byID[id])
	}
	return out
}

// UpdateHealth replaces an agent's health snapshot and, when provided a
// non-Initializing lifecycle, advances its lifecycle state. Called on every
// heartbeat.
func (r *Registry) UpdateHealth(id uint32, health Health, lifecycle Lifecycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.Health = health
	if lifecycle != LifecycleInitializing {
		rec.Lifecycle = lifecycle
	}
	return nil
}

// IsHealthy reports whether id is registered, in the Active or Degraded
// lifecycle state (both still serve traffic per the lifecycle model — only
// Unavailable/Failed/ShuttingDown/Initializing are unhealthy), and its last
// heartbeat is within staleAfter of now.
func (r *Registry) IsHealthy(id uint32, staleAfter time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return false
	}
	return isHealthyRecord(rec, r.clock.Now(), staleAfter)
}

// isHealthyRecord is the shared healthiness predicate used by IsHealthy and
// LookupByType so the two never drift apart.
func isHealthyRecord(rec *Record, now time.Time, staleAfter time.Duration) bool {
	if rec.Lifecycle != LifecycleActive && rec.Lifecycle != LifecycleDegraded {
		return false
	}
	return now.Sub(rec.Health.LastHeartbeat) <= staleAfter
}

// Snapshot returns a point-in-time copy of every registered agent.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, *rec)
	}
	return out
}

// WaitForHealthy blocks until id is healthy or ctx is cancelled. It polls
// rather than blocking on a condition variable so the caller's cancellation
// is observed promptly without the registry needing to track waiters.
func (r *Registry) WaitForHealthy(ctx context.Context, id uint32, staleAfter time.Duration) error {
	for {
		if r.IsHealthy(id, staleAfter) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("discovery: timed out waiting for agent %d: %w", id, ctx.Err())
		case <-time.After(waitPollInterval):
		}
	}
}

// SweepStale marks agents whose heartbeat is older than staleAfter as
// Unavailable, rather than removing them outright — unregistration is an
// explicit operation an agent (or its harness) performs on clean shutdown.
func (r *Registry) SweepStale(staleAfter time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	marked := 0
	for _, rec := range r.byID {
		if (rec.Lifecycle == LifecycleActive || rec.Lifecycle == LifecycleDegraded) && now.Sub(rec.Health.LastHeartbeat) > staleAfter {
			rec.Lifecycle = LifecycleUnavailable
			marked++
		}
	}
	if marked > 0 {
		r.logger.Warn("marked agents unavailable after stale heartbeat", zap.Int("count", marked))
	}
	return marked
}
