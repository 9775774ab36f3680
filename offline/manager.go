// Package offline implements the Offline Manager (C3): the durable queue
// of pending writes, enqueue-time dedup/merge, ordered retrying sync, and
// conflict resolution described in spec.md §4.3. It is the core of the
// core — every other client piece (livequery, reconciler fusion hooks)
// depends on it, never the reverse.
package offline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kahveciderin/concave/mutationstore"
	"github.com/rs/zerolog/log"
)

// SyncResult is what a SyncHandler returns for a mutation it accepted.
type SyncResult struct {
	ServerID string // empty if the mutation's own id should be kept
}

// SyncHandler performs the actual network write for a single (already
// remapped) mutation. It returns a *ConflictError to route into conflict
// resolution, or any other error for the generic retry path.
type SyncHandler func(ctx context.Context, m mutationstore.Mutation) (SyncResult, error)

// Callbacks are the background-event hooks spec.md §7 names explicitly.
// Any of them may be nil.
type Callbacks struct {
	OnIDRemapped    func(optID, srvID string)
	OnMutationFailed func(m mutationstore.Mutation, err error)
	OnSyncComplete  func()
}

// Config configures a Manager.
type Config struct {
	Store         mutationstore.Store
	Sync          SyncHandler
	Policy        Policy
	Resolver      Resolver // overrides Policy's default when non-nil
	MaxRetries    int
	DedupeWindow  time.Duration
	Callbacks     Callbacks
}

// Manager is the Offline Manager (C3).
type Manager struct {
	store        mutationstore.Store
	sync         SyncHandler
	resolver     Resolver
	maxRetries   int
	dedupeWindow time.Duration
	callbacks    Callbacks

	ids *IDMap

	syncing atomic.Bool
	online  atomic.Bool

	mu          sync.Mutex
	pendingMore bool // a mutation arrived while a sync loop was already running
}

// New constructs a Manager. Defaults: MaxRetries=5, DedupeWindow=5s,
// Policy=ServerWins (spec.md §4.3.1/§4.3.3).
func New(cfg Config) *Manager {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	window := cfg.DedupeWindow
	if window == 0 {
		window = 5 * time.Second
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = defaultResolver(cfg.Policy)
	}

	m := &Manager{
		store:        cfg.Store,
		sync:         cfg.Sync,
		resolver:     resolver,
		maxRetries:   maxRetries,
		dedupeWindow: window,
		callbacks:    cfg.Callbacks,
		ids:          newIDMap(),
	}
	m.online.Store(true)
	return m
}

func newID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

func newIdempotencyKey(typ mutationstore.Type, resource, objectID string, ts time.Time) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s:%s:%s:%d:%s", typ, resource, objectID, ts.UnixNano(), hex.EncodeToString(buf[:]))
}

// QueueMutation implements the enqueue algorithm, spec.md §4.3.1.
func (m *Manager) QueueMutation(ctx context.Context, typ mutationstore.Type, resource string, payload map[string]any, objectID, optimisticID string) (string, error) {
	now := time.Now()

	if typ == mutationstore.Create && optimisticID == "" {
		optimisticID = newID("opt")
	}

	effectiveObjectID := objectID
	if typ == mutationstore.Create {
		effectiveObjectID = optimisticID
	}

	candidate := mutationstore.Mutation{
		MutationID:     newID("mut"),
		IdempotencyKey: newIdempotencyKey(typ, resource, effectiveObjectID, now),
		Type:           typ,
		Resource:       resource,
		Payload:        payload,
		ObjectID:       objectID,
		OptimisticID:   optimisticID,
		Timestamp:      now,
		Status:         mutationstore.Pending,
	}

	existing, err := m.store.List(ctx)
	if err != nil {
		return "", err
	}

	decision, targetID := m.mergeDecision(candidate, existing, now)
	switch decision {
	case decisionSkip:
		return targetID, nil
	case decisionMerge:
		merged := shallowMerge(mustPayload(existing, targetID), payload)
		if err := m.store.Update(ctx, targetID, func(mu *mutationstore.Mutation) {
			mu.Payload = merged
			mu.Timestamp = now
		}); err != nil {
			return "", err
		}
		if m.online.Load() {
			go m.SyncPending(context.Background())
		}
		return targetID, nil
	default: // none
		if err := m.store.Add(ctx, candidate); err != nil {
			return "", err
		}
		if m.online.Load() {
			go m.SyncPending(context.Background())
		}
		return candidate.MutationID, nil
	}
}

type mergeDecisionKind int

const (
	decisionNone mergeDecisionKind = iota
	decisionSkip
	decisionMerge
)

// mergeDecision implements spec.md §4.3.1 step 2, in the documented order.
func (m *Manager) mergeDecision(candidate mutationstore.Mutation, existing []mutationstore.Mutation, now time.Time) (mergeDecisionKind, string) {
	for _, e := range existing {
		if e.MutationID == candidate.MutationID {
			continue
		}
		if e.Status != mutationstore.Pending && e.Status != mutationstore.Failed {
			continue
		}
		if e.IdempotencyKey == candidate.IdempotencyKey {
			return decisionSkip, e.MutationID
		}
		withinWindow := now.Sub(e.Timestamp) <= m.dedupeWindow
		if !withinWindow {
			continue
		}
		switch {
		case candidate.Type == mutationstore.Create && e.Type == mutationstore.Create &&
			e.Resource == candidate.Resource && e.OptimisticID == candidate.OptimisticID:
			return decisionSkip, e.MutationID
		case candidate.Type == mutationstore.Update && e.Type == mutationstore.Update &&
			e.Resource == candidate.Resource && e.ObjectID == candidate.ObjectID:
			return decisionMerge, e.MutationID
		case candidate.Type == mutationstore.Delete && e.Type == mutationstore.Delete &&
			e.Resource == candidate.Resource && e.ObjectID == candidate.ObjectID:
			return decisionSkip, e.MutationID
		}
	}
	return decisionNone, ""
}

func mustPayload(muts []mutationstore.Mutation, id string) map[string]any {
	for _, mu := range muts {
		if mu.MutationID == id {
			return mu.Payload
		}
	}
	return nil
}

// ResolveID returns the mapped server id for x if present, else x.
func (m *Manager) ResolveID(x string) string { return m.ids.Resolve(x) }

// RegisterIDMapping records optID -> srvID; no-op when equal; fires
// OnIDRemapped otherwise.
func (m *Manager) RegisterIDMapping(optID, srvID string) {
	if m.ids.Register(optID, srvID) {
		if m.callbacks.OnIDRemapped != nil {
			m.callbacks.OnIDRemapped(optID, srvID)
		}
	}
}

// HasPendingFor reports whether a pending mutation still targets objectID
// (consumed by the reconciler's fusion rule, spec.md §4.4.3).
func (m *Manager) HasPendingFor(ctx context.Context, objectID string) bool {
	muts, err := m.store.List(ctx)
	if err != nil {
		return false
	}
	for _, mu := range muts {
		if mu.ObjectID == objectID && (mu.Status == mutationstore.Pending || mu.Status == mutationstore.Processing) {
			return true
		}
	}
	return false
}

// PendingPayloadFor returns the payload of the most recent pending/
// processing mutation touching objectID, used to compute field precedence
// for the reconciler's merge-with-pending rule.
func (m *Manager) PendingPayloadFor(ctx context.Context, objectID string) map[string]any {
	muts, err := m.store.List(ctx)
	if err != nil {
		return nil
	}
	var latest *mutationstore.Mutation
	for i := range muts {
		mu := &muts[i]
		if mu.ObjectID != objectID {
			continue
		}
		if mu.Status != mutationstore.Pending && mu.Status != mutationstore.Processing {
			continue
		}
		if latest == nil || mu.Timestamp.After(latest.Timestamp) {
			latest = mu
		}
	}
	if latest == nil {
		return nil
	}
	return latest.Payload
}

// ClearMutations empties the queue and the id map (spec.md §3 Id-Map
// lifetime: cleared with the queue).
func (m *Manager) ClearMutations(ctx context.Context) error {
	m.ids.Clear()
	return m.store.Clear(ctx)
}

func (m *Manager) GetPendingMutations(ctx context.Context) ([]mutationstore.Mutation, error) {
	return m.store.List(ctx)
}

func (m *Manager) GetIDMappings() map[string]string { return m.ids.All() }

// SetOnline pushes the host's one-bit connectivity signal. A false->true
// transition triggers SyncPending; the manager never polls for
// connectivity itself (spec.md §4.3.5).
func (m *Manager) SetOnline(online bool) {
	was := m.online.Swap(online)
	if online && !was {
		go m.SyncPending(context.Background())
	}
}

func (m *Manager) IsOnline() bool { return m.online.Load() }

// SyncPending implements the sync algorithm, spec.md §4.3.2. At most one
// run is ever in flight; a concurrent caller sets the pendingMore latch and
// returns immediately, and the running loop then makes another pass, so
// anything queued meanwhile is picked up before that run returns.
func (m *Manager) SyncPending(ctx context.Context) {
	if m.sync == nil || !m.online.Load() {
		return
	}
	if !m.syncing.CompareAndSwap(false, true) {
		m.mu.Lock()
		m.pendingMore = true
		m.mu.Unlock()
		return
	}
	defer m.syncing.Store(false)

	for {
		m.runOnce(ctx)

		m.mu.Lock()
		again := m.pendingMore
		m.pendingMore = false
		m.mu.Unlock()
		if !again {
			break
		}
	}

	if m.callbacks.OnSyncComplete != nil {
		m.callbacks.OnSyncComplete()
	}
}

func (m *Manager) runOnce(ctx context.Context) {
	muts, err := m.store.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("offline: failed to load pending mutations")
		return
	}

	var runnable []mutationstore.Mutation
	for _, mu := range muts {
		if mu.Status == mutationstore.Pending || mu.Status == mutationstore.Failed {
			runnable = append(runnable, mu)
		}
	}
	sort.SliceStable(runnable, func(i, j int) bool {
		return runnable[i].Timestamp.Before(runnable[j].Timestamp)
	})

	for _, mu := range runnable {
		if mu.RetryCount >= m.maxRetries {
			continue // retained for inspection, per spec.md §4.3.4
		}
		m.syncOne(ctx, mu)
	}
}

func (m *Manager) syncOne(ctx context.Context, mu mutationstore.Mutation) {
	_ = m.store.Update(ctx, mu.MutationID, func(target *mutationstore.Mutation) {
		target.Status = mutationstore.Processing
	})

	remapped := mu.Clone()
	remapped.ObjectID = m.ids.Resolve(mu.ObjectID)
	remapped.Payload = deepRemapPayload(mu.Payload, m.ids)

	result, err := m.sync(ctx, remapped)
	if err != nil {
		var conflict *ConflictError
		if ce, ok := err.(*ConflictError); ok {
			conflict = ce
		}
		if conflict != nil {
			m.handleConflict(ctx, mu, conflict)
			return
		}

		_ = m.store.Update(ctx, mu.MutationID, func(target *mutationstore.Mutation) {
			target.Status = mutationstore.Failed
			target.RetryCount++
			target.LastError = err.Error()
		})
		if m.callbacks.OnMutationFailed != nil {
			m.callbacks.OnMutationFailed(mu, err)
		}
		return
	}

	if result.ServerID != "" && result.ServerID != mu.OptimisticID {
		m.RegisterIDMapping(mu.OptimisticID, result.ServerID)
	}
	_ = m.store.Remove(ctx, mu.MutationID)
}

func (m *Manager) handleConflict(ctx context.Context, mu mutationstore.Mutation, conflict *ConflictError) {
	res := m.resolver(mu, conflict.State)
	switch res.Kind {
	case Discard:
		_ = m.store.Remove(ctx, mu.MutationID)
	case Retry:
		_ = m.store.Update(ctx, mu.MutationID, func(target *mutationstore.Mutation) {
			target.Status = mutationstore.Pending
			target.RetryCount++
		})
	case Replace:
		now := time.Now()
		newType := mu.Type
		if res.RetryWith != "" {
			newType = res.RetryWith
		}
		_ = m.store.Update(ctx, mu.MutationID, func(target *mutationstore.Mutation) {
			target.Payload = res.Data
			target.Type = newType
			target.IdempotencyKey = newIdempotencyKey(newType, target.Resource, target.ObjectID, now)
			target.RetryCount++
			target.Status = mutationstore.Pending
		})
	}
}
