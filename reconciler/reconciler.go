package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Source is the event feed a Reconciler drains — the client's decoded
// adapter over an SSE connection (transport.EventStream, decoded into
// Events by the caller). Keeping this a narrow interface, not a concrete
// transport type, is what lets the reconciler be tested with pure stubs
// (spec.md §9 design note: inject lookups as functions, not a shared
// object — the same discipline extended to the event source itself).
type Source interface {
	Events() <-chan Event
	Err() error
	Close()
}

// BootstrapFunc performs the initial (or post-invalidate) paginated list
// fetch. It returns the full item set and the seq to resume SSE from.
type BootstrapFunc func(ctx context.Context) (items []map[string]any, resumeSeq int64, err error)

// OpenSourceFunc opens a new event Source, resuming from resumeFrom when
// the server supports it.
type OpenSourceFunc func(ctx context.Context, resumeFrom int64) (Source, error)

// Hooks are the three lookups the Offline Manager exposes, injected as plain
// function values per spec.md §4.4.3/§9.
type Hooks struct {
	ResolveID       func(id string) string
	HasPendingFor   func(objectID string) bool
	PendingPayload  func(objectID string) map[string]any
}

// Config configures a Reconciler.
type Config struct {
	Bootstrap     BootstrapFunc
	OpenSource    OpenSourceFunc
	Hooks         Hooks
	MaxReconnects int // default 10

	OnConnected    func(seq int64)
	OnDisconnected func()
	OnError        func(err error)
}

// Reconciler is the Subscription Reconciler (C4).
type Reconciler struct {
	bootstrap     BootstrapFunc
	openSource    OpenSourceFunc
	hooks         Hooks
	maxReconnects int

	onConnected    func(seq int64)
	onDisconnected func()
	onError        func(err error)

	mu       sync.Mutex
	items    *orderedItems
	status   Status
	lastSeq  int64
	lastErr  error

	listeners []func(Snapshot)

	online   bool
	attempts int

	cancel context.CancelFunc
	source Source
}

// New constructs a Reconciler. Call Start to begin the loading→ready
// lifecycle.
func New(cfg Config) *Reconciler {
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}
	return &Reconciler{
		bootstrap:     cfg.Bootstrap,
		openSource:    cfg.OpenSource,
		hooks:         cfg.Hooks,
		maxReconnects: maxReconnects,
		onConnected:   cfg.OnConnected,
		onDisconnected: cfg.OnDisconnected,
		onError:       cfg.OnError,
		items:         newOrderedItems(),
		status:        Loading,
		online:        true,
	}
}

// Subscribe registers a listener invoked on every state transition. It
// returns an unsubscribe function.
func (r *Reconciler) Subscribe(fn func(Snapshot)) func() {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	idx := len(r.listeners) - 1
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.listeners[idx] = nil
		r.mu.Unlock()
	}
}

func (r *Reconciler) notify() {
	snap := r.snapshotLocked()
	for _, fn := range r.listeners {
		if fn != nil {
			fn(snap)
		}
	}
}

func (r *Reconciler) snapshotLocked() Snapshot {
	return Snapshot{
		Items:   r.items.slice(),
		Status:  r.status,
		LastSeq: r.lastSeq,
		Err:     r.lastErr,
	}
}

// GetSnapshot returns the current state.
func (r *Reconciler) GetSnapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Lookup returns the current snapshot entry for id, if present — used by
// callers building an optimistic patch on top of the last known object.
func (r *Reconciler) Lookup(id string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items.get(id)
}

// ApplyLocal inserts or replaces an entry outside the server event stream.
// This is the synchronous half of an optimistic write (spec.md §4.5,
// §9): a Query's Create/Update calls this before the mutation is queued
// or sent, so the caller's own snapshot reflects the change immediately
// instead of waiting for it to round-trip through the server.
func (r *Reconciler) ApplyLocal(id string, obj map[string]any) {
	r.mu.Lock()
	r.items.upsert(id, obj)
	if r.status == Loading {
		r.status = Ready
	}
	r.notify()
	r.mu.Unlock()
}

// RemoveLocal removes an entry outside the server event stream — the
// synchronous half of an optimistic delete.
func (r *Reconciler) RemoveLocal(id string) {
	r.mu.Lock()
	r.items.remove(id)
	r.notify()
	r.mu.Unlock()
}

// Start performs the bootstrap fetch and opens the SSE connection.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	go r.bootstrapAndConnect(ctx)
}

func (r *Reconciler) bootstrapAndConnect(ctx context.Context) {
	r.mu.Lock()
	r.status = Loading
	r.notify()
	r.mu.Unlock()

	items, resumeSeq, err := r.bootstrap(ctx)
	if err != nil {
		r.mu.Lock()
		r.status = Error
		r.lastErr = err
		r.notify()
		r.mu.Unlock()
		if r.onError != nil {
			r.onError(err)
		}
		return
	}

	r.mu.Lock()
	r.items.clear()
	for _, it := range items {
		id := itemID(it)
		if id != "" {
			r.items.upsert(id, it)
		}
	}
	r.lastSeq = resumeSeq
	r.status = Ready
	r.notify()
	r.mu.Unlock()

	r.connect(ctx, resumeSeq)
}

func (r *Reconciler) connect(ctx context.Context, resumeFrom int64) {
	src, err := r.openSource(ctx, resumeFrom)
	if err != nil {
		r.scheduleReconnect(ctx, err)
		return
	}

	r.mu.Lock()
	r.source = src
	r.attempts = 0
	r.status = Ready
	r.notify()
	r.mu.Unlock()
	if r.onConnected != nil {
		r.onConnected(resumeFrom)
	}

	for ev := range src.Events() {
		r.apply(ev)
	}

	if !r.online {
		return // SetOnline(false) closed the source deliberately
	}

	if err := src.Err(); err != nil {
		r.scheduleReconnect(ctx, err)
		return
	}
	// Channel closed without error: server ended the stream cleanly.
	r.scheduleReconnect(ctx, nil)
}

func (r *Reconciler) scheduleReconnect(ctx context.Context, cause error) {
	r.mu.Lock()
	if !r.online {
		r.mu.Unlock()
		return
	}
	r.attempts++
	attempts := r.attempts
	if attempts > r.maxReconnects {
		r.status = Error
		r.lastErr = cause
		r.notify()
		r.mu.Unlock()
		if r.onError != nil {
			r.onError(cause)
		}
		return
	}
	r.status = Reconnecting
	lastSeq := r.lastSeq
	r.notify()
	r.mu.Unlock()

	if r.onDisconnected != nil {
		r.onDisconnected()
	}

	delay := backoffDelay(attempts)
	log.Debug().Int("attempt", attempts).Dur("delay", delay).Msg("reconciler: scheduling reconnect")

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	r.connect(ctx, lastSeq)
}

// backoffDelay computes the wait before the 1-based reconnect attempt,
// min(1s*2^(attempt-1), 30s) — 1s, 2s, 4s, ... — via cenkalti/backoff's
// exponential policy, clamped to the spec's bound (spec.md §4.4.4).
func backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// SetOnline mirrors the host connectivity signal: going offline tears down
// the connection and defers reconnects until back online (spec.md §4.4.1
// Offline state).
func (r *Reconciler) SetOnline(ctx context.Context, online bool) {
	r.mu.Lock()
	was := r.online
	r.online = online
	if !online {
		r.status = Offline
		src := r.source
		r.source = nil
		r.notify()
		r.mu.Unlock()
		if src != nil {
			src.Close()
		}
		return
	}
	r.mu.Unlock()

	if online && !was {
		go r.connect(ctx, r.GetSnapshot().LastSeq)
	}
}

// apply folds one Event into the ordered snapshot per spec.md §4.4.2's five
// rules, applying the fusion hooks so a pending local mutation is never
// clobbered by a server event that hasn't caught up to it yet.
func (r *Reconciler) apply(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Kind != Existing && ev.Seq != 0 {
		if ev.Seq <= r.lastSeq {
			return // duplicate or out-of-order redelivery, I5
		}
		r.lastSeq = ev.Seq
	}

	switch ev.Kind {
	case Existing, Added, Changed:
		id := ev.ID
		if id == "" {
			id = itemID(ev.Object)
		}
		if id == "" {
			return
		}
		obj := ev.Object
		if r.hooks.HasPendingFor != nil && r.hooks.HasPendingFor(id) {
			if pending := r.hooks.PendingPayload(id); pending != nil {
				obj = mergeOverlay(obj, pending)
			}
		}
		if ev.Kind == Changed && ev.Meta.PreviousID != "" && ev.Meta.PreviousID != id {
			r.items.remove(ev.Meta.PreviousID)
		}
		r.retireOptimisticLocked(ev.Meta.OptimisticID, id)
		r.items.upsert(id, obj)

	case Removed:
		id := ev.ID
		if id == "" {
			id = itemID(ev.Object)
		}
		if id == "" {
			return
		}
		r.items.remove(id)

	case Invalidate:
		// Full refetch: drop the in-memory view and re-bootstrap. The
		// caller observes this as a transient Loading state.
		r.status = Loading
		r.notify()
		go r.reinvalidate()
		return
	}

	r.status = Ready
	r.notify()
}

// retireOptimisticLocked removes the optimistic entry a settled added/
// existing/changed item replaces, atomically with the insert that follows
// in apply() (spec.md §4.4.2). When the event names the optimistic id
// explicitly via meta.optimisticId, that's authoritative. Otherwise it
// falls back to hooks.ResolveID (spec.md §4.4.3): any locally-held id that
// the Offline Manager's id map now resolves to the incoming server id is
// the optimistic entry this event settles, and is removed the same way.
// r.mu must already be held.
func (r *Reconciler) retireOptimisticLocked(optimisticID, settledID string) {
	if optimisticID != "" {
		if optimisticID != settledID {
			r.items.remove(optimisticID)
		}
		return
	}
	if r.hooks.ResolveID == nil {
		return
	}
	candidates := append([]string(nil), r.items.order...)
	for _, existingID := range candidates {
		if existingID == settledID {
			continue
		}
		if r.hooks.ResolveID(existingID) == settledID {
			r.items.remove(existingID)
		}
	}
}

func (r *Reconciler) reinvalidate() {
	items, resumeSeq, err := r.bootstrap(context.Background())
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.status = Error
		r.lastErr = err
		r.notify()
		return
	}
	r.items.clear()
	for _, it := range items {
		id := itemID(it)
		if id != "" {
			r.items.upsert(id, it)
		}
	}
	r.lastSeq = resumeSeq
	r.status = Ready
	r.notify()
}

// mergeOverlay shallow-merges a pending local mutation's payload over a
// server-delivered object so unsynced edits survive a reconnaissance event.
func mergeOverlay(server, pending map[string]any) map[string]any {
	out := make(map[string]any, len(server)+len(pending))
	for k, v := range server {
		out[k] = v
	}
	for k, v := range pending {
		out[k] = v
	}
	return out
}

// Destroy cancels pending reconnects, closes the source, and empties the
// snapshot (spec.md §5).
func (r *Reconciler) Destroy() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	src := r.source
	r.source = nil
	r.items.clear()
	r.mu.Unlock()
	if src != nil {
		src.Close()
	}
}
