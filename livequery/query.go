// Package livequery composes the Transport, Offline Manager, and
// Subscription Reconciler into a single live, optimistic view over one
// resource collection (spec.md §4.5).
package livequery

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kahveciderin/concave/mutationstore"
	"github.com/kahveciderin/concave/offline"
	"github.com/kahveciderin/concave/reconciler"
	"github.com/kahveciderin/concave/transport"
)

// Snapshot is re-exported so callers don't need to import reconciler for
// the return type of GetSnapshot.
type Snapshot = reconciler.Snapshot

// Mutate groups the optimistic write operations for the resource this
// Query watches.
type Mutate struct {
	q *Query
}

// Config wires a Query to its transport, resource path, and (optionally)
// an offline Manager for optimistic writes. Offline is optional: a Query
// with no Manager attached still reconciles live reads and still applies
// writes to its snapshot first, then performs them directly against
// Transport with no queueing or retry.
type Config struct {
	Client   *transport.Client
	Resource string
	Offline  *offline.Manager
	Params   transport.Params
}

// Query is a single live, optimistically-mutable view over one resource
// collection — composing C1 (Transport), C3 (Offline Manager), and C4
// (Reconciler) the way the teacher's HTTPClient composes session, auth,
// and retry into one facade.
type Query struct {
	client   *transport.Client
	resource string
	params   transport.Params
	mgr      *offline.Manager

	rec *reconciler.Reconciler

	mu      sync.Mutex
	started bool
}

// New constructs a Query. Call Start to begin streaming.
func New(cfg Config) *Query {
	q := &Query{
		client:   cfg.Client,
		resource: cfg.Resource,
		params:   cfg.Params,
		mgr:      cfg.Offline,
	}

	hooks := reconciler.Hooks{}
	if q.mgr != nil {
		hooks.ResolveID = q.mgr.ResolveID
		hooks.HasPendingFor = func(id string) bool { return q.mgr.HasPendingFor(context.Background(), id) }
		hooks.PendingPayload = func(id string) map[string]any { return q.mgr.PendingPayloadFor(context.Background(), id) }
	}

	q.rec = reconciler.New(reconciler.Config{
		Bootstrap:  q.bootstrap,
		OpenSource: q.openSource,
		Hooks:      hooks,
	})
	return q
}

// Start begins the bootstrap fetch and SSE subscription.
func (q *Query) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	q.rec.Start(ctx)
}

func (q *Query) bootstrap(ctx context.Context) ([]map[string]any, int64, error) {
	resp, err := q.client.Request(ctx, "GET", "/"+q.resource, q.params, nil, nil)
	if err != nil {
		return nil, 0, err
	}
	var body struct {
		Items []map[string]any `json:"items"`
		Seq   int64             `json:"seq"`
	}
	if err := resp.JSON(&body); err != nil {
		return nil, 0, err
	}
	return body.Items, body.Seq, nil
}

func (q *Query) openSource(ctx context.Context, resumeFrom int64) (reconciler.Source, error) {
	params := transport.Params{}
	for k, v := range q.params {
		params[k] = v
	}
	if resumeFrom > 0 {
		params["resumeFrom"] = fmt.Sprintf("%d", resumeFrom)
	}
	stream, err := q.client.OpenEventStream(ctx, "/"+q.resource+"/subscribe", params)
	if err != nil {
		return nil, err
	}
	return &sseSource{stream: stream}, nil
}

// GetSnapshot returns the reconciler's current ordered item view.
func (q *Query) GetSnapshot() Snapshot {
	snap := q.rec.GetSnapshot()
	if q.mgr != nil {
		pending, _ := q.mgr.GetPendingMutations(context.Background())
		snap.PendingCount = len(pending)
	}
	return snap
}

// Subscribe registers a listener invoked on every snapshot transition. It
// returns an unsubscribe function.
func (q *Query) Subscribe(listener func(Snapshot)) func() {
	return q.rec.Subscribe(listener)
}

// Mutate exposes the Create/Update/Delete operations for this query's
// resource.
func (q *Query) Mutate() Mutate { return Mutate{q: q} }

// Create applies the new item to the reconciler's snapshot synchronously
// — an optimistic entry is a real entry, visible to every listener before
// the write has even been queued (spec.md §4.5, §9) — then queues (or,
// with no offline Manager attached, performs directly) the creation
// against this query's resource.
func (m Mutate) Create(ctx context.Context, payload map[string]any, optimisticID string) (string, error) {
	if optimisticID == "" {
		optimisticID = "opt_" + uuid.New().String()
	}
	local := withID(payload, optimisticID)
	m.q.rec.ApplyLocal(optimisticID, local)

	if m.q.mgr != nil {
		return m.q.mgr.QueueMutation(ctx, mutationstore.Create, m.q.resource, payload, "", optimisticID)
	}
	resp, err := m.q.client.Request(ctx, "POST", "/"+m.q.resource, nil, payload, nil)
	if err != nil {
		m.q.rec.RemoveLocal(optimisticID)
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	_ = resp.JSON(&out)
	if out.ID != "" && out.ID != optimisticID {
		m.q.rec.RemoveLocal(optimisticID)
		m.q.rec.ApplyLocal(out.ID, withID(payload, out.ID))
	}
	return out.ID, nil
}

// Update patches the reconciler's current view of objectID synchronously,
// then queues (or performs directly) the partial update.
func (m Mutate) Update(ctx context.Context, objectID string, payload map[string]any) (string, error) {
	base, _ := m.q.rec.Lookup(objectID)
	m.q.rec.ApplyLocal(objectID, mergeLocal(base, objectID, payload))

	if m.q.mgr != nil {
		return m.q.mgr.QueueMutation(ctx, mutationstore.Update, m.q.resource, payload, objectID, "")
	}
	_, err := m.q.client.Request(ctx, "PATCH", "/"+m.q.resource+"/"+objectID, nil, payload, nil)
	return "", err
}

// Delete removes objectID from the reconciler's snapshot synchronously,
// then queues (or performs directly) the deletion.
func (m Mutate) Delete(ctx context.Context, objectID string) (string, error) {
	m.q.rec.RemoveLocal(objectID)

	if m.q.mgr != nil {
		return m.q.mgr.QueueMutation(ctx, mutationstore.Delete, m.q.resource, nil, objectID, "")
	}
	_, err := m.q.client.Request(ctx, "DELETE", "/"+m.q.resource+"/"+objectID, nil, nil, nil)
	return "", err
}

// withID shallow-copies payload with id set, for a freshly created local
// entry that has no prior snapshot state to build on.
func withID(payload map[string]any, id string) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["id"] = id
	return out
}

// mergeLocal overlays patch onto base (the last known object for id), so an
// optimistic update only touches the fields it names.
func mergeLocal(base map[string]any, id string, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch)+1)
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	out["id"] = id
	return out
}

// Destroy tears down the reconciler's connection and clears its snapshot.
func (q *Query) Destroy() {
	q.rec.Destroy()
}
