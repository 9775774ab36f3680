package resourceapi

import "context"

// Page is the standard paginated response envelope (spec.md §6).
type Page struct {
	Items      []map[string]any `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"`
	HasMore    bool             `json:"hasMore"`
	TotalCount *int64           `json:"totalCount,omitempty"`
	Seq        int64            `json:"seq"`
}

// ListQuery carries the parsed query parameters for a list request
// (spec.md §6: filter, select, include, cursor, limit, orderBy,
// totalCount).
type ListQuery struct {
	Owner      string
	Filter     string
	Select     []string
	Include    []string
	Cursor     string
	Limit      int
	OrderBy    string
	TotalCount bool
}

// Store is the storage contract one resource registers under a name. It
// mirrors the HTTP resource API 1:1 (spec.md §6), leaving persistence
// entirely up to the implementation (SQL, in-memory, remote) the way the
// teacher keeps each sync-entity table behind its own syncservice.
type Store interface {
	List(ctx context.Context, q ListQuery) (Page, error)
	Get(ctx context.Context, owner, id string) (map[string]any, bool, error)
	Count(ctx context.Context, owner, filter string) (int64, error)
	Aggregate(ctx context.Context, owner string, params map[string]string) (map[string]any, error)
	Search(ctx context.Context, owner, query string, limit int) ([]map[string]any, error)

	Create(ctx context.Context, owner string, payload map[string]any, optimisticID, idempotencyKey string) (map[string]any, error)
	Patch(ctx context.Context, owner, id string, payload map[string]any, ifMatch string) (map[string]any, error)
	Replace(ctx context.Context, owner, id string, payload map[string]any, ifMatch string) (map[string]any, error)
	Delete(ctx context.Context, owner, id string) error
}

// BatchStore is an optional extension a Store can implement to accelerate
// /<resource>/batch requests; resourceapi falls back to looping the single
// operations when a Store doesn't implement it.
type BatchStore interface {
	BatchCreate(ctx context.Context, owner string, payloads []map[string]any) ([]map[string]any, error)
	BatchPatch(ctx context.Context, owner string, ids []string, payload map[string]any) ([]map[string]any, error)
	BatchDelete(ctx context.Context, owner string, ids []string) error
}

// RPCStore is an optional extension for /<resource>/rpc/{name} calls.
type RPCStore interface {
	RPC(ctx context.Context, owner, name string, args map[string]any) (any, error)
}

// Subscribable is implemented by a Store that can feed the SSE subscribe
// endpoint. Subscribe registers a listener and returns an unsubscribe
// func; the resourceapi layer owns turning deliveries into wire frames.
type Subscribable interface {
	Subscribe(ctx context.Context, owner string, resumeFrom int64, deliver func(SubscriptionEvent)) (unsubscribe func(), err error)
}

// Event kind constants for SubscriptionEvent.Kind, mirroring reconciler.Kind
// (spec.md §3 Subscription Event) on the wire side of the same five cases.
const (
	KindExisting   = "existing"
	KindAdded      = "added"
	KindChanged    = "changed"
	KindRemoved    = "removed"
	KindInvalidate = "invalidate"
)

// SubscriptionEvent is what a Store publishes for resourceapi to encode as
// an SSE frame (spec.md §6: event types existing/added/changed/removed/
// invalidate).
type SubscriptionEvent struct {
	Kind         string // existing|added|changed|removed|invalidate
	Seq          int64
	ID           string
	Object       map[string]any
	OptimisticID string
	PreviousID   string
	Reason       string
}
