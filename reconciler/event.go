// Package reconciler implements the Subscription Reconciler (C4): it
// consumes a bootstrap list fetch plus a resumable SSE stream and folds
// both into a single ordered item snapshot, per spec.md §4.4.
package reconciler

// Kind tags an Event's variant.
type Kind string

const (
	Existing   Kind = "existing"
	Added      Kind = "added"
	Changed    Kind = "changed"
	Removed    Kind = "removed"
	Invalidate Kind = "invalidate"
)

// Meta carries the optional metadata the server attaches to an event; only
// OptimisticID (on added) and PreviousID (on changed) are interpreted.
type Meta struct {
	OptimisticID string
	PreviousID   string
	Reason       string
}

// Event is the tagged variant over {added, existing, changed, removed,
// invalidate}, each carrying a monotonically non-decreasing Seq, per
// spec.md §3.
type Event struct {
	Kind Kind
	Seq  int64

	ID     string         // the item id (added/existing/changed/removed)
	Object map[string]any // the item body (added/existing/changed)
	Meta   Meta
}
