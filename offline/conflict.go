package offline

import "github.com/kahveciderin/concave/mutationstore"

// Policy selects the built-in conflict-resolution strategy (spec.md
// §4.3.3). A Resolver callback, when set on Manager, wins over Policy.
type Policy string

const (
	ServerWins Policy = "server-wins"
	ClientWins Policy = "client-wins"
	Manual     Policy = "manual"
)

// ResolutionKind is the tagged variant a Resolver returns: the sync loop
// only ever switches on this — conflict policy is a strategy value, never
// baked into the loop (spec.md §9 design note).
type ResolutionKind string

const (
	Discard ResolutionKind = "discard"
	Retry   ResolutionKind = "retry"
	Replace ResolutionKind = "replace"
)

// Resolution is the result of resolving a conflict.
type Resolution struct {
	Kind ResolutionKind

	// Populated only for Kind == Replace.
	Data      map[string]any
	RetryWith mutationstore.Type // optional: change mutation type among create/update
}

// ServerState is the server's current authoritative state, carried by a
// ConflictError.
type ServerState map[string]any

// Resolver decides how to handle a sync conflict for a given mutation.
type Resolver func(m mutationstore.Mutation, server ServerState) Resolution

// ConflictError is the sentinel error a sync handler returns to signal a
// conflict (spec.md §4.3.3), carrying the server's current State.
type ConflictError struct {
	Message string
	State   ServerState
}

const CodeConflict = "CONFLICT"

func (e *ConflictError) Error() string { return "offline: conflict: " + e.Message }

// defaultResolver implements the three built-in policies. A Manual policy
// with no user Resolver configured discards the mutation rather than
// looping forever, since there is no one to ask.
func defaultResolver(policy Policy) Resolver {
	return func(m mutationstore.Mutation, server ServerState) Resolution {
		switch policy {
		case ClientWins:
			return Resolution{Kind: Replace, Data: m.Payload, RetryWith: m.Type}
		case ServerWins:
			return Resolution{Kind: Discard}
		default: // Manual with no callback: nothing to do but drop it
			return Resolution{Kind: Discard}
		}
	}
}
