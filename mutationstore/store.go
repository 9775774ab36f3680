package mutationstore

import "context"

// Store is the mutation-queue contract. list() must not expose the internal
// buffer; update on a missing id is a no-op — both per spec.md §4.2.
type Store interface {
	List(ctx context.Context) ([]Mutation, error)
	Add(ctx context.Context, m Mutation) error
	Update(ctx context.Context, id string, apply func(*Mutation)) error
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}
