package mutationstore

import (
	"context"
	"sync"
)

// Volatile is the process-only Store implementation: an ordered slice
// guarded by a mutex. List returns a defensive copy, the same discipline
// the teacher applies to its session attachment lists
// (mcpserver/server.SessionManager.ListAttachments).
type Volatile struct {
	mu        sync.Mutex
	mutations []Mutation
}

// NewVolatile constructs an empty in-memory store.
func NewVolatile() *Volatile {
	return &Volatile{}
}

func (v *Volatile) List(ctx context.Context) ([]Mutation, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Mutation, len(v.mutations))
	for i, m := range v.mutations {
		out[i] = m.Clone()
	}
	return out, nil
}

func (v *Volatile) Add(ctx context.Context, m Mutation) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mutations = append(v.mutations, m.Clone())
	return nil
}

func (v *Volatile) Update(ctx context.Context, id string, apply func(*Mutation)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.mutations {
		if v.mutations[i].MutationID == id {
			apply(&v.mutations[i])
			return nil
		}
	}
	return nil // no-op on missing id, per spec
}

func (v *Volatile) Remove(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.mutations {
		if v.mutations[i].MutationID == id {
			v.mutations = append(v.mutations[:i], v.mutations[i+1:]...)
			return nil
		}
	}
	return nil
}

func (v *Volatile) Clear(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mutations = nil
	return nil
}
