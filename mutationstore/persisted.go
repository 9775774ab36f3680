package mutationstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// BlobStore is the pluggable key/value backing a Persisted store. A single
// key holds the whole JSON array (spec.md §6) — the contract leaves room
// for a chunked strategy later (spec.md Open Question b), so this
// interface, not a concrete file format, is what Persisted depends on.
type BlobStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
}

// Persisted is the durable Store implementation: one key holds a JSON
// array of mutations, rewritten wholesale on every mutation (spec.md Open
// Question b explicitly allows this as the baseline strategy). A parse
// failure on read yields an empty list, never a crash (spec.md §6).
type Persisted struct {
	mu    sync.Mutex
	blobs BlobStore
	key   string
}

// NewPersisted constructs a Persisted store backed by blobs, keyed by key.
func NewPersisted(blobs BlobStore, key string) *Persisted {
	return &Persisted{blobs: blobs, key: key}
}

func (p *Persisted) load(ctx context.Context) ([]Mutation, error) {
	data, err := p.blobs.Read(ctx, p.key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var muts []Mutation
	if err := json.Unmarshal(data, &muts); err != nil {
		return nil, nil // malformed blob -> empty list, not an error
	}
	return muts, nil
}

func (p *Persisted) save(ctx context.Context, muts []Mutation) error {
	data, err := json.Marshal(muts)
	if err != nil {
		return err
	}
	return p.blobs.Write(ctx, p.key, data)
}

func (p *Persisted) List(ctx context.Context) ([]Mutation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	muts, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Mutation, len(muts))
	for i, m := range muts {
		out[i] = m.Clone()
	}
	return out, nil
}

func (p *Persisted) Add(ctx context.Context, m Mutation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	muts, err := p.load(ctx)
	if err != nil {
		return err
	}
	muts = append(muts, m.Clone())
	return p.save(ctx, muts)
}

func (p *Persisted) Update(ctx context.Context, id string, apply func(*Mutation)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	muts, err := p.load(ctx)
	if err != nil {
		return err
	}
	for i := range muts {
		if muts[i].MutationID == id {
			apply(&muts[i])
			return p.save(ctx, muts)
		}
	}
	return nil
}

func (p *Persisted) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	muts, err := p.load(ctx)
	if err != nil {
		return err
	}
	for i := range muts {
		if muts[i].MutationID == id {
			muts = append(muts[:i], muts[i+1:]...)
			return p.save(ctx, muts)
		}
	}
	return nil
}

func (p *Persisted) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.save(ctx, nil)
}

// FileBlobStore is a BlobStore backed by one file per key, under Dir. It is
// the concrete adapter used outside a browser/mobile runtime; no example in
// the pack ships a platform storage shim, so this one piece is plain
// stdlib (os), noted in DESIGN.md.
type FileBlobStore struct {
	Dir string
}

func (f FileBlobStore) path(key string) string {
	return filepath.Join(f.Dir, key+".json")
}

func (f FileBlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (f FileBlobStore) Write(ctx context.Context, key string, data []byte) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.path(key), data, 0o644)
}
