package resourceapi

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// memStore is a minimal in-memory Store used to exercise the HTTP layer
// without a database, the same role httptest + an in-memory fake plays in
// the teacher's rest_items_test.go.
type memStore struct {
	mu    sync.Mutex
	items map[string]map[string]any
	order []string
	seq   int64
}

func newMemStore() *memStore {
	return &memStore{items: map[string]map[string]any{}}
}

func (m *memStore) List(ctx context.Context, q ListQuery) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]map[string]any, 0, len(m.order))
	ids := append([]string(nil), m.order...)
	sort.Strings(ids)
	for _, id := range ids {
		items = append(items, m.items[id])
	}
	return Page{Items: items, Seq: m.seq}, nil
}

func (m *memStore) Get(ctx context.Context, owner, id string) (map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[id]
	return v, ok, nil
}

func (m *memStore) Count(ctx context.Context, owner, filter string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}

func (m *memStore) Aggregate(ctx context.Context, owner string, params map[string]string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (m *memStore) Search(ctx context.Context, owner, query string, limit int) ([]map[string]any, error) {
	return nil, nil
}

func (m *memStore) Create(ctx context.Context, owner string, payload map[string]any, optimisticID, idempotencyKey string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	item := map[string]any{"id": id}
	for k, v := range payload {
		item[k] = v
	}
	m.items[id] = item
	m.order = append(m.order, id)
	m.seq++
	return item, nil
}

func (m *memStore) Patch(ctx context.Context, owner, id string, payload map[string]any, ifMatch string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.items[id]
	if !ok {
		return nil, ErrPreconditionFailed
	}
	for k, v := range payload {
		existing[k] = v
	}
	m.seq++
	return existing, nil
}

func (m *memStore) Replace(ctx context.Context, owner, id string, payload map[string]any, ifMatch string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload["id"] = id
	m.items[id] = payload
	m.seq++
	return payload, nil
}

func (m *memStore) Delete(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.seq++
	return nil
}
