package mutationstore

import (
	"context"
	"testing"
	"time"
)

func testMutation(id string) Mutation {
	return Mutation{
		MutationID:     id,
		IdempotencyKey: "idem-" + id,
		Type:           Create,
		Resource:       "/todos",
		Payload:        map[string]any{"title": "A"},
		Timestamp:      time.Now(),
		Status:         Pending,
	}
}

func TestVolatileListReturnsCopy(t *testing.T) {
	ctx := context.Background()
	v := NewVolatile()
	if err := v.Add(ctx, testMutation("m1")); err != nil {
		t.Fatal(err)
	}

	list, err := v.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	list[0].Payload["title"] = "mutated"

	list2, _ := v.List(ctx)
	if list2[0].Payload["title"] != "A" {
		t.Fatalf("List() exposed internal buffer: %v", list2[0].Payload)
	}
}

func TestVolatileUpdateMissingIsNoOp(t *testing.T) {
	ctx := context.Background()
	v := NewVolatile()
	if err := v.Update(ctx, "nonexistent", func(m *Mutation) { m.RetryCount = 99 }); err != nil {
		t.Fatal(err)
	}
	list, _ := v.List(ctx)
	if len(list) != 0 {
		t.Fatalf("expected no mutations, got %d", len(list))
	}
}

type memBlobs struct{ data map[string][]byte }

func (m *memBlobs) Read(ctx context.Context, key string) ([]byte, error) { return m.data[key], nil }
func (m *memBlobs) Write(ctx context.Context, key string, data []byte) error {
	m.data[key] = data
	return nil
}

func TestPersistedParseFailureYieldsEmptyList(t *testing.T) {
	ctx := context.Background()
	blobs := &memBlobs{data: map[string][]byte{"queue": []byte("not json")}}
	p := NewPersisted(blobs, "queue")

	list, err := p.List(ctx)
	if err != nil {
		t.Fatalf("expected no error on malformed blob, got %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
}

func TestPersistedRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := &memBlobs{data: map[string][]byte{}}
	p := NewPersisted(blobs, "queue")

	if err := p.Add(ctx, testMutation("m1")); err != nil {
		t.Fatal(err)
	}
	if err := p.Update(ctx, "m1", func(m *Mutation) { m.Status = Synced }); err != nil {
		t.Fatal(err)
	}
	list, _ := p.List(ctx)
	if len(list) != 1 || list[0].Status != Synced {
		t.Fatalf("unexpected state: %#v", list)
	}

	if err := p.Remove(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	list, _ = p.List(ctx)
	if len(list) != 0 {
		t.Fatalf("expected empty after remove, got %d", len(list))
	}
}
