package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu     sync.Mutex
	ch     chan Event
	err    error
	closed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan Event, 16)}
}

func (f *fakeSource) Events() <-chan Event { return f.ch }
func (f *fakeSource) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
func (f *fakeSource) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}
func (f *fakeSource) push(ev Event) { f.ch <- ev }

func waitForStatus(t *testing.T, r *Reconciler, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.GetSnapshot().Status == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("status never reached %s, last was %s", want, r.GetSnapshot().Status)
}

func waitForLen(t *testing.T, r *Reconciler, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(r.GetSnapshot().Items) == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("item count never reached %d, last was %d", n, len(r.GetSnapshot().Items))
}

func newTestReconciler(src *fakeSource, bootstrapItems []map[string]any) *Reconciler {
	return New(Config{
		Bootstrap: func(ctx context.Context) ([]map[string]any, int64, error) {
			return bootstrapItems, 0, nil
		},
		OpenSource: func(ctx context.Context, resumeFrom int64) (Source, error) {
			return src, nil
		},
	})
}

// I1: items remain uniquely keyed by id regardless of how many times an
// "added"/"changed" event repeats the same id.
func TestI1_UpsertIsUnique(t *testing.T) {
	src := newFakeSource()
	r := newTestReconciler(src, nil)
	r.Start(context.Background())
	waitForStatus(t, r, Ready, time.Second)

	src.push(Event{Kind: Added, Seq: 1, ID: "a", Object: map[string]any{"id": "a", "v": 1}})
	src.push(Event{Kind: Changed, Seq: 2, ID: "a", Object: map[string]any{"id": "a", "v": 2}})
	waitForLen(t, r, 1, time.Second)

	snap := r.GetSnapshot()
	if snap.Items[0]["v"] != 2 {
		t.Fatalf("expected latest value 2, got %v", snap.Items[0]["v"])
	}
}

// I5: duplicate/out-of-order redelivery of a seq already observed is a no-op.
func TestI5_DuplicateEventIgnored(t *testing.T) {
	src := newFakeSource()
	r := newTestReconciler(src, nil)
	r.Start(context.Background())
	waitForStatus(t, r, Ready, time.Second)

	src.push(Event{Kind: Added, Seq: 5, ID: "a", Object: map[string]any{"id": "a", "v": 1}})
	waitForLen(t, r, 1, time.Second)

	// Replays seq 5 and an older seq 3 — both should be dropped.
	src.push(Event{Kind: Changed, Seq: 5, ID: "a", Object: map[string]any{"id": "a", "v": 99}})
	src.push(Event{Kind: Changed, Seq: 3, ID: "a", Object: map[string]any{"id": "a", "v": 99}})
	time.Sleep(20 * time.Millisecond)

	snap := r.GetSnapshot()
	if snap.Items[0]["v"] != 1 {
		t.Fatalf("duplicate/stale event mutated state: %v", snap.Items[0]["v"])
	}
	if snap.LastSeq != 5 {
		t.Fatalf("lastSeq = %d, want 5", snap.LastSeq)
	}
}

// R1: a pending local mutation's payload survives being overlaid by a
// server event for the same object (fusion hook precedence).
func TestR1_PendingOverlaySurvivesServerEvent(t *testing.T) {
	src := newFakeSource()
	r := New(Config{
		Bootstrap: func(ctx context.Context) ([]map[string]any, int64, error) { return nil, 0, nil },
		OpenSource: func(ctx context.Context, resumeFrom int64) (Source, error) {
			return src, nil
		},
		Hooks: Hooks{
			HasPendingFor: func(id string) bool { return id == "a" },
			PendingPayload: func(id string) map[string]any {
				return map[string]any{"title": "local-edit"}
			},
		},
	})
	r.Start(context.Background())
	waitForStatus(t, r, Ready, time.Second)

	src.push(Event{Kind: Added, Seq: 1, ID: "a", Object: map[string]any{"id": "a", "title": "server", "done": false}})
	waitForLen(t, r, 1, time.Second)

	snap := r.GetSnapshot()
	if snap.Items[0]["title"] != "local-edit" {
		t.Fatalf("pending overlay lost: %#v", snap.Items[0])
	}
	if snap.Items[0]["done"] != false {
		t.Fatalf("server fields outside the overlay should survive: %#v", snap.Items[0])
	}
}

// R2: removal is idempotent — removing twice, or removing an unknown id, is
// a safe no-op rather than an error.
func TestR2_RemoveIsIdempotent(t *testing.T) {
	src := newFakeSource()
	r := newTestReconciler(src, []map[string]any{{"id": "a"}})
	r.Start(context.Background())
	waitForStatus(t, r, Ready, time.Second)
	waitForLen(t, r, 1, time.Second)

	src.push(Event{Kind: Removed, Seq: 1, ID: "a"})
	waitForLen(t, r, 0, time.Second)

	src.push(Event{Kind: Removed, Seq: 2, ID: "a"})
	src.push(Event{Kind: Removed, Seq: 3, ID: "does-not-exist"})
	time.Sleep(20 * time.Millisecond)

	if len(r.GetSnapshot().Items) != 0 {
		t.Fatalf("expected empty snapshot, got %#v", r.GetSnapshot().Items)
	}
}

// S6: losing the connection drives Reconnecting, then a fresh source brings
// the reconciler back to Ready with state intact.
func TestS6_ReconnectRecoversState(t *testing.T) {
	src1 := newFakeSource()
	var mu sync.Mutex
	opened := 0
	var src2 *fakeSource

	r := New(Config{
		Bootstrap: func(ctx context.Context) ([]map[string]any, int64, error) {
			return []map[string]any{{"id": "a"}}, 0, nil
		},
		OpenSource: func(ctx context.Context, resumeFrom int64) (Source, error) {
			mu.Lock()
			defer mu.Unlock()
			opened++
			if opened == 1 {
				return src1, nil
			}
			src2 = newFakeSource()
			return src2, nil
		},
	})
	r.Start(context.Background())
	waitForStatus(t, r, Ready, time.Second)

	src1.mu.Lock()
	src1.err = errConnLost
	src1.mu.Unlock()
	src1.Close()

	waitForStatus(t, r, Reconnecting, time.Second)
	waitForStatus(t, r, Ready, 3*time.Second)

	if len(r.GetSnapshot().Items) != 1 {
		t.Fatalf("expected state preserved across reconnect, got %#v", r.GetSnapshot().Items)
	}
}

var errConnLost = &connErr{"connection lost"}

type connErr struct{ msg string }

func (e *connErr) Error() string { return e.msg }

func TestBackoffDelayIsBoundedAndIncreasing(t *testing.T) {
	prev := backoffDelay(1)
	for attempt := 2; attempt <= 10; attempt++ {
		d := backoffDelay(attempt)
		if d < prev {
			t.Fatalf("backoff should not decrease: attempt %d = %s < attempt %d = %s", attempt, d, attempt-1, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("backoff exceeded cap: %s", d)
		}
		prev = d
	}
}
