package offline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kahveciderin/concave/mutationstore"
)

// fakeSync records the remapped mutations it's called with, in order, and
// returns a scripted serverId per optimistic id.
type fakeSync struct {
	mu       sync.Mutex
	calls    []mutationstore.Mutation
	serverID map[string]string // optimisticId -> serverId
}

func (f *fakeSync) handler(ctx context.Context, m mutationstore.Mutation) (SyncResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, m.Clone())
	f.mu.Unlock()

	if m.Type == mutationstore.Create {
		srv := f.serverID[m.OptimisticID]
		if srv == "" {
			srv = "srv_" + m.OptimisticID
		}
		return SyncResult{ServerID: srv}, nil
	}
	return SyncResult{}, nil
}

func (f *fakeSync) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// S1: create offline, go online, sync succeeds with a different server id.
func TestS1_CreateOfflineThenSync(t *testing.T) {
	ctx := context.Background()
	fs := &fakeSync{serverID: map[string]string{"opt_1": "srv_1"}}

	remapped := make(chan [2]string, 1)
	mgr := New(Config{
		Store: mutationstore.NewVolatile(),
		Sync:  fs.handler,
		Callbacks: Callbacks{
			OnIDRemapped: func(opt, srv string) { remapped <- [2]string{opt, srv} },
		},
	})
	mgr.SetOnline(false)

	if _, err := mgr.QueueMutation(ctx, mutationstore.Create, "/todos", map[string]any{"title": "A"}, "", "opt_1"); err != nil {
		t.Fatal(err)
	}

	mgr.SetOnline(true)

	select {
	case got := <-remapped:
		if got != [2]string{"opt_1", "srv_1"} {
			t.Fatalf("unexpected remap callback: %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for id remap")
	}

	waitFor(t, time.Second, func() bool {
		muts, _ := mgr.GetPendingMutations(ctx)
		return len(muts) == 0
	})

	if got := mgr.ResolveID("opt_1"); got != "srv_1" {
		t.Fatalf("ResolveID(opt_1) = %q, want srv_1", got)
	}
}

// S2: two updates to the same object within the dedupe window merge.
func TestS2_UpdatesMergeWithinWindow(t *testing.T) {
	ctx := context.Background()
	fs := &fakeSync{}
	mgr := New(Config{Store: mutationstore.NewVolatile(), Sync: fs.handler, DedupeWindow: 5 * time.Second})
	mgr.SetOnline(false)

	if _, err := mgr.QueueMutation(ctx, mutationstore.Update, "/todos", map[string]any{"title": "V1"}, "x", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.QueueMutation(ctx, mutationstore.Update, "/todos", map[string]any{"completed": true}, "x", ""); err != nil {
		t.Fatal(err)
	}

	muts, _ := mgr.GetPendingMutations(ctx)
	if len(muts) != 1 {
		t.Fatalf("expected 1 merged mutation, got %d", len(muts))
	}
	if muts[0].Payload["title"] != "V1" || muts[0].Payload["completed"] != true {
		t.Fatalf("unexpected merged payload: %#v", muts[0].Payload)
	}

	mgr.SetOnline(true)
	waitFor(t, time.Second, func() bool { return fs.callCount() == 1 })
}

// S3: create then update (same optimistic id) offline; exactly two calls,
// in order, second call's objectId resolved to the server id.
func TestS3_CreateThenUpdateOrderedAndRemapped(t *testing.T) {
	ctx := context.Background()
	fs := &fakeSync{serverID: map[string]string{"opt_a": "srv_a"}}
	mgr := New(Config{Store: mutationstore.NewVolatile(), Sync: fs.handler})
	mgr.SetOnline(false)

	if _, err := mgr.QueueMutation(ctx, mutationstore.Create, "/todos", map[string]any{"title": "A"}, "", "opt_a"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.QueueMutation(ctx, mutationstore.Update, "/todos", map[string]any{"completed": true}, "opt_a", ""); err != nil {
		t.Fatal(err)
	}

	mgr.SetOnline(true)
	waitFor(t, time.Second, func() bool { return fs.callCount() == 2 })

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(fs.calls))
	}
	if fs.calls[0].Type != mutationstore.Create {
		t.Fatalf("first call should be create, got %s", fs.calls[0].Type)
	}
	if fs.calls[1].Type != mutationstore.Update || fs.calls[1].ObjectID != "srv_a" {
		t.Fatalf("second call objectId = %q, want srv_a", fs.calls[1].ObjectID)
	}
}

// S4: deep remap propagates an optimistic foreign key inside a nested payload.
func TestS4_DeepRemapAcrossResources(t *testing.T) {
	ctx := context.Background()
	fs := &fakeSync{serverID: map[string]string{"opt_cat": "srv_cat"}}
	mgr := New(Config{Store: mutationstore.NewVolatile(), Sync: fs.handler})
	mgr.SetOnline(false)

	if _, err := mgr.QueueMutation(ctx, mutationstore.Create, "/categories", map[string]any{"name": "Work"}, "", "opt_cat"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.QueueMutation(ctx, mutationstore.Create, "/todos", map[string]any{"categoryId": "opt_cat"}, "", "opt_todo"); err != nil {
		t.Fatal(err)
	}

	mgr.SetOnline(true)
	waitFor(t, time.Second, func() bool { return fs.callCount() == 2 })

	fs.mu.Lock()
	defer fs.mu.Unlock()
	todoCall := fs.calls[1]
	if todoCall.Payload["categoryId"] != "srv_cat" {
		t.Fatalf("categoryId = %v, want srv_cat", todoCall.Payload["categoryId"])
	}
}

func TestConflictDiscardPolicy(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	sync := func(ctx context.Context, m mutationstore.Mutation) (SyncResult, error) {
		attempts++
		return SyncResult{}, &ConflictError{Message: "stale", State: ServerState{"title": "server-title"}}
	}
	mgr := New(Config{Store: mutationstore.NewVolatile(), Sync: sync, Policy: ServerWins})
	mgr.SetOnline(false)
	if _, err := mgr.QueueMutation(ctx, mutationstore.Update, "/todos", map[string]any{"title": "mine"}, "x", ""); err != nil {
		t.Fatal(err)
	}
	mgr.SetOnline(true)
	waitFor(t, time.Second, func() bool {
		muts, _ := mgr.GetPendingMutations(ctx)
		return len(muts) == 0
	})
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt before discard, got %d", attempts)
	}
}

func TestMaxRetriesRetainsMutation(t *testing.T) {
	ctx := context.Background()
	sync := func(ctx context.Context, m mutationstore.Mutation) (SyncResult, error) {
		return SyncResult{}, errBoom
	}
	mgr := New(Config{Store: mutationstore.NewVolatile(), Sync: sync, MaxRetries: 2})
	mgr.SetOnline(false)
	if _, err := mgr.QueueMutation(ctx, mutationstore.Update, "/todos", map[string]any{"x": 1}, "x", ""); err != nil {
		t.Fatal(err)
	}
	mgr.SetOnline(true)
	waitFor(t, time.Second, func() bool {
		muts, _ := mgr.GetPendingMutations(ctx)
		return len(muts) == 1 && muts[0].RetryCount >= 1
	})

	// Drive one more sync cycle manually: retry-count is only advanced by
	// an explicit trigger (online transition or enqueue), never by an
	// internal retry loop within a single SyncPending run.
	mgr.SyncPending(ctx)
	waitFor(t, time.Second, func() bool {
		muts, _ := mgr.GetPendingMutations(ctx)
		return len(muts) == 1 && muts[0].RetryCount >= 2
	})

	muts, _ := mgr.GetPendingMutations(ctx)
	if muts[0].Status != mutationstore.Failed {
		t.Fatalf("expected failed status, got %s", muts[0].Status)
	}
}

var errBoom = &testErr{"boom"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
