package livequery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kahveciderin/concave/transport"
)

func TestQueryBootstrapThenSubscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/todos":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"items":[{"id":"a","title":"first"}],"seq":1}`))
		case r.URL.Path == "/todos/subscribe":
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			flusher := w.(http.Flusher)
			_, _ = w.Write([]byte("event: added\nid: 2\ndata: {\"id\":\"b\",\"object\":{\"id\":\"b\",\"title\":\"second\"}}\n\n"))
			flusher.Flush()
			<-r.Context().Done()
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := transport.New(srv.URL, 5*time.Second)
	q := New(Config{Client: client, Resource: "todos"})
	q.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(q.GetSnapshot().Items) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := q.GetSnapshot()
	if len(snap.Items) != 2 {
		t.Fatalf("expected 2 items after bootstrap+sse add, got %d: %#v", len(snap.Items), snap.Items)
	}
	q.Destroy()
}

func TestDecodeFrameIgnoresUnknownEventNames(t *testing.T) {
	data, _ := json.Marshal(map[string]any{"id": "x"})
	_, ok := decodeFrame(transport.Frame{Event: "heartbeat", Data: data})
	if ok {
		t.Fatal("unknown event name should be ignored")
	}
}
