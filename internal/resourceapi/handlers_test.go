package resourceapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer() *Server {
	s := NewServer(nil, func(r *http.Request) string { return "owner-1" }, nil)
	s.Register("todos", newMemStore())
	return s
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	s := newTestServer()
	r := s.Routes()

	body, _ := json.Marshal(map[string]any{"title": "write a test"})
	req := httptest.NewRequest(http.MethodPost, "/todos", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("expected created item to carry an id")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/todos/"+id, nil)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w2.Code)
	}
}

func TestGetUnknownResourceIs404(t *testing.T) {
	s := newTestServer()
	r := s.Routes()
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown resource, got %d", w.Code)
	}
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	s := newTestServer()
	r := s.Routes()

	body, _ := json.Marshal(map[string]any{"title": "temp"})
	req := httptest.NewRequest(http.MethodPost, "/todos", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var created map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	id := created["id"].(string)

	del := httptest.NewRequest(http.MethodDelete, "/todos/"+id, nil)
	wd := httptest.NewRecorder()
	r.ServeHTTP(wd, del)
	if wd.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", wd.Code)
	}

	get := httptest.NewRequest(http.MethodGet, "/todos/"+id, nil)
	wg := httptest.NewRecorder()
	r.ServeHTTP(wg, get)
	if wg.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", wg.Code)
	}
}

func TestBatchNotImplementedForPlainStore(t *testing.T) {
	s := newTestServer()
	r := s.Routes()
	body, _ := json.Marshal(map[string]any{"op": "create", "items": []map[string]any{{"title": "a"}}})
	req := httptest.NewRequest(http.MethodPost, "/todos/batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 for a store without batch support, got %d", w.Code)
	}
}

func TestAccountResetWithoutDBIsNotImplemented(t *testing.T) {
	s := newTestServer()
	r := s.Routes()
	req := httptest.NewRequest(http.MethodPost, "/v1/account/reset", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without a DB, got %d", w.Code)
	}
}

func TestParseLimitClampsToMax(t *testing.T) {
	if got := parseLimit("9999", 50, 500); got != 500 {
		t.Fatalf("expected clamp to 500, got %d", got)
	}
	if got := parseLimit("", 50, 500); got != 50 {
		t.Fatalf("expected default 50, got %d", got)
	}
	if got := parseLimit("not-a-number", 50, 500); got != 50 {
		t.Fatalf("expected default on parse failure, got %d", got)
	}
}
