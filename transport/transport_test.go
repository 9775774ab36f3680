package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestSetsJSONHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Fatalf("content-type = %q, want application/json", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("authorization = %q, want Bearer tok", got)
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	c.SetHeader("Authorization", "Bearer tok")

	resp, err := c.Request(context.Background(), http.MethodPost, "/x", nil, map[string]string{"a": "b"}, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var body struct{ OK bool }
	if err := resp.JSON(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK {
		t.Fatalf("expected ok=true")
	}
}

func TestRequestDecodesConflictError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		w.Write([]byte(`{"code":"CONFLICT","message":"stale version","details":{"serverVersion":3}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	_, err := c.Request(context.Background(), http.MethodPatch, "/x", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	te, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if !te.IsConflict() {
		t.Fatalf("expected conflict, got code=%s status=%d", te.Code, te.Status)
	}
	if te.Details["serverVersion"].(float64) != 3 {
		t.Fatalf("unexpected details: %#v", te.Details)
	}
}

func TestParamsEncodeJoinsArraysWithComma(t *testing.T) {
	p := Params{"select": []string{"id", "title"}}
	if got := p.encode(); got != "select=id%2Ctitle" {
		t.Fatalf("encode = %q", got)
	}
}
