package resourceapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *Server) resourceStore(w http.ResponseWriter, r *http.Request) (Store, bool) {
	name := chi.URLParam(r, "resource")
	st, ok := s.storeFor(name)
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown resource: "+name)
		return nil, false
	}
	return st, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resourceStore(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), 50, 500)

	page, err := st.List(r.Context(), ListQuery{
		Owner:      s.OwnerID(r),
		Filter:     q.Get("filter"),
		Select:     splitCSV(q.Get("select")),
		Include:    splitCSV(q.Get("include")),
		Cursor:     q.Get("cursor"),
		Limit:      limit,
		OrderBy:    q.Get("orderBy"),
		TotalCount: q.Get("totalCount") == "true",
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resourceStore(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	item, found, err := st.Get(r.Context(), s.OwnerID(r), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resourceStore(w, r)
	if !ok {
		return
	}
	count, err := st.Count(r.Context(), s.OwnerID(r), r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resourceStore(w, r)
	if !ok {
		return
	}
	params := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	result, err := st.Aggregate(r.Context(), s.OwnerID(r), params)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resourceStore(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	items, err := st.Search(r.Context(), s.OwnerID(r), q.Get("q"), parseLimit(q.Get("limit"), 20, 200))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resourceStore(w, r)
	if !ok {
		return
	}
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed JSON body")
		return
	}
	optimisticID := r.Header.Get("X-Concave-Optimistic-Id")
	idempotencyKey := r.Header.Get("X-Idempotency-Key")

	item, err := st.Create(r.Context(), s.OwnerID(r), payload, optimisticID, idempotencyKey)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resourceStore(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed JSON body")
		return
	}
	item, err := st.Patch(r.Context(), s.OwnerID(r), id, payload, r.Header.Get("If-Match"))
	if err != nil {
		if err == ErrPreconditionFailed {
			writeError(w, r, http.StatusPreconditionFailed, "If-Match precondition failed")
			return
		}
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resourceStore(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed JSON body")
		return
	}
	item, err := st.Replace(r.Context(), s.OwnerID(r), id, payload, r.Header.Get("If-Match"))
	if err != nil {
		if err == ErrPreconditionFailed {
			writeError(w, r, http.StatusPreconditionFailed, "If-Match precondition failed")
			return
		}
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resourceStore(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := st.Delete(r.Context(), s.OwnerID(r), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resourceStore(w, r)
	if !ok {
		return
	}
	batchStore, supported := st.(BatchStore)
	if !supported {
		writeError(w, r, http.StatusNotImplemented, "resource does not support batch operations")
		return
	}

	var req struct {
		Op       string           `json:"op"`
		Items    []map[string]any `json:"items,omitempty"`
		IDs      []string         `json:"ids,omitempty"`
		Payload  map[string]any   `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed JSON body")
		return
	}

	owner := s.OwnerID(r)
	switch req.Op {
	case "create":
		items, err := batchStore.BatchCreate(r.Context(), owner, req.Items)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case "patch":
		items, err := batchStore.BatchPatch(r.Context(), owner, req.IDs, req.Payload)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case "delete":
		if err := batchStore.BatchDelete(r.Context(), owner, req.IDs); err != nil {
			writeError(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusBadRequest, "unknown batch op: "+req.Op)
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resourceStore(w, r)
	if !ok {
		return
	}
	rpcStore, supported := st.(RPCStore)
	if !supported {
		writeError(w, r, http.StatusNotImplemented, "resource does not support RPC")
		return
	}
	name := chi.URLParam(r, "name")
	var args map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeError(w, r, http.StatusBadRequest, "malformed JSON body")
			return
		}
	}
	result, err := rpcStore.RPC(r.Context(), s.OwnerID(r), name, args)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAccountReset bumps the caller's epoch, forcing every other
// connected client through the invalidate->refetch path on its next
// request or subscribe reconnect (spec.md §3 Subscription Event
// "invalidate", supplemented per DESIGN.md).
func (s *Server) handleAccountReset(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeError(w, r, http.StatusNotImplemented, "account reset requires a database")
		return
	}
	owner := s.OwnerID(r)
	if owner == "" {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	epoch, err := BumpEpoch(r.Context(), s.DB, owner)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"epoch": epoch})
}

// ErrPreconditionFailed signals an If-Match ETag mismatch on a write.
var ErrPreconditionFailed = preconditionFailedErr{}

type preconditionFailedErr struct{}

func (preconditionFailedErr) Error() string { return "precondition failed" }

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
