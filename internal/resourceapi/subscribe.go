package resourceapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

// handleSubscribe serves GET /<resource>/subscribe: a named-event SSE
// stream of SubscriptionEvents, generalizing the single-session framing
// idiom in internal/mcpserver/server/sse.go onto any resourceapi.Store
// (spec.md §6).
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resourceStore(w, r)
	if !ok {
		return
	}
	subscribable, supported := st.(Subscribable)
	if !supported {
		writeError(w, r, http.StatusNotImplemented, "resource does not support subscription")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var resumeFrom int64
	if raw := r.URL.Query().Get("resumeFrom"); raw != "" {
		resumeFrom, _ = strconv.ParseInt(raw, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeFrame(w, flusher, "connected", 0, map[string]any{"seq": resumeFrom})

	unsubscribe, err := subscribable.Subscribe(r.Context(), s.OwnerID(r), resumeFrom, func(ev SubscriptionEvent) {
		body := map[string]any{
			"id":     ev.ID,
			"object": ev.Object,
		}
		if ev.OptimisticID != "" || ev.PreviousID != "" || ev.Reason != "" {
			body["meta"] = map[string]any{
				"optimisticId": ev.OptimisticID,
				"previousId":   ev.PreviousID,
				"reason":       ev.Reason,
			}
		}
		writeFrame(w, flusher, ev.Kind, ev.Seq, body)
	})
	if err != nil {
		log.Error().Err(err).Msg("resourceapi: subscribe failed")
		writeError(w, r, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer unsubscribe()

	<-r.Context().Done()
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, event string, seq int64, body map[string]any) {
	if _, ok := body["seq"]; !ok {
		body["seq"] = seq
	}
	data, err := json.Marshal(body)
	if err != nil {
		log.Warn().Err(err).Msg("resourceapi: failed to marshal SSE frame, dropping event")
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "id: %d\n", seq)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
