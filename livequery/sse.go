package livequery

import (
	"encoding/json"

	"github.com/kahveciderin/concave/reconciler"
	"github.com/kahveciderin/concave/transport"
)

// sseSource adapts a transport.EventStream (raw SSE frames) into a
// reconciler.Source (decoded Events) — the seam the reconciler package
// deliberately doesn't know about, per its narrow Source interface.
type sseSource struct {
	stream *transport.EventStream
	out    chan reconciler.Event
	once   bool
}

func (s *sseSource) Events() <-chan reconciler.Event {
	if s.out == nil {
		s.out = make(chan reconciler.Event, 64)
		go s.pump()
	}
	return s.out
}

func (s *sseSource) pump() {
	defer close(s.out)
	for frame := range s.stream.Frames() {
		ev, ok := decodeFrame(frame)
		if !ok {
			continue
		}
		s.out <- ev
	}
}

func (s *sseSource) Err() error { return s.stream.Err() }
func (s *sseSource) Close()     { s.stream.Close() }

func decodeFrame(frame transport.Frame) (reconciler.Event, bool) {
	var body struct {
		ID     string         `json:"id"`
		Object map[string]any `json:"object"`
		Meta   struct {
			OptimisticID string `json:"optimisticId"`
			PreviousID   string `json:"previousId"`
			Reason       string `json:"reason"`
		} `json:"meta"`
	}
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &body); err != nil {
			return reconciler.Event{}, false
		}
	}

	var decoded map[string]any
	_ = json.Unmarshal(frame.Data, &decoded)
	seq, _ := transport.ParseSeq(decoded)

	kind := reconciler.Kind(frame.Event)
	switch kind {
	case reconciler.Existing, reconciler.Added, reconciler.Changed, reconciler.Removed, reconciler.Invalidate:
	default:
		return reconciler.Event{}, false
	}

	id := body.ID
	if id == "" && body.Object != nil {
		if v, ok := body.Object["id"].(string); ok {
			id = v
		}
	}

	return reconciler.Event{
		Kind:   kind,
		Seq:    seq,
		ID:     id,
		Object: body.Object,
		Meta: reconciler.Meta{
			OptimisticID: body.Meta.OptimisticID,
			PreviousID:   body.Meta.PreviousID,
			Reason:       body.Meta.Reason,
		},
	}, true
}
