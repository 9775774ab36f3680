package resourceapi

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kahveciderin/concave/internal/syncx"
)

// SQLStore is a generic JSONB-backed Store, generalizing the teacher's
// five hardcoded per-entity tables (notes, tasks, comments, ...) onto a
// single schema any resource name can share. One SQLStore instance backs
// exactly one resource name.
//
// Table shape (see DESIGN.md for the full DDL):
//
//	resourceapi_objects(resource text, id uuid, owner_id text, payload jsonb,
//	                     seq bigserial, deleted_at timestamptz, updated_at timestamptz)
type SQLStore struct {
	DB       *pgxpool.Pool
	Resource string

	mu   sync.Mutex
	subs map[int]func(SubscriptionEvent)
	next int
}

// NewSQLStore constructs a Store backed by the shared resourceapi_objects
// table, scoped to a single resource name.
func NewSQLStore(db *pgxpool.Pool, resource string) *SQLStore {
	return &SQLStore{DB: db, Resource: resource, subs: make(map[int]func(SubscriptionEvent))}
}

func (s *SQLStore) List(ctx context.Context, q ListQuery) (Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	// Cursor.Ms carries the row's seq rather than a timestamp here; Cursor's
	// (ordinal, uuid) pairing still gives a deterministic, opaque position.
	var afterSeq int64
	if cursor, ok := syncx.DecodeCursor(q.Cursor); ok {
		afterSeq = cursor.Ms
	}

	rows, err := s.DB.Query(ctx, `
		SELECT id, payload, seq FROM resourceapi_objects
		WHERE resource = $1 AND owner_id = $2 AND deleted_at IS NULL AND seq > $3
		ORDER BY seq ASC
		LIMIT $4`, s.Resource, q.Owner, afterSeq, limit)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var items []map[string]any
	var maxSeq int64
	var lastID string
	for rows.Next() {
		var id string
		var payload []byte
		var seq int64
		if err := rows.Scan(&id, &payload, &seq); err != nil {
			return Page{}, err
		}
		var obj map[string]any
		if err := json.Unmarshal(payload, &obj); err != nil {
			return Page{}, err
		}
		obj["id"] = id
		items = append(items, obj)
		if seq > maxSeq {
			maxSeq = seq
		}
		lastID = id
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	page := Page{Items: items, HasMore: len(items) == limit, Seq: maxSeq}
	if page.HasMore {
		if uid, err := uuid.Parse(lastID); err == nil {
			page.NextCursor = syncx.EncodeCursor(syncx.Cursor{Ms: maxSeq, UID: uid})
		}
	}
	return page, nil
}

func (s *SQLStore) Get(ctx context.Context, owner, id string) (map[string]any, bool, error) {
	var payload []byte
	err := s.DB.QueryRow(ctx, `
		SELECT payload FROM resourceapi_objects
		WHERE resource = $1 AND owner_id = $2 AND id = $3 AND deleted_at IS NULL`,
		s.Resource, owner, id).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, false, err
	}
	obj["id"] = id
	return obj, true, nil
}

func (s *SQLStore) Count(ctx context.Context, owner, filter string) (int64, error) {
	var n int64
	err := s.DB.QueryRow(ctx, `
		SELECT count(*) FROM resourceapi_objects
		WHERE resource = $1 AND owner_id = $2 AND deleted_at IS NULL`,
		s.Resource, owner).Scan(&n)
	return n, err
}

// Aggregate is unsupported on the generic JSONB store; group-by/sum/avg
// require resource-specific SQL that a raw JSONB blob can't express
// without knowing the payload shape, so resources needing it supply their
// own Store rather than SQLStore.
func (s *SQLStore) Aggregate(ctx context.Context, owner string, params map[string]string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (s *SQLStore) Search(ctx context.Context, owner, query string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, payload FROM resourceapi_objects
		WHERE resource = $1 AND owner_id = $2 AND deleted_at IS NULL
		  AND payload::text ILIKE '%' || $3 || '%'
		ORDER BY seq ASC
		LIMIT $4`, s.Resource, owner, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []map[string]any
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var obj map[string]any
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil, err
		}
		obj["id"] = id
		items = append(items, obj)
	}
	return items, rows.Err()
}

func (s *SQLStore) Create(ctx context.Context, owner string, payload map[string]any, optimisticID, idempotencyKey string) (map[string]any, error) {
	id := uuid.NewString()
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var seq int64
	if err := s.DB.QueryRow(ctx, `
		INSERT INTO resourceapi_objects (resource, id, owner_id, payload, updated_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING seq`, s.Resource, id, owner, body).Scan(&seq); err != nil {
		return nil, err
	}
	payload["id"] = id
	s.publish(SubscriptionEvent{Kind: KindAdded, Seq: seq, ID: id, Object: payload, OptimisticID: optimisticID})
	return payload, nil
}

func (s *SQLStore) Patch(ctx context.Context, owner, id string, payload map[string]any, ifMatch string) (map[string]any, error) {
	existing, found, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrPreconditionFailed
	}
	for k, v := range payload {
		existing[k] = v
	}
	return s.Replace(ctx, owner, id, existing, ifMatch)
}

func (s *SQLStore) Replace(ctx context.Context, owner, id string, payload map[string]any, ifMatch string) (map[string]any, error) {
	delete(payload, "id")
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var seq int64
	err = s.DB.QueryRow(ctx, `
		UPDATE resourceapi_objects SET payload = $4, seq = nextval(pg_get_serial_sequence('resourceapi_objects','seq')), updated_at = now()
		WHERE resource = $1 AND owner_id = $2 AND id = $3 AND deleted_at IS NULL
		RETURNING seq`, s.Resource, owner, id, body).Scan(&seq)
	if err == pgx.ErrNoRows {
		return nil, ErrPreconditionFailed
	}
	if err != nil {
		return nil, err
	}
	payload["id"] = id
	s.publish(SubscriptionEvent{Kind: KindChanged, Seq: seq, ID: id, Object: payload})
	return payload, nil
}

func (s *SQLStore) Delete(ctx context.Context, owner, id string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE resourceapi_objects SET deleted_at = now(), seq = nextval(pg_get_serial_sequence('resourceapi_objects','seq'))
		WHERE resource = $1 AND owner_id = $2 AND id = $3 AND deleted_at IS NULL`,
		s.Resource, owner, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		s.publish(SubscriptionEvent{Kind: KindRemoved, ID: id})
	}
	return nil
}

// Subscribe delivers local in-process Create/Patch/Replace/Delete events
// to connected SSE clients. It does not fan out across server replicas —
// a production deployment would back this with LISTEN/NOTIFY or a
// broker (see DESIGN.md Open Questions).
func (s *SQLStore) Subscribe(ctx context.Context, owner string, resumeFrom int64, deliver func(SubscriptionEvent)) (func(), error) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = deliver
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

func (s *SQLStore) publish(ev SubscriptionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, deliver := range s.subs {
		deliver(ev)
	}
}
