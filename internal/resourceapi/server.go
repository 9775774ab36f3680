// Package resourceapi serves the generic HTTP resource API (spec.md §6):
// GET/POST/PATCH/PUT/DELETE over registered resources, batch and RPC
// endpoints, and an SSE subscription feed — adapted from the teacher's
// per-entity internal/httpapi handlers (rest_items.go, router.go),
// generalized from five hardcoded sync entities onto any registered
// resourceapi.Store.
package resourceapi

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Server holds the resource registry and cross-cutting dependencies,
// mirroring the teacher's httpapi.Server shape.
type Server struct {
	DB          *pgxpool.Pool
	OwnerID     OwnerIDFunc
	AuthMW      func(http.Handler) http.Handler
	RateLimit   RateLimit

	mu        sync.RWMutex
	resources map[string]Store
}

// NewServer constructs a Server. AuthMW is applied ahead of every
// resource route; OwnerID extracts the tenant/user scope from the
// authenticated request.
func NewServer(db *pgxpool.Pool, ownerID OwnerIDFunc, authMW func(http.Handler) http.Handler) *Server {
	return &Server{
		DB:        db,
		OwnerID:   ownerID,
		AuthMW:    authMW,
		RateLimit: RateLimit{WindowSeconds: 60, MaxRequests: 600, Burst: 120},
		resources: make(map[string]Store),
	}
}

// Register binds a Store under a resource name ("todos", "categories",
// ...), exposing it at /<name>.
func (s *Server) Register(name string, store Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[name] = store
}

func (s *Server) storeFor(name string) (Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.resources[name]
	return st, ok
}

// Routes builds the chi router, following the same middleware-group
// structure as the teacher's httpapi.Server.Routes.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	limiter := NewRateLimiter(s.RateLimit, func(r *http.Request) string { return s.OwnerID(r) })

	r.Group(func(r chi.Router) {
		if s.AuthMW != nil {
			r.Use(s.AuthMW)
		}
		r.Use(limiter.Middleware)

		r.Post("/v1/account/reset", s.handleAccountReset)

		// chi allows no Use after a route on the same mux, so the epoch
		// gate is attached to the resource routes with With.
		epochGate := func(next http.Handler) http.Handler { return next }
		if s.DB != nil {
			epochGate = EpochRequired(s.DB, s.OwnerID)
		}

		r.With(epochGate).Route("/{resource}", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Get("/count", s.handleCount)
			r.Get("/aggregate", s.handleAggregate)
			r.Get("/search", s.handleSearch)
			r.Get("/subscribe", s.handleSubscribe)
			r.Post("/batch", s.handleBatch)
			r.Post("/rpc/{name}", s.handleRPC)

			r.Get("/{id}", s.handleGet)
			r.Patch("/{id}", s.handlePatch)
			r.Put("/{id}", s.handleReplace)
			r.Delete("/{id}", s.handleDelete)
		})
	})

	return r
}
