package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kahveciderin/concave/internal/auth"
	"github.com/kahveciderin/concave/internal/db"
	"github.com/kahveciderin/concave/internal/oidc"
	"github.com/kahveciderin/concave/internal/oidc/keys"
	"github.com/kahveciderin/concave/internal/resourceapi"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "concave-server").Logger()

	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	issuer := env("OIDC_ISSUER", "http://localhost:8080/oidc")
	isDevMode := env("ENV", "") == "dev"

	jwtSecret := env("JWT_HS256_SECRET", "dev-secret-change-in-production")
	if !isDevMode && (jwtSecret == "" || jwtSecret == "dev-secret-change-in-production") {
		log.Fatal().Msg("FATAL: JWT_HS256_SECRET must be set to a strong random value outside dev mode")
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: jwtSecret,
		DevMode:     isDevMode,
		Issuer:      issuer,
		JWKSURL:     issuer + "/jwks",
		Audience:    env("JWT_AUDIENCE", ""),
	}
	if err := auth.InitJWKSCache(jwtCfg); err != nil {
		log.Warn().Err(err).Msg("failed to pre-fetch JWKS (will retry on first request)")
	}

	keyMgr, err := keys.New(keys.WithRSA(2048))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize signing key manager")
	}

	stores := oidc.NewPGStores(pool)
	login := newDevAuthenticator(stores)

	provider := &oidc.Provider{
		Issuer: issuer,
		Stores: oidc.Stores{
			Clients:      stores,
			Users:        stores,
			Codes:        stores,
			Refresh:      stores,
			Consents:     stores,
			Interactions: stores,
		},
		Keys:         keyMgr,
		AccessTTL:    15 * time.Minute,
		IDTokenTTL:   15 * time.Minute,
		RefreshTTL:   30 * 24 * time.Hour,
		Authenticate: login,
	}
	login.provider = provider

	resourceSrv := resourceapi.NewServer(pool, func(r *http.Request) string {
		return auth.UserID(r.Context())
	}, auth.Middleware(pool, jwtCfg))

	for _, name := range []string{"todos", "notes", "tasks"} {
		resourceSrv.Register(name, resourceapi.NewSQLStore(pool, name))
	}

	root := chi.NewRouter()
	root.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{env("CORS_ORIGIN", "*")},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "If-Match", "X-Correlation-Id", "X-Concave-Optimistic-Id", "X-Idempotency-Key", "X-Sync-Epoch"},
		ExposedHeaders:   []string{"X-Sync-Epoch", "X-Correlation-Id"},
		AllowCredentials: true,
	}).Handler)

	root.Mount("/oidc", provider.Routes())
	root.Mount("/login", login.Routes())
	root.Mount("/", resourceSrv.Routes())

	httpAddr := env("HTTP_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Str("issuer", issuer).Msg("starting server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server stopped")
}
