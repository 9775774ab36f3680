package resourceapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// OwnerIDFunc resolves the authenticated owner (tenant/user) id a request
// is scoped to. The resourceapi package is domain-agnostic about how auth
// middleware populates this — it just asks for the id.
type OwnerIDFunc func(r *http.Request) string

// EpochRequired rejects requests whose X-Sync-Epoch header trails the
// owner's current epoch with 409 Conflict, forcing a client-side full
// reset after a server-side wipe — adapted from the teacher's
// httpapi.EpochRequired (internal/httpapi/epoch.go), generalized off one
// hardcoded table's sync-entity assumptions onto any resourceapi owner.
func EpochRequired(db *pgxpool.Pool, ownerID OwnerIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := ownerID(r)
			if owner == "" {
				writeError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			epoch, err := loadOrInitEpoch(r.Context(), db, owner)
			if err != nil {
				log.Error().Err(err).Str("owner", owner).Msg("resourceapi: failed to load epoch")
				writeError(w, r, http.StatusInternalServerError, "epoch load failed")
				return
			}

			clientEpoch, _ := strconv.Atoi(r.Header.Get("X-Sync-Epoch"))
			if clientEpoch < epoch {
				log.Warn().Str("owner", owner).Int("clientEpoch", clientEpoch).Int("serverEpoch", epoch).Msg("resourceapi: epoch mismatch, reset required")
				w.Header().Set("X-Sync-Epoch", strconv.Itoa(epoch))
				writeErrorCode(w, r, http.StatusConflict, "epoch_mismatch", "client epoch is stale; full reset required", map[string]any{"epoch": epoch})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func loadOrInitEpoch(ctx context.Context, db *pgxpool.Pool, owner string) (int, error) {
	var epoch int
	err := db.QueryRow(ctx, `
		INSERT INTO resourceapi_owner_state(owner_id, epoch, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (owner_id) DO NOTHING
		RETURNING epoch`, owner).Scan(&epoch)
	if err == nil {
		return epoch, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		err = db.QueryRow(ctx, `SELECT epoch FROM resourceapi_owner_state WHERE owner_id = $1`, owner).Scan(&epoch)
		return epoch, err
	}
	return 0, err
}

// BumpEpoch increments the owner's epoch (called after a wipe/reset),
// invalidating every client whose cached epoch now trails it.
func BumpEpoch(ctx context.Context, db *pgxpool.Pool, owner string) (int, error) {
	var epoch int
	err := db.QueryRow(ctx, `
		INSERT INTO resourceapi_owner_state(owner_id, epoch, updated_at)
		VALUES ($1, 2, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET epoch = resourceapi_owner_state.epoch + 1, updated_at = NOW()
		RETURNING epoch`, owner).Scan(&epoch)
	return epoch, err
}
