package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pokerdna/dnacore/internal/app/dnasync"
	"github.com/pokerdna/dnacore/internal/domain"
)

// ─── DNA API ────────────────────────────────────────────────────────────────
//
// POST   /api/profiles              first-login profile creation
// GET    /api/dna/{userID}          cached DNA (?force=true to probe)
// DELETE /api/dna/{userID}          drop the cache entry
// POST   /api/dna/{userID}/traits   optimistic trait update
// GET    /api/dna/stats             cache counters
// POST   /api/dna/clear             drop every entry (logout)

// DNAAPI serves the DNA synchronizer and the non-XP profile writes.
type DNAAPI struct {
	Sync     *dnasync.Synchronizer
	Profiles domain.ProfileCreator
	Traits   domain.TraitWriter
	Now      func() time.Time // nil means time.Now
}

var errStoreOffline = errors.New("store unreachable, serving offline cache")

// storeFault wraps err as a store fault unless it is a domain answer.
func storeFault(op string, err error) error {
	if errors.Is(err, domain.ErrProfileNotFound) {
		return err
	}
	return domain.Unavailable(op, err)
}

type dnaResponse struct {
	domain.CachedDNA
	LastSynced string `json:"last_synced"`
	XPToNext   int64  `json:"xp_to_next"`
}

func (d *DNAAPI) render(dna domain.CachedDNA) dnaResponse {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return dnaResponse{
		CachedDNA:  dna,
		LastSynced: domain.RelativeTime(dna.CachedAt, now()),
		XPToNext:   domain.XPToNextLevel(dna.XPLifetime),
	}
}

// HandleCreateProfile creates the user's profile if it does not exist.
// POST /api/profiles  {"user_id": "..."}
func (d *DNAAPI) HandleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	p, err := d.Profiles.EnsureProfile(r.Context(), req.UserID)
	if err != nil {
		writeDomainError(w, storeFault("ensure_profile", err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleRead returns the user's DNA through the cache.
// GET /api/dna/{userID}?force=true
func (d *DNAAPI) HandleRead(w http.ResponseWriter, r *http.Request) {
	opts := dnasync.ReadOptions{Force: r.URL.Query().Get("force") == "true"}
	dna, err := d.Sync.Read(r.Context(), chi.URLParam(r, "userID"), opts)
	if err != nil {
		writeError(w, http.StatusRequestTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d.render(dna))
}

// HandleInvalidate drops the user's cache entry.
// DELETE /api/dna/{userID}
func (d *DNAAPI) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	d.Sync.Invalidate(chi.URLParam(r, "userID"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleUpdateTraits applies the traits optimistically, writes them to the
// store and then confirms or rolls back the cache.
// POST /api/dna/{userID}/traits  {"grit": 0.7, ...}
func (d *DNAAPI) HandleUpdateTraits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var traits domain.Traits
	if err := decodeJSON(r, &traits); err != nil {
		writeError(w, http.StatusBadRequest, "invalid traits: "+err.Error())
		return
	}
	if !traits.Valid() {
		writeDomainError(w, domain.ErrInvalidTraits)
		return
	}

	current, err := d.Sync.Read(r.Context(), userID, dnasync.ReadOptions{})
	if err != nil {
		writeError(w, http.StatusRequestTimeout, err.Error())
		return
	}
	switch {
	case current.IsDefault:
		writeDomainError(w, domain.ErrProfileNotFound)
		return
	case current.Offline:
		writeDomainError(w, domain.Unavailable("update_traits", errStoreOffline))
		return
	}

	if _, err := d.Sync.ApplyOptimistic(userID, domain.TraitsPatch(traits)); err != nil {
		writeDomainError(w, err)
		return
	}

	res, err := d.Traits.UpdateTraits(r.Context(), userID, current.Version, traits)
	if err != nil {
		d.Sync.Rollback(userID)
		writeDomainError(w, storeFault("update_traits", err))
		return
	}
	if !res.Committed {
		d.Sync.Rollback(userID)
		latest := d.Sync.Confirm(userID, res.Profile, res.Profile.Version)
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": map[string]any{
				"message": "profile changed concurrently, retry with the latest version",
				"type":    "conflict",
			},
			"dna": d.render(latest),
		})
		return
	}

	confirmed := d.Sync.Confirm(userID, res.Profile, res.Profile.Version)
	writeJSON(w, http.StatusOK, d.render(confirmed))
}

// HandleStats returns the synchronizer counters.
// GET /api/dna/stats
func (d *DNAAPI) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Sync.Stats())
}

// HandleClear drops every cache entry.
// POST /api/dna/clear
func (d *DNAAPI) HandleClear(w http.ResponseWriter, r *http.Request) {
	d.Sync.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
