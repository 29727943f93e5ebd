package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pokerdna/dnacore/internal/app/dnasync"
	"github.com/pokerdna/dnacore/internal/app/xpkernel"
	"github.com/pokerdna/dnacore/internal/domain"
	"github.com/pokerdna/dnacore/internal/infra/logging"
)

// ─── XP API ─────────────────────────────────────────────────────────────────
//
// POST /api/xp/credit                 raw credit intent
// POST /api/xp/validate               decrease gate check, no store call
// GET  /api/xp/violations             blocked attempts across users
// GET  /api/xp/fault                  pending integrity fault
// POST /api/xp/fault/clear            resume writes after a fault
// GET  /api/xp/{userID}               xp, level, tier, version
// POST /api/xp/{userID}/training      training credit behind the mastery gate
// POST /api/xp/{userID}/bonus         bonus credit
// POST /api/xp/{userID}/streak        streak bonus
// GET  /api/xp/{userID}/history       security log, most recent first
// GET  /api/xp/{userID}/violations    the user's blocked attempts
// GET  /api/xp/{userID}/audit         ledger reconciliation

const defaultHistoryLimit = 50

var xpLog = logging.GetLogger("api.xp")

// XPAPI serves the XP kernel. Sync is optional; when set, successful
// credits force a DNA refresh so cached views and listeners catch up.
type XPAPI struct {
	Kernel *xpkernel.Kernel
	Sync   *dnasync.Synchronizer
}

// HandleCredit applies a raw credit intent.
// POST /api/xp/credit
func (x *XPAPI) HandleCredit(w http.ResponseWriter, r *http.Request) {
	var intent domain.CreditIntent
	if err := decodeJSON(r, &intent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid credit intent: "+err.Error())
		return
	}
	if intent.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	res, err := x.Kernel.Credit(r.Context(), intent)
	x.respondCredit(w, r, intent.UserID, res, err)
}

// HandleTraining credits a training result.
// POST /api/xp/{userID}/training  {"base": 100, "accuracy": 0.9}
func (x *XPAPI) HandleTraining(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Base     int64   `json:"base"`
		Accuracy float64 `json:"accuracy"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	userID := chi.URLParam(r, "userID")
	res, err := x.Kernel.AwardTrainingXP(r.Context(), userID, req.Base, req.Accuracy)
	x.respondCredit(w, r, userID, res, err)
}

// HandleBonus credits a bonus without a mastery requirement.
// POST /api/xp/{userID}/bonus  {"amount": 50, "source": "ACHIEVEMENT"}
func (x *XPAPI) HandleBonus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64           `json:"amount"`
		Source domain.XPSource `json:"source"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	userID := chi.URLParam(r, "userID")
	res, err := x.Kernel.AwardBonusXP(r.Context(), userID, req.Amount, req.Source)
	x.respondCredit(w, r, userID, res, err)
}

// HandleStreak credits the streak bonus for the given streak length.
// POST /api/xp/{userID}/streak  {"streak_days": 7}
func (x *XPAPI) HandleStreak(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StreakDays int `json:"streak_days"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	userID := chi.URLParam(r, "userID")
	res, err := x.Kernel.AwardStreakBonus(r.Context(), userID, req.StreakDays)
	x.respondCredit(w, r, userID, res, err)
}

// respondCredit writes a credit outcome. Rejections are 200 responses with
// success=false; only faults become error statuses.
func (x *XPAPI) respondCredit(w http.ResponseWriter, r *http.Request, userID string, res domain.CreditResult, err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if res.Success && x.Sync != nil {
		// Best effort; the credit already committed.
		dna, err := x.Sync.Read(context.WithoutCancel(r.Context()), userID, dnasync.ReadOptions{Force: true})
		switch {
		case err != nil:
			xpLog.WithError(err).WithField("user_id", userID).Debug("post-credit dna refresh failed")
		case dna.Offline:
			xpLog.WithField("user_id", userID).Debug("post-credit dna refresh served offline cache")
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleValidate runs the decrease gate.
// POST /api/xp/validate  {"prior": 1000, "proposed": 500}
func (x *XPAPI) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prior    int64 `json:"prior"`
		Proposed int64 `json:"proposed"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, x.Kernel.ValidateChange(req.Prior, req.Proposed))
}

// HandleGetXP returns the user's XP snapshot.
// GET /api/xp/{userID}
func (x *XPAPI) HandleGetXP(w http.ResponseWriter, r *http.Request) {
	snap, err := x.Kernel.GetXP(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if snap == nil {
		writeDomainError(w, domain.ErrProfileNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     snap.UserID,
		"xp_total":    snap.XPTotal,
		"xp_lifetime": snap.XPLifetime,
		"level":       snap.Level,
		"tier":        snap.Tier,
		"version":     snap.Version,
		"xp_to_next":  domain.XPToNextLevel(snap.XPLifetime),
	})
}

// HandleHistory returns the user's security log.
// GET /api/xp/{userID}/history?limit=50
func (x *XPAPI) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := x.Kernel.GetHistory(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

// HandleViolations returns blocked attempts, for one user when the route
// carries a userID and across all users otherwise.
// GET /api/xp/violations, GET /api/xp/{userID}/violations
func (x *XPAPI) HandleViolations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := x.Kernel.GetViolations(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

// HandleAudit reconciles the ledger with the profile.
// GET /api/xp/{userID}/audit
func (x *XPAPI) HandleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := x.Kernel.Audit(r.Context(), chi.URLParam(r, "userID"))
	if err != nil && !errors.Is(err, domain.ErrIntegrity) {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

// HandleFault reports the pending integrity fault.
// GET /api/xp/fault
func (x *XPAPI) HandleFault(w http.ResponseWriter, r *http.Request) {
	fault := x.Kernel.Fault()
	if fault == nil {
		writeJSON(w, http.StatusOK, map[string]any{"halted": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"halted": true, "fault": fault.Error()})
}

// HandleClearFault resumes writes.
// POST /api/xp/fault/clear
func (x *XPAPI) HandleClearFault(w http.ResponseWriter, r *http.Request) {
	x.Kernel.ClearFault()
	writeJSON(w, http.StatusOK, map[string]any{"halted": false})
}

func nonNil(entries []domain.SecurityLogEntry) []domain.SecurityLogEntry {
	if entries == nil {
		return []domain.SecurityLogEntry{}
	}
	return entries
}
