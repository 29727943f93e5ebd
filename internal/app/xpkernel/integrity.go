package xpkernel

import (
	"context"

	"github.com/pokerdna/dnacore/internal/domain"
	"github.com/pokerdna/dnacore/internal/infra/logging"
	"github.com/pokerdna/dnacore/internal/infra/observability"
)

// AuditReport is the result of reconciling a user's ledger with the profile.
type AuditReport struct {
	UserID     string `json:"user_id"`
	LedgerSum  int64  `json:"ledger_sum"` // Σ applied delta over non-blocked entries
	XPTotal    int64  `json:"xp_total"`
	XPLifetime int64  `json:"xp_lifetime"`
	XPBaseline int64  `json:"xp_baseline"`
	Entries    int    `json:"entries"`
	Blocked    int    `json:"blocked"`
	Consistent bool   `json:"consistent"`
}

// Faults delivers integrity faults as they are raised. Sends never block;
// faults are dropped when nobody drains the channel, but Fault still
// reports the latest one.
func (k *Kernel) Faults() <-chan error { return k.faults }

// Fault returns the pending integrity fault, or nil.
func (k *Kernel) Fault() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fault == nil {
		return nil
	}
	return k.fault
}

// ClearFault resumes writes after an operator has resolved a fault. The
// high-water marks are reset so the next read re-establishes them.
func (k *Kernel) ClearFault() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fault != nil {
		k.log.WithField("user_id", k.fault.UserID).Warn("integrity fault cleared")
	}
	k.fault = nil
	k.observed = make(map[string]observation)
}

// Audit reconciles the security log against the profile:
//
//	Σ applied delta (non-blocked) == xp_lifetime − xp_baseline
//	xp_lifetime == xp_total
//
// A mismatch raises an integrity fault and returns it with the report.
func (k *Kernel) Audit(ctx context.Context, userID string) (AuditReport, error) {
	p, err := k.getProfile(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	if p == nil {
		return AuditReport{}, domain.ErrProfileNotFound
	}
	entries, err := k.query(ctx, domain.LogQuery{UserID: userID})
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{
		UserID:     userID,
		XPTotal:    p.XPTotal,
		XPLifetime: p.XPLifetime,
		XPBaseline: p.XPBaseline,
		Entries:    len(entries),
	}
	for _, e := range entries {
		if e.Blocked {
			report.Blocked++
			continue
		}
		report.LedgerSum += e.AppliedDelta
	}

	expected := p.XPLifetime - p.XPBaseline
	switch {
	case report.LedgerSum != expected:
		return report, k.raise(&domain.IntegrityFault{
			UserID:   userID,
			Reason:   "security log sum does not match xp_lifetime - xp_baseline",
			Expected: expected,
			Observed: report.LedgerSum,
		})
	case p.XPLifetime != p.XPTotal:
		return report, k.raise(&domain.IntegrityFault{
			UserID:   userID,
			Reason:   "xp_lifetime diverged from xp_total",
			Expected: p.XPLifetime,
			Observed: p.XPTotal,
		})
	}
	report.Consistent = true
	return report, nil
}

// lastObserved returns the most recent observation of userID.
func (k *Kernel) lastObserved(userID string) (observation, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	obs, ok := k.observed[userID]
	return obs, ok
}

// observe records p and raises a fault if it regresses below anything this
// client has seen at the same or an earlier version. A profile older than
// the last observation is a read that raced a newer commit; it is ignored.
func (k *Kernel) observe(p domain.UserProfile) error {
	k.mu.Lock()
	obs, seen := k.observed[p.UserID]
	var fault *domain.IntegrityFault
	switch {
	case p.XPLifetime != p.XPTotal:
		fault = &domain.IntegrityFault{
			UserID:   p.UserID,
			Reason:   "xp_lifetime diverged from xp_total",
			Expected: p.XPLifetime,
			Observed: p.XPTotal,
		}
	case seen && p.Version < obs.version:
		// stale read, keep the newer observation
	case seen && p.XPTotal < obs.highWater:
		fault = &domain.IntegrityFault{
			UserID:   p.UserID,
			Reason:   "store reported xp_total below a previously observed value",
			Expected: obs.highWater,
			Observed: p.XPTotal,
		}
	case seen && p.XPLifetime < obs.lifetimeHigh:
		fault = &domain.IntegrityFault{
			UserID:   p.UserID,
			Reason:   "store reported xp_lifetime below a previously observed value",
			Expected: obs.lifetimeHigh,
			Observed: p.XPLifetime,
		}
	default:
		obs.profile = p
		obs.version = p.Version
		obs.highWater = max(obs.highWater, p.XPTotal)
		obs.lifetimeHigh = max(obs.lifetimeHigh, p.XPLifetime)
		k.observed[p.UserID] = obs
	}
	k.mu.Unlock()

	if fault != nil {
		return k.raise(fault)
	}
	return nil
}

// raise records f as the pending fault and publishes it.
func (k *Kernel) raise(f *domain.IntegrityFault) error {
	k.mu.Lock()
	k.fault = f
	k.mu.Unlock()

	observability.IntegrityFaults.Inc()
	k.log.WithFields(logging.Fields{
		"user_id":  f.UserID,
		"reason":   f.Reason,
		"expected": f.Expected,
		"observed": f.Observed,
	}).Error("integrity fault, xp writes halted")

	select {
	case k.faults <- f:
	default:
	}
	return f
}
