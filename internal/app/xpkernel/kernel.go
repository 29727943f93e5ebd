// Package xpkernel is the single writer of a user's XP.
//
// Every credit passes through Kernel.Credit:
//  1. Validate the intent (integer, bounds, mastery gate)
//  2. Read the profile and its version
//  3. Pass the new total through the decrease gate
//  4. Commit with a version-conditional increment, retrying on conflict
//  5. Append one security log entry, applied or blocked
//
// There is no decrement path. Validation failures are results, not errors;
// transport faults and conflict exhaustion are errors and are not logged.
package xpkernel

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pokerdna/dnacore/internal/domain"
	"github.com/pokerdna/dnacore/internal/infra/logging"
	"github.com/pokerdna/dnacore/internal/infra/observability"
)

// Config controls kernel limits.
type Config struct {
	MinIncrement       int64
	MaxSingleIncrement int64
	MasteryGate        float64
	CreditRetryLimit   int           // retries after the first conditional write
	RequestDeadline    time.Duration // per store call
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MinIncrement:       domain.MinIncrement,
		MaxSingleIncrement: domain.MaxSingleIncrement,
		MasteryGate:        domain.MasteryGate,
		CreditRetryLimit:   3,
		RequestDeadline:    10 * time.Second,
	}
}

// observation is what this client last saw of a user's profile.
type observation struct {
	profile      domain.UserProfile
	version      int64 // version the high-water marks were taken at
	highWater    int64 // highest xp_total observed
	lifetimeHigh int64 // highest xp_lifetime observed
}

// Kernel validates and applies XP credits.
type Kernel struct {
	store domain.XPStore
	cfg   Config
	log   logging.Logger

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	observed map[string]observation
	fault    *domain.IntegrityFault
	faults   chan error
}

// New creates a kernel bound to store.
func New(store domain.XPStore, cfg Config) *Kernel {
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = DefaultConfig().RequestDeadline
	}
	if cfg.CreditRetryLimit < 0 {
		cfg.CreditRetryLimit = 0
	}
	return &Kernel{
		store:    store,
		cfg:      cfg,
		log:      logging.GetLogger("app.xpkernel"),
		now:      time.Now,
		newID:    uuid.NewString,
		observed: make(map[string]observation),
		faults:   make(chan error, 16),
	}
}

// ─── Credits ────────────────────────────────────────────────────────────────

// Credit validates and applies one intent.
func (k *Kernel) Credit(ctx context.Context, intent domain.CreditIntent) (domain.CreditResult, error) {
	if f := k.Fault(); f != nil {
		return domain.CreditResult{}, f
	}
	if !intent.Source.Valid() {
		return domain.CreditResult{}, domain.ErrInvalidSource
	}

	if reason := k.validate(intent); reason != domain.ReasonNone {
		return k.reject(ctx, intent, reason)
	}
	return k.apply(ctx, intent, int64(intent.Amount))
}

// AwardTrainingXP credits a training result behind the mastery gate.
func (k *Kernel) AwardTrainingXP(ctx context.Context, userID string, base int64, accuracy float64) (domain.CreditResult, error) {
	return k.Credit(ctx, domain.CreditIntent{
		UserID:         userID,
		Amount:         float64(base),
		Source:         domain.SourceTraining,
		RequireMastery: true,
		Accuracy:       &accuracy,
	})
}

// AwardBonusXP credits amount without a mastery requirement.
func (k *Kernel) AwardBonusXP(ctx context.Context, userID string, amount int64, source domain.XPSource) (domain.CreditResult, error) {
	return k.Credit(ctx, domain.CreditIntent{
		UserID: userID,
		Amount: float64(amount),
		Source: source,
	})
}

// AwardStreakBonus credits min(1000, streakDays × 50) as STREAK_BONUS.
func (k *Kernel) AwardStreakBonus(ctx context.Context, userID string, streakDays int) (domain.CreditResult, error) {
	return k.AwardBonusXP(ctx, userID, domain.StreakBonus(streakDays), domain.SourceStreakBonus)
}

// ValidateChange is the canonical decrease gate.
func (k *Kernel) ValidateChange(prior, proposed int64) domain.Decision {
	return domain.ValidateChange(prior, proposed)
}

// validate runs the ordered intent checks and returns the first failure.
func (k *Kernel) validate(intent domain.CreditIntent) domain.ReasonCode {
	a := intent.Amount
	switch {
	case math.IsNaN(a) || math.IsInf(a, 0) || a != math.Trunc(a):
		return domain.ReasonNotInteger
	case a <= 0:
		return domain.ReasonNonPositive
	case a < float64(k.cfg.MinIncrement):
		return domain.ReasonBelowMin
	case a > float64(k.cfg.MaxSingleIncrement):
		return domain.ReasonAboveMax
	}
	if intent.RequireMastery {
		if intent.Accuracy == nil || math.IsNaN(*intent.Accuracy) || *intent.Accuracy < k.cfg.MasteryGate {
			return domain.ReasonMasteryGate
		}
	}
	return domain.ReasonNone
}

// reject logs a blocked attempt against the last observed total.
func (k *Kernel) reject(ctx context.Context, intent domain.CreditIntent, reason domain.ReasonCode) (domain.CreditResult, error) {
	obs, ok := k.lastObserved(intent.UserID)
	if !ok {
		p, err := k.getProfile(ctx, intent.UserID)
		if err != nil {
			return domain.CreditResult{}, err
		}
		if p != nil {
			if err := k.observe(*p); err != nil {
				return domain.CreditResult{}, err
			}
			obs.profile = *p
		} else {
			obs.profile = domain.NewProfile(intent.UserID)
		}
	}
	prior := obs.profile.XPTotal

	entry := domain.SecurityLogEntry{
		ID:             k.newID(),
		UserID:         intent.UserID,
		Timestamp:      k.now(),
		Source:         intent.Source,
		AttemptedDelta: intent.Amount,
		PriorTotal:     prior,
		ResultingTotal: prior,
		Blocked:        true,
		ReasonCode:     reason,
	}
	if err := k.appendLog(ctx, entry); err != nil {
		return domain.CreditResult{}, err
	}

	observability.XPCredits.WithLabelValues(string(intent.Source), "rejected").Inc()
	observability.XPRejections.WithLabelValues(string(reason)).Inc()
	k.log.WithFields(logging.Fields{
		"user_id": intent.UserID,
		"source":  intent.Source,
		"amount":  intent.Amount,
		"reason":  reason,
	}).Info("xp credit rejected")

	return domain.CreditResult{
		Success:    false,
		NewTotal:   prior,
		Level:      domain.LevelFor(obs.profile.XPLifetime),
		Tier:       domain.TierFor(obs.profile.XPLifetime, obs.profile.Accuracy),
		ReasonCode: reason,
	}, nil
}

// apply runs the optimistic-concurrency loop for a validated delta.
func (k *Kernel) apply(ctx context.Context, intent domain.CreditIntent, delta int64) (domain.CreditResult, error) {
	p, err := k.getProfile(ctx, intent.UserID)
	if err != nil {
		return domain.CreditResult{}, err
	}
	if p == nil {
		return domain.CreditResult{}, domain.ErrProfileNotFound
	}
	current := *p

	for attempt := 0; attempt <= k.cfg.CreditRetryLimit; attempt++ {
		if err := k.observe(current); err != nil {
			return domain.CreditResult{}, err
		}

		prior := current.XPTotal
		proposed := prior + delta
		if d := k.ValidateChange(prior, proposed); d.Blocked {
			// Only reachable on int64 overflow.
			return k.reject(ctx, intent, d.Reason)
		}

		res, err := k.increment(ctx, domain.XPIncrement{
			UserID:          intent.UserID,
			ExpectedVersion: current.Version,
			Delta:           delta,
			Source:          intent.Source,
			Accuracy:        intent.Accuracy,
		})
		if err != nil {
			return domain.CreditResult{}, err
		}
		if !res.Committed {
			observability.XPConflicts.Inc()
			k.log.WithFields(logging.Fields{
				"user_id":  intent.UserID,
				"expected": current.Version,
				"found":    res.Profile.Version,
				"attempt":  attempt + 1,
			}).Debug("xp credit version conflict")
			current = res.Profile
			continue
		}

		committed := res.Profile.Derive()
		if committed.XPTotal != proposed {
			return domain.CreditResult{}, k.raise(&domain.IntegrityFault{
				UserID:   intent.UserID,
				Reason:   "committed total does not match prior + delta",
				Expected: proposed,
				Observed: committed.XPTotal,
			})
		}
		if err := k.observe(committed); err != nil {
			return domain.CreditResult{}, err
		}

		entry := domain.SecurityLogEntry{
			ID:             k.newID(),
			UserID:         intent.UserID,
			Timestamp:      k.now(),
			Source:         intent.Source,
			AttemptedDelta: intent.Amount,
			AppliedDelta:   delta,
			PriorTotal:     prior,
			ResultingTotal: committed.XPTotal,
		}
		// The write is durable; the caller going away must not orphan it
		// from its log entry.
		if err := k.appendLog(context.WithoutCancel(ctx), entry); err != nil {
			k.log.WithError(err).WithField("user_id", intent.UserID).
				Error("security log append failed after commit")
			return domain.CreditResult{}, err
		}

		observability.XPCredits.WithLabelValues(string(intent.Source), "applied").Inc()
		observability.XPAwarded.WithLabelValues(string(intent.Source)).Add(float64(delta))
		k.log.WithFields(logging.Fields{
			"user_id":   intent.UserID,
			"source":    intent.Source,
			"delta":     delta,
			"new_total": committed.XPTotal,
			"version":   committed.Version,
		}).Info("xp credit applied")

		return domain.CreditResult{
			Success:  true,
			NewTotal: committed.XPTotal,
			Level:    committed.Level,
			Tier:     committed.Tier,
			Delta:    delta,
		}, nil
	}

	observability.XPConflictExhausted.Inc()
	k.log.WithField("user_id", intent.UserID).Warn("xp credit conflict retries exhausted")
	return domain.CreditResult{}, domain.ErrConflictExhausted
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// GetXP returns the user's current XP, or nil if the user has no profile.
func (k *Kernel) GetXP(ctx context.Context, userID string) (*domain.XPSnapshot, error) {
	p, err := k.getProfile(ctx, userID)
	if err != nil || p == nil {
		return nil, err
	}
	if err := k.observe(*p); err != nil {
		return nil, err
	}
	return &domain.XPSnapshot{
		UserID:     p.UserID,
		XPTotal:    p.XPTotal,
		XPLifetime: p.XPLifetime,
		Level:      p.Level,
		Tier:       p.Tier,
		Version:    p.Version,
	}, nil
}

// GetHistory returns the user's security log, most recent first.
func (k *Kernel) GetHistory(ctx context.Context, userID string, limit int) ([]domain.SecurityLogEntry, error) {
	return k.query(ctx, domain.LogQuery{UserID: userID, Limit: limit})
}

// GetViolations returns blocked entries, most recent first. An empty userID
// spans all users.
func (k *Kernel) GetViolations(ctx context.Context, userID string, limit int) ([]domain.SecurityLogEntry, error) {
	return k.query(ctx, domain.LogQuery{UserID: userID, BlockedOnly: true, Limit: limit})
}

// ─── Store Calls ────────────────────────────────────────────────────────────

func (k *Kernel) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, k.cfg.RequestDeadline)
}

func (k *Kernel) getProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	cctx, cancel := k.callCtx(ctx)
	defer cancel()
	start := time.Now()
	p, err := k.store.GetProfile(cctx, userID)
	observability.ObserveStoreCall("get_profile", start, err)
	if err != nil {
		return nil, domain.Unavailable("get_profile", err)
	}
	if p != nil {
		d := p.Derive()
		p = &d
	}
	return p, nil
}

func (k *Kernel) increment(ctx context.Context, inc domain.XPIncrement) (domain.CommitResult, error) {
	cctx, cancel := k.callCtx(ctx)
	defer cancel()
	start := time.Now()
	res, err := k.store.IncrementXPConditional(cctx, inc)
	observability.ObserveStoreCall("increment_xp_conditional", start, err)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			return domain.CommitResult{}, err
		}
		return domain.CommitResult{}, domain.Unavailable("increment_xp_conditional", err)
	}
	return res, nil
}

func (k *Kernel) appendLog(ctx context.Context, entry domain.SecurityLogEntry) error {
	cctx, cancel := k.callCtx(ctx)
	defer cancel()
	start := time.Now()
	err := k.store.AppendSecurityLog(cctx, entry)
	observability.ObserveStoreCall("append_security_log", start, err)
	return domain.Unavailable("append_security_log", err)
}

func (k *Kernel) query(ctx context.Context, q domain.LogQuery) ([]domain.SecurityLogEntry, error) {
	cctx, cancel := k.callCtx(ctx)
	defer cancel()
	start := time.Now()
	entries, err := k.store.QuerySecurityLog(cctx, q)
	observability.ObserveStoreCall("query_security_log", start, err)
	if err != nil {
		return nil, domain.Unavailable("query_security_log", err)
	}
	return entries, nil
}
