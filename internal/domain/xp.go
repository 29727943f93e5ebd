package domain

import "time"

// ─── XP Ledger Types ────────────────────────────────────────────────────────
// The security log is append-only: every credit attempt that reaches
// validation produces exactly one entry, applied or blocked.

// XP credit limits and gates.
const (
	MinIncrement       = 1
	MaxSingleIncrement = 100_000
	MasteryGate        = 0.85

	// NoDecrease is a compile-time law: nothing in this module lowers XP.
	NoDecrease = true
)

// XPSource tags where a credit came from.
type XPSource string

const (
	SourceTraining        XPSource = "TRAINING"
	SourceDrill           XPSource = "DRILL"
	SourceQuiz            XPSource = "QUIZ"
	SourceStreakBonus     XPSource = "STREAK_BONUS"
	SourceAchievement     XPSource = "ACHIEVEMENT"
	SourceBankrollSession XPSource = "BANKROLL_SESSION"
	SourceSocialAction    XPSource = "SOCIAL_ACTION"
	SourceDailyLogin      XPSource = "DAILY_LOGIN"
	SourceReferral        XPSource = "REFERRAL"
	SourceAdmin           XPSource = "ADMIN"
)

// AllSources lists every recognised XP source.
func AllSources() []XPSource {
	return []XPSource{
		SourceTraining, SourceDrill, SourceQuiz, SourceStreakBonus, SourceAchievement,
		SourceBankrollSession, SourceSocialAction, SourceDailyLogin, SourceReferral, SourceAdmin,
	}
}

// Valid reports whether s is a recognised source.
func (s XPSource) Valid() bool {
	for _, known := range AllSources() {
		if s == known {
			return true
		}
	}
	return false
}

// ReasonCode explains why a credit was blocked.
type ReasonCode string

const (
	ReasonNone            ReasonCode = ""
	ReasonNonPositive     ReasonCode = "NON_POSITIVE"
	ReasonNotInteger      ReasonCode = "NOT_INTEGER"
	ReasonBelowMin        ReasonCode = "BELOW_MIN"
	ReasonAboveMax        ReasonCode = "ABOVE_MAX"
	ReasonMasteryGate     ReasonCode = "MASTERY_GATE"
	ReasonDecreaseBlocked ReasonCode = "DECREASE_BLOCKED"
)

// CreditIntent is a request to add XP to a user.
// Amount is a float so that non-integral input can be observed and rejected.
type CreditIntent struct {
	UserID         string   `json:"user_id"`
	Amount         float64  `json:"amount"`
	Source         XPSource `json:"source"`
	RequireMastery bool     `json:"require_mastery"`
	Accuracy       *float64 `json:"accuracy,omitempty"` // required iff RequireMastery
}

// CreditResult is the outcome of a credit attempt. Rejections are results,
// not errors.
type CreditResult struct {
	Success    bool       `json:"success"`
	NewTotal   int64      `json:"new_total"`
	Level      int        `json:"level"`
	Tier       Tier       `json:"tier"`
	Delta      int64      `json:"delta"`
	ReasonCode ReasonCode `json:"reason_code,omitempty"`
}

// SecurityLogEntry is one row of the append-only XP audit trail.
// Blocked entries always carry AppliedDelta 0 and ResultingTotal == PriorTotal.
type SecurityLogEntry struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Timestamp      time.Time  `json:"timestamp"`
	Source         XPSource   `json:"source"`
	AttemptedDelta float64    `json:"attempted_delta"`
	AppliedDelta   int64      `json:"applied_delta"`
	PriorTotal     int64      `json:"prior_total"`
	ResultingTotal int64      `json:"resulting_total"`
	Blocked        bool       `json:"blocked"`
	ReasonCode     ReasonCode `json:"reason_code,omitempty"`
}

// Decision is the verdict of the canonical decrease gate.
type Decision struct {
	Blocked bool       `json:"blocked"`
	Reason  ReasonCode `json:"reason,omitempty"`
}

// ValidateChange is the canonical gate every caller that materialises a new
// total from a delta must pass through. A proposed total below the prior one
// is always blocked.
func ValidateChange(prior, proposed int64) Decision {
	if proposed < prior {
		return Decision{Blocked: true, Reason: ReasonDecreaseBlocked}
	}
	return Decision{}
}

// XPSnapshot is the read model returned by the kernel's GetXP.
type XPSnapshot struct {
	UserID     string `json:"user_id"`
	XPTotal    int64  `json:"xp_total"`
	XPLifetime int64  `json:"xp_lifetime"`
	Level      int    `json:"level"`
	Tier       Tier   `json:"tier"`
	Version    int64  `json:"version"`
}

// ─── Store Request Types ────────────────────────────────────────────────────

// XPIncrement is a version-conditional XP write.
type XPIncrement struct {
	UserID          string
	ExpectedVersion int64
	Delta           int64
	Source          XPSource
	Accuracy        *float64
}

// CommitResult reports a conditional write. Profile is the post-write row
// when Committed, otherwise the current authoritative row.
type CommitResult struct {
	Committed bool
	Profile   UserProfile
}

// LogQuery selects security log entries, most recent first.
// Empty UserID means all users; Limit <= 0 means no limit.
type LogQuery struct {
	UserID      string
	BlockedOnly bool
	Limit       int
}
