// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring: the XP kernel, the DNA synchronizer and every
// store implementation depend on it; it depends on nothing.
package domain

import "time"

// ─── Profile Types ──────────────────────────────────────────────────────────

// Default trait value for a freshly created profile.
const DefaultTrait = 0.5

// Tier is the competitive tier derived from lifetime XP and accuracy.
type Tier string

const (
	TierBronze    Tier = "BRONZE"
	TierSilver    Tier = "SILVER"
	TierGold      Tier = "GOLD"
	TierGTOMaster Tier = "GTO_MASTER"
)

// Traits holds the five DNA traits, each in [0, 1].
type Traits struct {
	Grit       float64 `json:"grit"`
	Accuracy   float64 `json:"accuracy"`
	Aggression float64 `json:"aggression"`
	Wealth     float64 `json:"wealth"`
	Reputation float64 `json:"reputation"`
}

// DefaultTraits returns the neutral trait set every new profile starts with.
func DefaultTraits() Traits {
	return Traits{
		Grit:       DefaultTrait,
		Accuracy:   DefaultTrait,
		Aggression: DefaultTrait,
		Wealth:     DefaultTrait,
		Reputation: DefaultTrait,
	}
}

// Valid reports whether every trait lies in [0, 1].
func (t Traits) Valid() bool {
	for _, v := range []float64{t.Grit, t.Accuracy, t.Aggression, t.Wealth, t.Reputation} {
		if v < 0 || v > 1 || v != v {
			return false
		}
	}
	return true
}

// UserProfile is the authoritative per-user DNA record.
// Level and Tier are derived; stores fill them with Derive after decoding.
type UserProfile struct {
	UserID           string  `json:"user_id"`
	XPTotal          int64   `json:"xp_total"`
	XPLifetime       int64   `json:"xp_lifetime"`
	XPBaseline       int64   `json:"xp_baseline"` // administratively recorded, normally 0
	Level            int     `json:"level"`
	Tier             Tier    `json:"tier"`
	Traits                   // grit, accuracy, aggression, wealth, reputation
	DiamondBalance   int64   `json:"diamond_balance"`
	DiamondLifetime  int64   `json:"diamond_lifetime"`
	StreakDays       int     `json:"streak_days"`
	StreakMultiplier float64 `json:"streak_multiplier"`
	IsVerified       bool    `json:"is_verified"`
	IsProVerified    bool    `json:"is_pro_verified"`
	Version          int64   `json:"version"`
}

// NewProfile returns the first-login profile for userID: counters at zero,
// traits neutral, tier BRONZE, version 0.
func NewProfile(userID string) UserProfile {
	p := UserProfile{
		UserID:           userID,
		Traits:           DefaultTraits(),
		StreakMultiplier: 1.0,
	}
	return p.Derive()
}

// Derive recomputes Level and Tier from XPLifetime and the accuracy trait.
func (p UserProfile) Derive() UserProfile {
	p.Level = LevelFor(p.XPLifetime)
	p.Tier = TierFor(p.XPLifetime, p.Accuracy)
	return p
}

// ─── Cache Types ────────────────────────────────────────────────────────────

// CachedDNA is the synchronizer's local projection of a UserProfile.
//
// When PendingSync is set the fields reflect a speculative optimistic update
// that the authoritative store has not confirmed yet. Version is always the
// last version observed from the store, never a speculative one.
type CachedDNA struct {
	UserProfile
	CachedAt    time.Time `json:"cached_at"`
	PendingSync bool      `json:"pending_sync"`
	IsDefault   bool      `json:"is_default"`        // synthetic profile, no store observation behind it
	Offline     bool      `json:"offline,omitempty"` // served as offline fallback
}

// DefaultDNA returns the synthetic profile handed out when nothing is cached
// and the store cannot be reached.
func DefaultDNA(userID string, now time.Time) CachedDNA {
	return CachedDNA{
		UserProfile: NewProfile(userID),
		CachedAt:    now,
		IsDefault:   true,
	}
}

// ProfilePatch is a partial overlay used for optimistic updates.
// Nil fields are left untouched.
type ProfilePatch struct {
	XPTotal          *int64   `json:"xp_total,omitempty"`
	XPLifetime       *int64   `json:"xp_lifetime,omitempty"`
	Grit             *float64 `json:"grit,omitempty"`
	Accuracy         *float64 `json:"accuracy,omitempty"`
	Aggression       *float64 `json:"aggression,omitempty"`
	Wealth           *float64 `json:"wealth,omitempty"`
	Reputation       *float64 `json:"reputation,omitempty"`
	DiamondBalance   *int64   `json:"diamond_balance,omitempty"`
	DiamondLifetime  *int64   `json:"diamond_lifetime,omitempty"`
	StreakDays       *int     `json:"streak_days,omitempty"`
	StreakMultiplier *float64 `json:"streak_multiplier,omitempty"`
	IsVerified       *bool    `json:"is_verified,omitempty"`
	IsProVerified    *bool    `json:"is_pro_verified,omitempty"`
}

// Apply overlays the non-nil patch fields onto p. Level and Tier are
// re-derived so the projection stays self-consistent.
func (pt ProfilePatch) Apply(p UserProfile) UserProfile {
	if pt.XPTotal != nil {
		p.XPTotal = *pt.XPTotal
	}
	if pt.XPLifetime != nil {
		p.XPLifetime = *pt.XPLifetime
	}
	if pt.Grit != nil {
		p.Grit = *pt.Grit
	}
	if pt.Accuracy != nil {
		p.Accuracy = *pt.Accuracy
	}
	if pt.Aggression != nil {
		p.Aggression = *pt.Aggression
	}
	if pt.Wealth != nil {
		p.Wealth = *pt.Wealth
	}
	if pt.Reputation != nil {
		p.Reputation = *pt.Reputation
	}
	if pt.DiamondBalance != nil {
		p.DiamondBalance = *pt.DiamondBalance
	}
	if pt.DiamondLifetime != nil {
		p.DiamondLifetime = *pt.DiamondLifetime
	}
	if pt.StreakDays != nil {
		p.StreakDays = *pt.StreakDays
	}
	if pt.StreakMultiplier != nil {
		p.StreakMultiplier = *pt.StreakMultiplier
	}
	if pt.IsVerified != nil {
		p.IsVerified = *pt.IsVerified
	}
	if pt.IsProVerified != nil {
		p.IsProVerified = *pt.IsProVerified
	}
	return p.Derive()
}

// TraitsPatch builds the patch that replaces all five traits.
func TraitsPatch(t Traits) ProfilePatch {
	return ProfilePatch{
		Grit:       &t.Grit,
		Accuracy:   &t.Accuracy,
		Aggression: &t.Aggression,
		Wealth:     &t.Wealth,
		Reputation: &t.Reputation,
	}
}
