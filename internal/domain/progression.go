package domain

// ─── Progression (pure) ─────────────────────────────────────────────────────
// Level, tier and streak mappings. All of these are pure and monotonic
// non-decreasing in their XP/day inputs.

const (
	// XPPerLevel is the lifetime XP needed for each level step.
	XPPerLevel = 1000

	TierSilverXP    = 5_000
	TierGoldXP      = 25_000
	TierGTOMasterXP = 100_000

	// MaxStreakBonus caps the XP awarded by a single streak bonus.
	MaxStreakBonus = 1000
	// StreakBonusPerDay is the XP granted per streak day before the cap.
	StreakBonusPerDay = 50
)

// LevelFor maps lifetime XP to a level: 1 + floor(xp / 1000), never below 1.
func LevelFor(xpLifetime int64) int {
	if xpLifetime <= 0 {
		return 1
	}
	return 1 + int(xpLifetime/XPPerLevel)
}

// TierFor maps lifetime XP and accuracy to a tier.
// GTO_MASTER additionally requires accuracy at or above the mastery gate;
// below it, players past the XP threshold stay GOLD.
func TierFor(xpLifetime int64, accuracy float64) Tier {
	switch {
	case xpLifetime >= TierGTOMasterXP && accuracy >= MasteryGate:
		return TierGTOMaster
	case xpLifetime >= TierGoldXP:
		return TierGold
	case xpLifetime >= TierSilverXP:
		return TierSilver
	default:
		return TierBronze
	}
}

// StreakMultiplier returns the credit multiplier for a daily streak:
// 1.0 below 3 days, 1.5 for 3–6 days, 2.0 from 7 days on.
func StreakMultiplier(streakDays int) float64 {
	switch {
	case streakDays >= 7:
		return 2.0
	case streakDays >= 3:
		return 1.5
	default:
		return 1.0
	}
}

// StreakBonus is the XP awarded for a streak: min(1000, days × 50).
func StreakBonus(streakDays int) int64 {
	if streakDays <= 0 {
		return 0
	}
	bonus := int64(streakDays) * StreakBonusPerDay
	if bonus > MaxStreakBonus {
		return MaxStreakBonus
	}
	return bonus
}

// XPToNextLevel returns how much lifetime XP is missing to reach the next level.
func XPToNextLevel(xpLifetime int64) int64 {
	if xpLifetime < 0 {
		xpLifetime = 0
	}
	return XPPerLevel - xpLifetime%XPPerLevel
}
