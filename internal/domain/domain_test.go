package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

// ─── Progression Tests ──────────────────────────────────────────────────────

func TestLevelFor(t *testing.T) {
	tests := []struct {
		xp   int64
		want int
	}{
		{-5, 1},
		{0, 1},
		{999, 1},
		{1000, 2},
		{1100, 2},
		{25_000, 26},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.xp); got != tt.want {
			t.Errorf("LevelFor(%d) = %d, want %d", tt.xp, got, tt.want)
		}
	}
}

func TestLevelFor_Monotonic(t *testing.T) {
	prev := LevelFor(0)
	for xp := int64(0); xp <= 50_000; xp += 37 {
		got := LevelFor(xp)
		if got < prev {
			t.Fatalf("LevelFor(%d) = %d dropped below %d", xp, got, prev)
		}
		prev = got
	}
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		name     string
		xp       int64
		accuracy float64
		want     Tier
	}{
		{"new player", 0, 0.5, TierBronze},
		{"just below silver", TierSilverXP - 1, 0.9, TierBronze},
		{"silver", TierSilverXP, 0.1, TierSilver},
		{"gold", TierGoldXP, 0.5, TierGold},
		{"master xp without accuracy stays gold", TierGTOMasterXP, 0.84, TierGold},
		{"master", TierGTOMasterXP, MasteryGate, TierGTOMaster},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TierFor(tt.xp, tt.accuracy); got != tt.want {
				t.Errorf("TierFor(%d, %.2f) = %s, want %s", tt.xp, tt.accuracy, got, tt.want)
			}
		})
	}
}

func TestStreakMultiplier_StepFunction(t *testing.T) {
	tests := []struct {
		days int
		want float64
	}{
		{0, 1.0}, {2, 1.0}, {3, 1.5}, {6, 1.5}, {7, 2.0}, {365, 2.0},
	}
	for _, tt := range tests {
		if got := StreakMultiplier(tt.days); got != tt.want {
			t.Errorf("StreakMultiplier(%d) = %.1f, want %.1f", tt.days, got, tt.want)
		}
	}

	prev := StreakMultiplier(0)
	for d := 1; d < 30; d++ {
		if got := StreakMultiplier(d); got < prev {
			t.Fatalf("StreakMultiplier(%d) = %.1f < %.1f", d, got, prev)
		}
		prev = StreakMultiplier(d)
	}
}

func TestStreakBonus(t *testing.T) {
	if got := StreakBonus(25); got != 1000 {
		t.Errorf("StreakBonus(25) = %d, want 1000 (capped)", got)
	}
	if got := StreakBonus(4); got != 200 {
		t.Errorf("StreakBonus(4) = %d, want 200", got)
	}
	if got := StreakBonus(0); got != 0 {
		t.Errorf("StreakBonus(0) = %d, want 0", got)
	}
}

func TestXPToNextLevel(t *testing.T) {
	if got := XPToNextLevel(1100); got != 900 {
		t.Errorf("XPToNextLevel(1100) = %d, want 900", got)
	}
	if got := XPToNextLevel(0); got != 1000 {
		t.Errorf("XPToNextLevel(0) = %d, want 1000", got)
	}
}

// ─── Decrease Gate ──────────────────────────────────────────────────────────

func TestValidateChange(t *testing.T) {
	tests := []struct {
		prior, proposed int64
		blocked         bool
	}{
		{1000, 500, true},
		{1000, 999, true},
		{1000, 1000, false},
		{1000, 1100, false},
		{0, 0, false},
	}
	for _, tt := range tests {
		d := ValidateChange(tt.prior, tt.proposed)
		if d.Blocked != tt.blocked {
			t.Errorf("ValidateChange(%d, %d).Blocked = %v, want %v", tt.prior, tt.proposed, d.Blocked, tt.blocked)
		}
		if d.Blocked && d.Reason != ReasonDecreaseBlocked {
			t.Errorf("reason = %q, want %q", d.Reason, ReasonDecreaseBlocked)
		}
		if !d.Blocked && d.Reason != ReasonNone {
			t.Errorf("unblocked decision carries reason %q", d.Reason)
		}
	}
}

// ─── Profile Tests ──────────────────────────────────────────────────────────

func TestNewProfile(t *testing.T) {
	p := NewProfile("u1")
	if p.XPTotal != 0 || p.XPLifetime != 0 || p.Version != 0 {
		t.Errorf("counters not zero: %+v", p)
	}
	if p.Level != 1 {
		t.Errorf("Level = %d, want 1", p.Level)
	}
	if p.Tier != TierBronze {
		t.Errorf("Tier = %s, want BRONZE", p.Tier)
	}
	if p.Traits != DefaultTraits() {
		t.Errorf("Traits = %+v, want all 0.5", p.Traits)
	}
	if p.StreakMultiplier != 1.0 {
		t.Errorf("StreakMultiplier = %f, want 1.0", p.StreakMultiplier)
	}
}

func TestDefaultDNA(t *testing.T) {
	now := time.Now()
	d := DefaultDNA("u1", now)
	if !d.IsDefault {
		t.Error("IsDefault should be true")
	}
	if d.Level != 1 || d.Version != 0 || d.Grit != 0.5 {
		t.Errorf("unexpected default: %+v", d)
	}
	if d.PendingSync {
		t.Error("default must not be pending")
	}
}

func TestProfilePatch_Apply(t *testing.T) {
	p := NewProfile("u1")
	p.XPTotal, p.XPLifetime, p.Version = 1000, 1000, 7
	p = p.Derive()

	xp := int64(1050)
	grit := 0.9
	got := ProfilePatch{XPTotal: &xp, XPLifetime: &xp, Grit: &grit}.Apply(p)

	if got.XPTotal != 1050 || got.Grit != 0.9 {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.Version != 7 {
		t.Errorf("Version = %d, patches must not touch version", got.Version)
	}
	if got.Aggression != 0.5 {
		t.Errorf("untouched field changed: Aggression = %f", got.Aggression)
	}
	if p.XPTotal != 1000 {
		t.Error("Apply mutated its input")
	}
}

func TestTraits_Valid(t *testing.T) {
	if !DefaultTraits().Valid() {
		t.Error("default traits should be valid")
	}
	bad := DefaultTraits()
	bad.Wealth = 1.2
	if bad.Valid() {
		t.Error("1.2 should be invalid")
	}
	bad.Wealth = math.NaN()
	if bad.Valid() {
		t.Error("NaN should be invalid")
	}
}

func TestXPSource_Valid(t *testing.T) {
	for _, s := range AllSources() {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if XPSource("CHEAT").Valid() {
		t.Error("unknown source reported valid")
	}
	if len(AllSources()) != 10 {
		t.Errorf("expected 10 sources, got %d", len(AllSources()))
	}
}

// ─── Relative Time ──────────────────────────────────────────────────────────

func TestRelativeTime(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{-time.Hour, "just now"},
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{2 * 24 * time.Hour, "2d ago"},
		{15 * 24 * time.Hour, "2w ago"},
		{60 * 24 * time.Hour, "Apr 16, 2025"},
	}
	for _, tt := range tests {
		if got := RelativeTime(now.Add(-tt.ago), now); got != tt.want {
			t.Errorf("RelativeTime(-%s) = %q, want %q", tt.ago, got, tt.want)
		}
	}
}

// ─── Error Tests ────────────────────────────────────────────────────────────

func TestStoreError_IsUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unavailable("get_profile", cause)

	if !errors.Is(err, ErrStoreUnavailable) {
		t.Error("errors.Is(err, ErrStoreUnavailable) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("original cause lost")
	}
	if again := Unavailable("other", err); again != err {
		t.Error("Unavailable should not double-wrap")
	}
	if Unavailable("noop", nil) != nil {
		t.Error("Unavailable(nil) should be nil")
	}
}

func TestIntegrityFault_Is(t *testing.T) {
	var err error = &IntegrityFault{UserID: "u1", Reason: "xp decreased", Expected: 10, Observed: 5}
	if !errors.Is(err, ErrIntegrity) {
		t.Error("errors.Is(fault, ErrIntegrity) = false")
	}
	if errors.Is(err, ErrStoreUnavailable) {
		t.Error("integrity fault must not look like a transport fault")
	}
}
