package xpkernel

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokerdna/dnacore/internal/domain"
	"github.com/pokerdna/dnacore/internal/infra/memstore"
)

// seeded returns a store holding user u1 at xp 1000, version 5, with the
// existing XP recorded as baseline so audits start consistent.
func seeded(t *testing.T) (*Kernel, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	p := domain.NewProfile("u1")
	p.XPTotal, p.XPLifetime, p.XPBaseline = 1000, 1000, 1000
	p.Version = 5
	s.SetProfile(p)
	return New(s, DefaultConfig()), s
}

func profileOf(t *testing.T, s *memstore.Store, userID string) domain.UserProfile {
	t.Helper()
	p, err := s.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, p)
	return *p
}

// ─── Concrete Scenarios ─────────────────────────────────────────────────────

func TestAwardTrainingXP_Happy(t *testing.T) {
	k, s := seeded(t)

	res, err := k.AwardTrainingXP(context.Background(), "u1", 100, 0.9)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1100), res.NewTotal)
	assert.Equal(t, int64(100), res.Delta)
	assert.Equal(t, 2, res.Level)

	assert.Equal(t, int64(6), profileOf(t, s, "u1").Version)

	entries := s.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, int64(100), e.AppliedDelta)
	assert.False(t, e.Blocked)
	assert.Equal(t, domain.SourceTraining, e.Source)
	assert.Equal(t, int64(1000), e.PriorTotal)
	assert.Equal(t, int64(1100), e.ResultingTotal)
	assert.NotEmpty(t, e.ID)
}

func TestAwardTrainingXP_MasteryGate(t *testing.T) {
	k, s := seeded(t)

	res, err := k.AwardTrainingXP(context.Background(), "u1", 100, 0.80)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ReasonMasteryGate, res.ReasonCode)
	assert.Equal(t, int64(1000), res.NewTotal)

	p := profileOf(t, s, "u1")
	assert.Equal(t, int64(1000), p.XPTotal)
	assert.Equal(t, int64(5), p.Version)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Blocked)
	assert.Equal(t, int64(0), entries[0].AppliedDelta)
	assert.Equal(t, entries[0].PriorTotal, entries[0].ResultingTotal)
	assert.Equal(t, domain.ReasonMasteryGate, entries[0].ReasonCode)
}

func TestValidateChange_NoStoreCall(t *testing.T) {
	k, s := seeded(t)
	before := s.Calls("")

	d := k.ValidateChange(1000, 500)
	assert.True(t, d.Blocked)
	assert.Equal(t, domain.ReasonDecreaseBlocked, d.Reason)
	assert.False(t, k.ValidateChange(1000, 1000).Blocked)

	assert.Equal(t, before, s.Calls(""))
	assert.Empty(t, s.Entries())
}

func TestAwardStreakBonus_Ceiling(t *testing.T) {
	k, s := seeded(t)

	res, err := k.AwardStreakBonus(context.Background(), "u1", 25)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1000), res.Delta)
	assert.Equal(t, int64(2000), res.NewTotal)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SourceStreakBonus, entries[0].Source)
}

// ─── Validation ─────────────────────────────────────────────────────────────

func TestCredit_ValidationOrder(t *testing.T) {
	low := 0.5
	high := 0.95
	tests := []struct {
		name   string
		intent domain.CreditIntent
		want   domain.ReasonCode
	}{
		{"fraction", domain.CreditIntent{Amount: 10.5}, domain.ReasonNotInteger},
		{"negative fraction", domain.CreditIntent{Amount: -0.5}, domain.ReasonNotInteger},
		{"nan", domain.CreditIntent{Amount: math.NaN()}, domain.ReasonNotInteger},
		{"inf", domain.CreditIntent{Amount: math.Inf(1)}, domain.ReasonNotInteger},
		{"zero", domain.CreditIntent{Amount: 0}, domain.ReasonNonPositive},
		{"negative", domain.CreditIntent{Amount: -50}, domain.ReasonNonPositive},
		{"above max", domain.CreditIntent{Amount: 100_001}, domain.ReasonAboveMax},
		{"above max beats mastery", domain.CreditIntent{Amount: 200_000, RequireMastery: true, Accuracy: &low}, domain.ReasonAboveMax},
		{"mastery missing accuracy", domain.CreditIntent{Amount: 10, RequireMastery: true}, domain.ReasonMasteryGate},
		{"mastery low", domain.CreditIntent{Amount: 10, RequireMastery: true, Accuracy: &low}, domain.ReasonMasteryGate},
		{"ok", domain.CreditIntent{Amount: 10, RequireMastery: true, Accuracy: &high}, domain.ReasonNone},
		{"max exactly", domain.CreditIntent{Amount: 100_000}, domain.ReasonNone},
	}
	k := New(memstore.New(), DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, k.validate(tt.intent))
		})
	}
}

func TestCredit_BelowMin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinIncrement = 10
	s := memstore.New()
	s.SetProfile(domain.NewProfile("u1"))
	k := New(s, cfg)

	res, err := k.Credit(context.Background(), domain.CreditIntent{UserID: "u1", Amount: 5, Source: domain.SourceQuiz})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonBelowMin, res.ReasonCode)
}

func TestCredit_ZeroIsIdempotent(t *testing.T) {
	k, s := seeded(t)
	ctx := context.Background()
	intent := domain.CreditIntent{UserID: "u1", Amount: 0, Source: domain.SourceDrill}

	for i := 0; i < 3; i++ {
		res, err := k.Credit(ctx, intent)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, domain.ReasonNonPositive, res.ReasonCode)
	}

	p := profileOf(t, s, "u1")
	assert.Equal(t, int64(1000), p.XPTotal)
	assert.Equal(t, int64(5), p.Version)
	assert.Len(t, s.Entries(), 3)
}

func TestCredit_InvalidSource(t *testing.T) {
	k, s := seeded(t)
	_, err := k.Credit(context.Background(), domain.CreditIntent{UserID: "u1", Amount: 10, Source: "CASINO"})
	assert.ErrorIs(t, err, domain.ErrInvalidSource)
	assert.Empty(t, s.Entries())
}

func TestCredit_RejectionForUnknownUser(t *testing.T) {
	k := New(memstore.New(), DefaultConfig())
	s := k.store.(*memstore.Store)

	res, err := k.Credit(context.Background(), domain.CreditIntent{UserID: "ghost", Amount: -1, Source: domain.SourceQuiz})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewTotal)
	require.Len(t, s.Entries(), 1)
	assert.Equal(t, int64(0), s.Entries()[0].PriorTotal)
}

func TestCredit_AcceptedForUnknownUser(t *testing.T) {
	k := New(memstore.New(), DefaultConfig())
	s := k.store.(*memstore.Store)

	_, err := k.Credit(context.Background(), domain.CreditIntent{UserID: "ghost", Amount: 10, Source: domain.SourceQuiz})
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)
	assert.Empty(t, s.Entries())
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestCredit_RetriesOnConflict(t *testing.T) {
	k, s := seeded(t)
	s.SimulateConcurrentWrites(2)

	res, err := k.AwardBonusXP(context.Background(), "u1", 50, domain.SourceAchievement)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1050), res.NewTotal)

	assert.Equal(t, 3, s.Calls("increment_xp_conditional"))
	assert.Len(t, s.Entries(), 1)
	assert.Equal(t, int64(8), profileOf(t, s, "u1").Version)
}

func TestCredit_ConflictExhausted(t *testing.T) {
	k, s := seeded(t)
	s.SimulateConcurrentWrites(10)

	_, err := k.AwardBonusXP(context.Background(), "u1", 50, domain.SourceAchievement)
	assert.ErrorIs(t, err, domain.ErrConflictExhausted)
	assert.Equal(t, 1+DefaultConfig().CreditRetryLimit, s.Calls("increment_xp_conditional"))
	assert.Empty(t, s.Entries(), "conflict exhaustion is not logged")
	assert.Equal(t, int64(1000), profileOf(t, s, "u1").XPTotal)
}

func TestCredit_TotalsNonDecreasing(t *testing.T) {
	k, s := seeded(t)
	ctx := context.Background()
	for i := 1; i <= 20; i++ {
		if i%4 == 0 {
			s.SimulateConcurrentWrites(1)
		}
		_, err := k.AwardBonusXP(ctx, "u1", int64(i*7), domain.SourceDailyLogin)
		require.NoError(t, err)
	}

	var last int64
	for _, e := range s.Entries() {
		assert.GreaterOrEqual(t, e.ResultingTotal, last)
		assert.GreaterOrEqual(t, e.ResultingTotal, e.PriorTotal)
		last = e.ResultingTotal
	}
}

// ─── Transport Faults ───────────────────────────────────────────────────────

func TestCredit_StoreUnavailable(t *testing.T) {
	k, s := seeded(t)
	boom := errors.New("connection refused")
	s.FailWith(boom)

	_, err := k.AwardBonusXP(context.Background(), "u1", 50, domain.SourceReferral)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.ErrorIs(t, err, boom, "original cause preserved")

	var se *domain.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "get_profile", se.Op)

	s.FailWith(nil)
	assert.Empty(t, s.Entries(), "transport faults are not logged")
}

func TestCredit_LogAppendSurvivesCallerCancel(t *testing.T) {
	k, s := seeded(t)
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel between commit and append by hooking the id generator, which
	// runs after the conditional write.
	k.newID = func() string {
		cancel()
		return "entry-1"
	}

	res, err := k.AwardBonusXP(ctx, "u1", 10, domain.SourceAdmin)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, s.Entries(), 1)
	assert.Equal(t, "entry-1", s.Entries()[0].ID)
}

// ─── Integrity ──────────────────────────────────────────────────────────────

func TestIntegrity_RegressionHaltsWrites(t *testing.T) {
	k, s := seeded(t)
	ctx := context.Background()

	_, err := k.AwardBonusXP(ctx, "u1", 500, domain.SourceAdmin)
	require.NoError(t, err)

	// Another writer rolls the row back behind our back.
	p := profileOf(t, s, "u1")
	p.XPTotal, p.XPLifetime = 900, 900
	s.SetProfile(p)

	_, err = k.AwardBonusXP(ctx, "u1", 10, domain.SourceAdmin)
	var fault *domain.IntegrityFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, int64(1500), fault.Expected)
	assert.Equal(t, int64(900), fault.Observed)

	select {
	case got := <-k.Faults():
		assert.ErrorIs(t, got, domain.ErrIntegrity)
	case <-time.After(time.Second):
		t.Fatal("fault not published")
	}

	// Writes stay halted, including rejections.
	_, err = k.AwardBonusXP(ctx, "u1", 0, domain.SourceAdmin)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.Len(t, s.Entries(), 1)

	k.ClearFault()
	assert.NoError(t, k.Fault())
	res, err := k.AwardBonusXP(ctx, "u1", 10, domain.SourceAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(910), res.NewTotal)
}

// heldStore pauses the next GetProfile after it has read the row, so a
// concurrent commit can land before the read returns.
type heldStore struct {
	*memstore.Store
	hold    chan struct{}
	reading chan struct{}
}

func (h *heldStore) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	p, err := h.Store.GetProfile(ctx, userID)
	if h.hold != nil {
		hold := h.hold
		h.hold = nil
		close(h.reading)
		<-hold
	}
	return p, err
}

func TestIntegrity_StaleReadRacingCredit(t *testing.T) {
	_, mem := seeded(t)
	s := &heldStore{Store: mem, hold: make(chan struct{}), reading: make(chan struct{})}
	k := New(s, DefaultConfig())
	ctx := context.Background()

	type result struct {
		snap *domain.XPSnapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := k.GetXP(ctx, "u1")
		done <- result{snap, err}
	}()
	<-s.reading

	// The credit reads and commits while GetXP still holds v5.
	res, err := k.AwardBonusXP(ctx, "u1", 100, domain.SourceAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), res.NewTotal)

	close(s.hold)
	got := <-done
	require.NoError(t, got.err, "a read older than the last commit is not a regression")
	assert.Equal(t, int64(5), got.snap.Version)
	assert.NoError(t, k.Fault())

	res, err = k.AwardBonusXP(ctx, "u1", 10, domain.SourceAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(1110), res.NewTotal)
}

func TestIntegrity_LowerTotalAtNewerVersion(t *testing.T) {
	k, s := seeded(t)
	ctx := context.Background()

	_, err := k.GetXP(ctx, "u1")
	require.NoError(t, err)

	p := profileOf(t, s, "u1")
	p.XPTotal, p.XPLifetime, p.Version = 800, 800, 9
	s.SetProfile(p)

	_, err = k.GetXP(ctx, "u1")
	var fault *domain.IntegrityFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, int64(1000), fault.Expected)
	assert.Equal(t, int64(800), fault.Observed)
}

func TestIntegrity_LifetimeDivergence(t *testing.T) {
	s := memstore.New()
	p := domain.NewProfile("u1")
	p.XPTotal, p.XPLifetime = 100, 150
	s.SetProfile(p)
	k := New(s, DefaultConfig())

	_, err := k.GetXP(context.Background(), "u1")
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestAudit(t *testing.T) {
	k, s := seeded(t)
	ctx := context.Background()

	_, err := k.AwardBonusXP(ctx, "u1", 200, domain.SourceQuiz)
	require.NoError(t, err)
	_, err = k.AwardBonusXP(ctx, "u1", -5, domain.SourceQuiz)
	require.NoError(t, err)

	report, err := k.Audit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(200), report.LedgerSum)
	assert.Equal(t, 2, report.Entries)
	assert.Equal(t, 1, report.Blocked)

	// A credit that bypassed the kernel leaves no log entry.
	_, err = s.IncrementXPConditional(ctx, domain.XPIncrement{UserID: "u1", ExpectedVersion: 6, Delta: 50})
	require.NoError(t, err)

	report, err = k.Audit(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.False(t, report.Consistent)
	assert.Equal(t, int64(250), report.XPLifetime-report.XPBaseline)
}

// ─── Reads ──────────────────────────────────────────────────────────────────

func TestGetXP(t *testing.T) {
	k, _ := seeded(t)
	ctx := context.Background()

	snap, err := k.GetXP(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(1000), snap.XPTotal)
	assert.Equal(t, int64(5), snap.Version)
	assert.Equal(t, domain.TierBronze, snap.Tier)

	snap, err = k.GetXP(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestHistoryAndViolations(t *testing.T) {
	k, _ := seeded(t)
	ctx := context.Background()

	_, _ = k.AwardBonusXP(ctx, "u1", 10, domain.SourceQuiz)
	_, _ = k.AwardTrainingXP(ctx, "u1", 10, 0.1)
	_, _ = k.AwardBonusXP(ctx, "u1", 20, domain.SourceQuiz)

	history, err := k.GetHistory(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(20), history[0].AppliedDelta, "most recent first")

	violations, err := k.GetViolations(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, domain.ReasonMasteryGate, violations[0].ReasonCode)
}
