package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/pokerdna/dnacore/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Profiles ───────────────────────────────────────────────────────────────

func TestEnsureProfile(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	p, err := db.EnsureProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("EnsureProfile() error: %v", err)
	}
	if p.Level != 1 || p.Tier != domain.TierBronze || p.Version != 0 {
		t.Errorf("new profile = %+v", p)
	}
	if p.Grit != domain.DefaultTrait || p.StreakMultiplier != 1.0 {
		t.Errorf("defaults not applied: grit=%v mult=%v", p.Grit, p.StreakMultiplier)
	}

	// Second call is a no-op.
	db.IncrementXPConditional(ctx, domain.XPIncrement{UserID: "u1", ExpectedVersion: 0, Delta: 10})
	p, err = db.EnsureProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.XPTotal != 10 {
		t.Errorf("EnsureProfile overwrote existing row: xp=%d", p.XPTotal)
	}
}

func TestGetProfile_NotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	p, err := db.GetProfile(ctx, "ghost")
	if err != nil || p != nil {
		t.Errorf("GetProfile(ghost) = %v, %v; want nil, nil", p, err)
	}
	_, found, err := db.GetProfileVersion(ctx, "ghost")
	if err != nil || found {
		t.Errorf("GetProfileVersion(ghost) found=%v err=%v", found, err)
	}
}

func TestIncrementXPConditional(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.EnsureProfile(ctx, "u1")

	res, err := db.IncrementXPConditional(ctx, domain.XPIncrement{UserID: "u1", ExpectedVersion: 0, Delta: 5500})
	if err != nil {
		t.Fatalf("IncrementXPConditional() error: %v", err)
	}
	if !res.Committed {
		t.Fatal("expected commit")
	}
	p := res.Profile
	if p.XPTotal != 5500 || p.XPLifetime != 5500 || p.Version != 1 {
		t.Errorf("profile after commit = %+v", p)
	}
	if p.Level != 6 || p.Tier != domain.TierSilver {
		t.Errorf("derived level/tier = %d/%s, want 6/SILVER", p.Level, p.Tier)
	}

	// Stale version: no write, current row returned.
	res, err = db.IncrementXPConditional(ctx, domain.XPIncrement{UserID: "u1", ExpectedVersion: 0, Delta: 100})
	if err != nil {
		t.Fatal(err)
	}
	if res.Committed {
		t.Error("stale version committed")
	}
	if res.Profile.XPTotal != 5500 || res.Profile.Version != 1 {
		t.Errorf("conflict profile = %+v", res.Profile)
	}

	v, found, err := db.GetProfileVersion(ctx, "u1")
	if err != nil || !found || v != 1 {
		t.Errorf("GetProfileVersion = %d, %v, %v", v, found, err)
	}
}

func TestIncrementXPConditional_MissingProfile(t *testing.T) {
	db := newTestDB(t)
	_, err := db.IncrementXPConditional(context.Background(), domain.XPIncrement{UserID: "ghost", Delta: 1})
	if !errors.Is(err, domain.ErrProfileNotFound) {
		t.Errorf("error = %v, want ErrProfileNotFound", err)
	}
}

func TestUpdateTraits(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.EnsureProfile(ctx, "u1")

	traits := domain.Traits{Grit: 0.9, Accuracy: 0.95, Aggression: 0.2, Wealth: 0.4, Reputation: 0.7}
	res, err := db.UpdateTraits(ctx, "u1", 0, traits)
	if err != nil {
		t.Fatalf("UpdateTraits() error: %v", err)
	}
	if !res.Committed || res.Profile.Traits != traits || res.Profile.Version != 1 {
		t.Errorf("UpdateTraits result = %+v", res)
	}

	res, _ = db.UpdateTraits(ctx, "u1", 0, domain.DefaultTraits())
	if res.Committed {
		t.Error("stale trait write committed")
	}
}

// ─── Security Log ───────────────────────────────────────────────────────────

func TestSecurityLog_AppendAndQuery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	entries := []domain.SecurityLogEntry{
		{ID: "e1", UserID: "u1", Timestamp: base, Source: domain.SourceTraining, AttemptedDelta: 100, AppliedDelta: 100, PriorTotal: 0, ResultingTotal: 100},
		{ID: "e2", UserID: "u1", Timestamp: base.Add(500 * time.Millisecond), Source: domain.SourceTraining, AttemptedDelta: 100, PriorTotal: 100, ResultingTotal: 100, Blocked: true, ReasonCode: domain.ReasonMasteryGate},
		{ID: "e3", UserID: "u2", Timestamp: base.Add(time.Second), Source: domain.SourceQuiz, AttemptedDelta: 2.5, PriorTotal: 0, ResultingTotal: 0, Blocked: true, ReasonCode: domain.ReasonNotInteger},
		{ID: "e4", UserID: "u1", Timestamp: base.Add(2 * time.Second), Source: domain.SourceDrill, AttemptedDelta: 50, AppliedDelta: 50, PriorTotal: 100, ResultingTotal: 150},
	}
	for _, e := range entries {
		if err := db.AppendSecurityLog(ctx, e); err != nil {
			t.Fatalf("AppendSecurityLog(%s) error: %v", e.ID, err)
		}
	}

	got, err := db.QuerySecurityLog(ctx, domain.LogQuery{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].ID != "e4" || got[1].ID != "e2" || got[2].ID != "e1" {
		t.Errorf("order = %s,%s,%s; want e4,e2,e1", got[0].ID, got[1].ID, got[2].ID)
	}
	if !got[1].Blocked || got[1].ReasonCode != domain.ReasonMasteryGate {
		t.Errorf("blocked entry = %+v", got[1])
	}
	if !got[0].Timestamp.Equal(entries[3].Timestamp) {
		t.Errorf("timestamp round trip = %v", got[0].Timestamp)
	}

	blocked, _ := db.QuerySecurityLog(ctx, domain.LogQuery{BlockedOnly: true})
	if len(blocked) != 2 || blocked[0].ID != "e3" || blocked[0].AttemptedDelta != 2.5 {
		t.Errorf("blocked across users = %+v", blocked)
	}

	limited, _ := db.QuerySecurityLog(ctx, domain.LogQuery{UserID: "u1", Limit: 1})
	if len(limited) != 1 || limited[0].ID != "e4" {
		t.Errorf("limited = %+v", limited)
	}
}

func TestSecurityLog_AppendOnly(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.AppendSecurityLog(ctx, domain.SecurityLogEntry{ID: "e1", UserID: "u1", Timestamp: time.Now(), Source: domain.SourceAdmin})

	if _, err := db.db.Exec(`UPDATE xp_security_log SET applied_delta = 999`); err == nil {
		t.Error("UPDATE on security log should fail")
	}
	if _, err := db.db.Exec(`DELETE FROM xp_security_log`); err == nil {
		t.Error("DELETE on security log should fail")
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	db.EnsureProfile(context.Background(), "u1")
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	p, _ := db.GetProfile(context.Background(), "u1")
	if p == nil {
		t.Error("profile lost across reopen")
	}
}

// ─── Driver Faults ──────────────────────────────────────────────────────────

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return &DB{db: sqlDB}, mock
}

func TestIncrementXPConditional_ExecFailureRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	diskErr := errors.New("disk I/O error")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE user_profiles").WillReturnError(diskErr)
	mock.ExpectRollback()

	_, err := db.IncrementXPConditional(context.Background(), domain.XPIncrement{UserID: "u1", ExpectedVersion: 3, Delta: 10})
	if !errors.Is(err, diskErr) {
		t.Errorf("error = %v, want wrapped disk error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestIncrementXPConditional_CommitFailure(t *testing.T) {
	db, mock := newMockDB(t)
	commitErr := errors.New("database is locked")

	cols := []string{"user_id", "xp_total", "xp_lifetime", "xp_baseline",
		"grit", "accuracy", "aggression", "wealth", "reputation",
		"diamond_balance", "diamond_lifetime", "streak_days", "streak_multiplier",
		"is_verified", "is_pro_verified", "version"}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE user_profiles").
		WithArgs(int64(10), int64(10), "u1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .* FROM user_profiles").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("u1", 110, 110, 0, 0.5, 0.5, 0.5, 0.5, 0.5, 0, 0, 0, 1.0, 0, 0, 4))
	mock.ExpectCommit().WillReturnError(commitErr)

	_, err := db.IncrementXPConditional(context.Background(), domain.XPIncrement{UserID: "u1", ExpectedVersion: 3, Delta: 10})
	if !errors.Is(err, commitErr) {
		t.Errorf("error = %v, want commit error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestQuerySecurityLog_QueryFailure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT .* FROM xp_security_log").WillReturnError(errors.New("no such table"))

	if _, err := db.QuerySecurityLog(context.Background(), domain.LogQuery{UserID: "u1"}); err == nil {
		t.Error("expected error")
	}
}

func TestQuerySecurityLog_BadTimestamp(t *testing.T) {
	db, mock := newMockDB(t)
	cols := []string{"id", "user_id", "ts", "source", "attempted_delta", "applied_delta",
		"prior_total", "resulting_total", "blocked", "reason_code"}
	mock.ExpectQuery("SELECT .* FROM xp_security_log").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e1", "u1", "not-a-time", "ADMIN", 10.0, 10, 0, 10, 0, ""))

	_, err := db.QuerySecurityLog(context.Background(), domain.LogQuery{UserID: "u1"})
	if err == nil || !strings.Contains(err.Error(), "bad timestamp") {
		t.Errorf("error = %v, want bad timestamp", err)
	}
}
