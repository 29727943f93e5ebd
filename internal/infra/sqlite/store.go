package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pokerdna/dnacore/internal/domain"
)

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements, one statement per string.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id           TEXT PRIMARY KEY,
			xp_total          INTEGER NOT NULL DEFAULT 0,
			xp_lifetime       INTEGER NOT NULL DEFAULT 0,
			xp_baseline       INTEGER NOT NULL DEFAULT 0,
			grit              REAL NOT NULL DEFAULT 0.5,
			accuracy          REAL NOT NULL DEFAULT 0.5,
			aggression        REAL NOT NULL DEFAULT 0.5,
			wealth            REAL NOT NULL DEFAULT 0.5,
			reputation        REAL NOT NULL DEFAULT 0.5,
			diamond_balance   INTEGER NOT NULL DEFAULT 0,
			diamond_lifetime  INTEGER NOT NULL DEFAULT 0,
			streak_days       INTEGER NOT NULL DEFAULT 0,
			streak_multiplier REAL NOT NULL DEFAULT 1.0,
			is_verified       INTEGER NOT NULL DEFAULT 0,
			is_pro_verified   INTEGER NOT NULL DEFAULT 0,
			version           INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at        TEXT NOT NULL DEFAULT (datetime('now')),
			CHECK (xp_total >= 0 AND xp_lifetime >= 0)
		)`,

		// Append-only; seq gives a stable order for equal timestamps.
		`CREATE TABLE IF NOT EXISTS xp_security_log (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			user_id         TEXT NOT NULL,
			ts              TEXT NOT NULL,
			source          TEXT NOT NULL,
			attempted_delta REAL NOT NULL,
			applied_delta   INTEGER NOT NULL DEFAULT 0,
			prior_total     INTEGER NOT NULL,
			resulting_total INTEGER NOT NULL,
			blocked         INTEGER NOT NULL DEFAULT 0,
			reason_code     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_xp_log_user_ts ON xp_security_log(user_id, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_xp_log_blocked ON xp_security_log(blocked, ts DESC)`,
		`CREATE TRIGGER IF NOT EXISTS xp_security_log_no_update
			BEFORE UPDATE ON xp_security_log
			BEGIN SELECT RAISE(ABORT, 'xp_security_log is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS xp_security_log_no_delete
			BEFORE DELETE ON xp_security_log
			BEGIN SELECT RAISE(ABORT, 'xp_security_log is append-only'); END`,
	}
}

var _ domain.Store = (*DB)(nil)

// tsLayout is fixed-width so that text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const profileColumns = `user_id, xp_total, xp_lifetime, xp_baseline,
	grit, accuracy, aggression, wealth, reputation,
	diamond_balance, diamond_lifetime, streak_days, streak_multiplier,
	is_verified, is_pro_verified, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (domain.UserProfile, error) {
	var p domain.UserProfile
	var verified, proVerified int
	err := row.Scan(&p.UserID, &p.XPTotal, &p.XPLifetime, &p.XPBaseline,
		&p.Grit, &p.Accuracy, &p.Aggression, &p.Wealth, &p.Reputation,
		&p.DiamondBalance, &p.DiamondLifetime, &p.StreakDays, &p.StreakMultiplier,
		&verified, &proVerified, &p.Version)
	if err != nil {
		return domain.UserProfile{}, err
	}
	p.IsVerified = verified == 1
	p.IsProVerified = proVerified == 1
	return p.Derive(), nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getProfile(ctx context.Context, q querier, userID string) (*domain.UserProfile, error) {
	p, err := scanProfile(q.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM user_profiles WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ─── Profile Reads ──────────────────────────────────────────────────────────

// GetProfile returns the user's profile, or nil if none exists.
func (db *DB) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	p, err := getProfile(ctx, db.db, userID)
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return p, nil
}

// GetProfileVersion returns only the version counter.
func (db *DB) GetProfileVersion(ctx context.Context, userID string) (int64, bool, error) {
	var v int64
	err := db.db.QueryRowContext(ctx,
		`SELECT version FROM user_profiles WHERE user_id = ?`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get profile version %s: %w", userID, err)
	}
	return v, true, nil
}

// ─── Profile Writes ─────────────────────────────────────────────────────────

// EnsureProfile creates the first-login row if missing and returns the
// stored profile.
func (db *DB) EnsureProfile(ctx context.Context, userID string) (domain.UserProfile, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.db.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id) VALUES (?) ON CONFLICT(user_id) DO NOTHING`,
		userID); err != nil {
		return domain.UserProfile{}, fmt.Errorf("ensure profile %s: %w", userID, err)
	}
	p, err := getProfile(ctx, db.db, userID)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("ensure profile %s: %w", userID, err)
	}
	if p == nil {
		return domain.UserProfile{}, domain.ErrProfileNotFound
	}
	return *p, nil
}

// IncrementXPConditional adds inc.Delta to xp_total and xp_lifetime iff the
// row is still at inc.ExpectedVersion.
func (db *DB) IncrementXPConditional(ctx context.Context, inc domain.XPIncrement) (domain.CommitResult, error) {
	res, err := db.conditionalWrite(ctx, inc.UserID, `
		UPDATE user_profiles
		SET xp_total    = xp_total + ?,
		    xp_lifetime = xp_lifetime + ?,
		    version     = version + 1,
		    updated_at  = datetime('now')
		WHERE user_id = ? AND version = ?
	`, inc.Delta, inc.Delta, inc.UserID, inc.ExpectedVersion)
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("increment xp %s: %w", inc.UserID, err)
	}
	return res, nil
}

// UpdateTraits replaces the five traits iff the row is at expectedVersion.
func (db *DB) UpdateTraits(ctx context.Context, userID string, expectedVersion int64, t domain.Traits) (domain.CommitResult, error) {
	res, err := db.conditionalWrite(ctx, userID, `
		UPDATE user_profiles
		SET grit = ?, accuracy = ?, aggression = ?, wealth = ?, reputation = ?,
		    version    = version + 1,
		    updated_at = datetime('now')
		WHERE user_id = ? AND version = ?
	`, t.Grit, t.Accuracy, t.Aggression, t.Wealth, t.Reputation, userID, expectedVersion)
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("update traits %s: %w", userID, err)
	}
	return res, nil
}

// conditionalWrite runs a version-guarded UPDATE and reads the row back in
// the same transaction.
func (db *DB) conditionalWrite(ctx context.Context, userID, stmt string, args ...any) (domain.CommitResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CommitResult{}, err
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return domain.CommitResult{}, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return domain.CommitResult{}, err
	}

	p, err := getProfile(ctx, tx, userID)
	if err != nil {
		return domain.CommitResult{}, err
	}
	if p == nil {
		return domain.CommitResult{}, domain.ErrProfileNotFound
	}
	if err := tx.Commit(); err != nil {
		return domain.CommitResult{}, err
	}
	return domain.CommitResult{Committed: n == 1, Profile: *p}, nil
}

// ─── Security Log ───────────────────────────────────────────────────────────

// AppendSecurityLog inserts one log entry.
func (db *DB) AppendSecurityLog(ctx context.Context, e domain.SecurityLogEntry) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	blocked := 0
	if e.Blocked {
		blocked = 1
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO xp_security_log
			(id, user_id, ts, source, attempted_delta, applied_delta,
			 prior_total, resulting_total, blocked, reason_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.Timestamp.UTC().Format(tsLayout), string(e.Source),
		e.AttemptedDelta, e.AppliedDelta, e.PriorTotal, e.ResultingTotal,
		blocked, string(e.ReasonCode))
	if err != nil {
		return fmt.Errorf("append security log: %w", err)
	}
	return nil
}

// QuerySecurityLog returns entries most recent first.
func (db *DB) QuerySecurityLog(ctx context.Context, q domain.LogQuery) ([]domain.SecurityLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.BlockedOnly {
		where = append(where, "blocked = 1")
	}

	query := `SELECT id, user_id, ts, source, attempted_delta, applied_delta,
		prior_total, resulting_total, blocked, reason_code
		FROM xp_security_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, seq DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query security log: %w", err)
	}
	defer rows.Close()

	var entries []domain.SecurityLogEntry
	for rows.Next() {
		var (
			e       domain.SecurityLogEntry
			ts      string
			source  string
			reason  string
			blocked int
		)
		if err := rows.Scan(&e.ID, &e.UserID, &ts, &source, &e.AttemptedDelta, &e.AppliedDelta,
			&e.PriorTotal, &e.ResultingTotal, &blocked, &reason); err != nil {
			return nil, fmt.Errorf("scan security log: %w", err)
		}
		if e.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("scan security log %s: bad timestamp: %w", e.ID, err)
		}
		e.Source = domain.XPSource(source)
		e.ReasonCode = domain.ReasonCode(reason)
		e.Blocked = blocked == 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
