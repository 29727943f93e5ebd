// Package supabase implements domain.Store against a Supabase project
// through its PostgREST interface.
//
// Rows are decoded field by field with gjson into the closed domain types;
// columns the domain does not know are ignored. The conditional XP write is
// the `increment_xp_conditional` RPC, which must perform the version check
// and the increment in one statement.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pokerdna/dnacore/internal/domain"
)

const (
	profilesTable = "user_profiles"
	logTable      = "xp_security_log"
	incrementRPC  = "increment_xp_conditional"

	maxResponseBytes  = 8 << 20
	maxErrorBodyBytes = 32 << 10
)

// Config holds the project endpoint and key.
type Config struct {
	URL        string        `toml:"url"`
	ServiceKey string        `toml:"service_key"`
	Timeout    time.Duration `toml:"-"`
}

// APIError is a non-2xx PostgREST response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("supabase API error %d: %s", e.Status, e.Message)
}

// Store talks to the Supabase REST API.
type Store struct {
	restURL    string
	serviceKey string
	httpClient *http.Client
}

var _ domain.Store = (*Store)(nil)

// New validates cfg and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("supabase url is required")
	}
	if cfg.ServiceKey == "" {
		return nil, errors.New("supabase service key is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid supabase url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Store{
		restURL:    strings.TrimRight(cfg.URL, "/") + "/rest/v1",
		serviceKey: cfg.ServiceKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// ─── Profiles ───────────────────────────────────────────────────────────────

// GetProfile returns the user's profile, or nil if none exists.
func (s *Store) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	q.Set("select", "*")
	body, err := s.request(ctx, http.MethodGet, profilesTable, q, nil, "")
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	row := gjson.GetBytes(body, "0")
	if !row.Exists() {
		return nil, nil
	}
	p := parseProfile(row)
	return &p, nil
}

// GetProfileVersion fetches only the version column.
func (s *Store) GetProfileVersion(ctx context.Context, userID string) (int64, bool, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	q.Set("select", "version")
	body, err := s.request(ctx, http.MethodGet, profilesTable, q, nil, "")
	if err != nil {
		return 0, false, fmt.Errorf("get profile version %s: %w", userID, err)
	}
	v := gjson.GetBytes(body, "0.version")
	if !v.Exists() {
		return 0, false, nil
	}
	return v.Int(), true, nil
}

// EnsureProfile inserts the first-login row, ignoring duplicates, and
// returns the stored profile.
func (s *Store) EnsureProfile(ctx context.Context, userID string) (domain.UserProfile, error) {
	p := domain.NewProfile(userID)
	row := map[string]any{
		"user_id":           p.UserID,
		"grit":              p.Grit,
		"accuracy":          p.Accuracy,
		"aggression":        p.Aggression,
		"wealth":            p.Wealth,
		"reputation":        p.Reputation,
		"streak_multiplier": p.StreakMultiplier,
	}
	q := url.Values{}
	q.Set("on_conflict", "user_id")
	if _, err := s.request(ctx, http.MethodPost, profilesTable, q, row,
		"resolution=ignore-duplicates,return=minimal"); err != nil {
		return domain.UserProfile{}, fmt.Errorf("ensure profile %s: %w", userID, err)
	}
	stored, err := s.GetProfile(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	if stored == nil {
		return domain.UserProfile{}, domain.ErrProfileNotFound
	}
	return *stored, nil
}

// IncrementXPConditional calls the conditional increment RPC. The function
// returns {"committed": bool, "profile": row|null}.
func (s *Store) IncrementXPConditional(ctx context.Context, inc domain.XPIncrement) (domain.CommitResult, error) {
	args := map[string]any{
		"p_user_id":          inc.UserID,
		"p_expected_version": inc.ExpectedVersion,
		"p_delta":            inc.Delta,
		"p_source":           string(inc.Source),
	}
	body, err := s.request(ctx, http.MethodPost, "rpc/"+incrementRPC, nil, args, "")
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("increment xp %s: %w", inc.UserID, err)
	}
	res := gjson.ParseBytes(body)
	profile := res.Get("profile")
	if !profile.Exists() || profile.Type == gjson.Null {
		return domain.CommitResult{}, domain.ErrProfileNotFound
	}
	return domain.CommitResult{
		Committed: res.Get("committed").Bool(),
		Profile:   parseProfile(profile),
	}, nil
}

// UpdateTraits PATCHes the traits with a version filter. An empty
// representation means the version moved, or the row is gone.
func (s *Store) UpdateTraits(ctx context.Context, userID string, expectedVersion int64, t domain.Traits) (domain.CommitResult, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	q.Set("version", "eq."+strconv.FormatInt(expectedVersion, 10))
	patch := map[string]any{
		"grit":       t.Grit,
		"accuracy":   t.Accuracy,
		"aggression": t.Aggression,
		"wealth":     t.Wealth,
		"reputation": t.Reputation,
		"version":    expectedVersion + 1,
	}
	body, err := s.request(ctx, http.MethodPatch, profilesTable, q, patch, "return=representation")
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("update traits %s: %w", userID, err)
	}
	if row := gjson.GetBytes(body, "0"); row.Exists() {
		return domain.CommitResult{Committed: true, Profile: parseProfile(row)}, nil
	}

	current, err := s.GetProfile(ctx, userID)
	if err != nil {
		return domain.CommitResult{}, err
	}
	if current == nil {
		return domain.CommitResult{}, domain.ErrProfileNotFound
	}
	return domain.CommitResult{Committed: false, Profile: *current}, nil
}

// ─── Security Log ───────────────────────────────────────────────────────────

// AppendSecurityLog inserts one log row.
func (s *Store) AppendSecurityLog(ctx context.Context, e domain.SecurityLogEntry) error {
	row := map[string]any{
		"id":              e.ID,
		"user_id":         e.UserID,
		"timestamp":       e.Timestamp.UTC().Format(time.RFC3339Nano),
		"source":          string(e.Source),
		"attempted_delta": e.AttemptedDelta,
		"applied_delta":   e.AppliedDelta,
		"prior_total":     e.PriorTotal,
		"resulting_total": e.ResultingTotal,
		"blocked":         e.Blocked,
		"reason_code":     string(e.ReasonCode),
	}
	if _, err := s.request(ctx, http.MethodPost, logTable, nil, row, "return=minimal"); err != nil {
		return fmt.Errorf("append security log: %w", err)
	}
	return nil
}

// QuerySecurityLog returns entries most recent first.
func (s *Store) QuerySecurityLog(ctx context.Context, lq domain.LogQuery) ([]domain.SecurityLogEntry, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "timestamp.desc")
	if lq.UserID != "" {
		q.Set("user_id", "eq."+lq.UserID)
	}
	if lq.BlockedOnly {
		q.Set("blocked", "is.true")
	}
	if lq.Limit > 0 {
		q.Set("limit", strconv.Itoa(lq.Limit))
	}
	body, err := s.request(ctx, http.MethodGet, logTable, q, nil, "")
	if err != nil {
		return nil, fmt.Errorf("query security log: %w", err)
	}

	var (
		entries  []domain.SecurityLogEntry
		parseErr error
	)
	gjson.ParseBytes(body).ForEach(func(_, row gjson.Result) bool {
		e, err := parseLogEntry(row)
		if err != nil {
			parseErr = err
			return false
		}
		entries = append(entries, e)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return entries, nil
}

// ─── Decoding ───────────────────────────────────────────────────────────────

func parseProfile(r gjson.Result) domain.UserProfile {
	p := domain.UserProfile{
		UserID:     r.Get("user_id").String(),
		XPTotal:    r.Get("xp_total").Int(),
		XPLifetime: r.Get("xp_lifetime").Int(),
		XPBaseline: r.Get("xp_baseline").Int(),
		Traits: domain.Traits{
			Grit:       floatOr(r, "grit", domain.DefaultTrait),
			Accuracy:   floatOr(r, "accuracy", domain.DefaultTrait),
			Aggression: floatOr(r, "aggression", domain.DefaultTrait),
			Wealth:     floatOr(r, "wealth", domain.DefaultTrait),
			Reputation: floatOr(r, "reputation", domain.DefaultTrait),
		},
		DiamondBalance:   r.Get("diamond_balance").Int(),
		DiamondLifetime:  r.Get("diamond_lifetime").Int(),
		StreakDays:       int(r.Get("streak_days").Int()),
		StreakMultiplier: floatOr(r, "streak_multiplier", 1.0),
		IsVerified:       r.Get("is_verified").Bool(),
		IsProVerified:    r.Get("is_pro_verified").Bool(),
		Version:          r.Get("version").Int(),
	}
	return p.Derive()
}

func parseLogEntry(r gjson.Result) (domain.SecurityLogEntry, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Get("timestamp").String())
	if err != nil {
		return domain.SecurityLogEntry{}, fmt.Errorf("decode security log %s: bad timestamp: %w", r.Get("id").String(), err)
	}
	return domain.SecurityLogEntry{
		ID:             r.Get("id").String(),
		UserID:         r.Get("user_id").String(),
		Timestamp:      ts,
		Source:         domain.XPSource(r.Get("source").String()),
		AttemptedDelta: r.Get("attempted_delta").Float(),
		AppliedDelta:   r.Get("applied_delta").Int(),
		PriorTotal:     r.Get("prior_total").Int(),
		ResultingTotal: r.Get("resulting_total").Int(),
		Blocked:        r.Get("blocked").Bool(),
		ReasonCode:     domain.ReasonCode(r.Get("reason_code").String()),
	}, nil
}

func floatOr(r gjson.Result, key string, def float64) float64 {
	v := r.Get(key)
	if !v.Exists() || v.Type == gjson.Null {
		return def
	}
	return v.Float()
}

// ─── HTTP ───────────────────────────────────────────────────────────────────

func (s *Store) request(ctx context.Context, method, path string, query url.Values, body any, prefer string) ([]byte, error) {
	endpoint := s.restURL + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		if m := gjson.GetBytes(msg, "message"); m.Exists() {
			apiErr.Message = m.String()
		}
		return nil, apiErr
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return respBody, nil
}
