// Package memstore is an in-memory implementation of domain.Store.
//
// It backs the `memory` store backend and the application tests. Writes are
// serialised by a single mutex, which gives the same conditional-commit
// semantics as the sqlite and supabase stores. Fault and contention
// injection hooks let tests drive the transport and conflict paths.
package memstore

import (
	"context"
	"sync"

	"github.com/pokerdna/dnacore/internal/domain"
)

// Store holds profiles and the security log in memory.
type Store struct {
	mu        sync.Mutex
	profiles  map[string]domain.UserProfile
	log       []domain.SecurityLogEntry
	calls     map[string]int
	fault     error
	conflicts int // pending simulated concurrent writes
}

var _ domain.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		profiles: make(map[string]domain.UserProfile),
		calls:    make(map[string]int),
	}
}

// ─── Test Hooks ─────────────────────────────────────────────────────────────

// SetProfile stores p verbatim (Level/Tier re-derived).
func (s *Store) SetProfile(p domain.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p.Derive()
}

// FailWith makes every subsequent call fail with err; nil restores service.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}

// SimulateConcurrentWrites makes the next n conditional writes lose the
// race against another client, which bumps the version first.
func (s *Store) SimulateConcurrentWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

// Calls returns how many times op was invoked ("" for the total).
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op == "" {
		total := 0
		for _, n := range s.calls {
			total += n
		}
		return total
	}
	return s.calls[op]
}

// Entries returns a copy of the log in append order.
func (s *Store) Entries() []domain.SecurityLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SecurityLogEntry, len(s.log))
	copy(out, s.log)
	return out
}

func (s *Store) enter(ctx context.Context, op string) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fault
}

// ─── domain.Store ───────────────────────────────────────────────────────────

// GetProfile implements domain.ProfileStore.
func (s *Store) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "get_profile"); err != nil {
		return nil, err
	}
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// GetProfileVersion implements domain.ProfileStore.
func (s *Store) GetProfileVersion(ctx context.Context, userID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "get_profile_version"); err != nil {
		return 0, false, err
	}
	p, ok := s.profiles[userID]
	return p.Version, ok, nil
}

// IncrementXPConditional implements domain.XPStore.
func (s *Store) IncrementXPConditional(ctx context.Context, inc domain.XPIncrement) (domain.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "increment_xp_conditional"); err != nil {
		return domain.CommitResult{}, err
	}
	p, ok := s.profiles[inc.UserID]
	if !ok {
		return domain.CommitResult{}, domain.ErrProfileNotFound
	}
	if s.conflicts > 0 {
		s.conflicts--
		p.Version++
		s.profiles[inc.UserID] = p
	}
	if p.Version != inc.ExpectedVersion {
		return domain.CommitResult{Committed: false, Profile: p}, nil
	}
	p.XPTotal += inc.Delta
	p.XPLifetime += inc.Delta
	p.Version++
	p = p.Derive()
	s.profiles[inc.UserID] = p
	return domain.CommitResult{Committed: true, Profile: p}, nil
}

// AppendSecurityLog implements domain.XPStore.
func (s *Store) AppendSecurityLog(ctx context.Context, entry domain.SecurityLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "append_security_log"); err != nil {
		return err
	}
	s.log = append(s.log, entry)
	return nil
}

// QuerySecurityLog implements domain.XPStore.
func (s *Store) QuerySecurityLog(ctx context.Context, q domain.LogQuery) ([]domain.SecurityLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "query_security_log"); err != nil {
		return nil, err
	}
	var out []domain.SecurityLogEntry
	for i := len(s.log) - 1; i >= 0; i-- {
		e := s.log[i]
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.BlockedOnly && !e.Blocked {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// EnsureProfile implements domain.ProfileCreator.
func (s *Store) EnsureProfile(ctx context.Context, userID string) (domain.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ensure_profile"); err != nil {
		return domain.UserProfile{}, err
	}
	if p, ok := s.profiles[userID]; ok {
		return p, nil
	}
	p := domain.NewProfile(userID)
	s.profiles[userID] = p
	return p, nil
}

// UpdateTraits implements domain.TraitWriter.
func (s *Store) UpdateTraits(ctx context.Context, userID string, expectedVersion int64, traits domain.Traits) (domain.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "update_traits"); err != nil {
		return domain.CommitResult{}, err
	}
	p, ok := s.profiles[userID]
	if !ok {
		return domain.CommitResult{}, domain.ErrProfileNotFound
	}
	if p.Version != expectedVersion {
		return domain.CommitResult{Committed: false, Profile: p}, nil
	}
	p.Traits = traits
	p.Version++
	p = p.Derive()
	s.profiles[userID] = p
	return domain.CommitResult{Committed: true, Profile: p}, nil
}
