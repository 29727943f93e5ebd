// Package breaker guards a domain.Store with a circuit breaker.
//
// While the breaker is open, calls fail fast with domain.ErrStoreUnavailable
// instead of waiting out the request deadline against a dead backend. The
// DNA synchronizer turns that into its offline fallback; the XP kernel
// surfaces it to the caller.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pokerdna/dnacore/internal/domain"
	"github.com/pokerdna/dnacore/internal/infra/logging"
	"github.com/pokerdna/dnacore/internal/infra/observability"
)

// Config tunes the breaker.
type Config struct {
	Name             string
	MaxFailures      uint32        // consecutive failures before opening
	OpenTimeout      time.Duration // time spent open before probing
	HalfOpenRequests uint32        // probes allowed while half-open
}

// DefaultConfig opens after 5 consecutive failures for 30s.
func DefaultConfig() Config {
	return Config{
		Name:             "store",
		MaxFailures:      5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Store wraps another store.
type Store struct {
	next domain.Store
	cb   *gobreaker.CircuitBreaker
	log  logging.Logger
}

var _ domain.Store = (*Store)(nil)

// Wrap returns next guarded by a breaker.
func Wrap(next domain.Store, cfg Config) *Store {
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	log := logging.GetLogger("infra.breaker").WithField("breaker", cfg.Name)

	s := &Store{next: next, log: log}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			if to == gobreaker.StateOpen {
				observability.CircuitBreakerTrips.WithLabelValues(name).Inc()
			}
			log.WithFields(logging.Fields{"from": from.String(), "to": to.String()}).
				Warn("store circuit breaker state change")
		},
	})
	observability.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)
	return s
}

// State reports the breaker state ("closed", "half-open", "open").
func (s *Store) State() string { return s.cb.State().String() }

// isSuccessful keeps answers that are not backend faults from tripping the
// breaker: a missing profile, or the caller giving up.
func isSuccessful(err error) bool {
	return err == nil ||
		errors.Is(err, domain.ErrProfileNotFound) ||
		errors.Is(err, context.Canceled)
}

func stateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func guard[T any](s *Store, op string, fn func() (T, error)) (T, error) {
	v, err := s.cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, domain.Unavailable(op, err)
		}
		return zero, err
	}
	return v.(T), nil
}

// ─── domain.Store ───────────────────────────────────────────────────────────

func (s *Store) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	return guard(s, "get_profile", func() (*domain.UserProfile, error) {
		return s.next.GetProfile(ctx, userID)
	})
}

type versionProbe struct {
	version int64
	found   bool
}

func (s *Store) GetProfileVersion(ctx context.Context, userID string) (int64, bool, error) {
	r, err := guard(s, "get_profile_version", func() (versionProbe, error) {
		v, found, err := s.next.GetProfileVersion(ctx, userID)
		return versionProbe{v, found}, err
	})
	return r.version, r.found, err
}

func (s *Store) IncrementXPConditional(ctx context.Context, inc domain.XPIncrement) (domain.CommitResult, error) {
	return guard(s, "increment_xp_conditional", func() (domain.CommitResult, error) {
		return s.next.IncrementXPConditional(ctx, inc)
	})
}

func (s *Store) AppendSecurityLog(ctx context.Context, e domain.SecurityLogEntry) error {
	_, err := guard(s, "append_security_log", func() (struct{}, error) {
		return struct{}{}, s.next.AppendSecurityLog(ctx, e)
	})
	return err
}

func (s *Store) QuerySecurityLog(ctx context.Context, q domain.LogQuery) ([]domain.SecurityLogEntry, error) {
	return guard(s, "query_security_log", func() ([]domain.SecurityLogEntry, error) {
		return s.next.QuerySecurityLog(ctx, q)
	})
}

func (s *Store) EnsureProfile(ctx context.Context, userID string) (domain.UserProfile, error) {
	return guard(s, "ensure_profile", func() (domain.UserProfile, error) {
		return s.next.EnsureProfile(ctx, userID)
	})
}

func (s *Store) UpdateTraits(ctx context.Context, userID string, expectedVersion int64, t domain.Traits) (domain.CommitResult, error) {
	return guard(s, "update_traits", func() (domain.CommitResult, error) {
		return s.next.UpdateTraits(ctx, userID, expectedVersion, t)
	})
}
