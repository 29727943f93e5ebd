// Package dnasync keeps a low-latency cached view of each user's DNA profile
// coherent with the authoritative store.
//
// Reads follow a fixed decision tree:
//
//	no cache           → fetch (miss); on failure hand out the synthetic default
//	fresh (≤ stale)    → serve from cache (hit)
//	stale or forced    → probe the version; equal → hit, different → fetch + merge
//	probe/fetch fails  → offline fallback while younger than MaxOffline
//
// Optimistic edits overlay the cache with PendingSync set until the caller
// confirms or rolls them back. Every transition that changes what a user
// would see is delivered to that user's listeners in order.
package dnasync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pokerdna/dnacore/internal/domain"
	"github.com/pokerdna/dnacore/internal/infra/logging"
	"github.com/pokerdna/dnacore/internal/infra/observability"
)

// Config controls cache freshness.
type Config struct {
	StaleThreshold  time.Duration
	MaxOffline      time.Duration
	RequestDeadline time.Duration
	Now             func() time.Time // nil means time.Now
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		StaleThreshold:  60 * time.Second,
		MaxOffline:      24 * time.Hour,
		RequestDeadline: 10 * time.Second,
	}
}

// ReadOptions tweak a single Read.
type ReadOptions struct {
	Force bool // skip the freshness window and probe
}

// Listener receives every CachedDNA emitted for the user it subscribed to.
// Listeners run synchronously and must not call back into the Synchronizer
// for the same user.
type Listener func(domain.CachedDNA)

// Stats are diagnostic counters. They never influence behavior.
type Stats struct {
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`
	SyncOperations   int64 `json:"sync_operations"`
	OfflineFallbacks int64 `json:"offline_fallbacks"`
	CachedUsers      int   `json:"cached_users"`
}

type entry struct {
	dna      domain.CachedDNA
	snapshot *domain.CachedDNA // pre-optimistic state, nil when none
}

type subscription struct {
	id uint64
	fn Listener
}

// Synchronizer owns the per-user DNA cache.
type Synchronizer struct {
	store domain.ProfileStore
	cfg   Config
	log   logging.Logger

	mu        sync.Mutex
	entries   map[string]*entry
	listeners map[string][]subscription
	emitLocks map[string]*sync.Mutex
	nextSubID uint64
	stats     Stats
}

// New creates a synchronizer reading from store.
func New(store domain.ProfileStore, cfg Config) *Synchronizer {
	def := DefaultConfig()
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.MaxOffline <= 0 {
		cfg.MaxOffline = def.MaxOffline
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = def.RequestDeadline
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Synchronizer{
		store:     store,
		cfg:       cfg,
		log:       logging.GetLogger("app.dnasync"),
		entries:   make(map[string]*entry),
		listeners: make(map[string][]subscription),
		emitLocks: make(map[string]*sync.Mutex),
	}
}

// ─── Read ───────────────────────────────────────────────────────────────────

// Read returns the user's DNA. It only fails when ctx is cancelled, in
// which case the cache is left untouched; store faults degrade to the
// offline fallback or the synthetic default.
func (s *Synchronizer) Read(ctx context.Context, userID string, opts ReadOptions) (domain.CachedDNA, error) {
	now := s.cfg.Now()

	cached, ok := s.lookup(userID)
	if !ok {
		return s.readMiss(ctx, userID, now)
	}

	if !opts.Force && now.Sub(cached.CachedAt) <= s.cfg.StaleThreshold {
		s.countHit()
		return cached, nil
	}

	version, found, err := s.probe(ctx, userID)
	if ctx.Err() != nil {
		return domain.CachedDNA{}, ctx.Err()
	}
	switch {
	case err != nil:
		return s.offline(userID, cached, now, err), nil
	case !found:
		s.log.WithField("user_id", userID).Warn("profile disappeared from store, serving default")
		return s.resetToDefault(userID, now), nil
	case version == cached.Version:
		observability.VersionProbes.WithLabelValues("match").Inc()
		s.countHit()
		return s.touch(userID, version, now, cached), nil
	}

	observability.VersionProbes.WithLabelValues("mismatch").Inc()
	p, err := s.fetch(ctx, userID)
	if ctx.Err() != nil {
		return domain.CachedDNA{}, ctx.Err()
	}
	switch {
	case err != nil:
		return s.offline(userID, cached, now, err), nil
	case p == nil:
		return s.resetToDefault(userID, now), nil
	}
	return s.merge(userID, *p, now, "merge"), nil
}

func (s *Synchronizer) readMiss(ctx context.Context, userID string, now time.Time) (domain.CachedDNA, error) {
	p, err := s.fetch(ctx, userID)
	if ctx.Err() != nil {
		return domain.CachedDNA{}, ctx.Err()
	}

	s.mu.Lock()
	s.stats.CacheMisses++
	s.mu.Unlock()
	observability.CacheMisses.Inc()

	if err != nil || p == nil {
		if err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("dna fetch failed with empty cache, serving default")
		}
		def := domain.DefaultDNA(userID, now)
		s.transition(userID, "default", func() (domain.CachedDNA, bool) { return def, true })
		return def, nil
	}
	return s.merge(userID, *p, now, "miss"), nil
}

// offline serves cached while it is younger than MaxOffline. CachedAt is
// not rewritten so the window keeps closing.
func (s *Synchronizer) offline(userID string, cached domain.CachedDNA, now time.Time, cause error) domain.CachedDNA {
	age := now.Sub(cached.CachedAt)
	if age > s.cfg.MaxOffline {
		s.log.WithFields(logging.Fields{
			"user_id": userID,
			"age":     age.String(),
		}).WithError(cause).Warn("offline cache expired, serving default")
		return s.resetToDefault(userID, now)
	}

	s.mu.Lock()
	s.stats.OfflineFallbacks++
	s.mu.Unlock()
	observability.OfflineFallbacks.Inc()
	s.log.WithFields(logging.Fields{
		"user_id": userID,
		"age":     age.String(),
	}).WithError(cause).Info("store unreachable, serving cached dna")

	cached.Offline = true
	return cached
}

// touch refreshes CachedAt after a matching probe, unless the entry changed
// while the probe was in flight.
func (s *Synchronizer) touch(userID string, version int64, now time.Time, fallback domain.CachedDNA) domain.CachedDNA {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok || e.dna.Version != version {
		return fallback
	}
	e.dna.CachedAt = now
	return e.dna
}

// ─── State Transitions ──────────────────────────────────────────────────────

// merge replaces the cache wholesale with the authoritative profile. A
// fetch that lost a race to a newer version returns the cached entry and
// emits nothing.
func (s *Synchronizer) merge(userID string, p domain.UserProfile, now time.Time, kind string) domain.CachedDNA {
	dna := domain.CachedDNA{UserProfile: p.Derive(), CachedAt: now}
	return s.transition(userID, kind, func() (domain.CachedDNA, bool) {
		if e, ok := s.entries[userID]; ok && e.dna.Version > p.Version {
			return e.dna, false
		}
		s.entries[userID] = &entry{dna: dna}
		return dna, true
	})
}

// resetToDefault drops the entry and emits the synthetic default.
func (s *Synchronizer) resetToDefault(userID string, now time.Time) domain.CachedDNA {
	def := domain.DefaultDNA(userID, now)
	return s.transition(userID, "default", func() (domain.CachedDNA, bool) {
		delete(s.entries, userID)
		return def, true
	})
}

// ApplyOptimistic overlays patch on the cached DNA and marks it pending.
// Version is left at the last authoritative value. The rollback snapshot is
// taken by the first pending patch only, so it always holds confirmed state.
func (s *Synchronizer) ApplyOptimistic(userID string, patch domain.ProfilePatch) (domain.CachedDNA, error) {
	var err error
	dna := s.transition(userID, "optimistic", func() (domain.CachedDNA, bool) {
		e, ok := s.entries[userID]
		if !ok {
			err = domain.ErrNotCached
			return domain.CachedDNA{}, false
		}
		if e.snapshot == nil {
			snap := e.dna
			e.snapshot = &snap
		}
		e.dna.UserProfile = patch.Apply(e.dna.UserProfile)
		e.dna.PendingSync = true
		return e.dna, true
	})
	return dna, err
}

// Confirm reconciles the cache with the result of an authoritative write.
// A newer server version wins wholesale; otherwise the current fields are
// kept and only the pending flag and CachedAt change.
func (s *Synchronizer) Confirm(userID string, server domain.UserProfile, serverVersion int64) domain.CachedDNA {
	now := s.cfg.Now()
	server.Version = serverVersion
	fresh := domain.CachedDNA{UserProfile: server.Derive(), CachedAt: now}

	return s.transition(userID, "confirm", func() (domain.CachedDNA, bool) {
		e, ok := s.entries[userID]
		if !ok || serverVersion > e.dna.Version {
			s.entries[userID] = &entry{dna: fresh}
			return fresh, true
		}
		e.dna.CachedAt = now
		e.dna.PendingSync = false
		e.snapshot = nil
		return e.dna, true
	})
}

// Rollback restores the state from before the first unconfirmed
// ApplyOptimistic.
func (s *Synchronizer) Rollback(userID string) (domain.CachedDNA, error) {
	var err error
	dna := s.transition(userID, "rollback", func() (domain.CachedDNA, bool) {
		e, ok := s.entries[userID]
		switch {
		case !ok:
			err = domain.ErrNotCached
			return domain.CachedDNA{}, false
		case e.snapshot == nil:
			err = domain.ErrNothingToRevert
			return domain.CachedDNA{}, false
		}
		e.dna = *e.snapshot
		e.snapshot = nil
		return e.dna, true
	})
	return dna, err
}

// Invalidate drops the user's entry; the next Read is a miss.
func (s *Synchronizer) Invalidate(userID string) {
	s.mu.Lock()
	delete(s.entries, userID)
	s.updateGauge()
	s.mu.Unlock()
}

// Clear drops every entry, as on logout. Listeners stay registered.
func (s *Synchronizer) Clear() {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[string]*entry)
	s.updateGauge()
	s.mu.Unlock()
	s.log.WithField("dropped", n).Info("dna cache cleared")
}

// Refresh force-reads every cached user and returns how many were read.
func (s *Synchronizer) Refresh(ctx context.Context) (int, error) {
	users := s.CachedUsers()
	for i, userID := range users {
		if _, err := s.Read(ctx, userID, ReadOptions{Force: true}); err != nil {
			return i, err
		}
	}
	return len(users), nil
}

// ─── Subscriptions ──────────────────────────────────────────────────────────

// Subscribe registers fn for userID and returns its unsubscribe func.
// Listeners only see transitions that happen after they subscribe.
func (s *Synchronizer) Subscribe(userID string, fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.listeners[userID] = append(s.listeners[userID], subscription{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.listeners[userID]
			for i, sub := range subs {
				if sub.id == id {
					s.listeners[userID] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(s.listeners[userID]) == 0 {
				delete(s.listeners, userID)
			}
		})
	}
}

// transition applies fn under the state lock and, if it asks to, delivers
// the result to the user's listeners. The per-user emit lock spans both so
// deliveries happen in transition order.
func (s *Synchronizer) transition(userID, kind string, fn func() (domain.CachedDNA, bool)) domain.CachedDNA {
	emitLock := s.emitLock(userID)
	emitLock.Lock()
	defer emitLock.Unlock()

	s.mu.Lock()
	dna, emit := fn()
	s.updateGauge()
	var subs []subscription
	if emit {
		subs = append(subs, s.listeners[userID]...)
	}
	s.mu.Unlock()

	if !emit {
		return dna
	}
	observability.Emissions.WithLabelValues(kind).Inc()
	for _, sub := range subs {
		s.deliver(userID, sub, dna)
	}
	return dna
}

func (s *Synchronizer) deliver(userID string, sub subscription, dna domain.CachedDNA) {
	defer func() {
		if r := recover(); r != nil {
			observability.ListenerPanics.Inc()
			s.log.WithFields(logging.Fields{
				"user_id":      userID,
				"subscription": sub.id,
				"panic":        r,
			}).Error("dna listener panicked")
		}
	}()
	sub.fn(dna)
}

func (s *Synchronizer) emitLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.emitLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.emitLocks[userID] = l
	}
	return l
}

// ─── Introspection ──────────────────────────────────────────────────────────

// Stats returns a snapshot of the diagnostic counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.CachedUsers = len(s.entries)
	return st
}

// CachedUsers lists the users with a cache entry, sorted.
func (s *Synchronizer) CachedUsers() []string {
	s.mu.Lock()
	users := make([]string, 0, len(s.entries))
	for id := range s.entries {
		users = append(users, id)
	}
	s.mu.Unlock()
	sort.Strings(users)
	return users
}

// Cached returns the entry for userID without touching the store.
func (s *Synchronizer) Cached(userID string) (domain.CachedDNA, bool) {
	return s.lookup(userID)
}

func (s *Synchronizer) lookup(userID string) (domain.CachedDNA, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		return domain.CachedDNA{}, false
	}
	return e.dna, true
}

func (s *Synchronizer) countHit() {
	s.mu.Lock()
	s.stats.CacheHits++
	s.mu.Unlock()
	observability.CacheHits.Inc()
}

// updateGauge must be called with mu held.
func (s *Synchronizer) updateGauge() {
	observability.CachedUsers.Set(float64(len(s.entries)))
}

// ─── Store Calls ────────────────────────────────────────────────────────────

func (s *Synchronizer) fetch(ctx context.Context, userID string) (*domain.UserProfile, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.RequestDeadline)
	defer cancel()
	s.countSync()
	start := time.Now()
	p, err := s.store.GetProfile(cctx, userID)
	observability.ObserveStoreCall("get_profile", start, err)
	return p, domain.Unavailable("get_profile", err)
}

func (s *Synchronizer) probe(ctx context.Context, userID string) (int64, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.RequestDeadline)
	defer cancel()
	s.countSync()
	start := time.Now()
	v, found, err := s.store.GetProfileVersion(cctx, userID)
	observability.ObserveStoreCall("get_profile_version", start, err)
	if err != nil {
		observability.VersionProbes.WithLabelValues("error").Inc()
	}
	return v, found, domain.Unavailable("get_profile_version", err)
}

func (s *Synchronizer) countSync() {
	s.mu.Lock()
	s.stats.SyncOperations++
	s.mu.Unlock()
}
