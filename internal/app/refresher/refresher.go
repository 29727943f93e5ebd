// Package refresher re-reads cached DNA profiles in the background.
//
// A run:
//  1. Snapshots the users currently in the cache
//  2. Forces a read for each, at most MaxConcurrent at a time
//  3. Bounds every read with UserTimeout
//  4. Tallies refreshed, offline and failed users
//
// Emission order stays per user since the synchronizer serialises each
// user's transitions; users are refreshed independently.
package refresher

import (
	"context"
	"sync"
	"time"

	"github.com/pokerdna/dnacore/internal/app/dnasync"
	"github.com/pokerdna/dnacore/internal/domain"
	"github.com/pokerdna/dnacore/internal/infra/logging"
)

// Source is the part of the synchronizer a refresh needs.
type Source interface {
	CachedUsers() []string
	Read(ctx context.Context, userID string, opts dnasync.ReadOptions) (domain.CachedDNA, error)
}

// Config controls refresh fan-out.
type Config struct {
	MaxConcurrent int           // parallel reads per run (default: 4)
	UserTimeout   time.Duration // bound on one user's read (default: 10s)
}

// DefaultConfig returns safe refresh defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		UserTimeout:   10 * time.Second,
	}
}

// Result summarises one run.
type Result struct {
	Users     int `json:"users"`
	Refreshed int `json:"refreshed"`
	Offline   int `json:"offline"` // served from cache, store unreachable
	Reset     int `json:"reset"`   // profile gone or offline window expired
	Failed    int `json:"failed"`
}

// Refresher runs bounded concurrent refreshes.
type Refresher struct {
	mu        sync.RWMutex
	config    Config
	src       Source
	sem       chan struct{}
	active    int
	runs      int64
	completed int64
	failed    int64
	log       logging.Logger
}

// New creates a refresher over src.
func New(src Source, cfg Config) *Refresher {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.UserTimeout <= 0 {
		cfg.UserTimeout = def.UserTimeout
	}
	return &Refresher{
		config: cfg,
		src:    src,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		log:    logging.GetLogger("app.refresher"),
	}
}

type outcome int

const (
	outcomeRefreshed outcome = iota
	outcomeOffline
	outcomeReset
	outcomeFailed
)

// Run refreshes every cached user and waits for the reads to finish.
// Cancelling ctx stops scheduling new reads; users not yet started are
// counted as failed.
func (r *Refresher) Run(ctx context.Context) Result {
	users := r.src.CachedUsers()
	res := Result{Users: len(users)}

	var (
		wg      sync.WaitGroup
		tallyMu sync.Mutex
	)
	tally := func(o outcome) {
		tallyMu.Lock()
		defer tallyMu.Unlock()
		switch o {
		case outcomeRefreshed:
			res.Refreshed++
		case outcomeOffline:
			res.Offline++
		case outcomeReset:
			res.Reset++
		default:
			res.Failed++
		}
	}

	for i, userID := range users {
		if !r.acquire(ctx) {
			n := len(users) - i
			for j := 0; j < n; j++ {
				tally(outcomeFailed)
			}
			r.addFailed(n)
			break
		}
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			tally(r.refreshOne(ctx, userID))
		}(userID)
	}
	wg.Wait()
	r.finishRun(res)
	return res
}

// acquire takes a slot, or reports false once ctx is done.
func (r *Refresher) acquire(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case r.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// refreshOne forces one user's read inside a slot.
func (r *Refresher) refreshOne(ctx context.Context, userID string) outcome {
	defer func() { <-r.sem }()

	r.mu.Lock()
	r.active++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	readCtx, cancel := context.WithTimeout(ctx, r.config.UserTimeout)
	defer cancel()

	dna, err := r.src.Read(readCtx, userID, dnasync.ReadOptions{Force: true})
	if err != nil {
		r.log.WithError(err).WithField("user_id", userID).Warn("dna refresh failed")
		r.addFailed(1)
		return outcomeFailed
	}

	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
	switch {
	case dna.IsDefault:
		return outcomeReset
	case dna.Offline:
		return outcomeOffline
	default:
		return outcomeRefreshed
	}
}

func (r *Refresher) addFailed(n int) {
	r.mu.Lock()
	r.failed += int64(n)
	r.mu.Unlock()
}

func (r *Refresher) finishRun(res Result) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	r.log.WithFields(logging.Fields{
		"users":     res.Users,
		"refreshed": res.Refreshed,
		"offline":   res.Offline,
		"reset":     res.Reset,
		"failed":    res.Failed,
	}).Debug("dna refresh run complete")
}

// Stats returns refresher statistics.
type Stats struct {
	Runs      int64 `json:"runs"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current refresher statistics.
func (r *Refresher) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Runs:      r.runs,
		Active:    r.active,
		Completed: r.completed,
		Failed:    r.failed,
		MaxSlots:  r.config.MaxConcurrent,
		FreeSlots: r.config.MaxConcurrent - r.active,
	}
}
