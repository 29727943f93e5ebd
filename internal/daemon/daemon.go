package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pokerdna/dnacore/internal/api"
	"github.com/pokerdna/dnacore/internal/app/dnasync"
	"github.com/pokerdna/dnacore/internal/app/refresher"
	"github.com/pokerdna/dnacore/internal/app/xpkernel"
	"github.com/pokerdna/dnacore/internal/domain"
	"github.com/pokerdna/dnacore/internal/infra/breaker"
	"github.com/pokerdna/dnacore/internal/infra/logging"
	"github.com/pokerdna/dnacore/internal/infra/memstore"
	"github.com/pokerdna/dnacore/internal/infra/sqlite"
	"github.com/pokerdna/dnacore/internal/infra/supabase"
)

const shutdownTimeout = 10 * time.Second

// Daemon owns the store and every component built on it.
type Daemon struct {
	Config Config
	Store  domain.Store
	Kernel *xpkernel.Kernel
	Sync   *dnasync.Synchronizer

	server    *api.Server
	refresher *refresher.Refresher
	cron      *cron.Cron
	closer    io.Closer
	log       logging.Logger

	refreshes atomic.Int64
	faults    atomic.Int64
}

// OpenStore opens the configured backend, guarded by the circuit breaker
// when enabled. The closer is nil for backends without resources.
func OpenStore(cfg Config) (domain.Store, io.Closer, error) {
	var (
		store  domain.Store
		closer io.Closer
	)
	switch cfg.Store.Backend {
	case BackendSQLite:
		db, err := sqlite.Open(cfg.DataDir())
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store, closer = db, db
	case BackendSupabase:
		s, err := supabase.New(cfg.SupabaseStoreConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("open supabase store: %w", err)
		}
		store = s
	case BackendMemory:
		store = memstore.New()
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Breaker.Enabled {
		store = breaker.Wrap(store, cfg.GuardConfig())
	}
	return store, closer, nil
}

// New opens the store and builds the daemon.
func New(cfg Config) (*Daemon, error) {
	store, closer, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	d, err := newWithStore(cfg, store, closer)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}
	return d, nil
}

func newWithStore(cfg Config, store domain.Store, closer io.Closer) (*Daemon, error) {
	d := &Daemon{
		Config: cfg,
		Store:  store,
		Kernel: xpkernel.New(store, cfg.KernelConfig()),
		Sync:   dnasync.New(store, cfg.SyncConfig()),
		closer: closer,
		log:    logging.GetLogger("daemon"),
	}

	d.refresher = refresher.New(d.Sync, cfg.RefresherConfig())
	d.server = api.NewServer(
		&api.XPAPI{Kernel: d.Kernel, Sync: d.Sync},
		&api.DNAAPI{Sync: d.Sync, Profiles: store, Traits: store},
	)
	d.server.SetBackend(cfg.Store.Backend)
	d.server.SetRequestTimeout(cfg.RequestTimeout())
	if cfg.Metrics.Enabled {
		d.server.EnableMetrics()
	}
	d.server.AddStatus("background", func() any { return d.Status() })

	d.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(d.log))))
	if cfg.DNA.RefreshSchedule != "" {
		if _, err := d.cron.AddFunc(cfg.DNA.RefreshSchedule, d.refresh); err != nil {
			return nil, fmt.Errorf("schedule dna refresh: %w", err)
		}
	}
	return d, nil
}

// BackgroundStatus reports the refresh schedule and the fault watcher.
type BackgroundStatus struct {
	RefreshSchedule string          `json:"refresh_schedule"`
	ScheduledRuns   int64           `json:"scheduled_runs"`
	FaultsSeen      int64           `json:"faults_seen"`
	Refresher       refresher.Stats `json:"refresher"`
}

// Status returns the background job counters shown on /api/status.
func (d *Daemon) Status() BackgroundStatus {
	return BackgroundStatus{
		RefreshSchedule: d.Config.DNA.RefreshSchedule,
		ScheduledRuns:   d.refreshes.Load(),
		FaultsSeen:      d.faults.Load(),
		Refresher:       d.refresher.Stats(),
	}
}

// Handler returns the HTTP API.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// Serve runs the API, the refresh schedule and the fault watcher until ctx
// is cancelled, then shuts the listener down gracefully.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.watchFaults(ctx)
	d.cron.Start()
	defer func() { <-d.cron.Stop().Done() }()

	srv := &http.Server{
		Addr:              d.Config.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.log.WithFields(logging.Fields{
			"addr":    srv.Addr,
			"backend": d.Config.Store.Backend,
		}).Info("dnacore listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	d.log.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// refresh re-reads every cached user. Scheduled by cron.
func (d *Daemon) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res := d.refresher.Run(ctx)
	d.refreshes.Add(1)
	if res.Failed > 0 || res.Offline > 0 {
		d.log.WithFields(logging.Fields{
			"users":   res.Users,
			"offline": res.Offline,
			"failed":  res.Failed,
		}).Warn("dna refresh degraded")
	}
}

// watchFaults drains the kernel's fault channel. Writes stay halted until
// an operator clears the fault through the API.
func (d *Daemon) watchFaults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-d.Kernel.Faults():
			d.faults.Add(1)
			d.log.WithError(err).Error("integrity fault: xp writes halted until cleared")
		}
	}
}

// Close releases the store.
func (d *Daemon) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}
