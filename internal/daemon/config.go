// Package daemon loads configuration and wires the store, the XP kernel,
// the DNA synchronizer and the HTTP API into a running process.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/pokerdna/dnacore/internal/app/dnasync"
	"github.com/pokerdna/dnacore/internal/app/refresher"
	"github.com/pokerdna/dnacore/internal/app/xpkernel"
	"github.com/pokerdna/dnacore/internal/domain"
	"github.com/pokerdna/dnacore/internal/infra/breaker"
	"github.com/pokerdna/dnacore/internal/infra/logging"
	"github.com/pokerdna/dnacore/internal/infra/supabase"
)

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendSupabase = "supabase"
	BackendMemory   = "memory"
)

// Config is the full daemon configuration, read from
// ~/.dnacore/config.toml.
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Supabase SupabaseConfig `toml:"supabase"`
	Breaker  BreakerConfig  `toml:"breaker"`
	XP       XPConfig       `toml:"xp"`
	DNA      DNAConfig      `toml:"dna"`
	API      APIConfig      `toml:"api"`
	Log      logging.Config `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// StoreConfig selects the authoritative backend.
type StoreConfig struct {
	Backend string `toml:"backend"`  // sqlite, supabase, memory
	DataDir string `toml:"data_dir"` // sqlite only; empty means the dnacore home
}

// SupabaseConfig points at a hosted PostgREST project.
type SupabaseConfig struct {
	URL        string `toml:"url"`
	ServiceKey string `toml:"service_key"`
	Timeout    string `toml:"timeout"`
}

// BreakerConfig guards the store with a circuit breaker.
type BreakerConfig struct {
	Enabled     bool   `toml:"enabled"`
	MaxFailures uint32 `toml:"max_failures"`
	OpenTimeout string `toml:"open_timeout"`
}

// XPConfig holds the credit limits.
type XPConfig struct {
	MinIncrement       int64   `toml:"min_increment"`
	MaxSingleIncrement int64   `toml:"max_single_increment"`
	MasteryGate        float64 `toml:"mastery_gate"`
	CreditRetryLimit   int     `toml:"credit_retry_limit"`
	RequestDeadline    string  `toml:"request_deadline"`
}

// DNAConfig holds the cache thresholds.
type DNAConfig struct {
	StaleThreshold     string `toml:"stale_threshold"`
	MaxOffline         string `toml:"max_offline"`
	RequestDeadline    string `toml:"request_deadline"`
	RefreshSchedule    string `toml:"refresh_schedule"` // cron schedule; empty disables
	RefreshConcurrency int    `toml:"refresh_concurrency"`
}

// APIConfig is the HTTP listener.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	RequestTimeout string `toml:"request_timeout"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{Backend: BackendSQLite},
		Supabase: SupabaseConfig{
			Timeout: "10s",
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			OpenTimeout: "30s",
		},
		XP: XPConfig{
			MinIncrement:       domain.MinIncrement,
			MaxSingleIncrement: domain.MaxSingleIncrement,
			MasteryGate:        domain.MasteryGate,
			CreditRetryLimit:   3,
			RequestDeadline:    "10s",
		},
		DNA: DNAConfig{
			StaleThreshold:     "60s",
			MaxOffline:         "24h",
			RequestDeadline:    "10s",
			RefreshSchedule:    "@every 30s",
			RefreshConcurrency: 4,
		},
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           7433,
			RequestTimeout: "30s",
		},
		Log:     logging.DefaultConfig(),
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Home returns the dnacore home directory ($DNACORE_HOME or ~/.dnacore).
func Home() string {
	if env := os.Getenv("DNACORE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dnacore")
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// Load reads the config at path (a missing file yields the defaults),
// loads .env files from the home and working directories, applies
// DNACORE_* overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	for _, envFile := range []string{filepath.Join(Home(), ".env"), ".env"} {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Existing process variables win
// over .env entries since godotenv never overwrites them.
func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("DNACORE_STORE_BACKEND", &c.Store.Backend)
	str("DNACORE_DATA_DIR", &c.Store.DataDir)
	str("SUPABASE_URL", &c.Supabase.URL)
	str("SUPABASE_SERVICE_ROLE_KEY", &c.Supabase.ServiceKey)
	str("DNACORE_SUPABASE_URL", &c.Supabase.URL)
	str("DNACORE_SUPABASE_SERVICE_KEY", &c.Supabase.ServiceKey)
	str("DNACORE_API_HOST", &c.API.Host)
	str("DNACORE_LOG_LEVEL", &c.Log.Level)
	str("DNACORE_LOG_OUTPUT", &c.Log.Output)
	str("DNACORE_REFRESH_SCHEDULE", &c.DNA.RefreshSchedule)

	if v := os.Getenv("DNACORE_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DNACORE_API_PORT: %w", err)
		}
		c.API.Port = port
	}
	if err := boolean("DNACORE_LOG_JSON", &c.Log.JSON); err != nil {
		return err
	}
	if err := boolean("DNACORE_METRICS", &c.Metrics.Enabled); err != nil {
		return err
	}
	return boolean("DNACORE_BREAKER", &c.Breaker.Enabled)
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendSQLite, BackendMemory:
	case BackendSupabase:
		if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
			errs = append(errs, errors.New("store.backend = supabase requires supabase.url and supabase.service_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}

	if c.XP.MinIncrement < 1 {
		errs = append(errs, errors.New("xp.min_increment must be at least 1"))
	}
	if c.XP.MaxSingleIncrement < c.XP.MinIncrement {
		errs = append(errs, errors.New("xp.max_single_increment must not be below xp.min_increment"))
	}
	if c.XP.MasteryGate < 0 || c.XP.MasteryGate > 1 {
		errs = append(errs, errors.New("xp.mastery_gate must lie in [0, 1]"))
	}
	if c.XP.CreditRetryLimit < 0 {
		errs = append(errs, errors.New("xp.credit_retry_limit must not be negative"))
	}
	if c.DNA.RefreshConcurrency < 0 {
		errs = append(errs, errors.New("dna.refresh_concurrency must not be negative"))
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}

	stale, err1 := parseDuration("dna.stale_threshold", c.DNA.StaleThreshold)
	offline, err2 := parseDuration("dna.max_offline", c.DNA.MaxOffline)
	errs = append(errs, err1, err2)
	if err1 == nil && err2 == nil && offline < stale {
		errs = append(errs, errors.New("dna.max_offline must not be shorter than dna.stale_threshold"))
	}
	for field, raw := range map[string]string{
		"dna.request_deadline": c.DNA.RequestDeadline,
		"xp.request_deadline":  c.XP.RequestDeadline,
		"api.request_timeout":  c.API.RequestTimeout,
		"breaker.open_timeout": c.Breaker.OpenTimeout,
		"supabase.timeout":     c.Supabase.Timeout,
	} {
		_, err := parseDuration(field, raw)
		errs = append(errs, err)
	}

	if c.DNA.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.DNA.RefreshSchedule); err != nil {
			errs = append(errs, fmt.Errorf("dna.refresh_schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

// DataDir returns where the sqlite database lives.
func (c Config) DataDir() string {
	if c.Store.DataDir != "" {
		return c.Store.DataDir
	}
	return Home()
}

// Addr returns the API listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// KernelConfig converts the [xp] section. Call after Validate.
func (c Config) KernelConfig() xpkernel.Config {
	return xpkernel.Config{
		MinIncrement:       c.XP.MinIncrement,
		MaxSingleIncrement: c.XP.MaxSingleIncrement,
		MasteryGate:        c.XP.MasteryGate,
		CreditRetryLimit:   c.XP.CreditRetryLimit,
		RequestDeadline:    mustDuration(c.XP.RequestDeadline),
	}
}

// SyncConfig converts the [dna] section. Call after Validate.
func (c Config) SyncConfig() dnasync.Config {
	return dnasync.Config{
		StaleThreshold:  mustDuration(c.DNA.StaleThreshold),
		MaxOffline:      mustDuration(c.DNA.MaxOffline),
		RequestDeadline: mustDuration(c.DNA.RequestDeadline),
	}
}

// RefresherConfig converts the refresh fan-out settings.
func (c Config) RefresherConfig() refresher.Config {
	return refresher.Config{
		MaxConcurrent: c.DNA.RefreshConcurrency,
		UserTimeout:   mustDuration(c.DNA.RequestDeadline),
	}
}

// GuardConfig converts the [breaker] section.
func (c Config) GuardConfig() breaker.Config {
	cfg := breaker.DefaultConfig()
	cfg.Name = c.Store.Backend
	if c.Breaker.MaxFailures > 0 {
		cfg.MaxFailures = c.Breaker.MaxFailures
	}
	if d := mustDuration(c.Breaker.OpenTimeout); d > 0 {
		cfg.OpenTimeout = d
	}
	return cfg
}

// SupabaseStoreConfig converts the [supabase] section.
func (c Config) SupabaseStoreConfig() supabase.Config {
	return supabase.Config{
		URL:        strings.TrimRight(c.Supabase.URL, "/"),
		ServiceKey: c.Supabase.ServiceKey,
		Timeout:    mustDuration(c.Supabase.Timeout),
	}
}

// RequestTimeout is the API's per-request bound.
func (c Config) RequestTimeout() time.Duration {
	return mustDuration(c.API.RequestTimeout)
}

// parseDuration accepts Go duration strings ("60s", "24h"); empty means
// "use the component default".
func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

func mustDuration(raw string) time.Duration {
	d, _ := parseDuration("", raw)
	return d
}
