// Package config manages caravan's configuration. Settings live in the
// project's .caravan/config.yaml file and can be overridden with
// CARAVAN_* environment variables. The file is read once at startup
// through a package-level viper instance; commands that need to re-read
// it after a directory change use LoadLocalConfig instead.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// v is the process-wide configuration. Nil until Initialize runs.
var (
	v  *viper.Viper
	mu sync.RWMutex
)

// Default tuning values. These match the documented defaults in
// docs/configuration.md and are applied whenever config.yaml leaves a
// key unset.
const (
	DefaultRequestTimeout       = 30 * time.Second
	DefaultMaxRetries           = 10
	DefaultOptimisticRetries    = 3
	DefaultSyncConcurrency      = 4
	DefaultBackoffBase          = 500 * time.Millisecond
	DefaultBackoffMax           = 60 * time.Second
	DefaultConfirmedTTL         = 30 * time.Second
	DefaultArchiveDays          = 30
	DefaultConcurrentEditWindow = 5 * time.Minute
)

// Initialize sets up the configuration singleton. It walks up from the
// working directory looking for .caravan/config.yaml; if none exists the
// defaults still apply, so callers outside a project get a working
// configuration. Safe to call more than once.
func Initialize() error {
	mu.Lock()
	defer mu.Unlock()

	nv := viper.New()
	setDefaults(nv)

	nv.SetEnvPrefix("CARAVAN")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	if path, err := findProjectConfigFile(); err == nil {
		nv.SetConfigFile(path)
		nv.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))
		if err := nv.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		nv.SetConfigType("yaml")
	}

	v = nv
	return nil
}

// InitializeFile is Initialize with an explicit config file instead of
// project discovery. The CLI's --config flag routes here. The file must
// exist; format follows its extension.
func InitializeFile(path string) error {
	mu.Lock()
	defer mu.Unlock()

	nv := viper.New()
	setDefaults(nv)

	nv.SetEnvPrefix("CARAVAN")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	nv.SetConfigFile(path)
	nv.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))
	if err := nv.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	v = nv
	return nil
}

// ResetForTesting discards the singleton so tests can re-Initialize
// against a different working directory.
func ResetForTesting() {
	mu.Lock()
	defer mu.Unlock()
	v = nil
}

func setDefaults(nv *viper.Viper) {
	nv.SetDefault("request-timeout", DefaultRequestTimeout)
	nv.SetDefault("max-retries", DefaultMaxRetries)
	nv.SetDefault("sync.concurrency", DefaultSyncConcurrency)
	nv.SetDefault("sync.backoff-base", DefaultBackoffBase)
	nv.SetDefault("sync.backoff-max", DefaultBackoffMax)
	nv.SetDefault("optimistic.max-retries", DefaultOptimisticRetries)
	nv.SetDefault("optimistic.confirmed-ttl", DefaultConfirmedTTL)
	nv.SetDefault("conflict.archive-days", DefaultArchiveDays)
	nv.SetDefault("conflict.concurrent-edit-window", DefaultConcurrentEditWindow)
}

func active() *viper.Viper {
	mu.RLock()
	defer mu.RUnlock()
	return v
}

// GetString returns a raw string value by key. Empty when the singleton
// is not initialized or the key is unset.
func GetString(key string) string {
	nv := active()
	if nv == nil {
		return ""
	}
	return nv.GetString(key)
}

// ServerURL returns the remote API base URL (e.g. "https://ops.example.com").
func ServerURL() string {
	return GetString("server-url")
}

// Actor returns the configured actor identity, if any.
func Actor() string {
	return GetString("actor")
}

// DatabasePath returns the configured database location. Empty means the
// default .caravan/caravan.db next to config.yaml.
func DatabasePath() string {
	return GetString("db")
}

// RequestTimeout is the per-request deadline for remote API calls.
func RequestTimeout() time.Duration {
	nv := active()
	if nv == nil {
		return DefaultRequestTimeout
	}
	if d := nv.GetDuration("request-timeout"); d > 0 {
		return d
	}
	return DefaultRequestTimeout
}

// LeaseTimeout is how long a claimed queue item stays leased before other
// workers may take it over. Unset, it derives as twice the request
// timeout so a lease always outlives the slowest single request.
func LeaseTimeout() time.Duration {
	nv := active()
	if nv != nil && nv.IsSet("lease-timeout") {
		if d := nv.GetDuration("lease-timeout"); d > 0 {
			return d
		}
	}
	return 2 * RequestTimeout()
}

// MaxRetries is the attempt ceiling for queue items in the core sync path.
func MaxRetries() int {
	return getPositiveInt("max-retries", DefaultMaxRetries)
}

// OptimisticMaxRetries is the attempt ceiling for optimistic updates.
func OptimisticMaxRetries() int {
	return getPositiveInt("optimistic.max-retries", DefaultOptimisticRetries)
}

// SyncConcurrency is how many entities may sync in parallel.
func SyncConcurrency() int {
	return getPositiveInt("sync.concurrency", DefaultSyncConcurrency)
}

// BackoffBase is the initial retry delay for failed sync attempts.
func BackoffBase() time.Duration {
	return getPositiveDuration("sync.backoff-base", DefaultBackoffBase)
}

// BackoffMax caps the exponential retry delay.
func BackoffMax() time.Duration {
	return getPositiveDuration("sync.backoff-max", DefaultBackoffMax)
}

// ConfirmedTTL is how long confirmed optimistic updates linger before
// garbage collection.
func ConfirmedTTL() time.Duration {
	return getPositiveDuration("optimistic.confirmed-ttl", DefaultConfirmedTTL)
}

// ArchiveDays is the age threshold for archiving resolved conflicts.
func ArchiveDays() int {
	return getPositiveInt("conflict.archive-days", DefaultArchiveDays)
}

// ConcurrentEditWindow is the timestamp proximity within which two
// diverging edits count as concurrent rather than merely stale.
func ConcurrentEditWindow() time.Duration {
	return getPositiveDuration("conflict.concurrent-edit-window", DefaultConcurrentEditWindow)
}

func getPositiveInt(key string, def int) int {
	nv := active()
	if nv == nil {
		return def
	}
	if n := nv.GetInt(key); n > 0 {
		return n
	}
	return def
}

func getPositiveDuration(key string, def time.Duration) time.Duration {
	nv := active()
	if nv == nil {
		return def
	}
	if d := nv.GetDuration(key); d > 0 {
		return d
	}
	return def
}

// Tuning is a resolved snapshot of every timing and retry knob. Engines
// take a Tuning at construction so they never touch viper directly.
type Tuning struct {
	RequestTimeout       time.Duration
	LeaseTimeout         time.Duration
	MaxRetries           int
	OptimisticMaxRetries int
	SyncConcurrency      int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	ConfirmedTTL         time.Duration
	ArchiveDays          int
	ConcurrentEditWindow time.Duration
}

// CurrentTuning resolves the active configuration into a Tuning snapshot.
func CurrentTuning() Tuning {
	return Tuning{
		RequestTimeout:       RequestTimeout(),
		LeaseTimeout:         LeaseTimeout(),
		MaxRetries:           MaxRetries(),
		OptimisticMaxRetries: OptimisticMaxRetries(),
		SyncConcurrency:      SyncConcurrency(),
		BackoffBase:          BackoffBase(),
		BackoffMax:           BackoffMax(),
		ConfirmedTTL:         ConfirmedTTL(),
		ArchiveDays:          ArchiveDays(),
		ConcurrentEditWindow: ConcurrentEditWindow(),
	}
}

// DefaultTuning returns the documented defaults without consulting the
// singleton. Useful for tests and for components constructed before
// Initialize.
func DefaultTuning() Tuning {
	return Tuning{
		RequestTimeout:       DefaultRequestTimeout,
		LeaseTimeout:         2 * DefaultRequestTimeout,
		MaxRetries:           DefaultMaxRetries,
		OptimisticMaxRetries: DefaultOptimisticRetries,
		SyncConcurrency:      DefaultSyncConcurrency,
		BackoffBase:          DefaultBackoffBase,
		BackoffMax:           DefaultBackoffMax,
		ConfirmedTTL:         DefaultConfirmedTTL,
		ArchiveDays:          DefaultArchiveDays,
		ConcurrentEditWindow: DefaultConcurrentEditWindow,
	}
}

// findProjectConfigFile finds the project's .caravan/config.yaml (or
// config.toml) file, preferring yaml when both exist.
func findProjectConfigFile() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		for _, name := range []string{"config.yaml", "config.toml"} {
			configPath := filepath.Join(dir, ".caravan", name)
			if _, err := os.Stat(configPath); err == nil {
				return configPath, nil
			}
		}
	}

	return "", fmt.Errorf("no .caravan/config.yaml found (run 'caravan init' first)")
}

// FindProjectDir locates the nearest .caravan directory at or above the
// working directory.
func FindProjectDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		caravanDir := filepath.Join(dir, ".caravan")
		if info, err := os.Stat(caravanDir); err == nil && info.IsDir() {
			return caravanDir, nil
		}
	}

	return "", fmt.Errorf("no .caravan directory found (run 'caravan init' first)")
}
