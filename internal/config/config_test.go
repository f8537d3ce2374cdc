package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// chdirProject creates a temp project with the given config.yaml content,
// chdirs into it, and registers cleanup that restores the previous state.
func chdirProject(t *testing.T, configYAML string) string {
	t.Helper()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}

	dir := t.TempDir()
	caravanDir := filepath.Join(dir, ".caravan")
	if err := os.MkdirAll(caravanDir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(caravanDir, "config.yaml"), []byte(configYAML), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir() error = %v", err)
	}

	t.Cleanup(func() {
		_ = os.Chdir(cwd)
		ResetForTesting()
	})

	return dir
}

func TestInitializeDefaults(t *testing.T) {
	ResetForTesting()
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(ResetForTesting)

	if got := RequestTimeout(); got != 30*time.Second {
		t.Errorf("RequestTimeout() = %v, want 30s", got)
	}
	if got := LeaseTimeout(); got != 60*time.Second {
		t.Errorf("LeaseTimeout() = %v, want 60s", got)
	}
	if got := MaxRetries(); got != 10 {
		t.Errorf("MaxRetries() = %d, want 10", got)
	}
	if got := OptimisticMaxRetries(); got != 3 {
		t.Errorf("OptimisticMaxRetries() = %d, want 3", got)
	}
	if got := SyncConcurrency(); got != 4 {
		t.Errorf("SyncConcurrency() = %d, want 4", got)
	}
	if got := BackoffBase(); got != 500*time.Millisecond {
		t.Errorf("BackoffBase() = %v, want 500ms", got)
	}
	if got := BackoffMax(); got != 60*time.Second {
		t.Errorf("BackoffMax() = %v, want 60s", got)
	}
	if got := ConfirmedTTL(); got != 30*time.Second {
		t.Errorf("ConfirmedTTL() = %v, want 30s", got)
	}
	if got := ArchiveDays(); got != 30 {
		t.Errorf("ArchiveDays() = %d, want 30", got)
	}
	if got := ConcurrentEditWindow(); got != 5*time.Minute {
		t.Errorf("ConcurrentEditWindow() = %v, want 5m", got)
	}
	if got := ServerURL(); got != "" {
		t.Errorf("ServerURL() = %q, want empty", got)
	}
}

func TestInitializeReadsProjectYaml(t *testing.T) {
	chdirProject(t, `server-url: "https://ops.example.com"
actor: dispatch-1
request-timeout: 45s
max-retries: 5

sync:
  concurrency: 2
  backoff-base: 250ms

conflict:
  archive-days: 7
`)

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if got := ServerURL(); got != "https://ops.example.com" {
		t.Errorf("ServerURL() = %q", got)
	}
	if got := Actor(); got != "dispatch-1" {
		t.Errorf("Actor() = %q", got)
	}
	if got := RequestTimeout(); got != 45*time.Second {
		t.Errorf("RequestTimeout() = %v, want 45s", got)
	}
	if got := MaxRetries(); got != 5 {
		t.Errorf("MaxRetries() = %d, want 5", got)
	}
	if got := SyncConcurrency(); got != 2 {
		t.Errorf("SyncConcurrency() = %d, want 2", got)
	}
	if got := BackoffBase(); got != 250*time.Millisecond {
		t.Errorf("BackoffBase() = %v, want 250ms", got)
	}
	if got := ArchiveDays(); got != 7 {
		t.Errorf("ArchiveDays() = %d, want 7", got)
	}
	// Untouched keys keep their defaults.
	if got := OptimisticMaxRetries(); got != 3 {
		t.Errorf("OptimisticMaxRetries() = %d, want 3", got)
	}
}

func TestLeaseTimeoutDerivesFromRequestTimeout(t *testing.T) {
	chdirProject(t, "request-timeout: 10s\n")

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if got := LeaseTimeout(); got != 20*time.Second {
		t.Errorf("LeaseTimeout() = %v, want 20s (2x request timeout)", got)
	}
}

func TestLeaseTimeoutExplicitOverride(t *testing.T) {
	chdirProject(t, "request-timeout: 10s\nlease-timeout: 90s\n")

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if got := LeaseTimeout(); got != 90*time.Second {
		t.Errorf("LeaseTimeout() = %v, want 90s", got)
	}
}

func TestEnvOverridesYaml(t *testing.T) {
	chdirProject(t, "max-retries: 5\nactor: file-actor\n")
	t.Setenv("CARAVAN_MAX_RETRIES", "7")
	t.Setenv("CARAVAN_ACTOR", "env-actor")
	t.Setenv("CARAVAN_SYNC_CONCURRENCY", "8")

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if got := MaxRetries(); got != 7 {
		t.Errorf("MaxRetries() = %d, want env override 7", got)
	}
	if got := Actor(); got != "env-actor" {
		t.Errorf("Actor() = %q, want env override", got)
	}
	if got := SyncConcurrency(); got != 8 {
		t.Errorf("SyncConcurrency() = %d, want env override 8", got)
	}
}

func TestAccessorsBeforeInitialize(t *testing.T) {
	ResetForTesting()
	t.Cleanup(ResetForTesting)

	// Everything falls back to defaults; nothing panics.
	if got := RequestTimeout(); got != DefaultRequestTimeout {
		t.Errorf("RequestTimeout() = %v, want default", got)
	}
	if got := LeaseTimeout(); got != 2*DefaultRequestTimeout {
		t.Errorf("LeaseTimeout() = %v, want 2x default request timeout", got)
	}
	if got := ServerURL(); got != "" {
		t.Errorf("ServerURL() = %q, want empty", got)
	}
	if got := MaxRetries(); got != DefaultMaxRetries {
		t.Errorf("MaxRetries() = %d, want default", got)
	}
}

func TestCurrentTuningSnapshot(t *testing.T) {
	chdirProject(t, "request-timeout: 15s\nmax-retries: 2\n")

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	tuning := CurrentTuning()
	if tuning.RequestTimeout != 15*time.Second {
		t.Errorf("Tuning.RequestTimeout = %v, want 15s", tuning.RequestTimeout)
	}
	if tuning.LeaseTimeout != 30*time.Second {
		t.Errorf("Tuning.LeaseTimeout = %v, want 30s", tuning.LeaseTimeout)
	}
	if tuning.MaxRetries != 2 {
		t.Errorf("Tuning.MaxRetries = %d, want 2", tuning.MaxRetries)
	}
	if tuning.SyncConcurrency != 4 {
		t.Errorf("Tuning.SyncConcurrency = %d, want default 4", tuning.SyncConcurrency)
	}
}

func TestDefaultTuning(t *testing.T) {
	tuning := DefaultTuning()
	if tuning.LeaseTimeout != 60*time.Second {
		t.Errorf("DefaultTuning().LeaseTimeout = %v, want 60s", tuning.LeaseTimeout)
	}
	if tuning.ConcurrentEditWindow != 5*time.Minute {
		t.Errorf("DefaultTuning().ConcurrentEditWindow = %v, want 5m", tuning.ConcurrentEditWindow)
	}
}

func TestFindProjectDir(t *testing.T) {
	dir := chdirProject(t, "")

	// From the project root. Resolve symlinks before comparing because
	// t.TempDir may hand back a symlinked path.
	got, err := FindProjectDir()
	if err != nil {
		t.Fatalf("FindProjectDir() error = %v", err)
	}
	want := filepath.Join(dir, ".caravan")
	gotResolved, _ := filepath.EvalSymlinks(got)
	wantResolved, _ := filepath.EvalSymlinks(want)
	if gotResolved != wantResolved {
		t.Errorf("FindProjectDir() = %q, want %q", got, want)
	}

	// From a nested subdirectory.
	sub := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.Chdir(sub); err != nil {
		t.Fatalf("Chdir() error = %v", err)
	}
	if _, err := FindProjectDir(); err != nil {
		t.Errorf("FindProjectDir() from subdir error = %v", err)
	}
}
