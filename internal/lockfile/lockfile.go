// Package lockfile enforces the single-daemon-per-workspace rule with an
// advisory flock on .caravan/caravan.lock. The lock dies with the process,
// so a crashed daemon never leaves the workspace wedged; the JSON body is
// informational (who holds it) rather than authoritative.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LockFileName is the lock's file name inside the workspace directory.
const LockFileName = "caravan.lock"

// ErrLockBusy reports that another process holds the daemon lock.
var ErrLockBusy = errors.New("daemon lock held by another process")

// LockInfo describes the daemon holding the lock.
type LockInfo struct {
	PID       int       `json:"pid"`
	Database  string    `json:"database,omitempty"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held daemon lock. Release it on shutdown; the OS releases it
// anyway if the process dies.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive daemon lock for dir, creating the directory
// if needed, and records info in the lock file. It fails with ErrLockBusy
// (naming the holder when readable) if another daemon has it.
func Acquire(dir string, info LockInfo) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, LockFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLockBusy) {
			if holder, readErr := ReadLockInfo(dir); readErr == nil && holder.PID > 0 {
				return nil, fmt.Errorf("%w (pid %d)", ErrLockBusy, holder.PID)
			}
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	body, err := json.Marshal(info)
	if err != nil {
		_ = flockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("encode lock info: %w", err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(body, 0)
		_ = f.Sync()
	}

	return &Lock{file: f, path: path}, nil
}

// Release drops the lock and removes the file. Safe to call once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := flockUnlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	_ = os.Remove(l.path)
	if unlockErr != nil {
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	return closeErr
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Held reports whether some process currently holds the daemon lock for
// dir. It probes by trying the lock itself, so a lock file left behind by
// a dead process reads as free.
func Held(dir string) (bool, error) {
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := flockExclusive(f); err != nil {
		if errors.Is(err, ErrLockBusy) {
			return true, nil
		}
		return false, err
	}
	_ = flockUnlock(f)
	return false, nil
}

// ReadLockInfo reads the holder metadata from dir's lock file.
func ReadLockInfo(dir string) (*LockInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &info, nil
}
