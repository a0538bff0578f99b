package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// ErrLocked means another live process owns the lock for the same api key.
var ErrLocked = errors.New("instance lock held")

// InstanceLock keeps two processes from signing with the same api key, which would
// interleave their nonces.
type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	// Scope separates locks per credential; usually the key fingerprint.
	Scope           string
	InstanceID      string
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
}

type lockMeta struct {
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id,omitempty"`
	Scope      string    `json:"scope,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, fmt.Errorf("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "create state dir")
	}
	path := lockPath(root, opts.Scope)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			meta := lockMeta{PID: os.Getpid(), InstanceID: opts.InstanceID, Scope: opts.Scope, StartedAt: now().UTC()}
			if err := writeLockMeta(f, meta); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, pkgerrors.Wrap(err, "create lock file")
		}
		if !opts.TakeoverEnabled {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		stale, reason, err := lockIsStale(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (stale check failed: %v)", ErrLocked, path, err)
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, reason)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, pkgerrors.Wrap(err, "remove stale lock")
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func lockPath(root, scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return filepath.Join(root, ".instance.lock")
	}
	return filepath.Join(root, ".instance-"+scope+".lock")
}

func writeLockMeta(f *os.File, meta lockMeta) error {
	if err := json.NewEncoder(f).Encode(meta); err != nil {
		return pkgerrors.Wrap(err, "write lock file")
	}
	return f.Sync()
}

func lockIsStale(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	var meta lockMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		// A half-written lock from a crash is only reclaimed by age.
		info, statErr := os.Stat(path)
		if statErr != nil {
			return false, "", statErr
		}
		meta = lockMeta{StartedAt: info.ModTime().UTC()}
	}

	if meta.PID > 0 {
		if processAlive(meta.PID) {
			return false, "owner_process_running", nil
		}
		return true, "owner_process_not_running", nil
	}
	if meta.StartedAt.IsZero() {
		return false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(meta.StartedAt) >= staleAfter {
		return true, "lock_age_exceeded", nil
	}
	return false, "lock_not_stale", nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return false
	case errors.Is(err, syscall.EPERM):
		return true
	}
	return false
}

func (l *InstanceLock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
