package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NonceState is the persisted nonce high-water mark for one api key.
type NonceState struct {
	Watermark uint64    `json:"watermark"`
	Scope     string    `json:"scope,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuntimeStatus describes the running server for operators.
type RuntimeStatus struct {
	InstanceID string    `json:"instance_id"`
	Transport  string    `json:"transport"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	Pairs      []string  `json:"pairs,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// Store keeps small JSON documents under a state directory, one nonce file per
// credential scope.
type Store struct {
	root  string
	scope string
	mu    sync.Mutex
}

func New(root, scope string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "create state dir")
	}
	return &Store{root: root, scope: scope}, nil
}

func (s *Store) LoadNonceWatermark() (uint64, bool, error) {
	var state NonceState
	ok, err := readJSON(s.noncePath(), &state)
	if err != nil || !ok {
		return 0, false, err
	}
	return state.Watermark, true, nil
}

// SaveNonceWatermark persists w. A lower value than the stored one is ignored so
// the watermark never moves back.
func (s *Store) SaveNonceWatermark(w uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current NonceState
	if _, err := readJSON(s.noncePath(), &current); err != nil {
		return err
	}
	if w <= current.Watermark {
		return nil
	}
	return writeJSONAtomic(s.noncePath(), NonceState{
		Watermark: w,
		Scope:     s.scope,
		UpdatedAt: time.Now().UTC(),
	})
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	var status RuntimeStatus
	ok, err := readJSON(s.runtimeStatusPath(), &status)
	if err != nil || !ok {
		return RuntimeStatus{}, ok, err
	}
	return status, true, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) noncePath() string {
	if s.scope == "" {
		return filepath.Join(s.root, "nonce.json")
	}
	return filepath.Join(s.root, "nonce-"+s.scope+".json")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, pkgerrors.Wrapf(err, "read %s", filepath.Base(path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, pkgerrors.Wrapf(err, "decode %s", filepath.Base(path))
	}
	return true, nil
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return pkgerrors.Wrap(err, "create temp file")
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		cleanup()
		return pkgerrors.Wrapf(err, "encode %s", filepath.Base(path))
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return pkgerrors.Wrapf(err, "replace %s", filepath.Base(path))
	}
	syncDir(dir, path)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		logrus.WithFields(logrus.Fields{"component": "store", "dir": dir, "target": path}).WithError(err).Warn("store_dir_fsync_skipped")
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		logrus.WithFields(logrus.Fields{"component": "store", "dir": dir, "target": path}).WithError(err).Warn("store_dir_fsync_failed")
	}
}
