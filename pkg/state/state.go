// Package state owns the on-disk representation of cluster state: one
// checksummed JSON file per cluster, written atomically, guarded by a
// cross-process file lock. Every other component reads and mutates
// cluster state only through this package.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/log"
	"github.com/virtforge/virtforge/pkg/types"
)

const (
	// formatVersion is bumped on incompatible envelope changes.
	formatVersion = 1

	// DefaultLockTimeout bounds how long a mutating operation waits for
	// another process to release a cluster's lock.
	DefaultLockTimeout = 30 * time.Second

	lockRetryDelay = 250 * time.Millisecond
)

// envelope wraps the persisted aggregate with integrity metadata. The
// cluster payload is kept raw so the checksum covers exactly the bytes
// on disk.
type envelope struct {
	FormatVersion int             `json:"format_version"`
	Revision      uint64          `json:"revision"`
	Checksum      string          `json:"checksum"`
	Cluster       json.RawMessage `json:"cluster"`
}

// Manager persists ClusterState aggregates under a single directory.
type Manager struct {
	dir         string
	lockTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLockTimeout overrides the lock acquisition deadline.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Manager) { m.lockTimeout = d }
}

// NewManager creates a state manager rooted at dir, creating it if
// needed.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	m := &Manager{dir: dir, lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) statePath(name string) string {
	return filepath.Join(m.dir, name+".json")
}

func (m *Manager) lockPath(name string) string {
	return filepath.Join(m.dir, name+".lock")
}

// Load reads the aggregate for one cluster. It returns
// errdefs.ErrNotFound when no state file exists and
// errdefs.ErrCorruptState when the checksum or envelope does not check
// out; corrupt state is never auto-repaired.
func (m *Manager) Load(name string) (*types.ClusterState, error) {
	data, err := os.ReadFile(m.statePath(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: cluster %s", errdefs.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading state for cluster %s: %w", name, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: cluster %s: %v", errdefs.ErrCorruptState, name, err)
	}
	if env.FormatVersion != formatVersion {
		return nil, fmt.Errorf("%w: cluster %s: unsupported format version %d",
			errdefs.ErrCorruptState, name, env.FormatVersion)
	}
	if sum := checksum(env.Cluster); sum != env.Checksum {
		return nil, fmt.Errorf("%w: cluster %s: checksum mismatch", errdefs.ErrCorruptState, name)
	}

	st := &types.ClusterState{}
	if err := json.Unmarshal(env.Cluster, st); err != nil {
		return nil, fmt.Errorf("%w: cluster %s: %v", errdefs.ErrCorruptState, name, err)
	}
	st.Revision = env.Revision
	return st, nil
}

// Save atomically persists the aggregate, incrementing its revision.
// The caller's copy must carry the revision it loaded; a mismatch with
// the on-disk revision fails with errdefs.ErrConflict and writes
// nothing.
func (m *Manager) Save(st *types.ClusterState) error {
	if st.Name == "" {
		return fmt.Errorf("cluster state has no name")
	}

	current, err := m.Load(st.Name)
	switch {
	case err == nil:
		if current.Revision != st.Revision {
			return fmt.Errorf("%w: cluster %s: on-disk revision %d, caller has %d",
				errdefs.ErrConflict, st.Name, current.Revision, st.Revision)
		}
	case errors.Is(err, errdefs.ErrNotFound):
		if st.Revision != 0 {
			return fmt.Errorf("%w: cluster %s: no state on disk but caller has revision %d",
				errdefs.ErrConflict, st.Name, st.Revision)
		}
	default:
		return err
	}

	st.Revision++
	st.ModifiedAt = time.Now().UTC()

	payload, err := json.Marshal(st)
	if err != nil {
		st.Revision--
		return fmt.Errorf("encoding state for cluster %s: %w", st.Name, err)
	}
	env := envelope{
		FormatVersion: formatVersion,
		Revision:      st.Revision,
		Checksum:      checksum(payload),
		Cluster:       payload,
	}
	// The envelope is written compactly: indentation would reformat the
	// embedded raw payload and break the checksum on the next Load.
	data, err := json.Marshal(env)
	if err != nil {
		st.Revision--
		return fmt.Errorf("encoding envelope for cluster %s: %w", st.Name, err)
	}

	if err := writeAtomic(m.statePath(st.Name), data); err != nil {
		st.Revision--
		return fmt.Errorf("writing state for cluster %s: %w", st.Name, err)
	}

	log.WithComponent("state").Debug().
		Str("cluster", st.Name).
		Uint64("revision", st.Revision).
		Msg("state saved")
	return nil
}

// Delete removes a cluster's state file. Missing files are fine:
// teardown must converge even after a prior partial failure.
func (m *Manager) Delete(name string) error {
	if err := os.Remove(m.statePath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state for cluster %s: %w", name, err)
	}
	return nil
}

// List returns the names of every cluster with persisted state.
func (m *Manager) List() ([]string, error) {
	entries, err := filepath.Glob(filepath.Join(m.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(filepath.Base(e), ".json"))
	}
	return names, nil
}

// WithLock runs fn while holding the cluster's exclusive cross-process
// lock. At most one mutating operation runs per cluster across
// processes; acquisition past the deadline fails with
// errdefs.ErrLockTimeout. The lock is released on every exit path.
func (m *Manager) WithLock(ctx context.Context, name string, fn func() error) error {
	fl := flock.New(m.lockPath(name))

	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: cluster %s held by another process", errdefs.ErrLockTimeout, name)
	}
	defer func() {
		if uerr := fl.Unlock(); uerr != nil {
			log.WithComponent("state").Warn().
				Err(uerr).
				Str("cluster", name).
				Msg("failed to release cluster lock")
		}
	}()

	return fn()
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeAtomic writes data durably: temp file in the same directory,
// fsync, rename, then fsync the directory so the rename survives a
// crash.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
