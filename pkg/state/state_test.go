package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/types"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), opts...)
	require.NoError(t, err)
	return m
}

func sampleState(name string) *types.ClusterState {
	return &types.ClusterState{
		Name:  name,
		Phase: types.ClusterStarting,
		Network: &types.NetworkRecord{
			Name:      name + "-net",
			Bridge:    "virbr-" + name,
			Subnet:    "192.168.100.0/24",
			Gateway:   "192.168.100.1",
			LeasedIPs: map[string]string{name + "-controller-01": "192.168.100.10"},
		},
		VMs: []*types.VMRecord{
			{
				Name:     name + "-controller-01",
				Role:     types.RoleController,
				MAC:      "52:54:00:aa:bb:01",
				IP:       "192.168.100.10",
				DiskPath: "/var/lib/virtforge/disks/" + name + "-controller-01.qcow2",
				CPUs:     2,
				MemoryMB: 2048,
				State:    types.VMPlanned,
			},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := newTestManager(t)

	st := sampleState("lab")
	require.NoError(t, m.Save(st))
	assert.Equal(t, uint64(1), st.Revision)

	loaded, err := m.Load("lab")
	require.NoError(t, err)
	assert.Equal(t, st.Name, loaded.Name)
	assert.Equal(t, st.Phase, loaded.Phase)
	assert.Equal(t, st.Revision, loaded.Revision)
	assert.Equal(t, st.Network, loaded.Network)
	require.Len(t, loaded.VMs, 1)
	assert.Equal(t, st.VMs[0].Name, loaded.VMs[0].Name)
	assert.Equal(t, st.VMs[0].MAC, loaded.VMs[0].MAC)

	// Saving the loaded copy reproduces the state with the revision
	// bumped once more, field for field.
	require.NoError(t, m.Save(loaded))
	again, err := m.Load("lab")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), again.Revision)
	assert.Equal(t, loaded.VMs, again.VMs)
	assert.Equal(t, loaded.Network, again.Network)
}

func TestLoadNotFound(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Load("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestSaveRevisionConflict(t *testing.T) {
	m := newTestManager(t)

	st := sampleState("lab")
	require.NoError(t, m.Save(st))

	stale := sampleState("lab") // revision 0, but disk is at 1
	err := m.Save(stale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrConflict))

	// A conflicting save must not advance the on-disk revision.
	loaded, err := m.Load("lab")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.Revision)
}

func TestLoadCorruptChecksum(t *testing.T) {
	m := newTestManager(t)

	st := sampleState("lab")
	require.NoError(t, m.Save(st))

	path := m.statePath("lab")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	env.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
	mangled, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, mangled, 0o644))

	_, err = m.Load("lab")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrCorruptState))
}

func TestLoadCorruptJSON(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(m.statePath("lab"), []byte("{garbage"), 0o644))

	_, err := m.Load("lab")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrCorruptState))
}

func TestDeleteTolerant(t *testing.T) {
	m := newTestManager(t)

	st := sampleState("lab")
	require.NoError(t, m.Save(st))
	require.NoError(t, m.Delete("lab"))
	require.NoError(t, m.Delete("lab")) // already gone

	_, err := m.Load("lab")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestList(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Save(sampleState("alpha")))
	require.NoError(t, m.Save(sampleState("beta")))

	names, err := m.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, names)
}

func TestWithLockReleasedOnError(t *testing.T) {
	m := newTestManager(t, WithLockTimeout(2*time.Second))
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := m.WithLock(ctx, "lab", func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	// Lock must be free again.
	err = m.WithLock(ctx, "lab", func() error { return nil })
	assert.NoError(t, err)
}

func TestWithLockTimeout(t *testing.T) {
	dir := t.TempDir()
	holder, err := NewManager(dir, WithLockTimeout(5*time.Second))
	require.NoError(t, err)
	waiter, err := NewManager(dir, WithLockTimeout(300*time.Millisecond))
	require.NoError(t, err)

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = holder.WithLock(context.Background(), "lab", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err = waiter.WithLock(context.Background(), "lab", func() error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrLockTimeout))
}

func TestWriteAtomicNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, writeAtomic(path, []byte("hello")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}
