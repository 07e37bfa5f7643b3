package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records qemu-img invocations and creates the destination
// file the way qemu-img would.
type fakeRunner struct {
	calls [][]string
	err   error
}

func (f *fakeRunner) Run(_ context.Context, command string, args ...string) error {
	f.calls = append(f.calls, append([]string{command}, args...))
	if f.err != nil {
		return f.err
	}
	// args: create -f qcow2 -F qcow2 -b <base> <dest> [size]
	if len(args) >= 8 && args[0] == "create" {
		_ = os.WriteFile(args[7], []byte("qcow2"), 0o644)
	}
	return nil
}

func newTestManager(t *testing.T, r Runner) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(dir, WithRunner(r))
	require.NoError(t, err)
	return m, dir
}

func writeBase(t *testing.T) string {
	t.Helper()
	base := filepath.Join(t.TempDir(), "base.qcow2")
	require.NoError(t, os.WriteFile(base, []byte("base"), 0o644))
	return base
}

func TestCreateOverlay(t *testing.T) {
	runner := &fakeRunner{}
	m, _ := newTestManager(t, runner)
	base := writeBase(t)
	dest := m.OverlayPath("lab-compute-01")

	require.NoError(t, m.CreateOverlay(context.Background(), base, dest, 40))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{
		"qemu-img", "create", "-f", "qcow2", "-F", "qcow2", "-b", base, dest, "40G",
	}, runner.calls[0])
}

func TestCreateOverlayExistingIsNoop(t *testing.T) {
	runner := &fakeRunner{}
	m, _ := newTestManager(t, runner)
	base := writeBase(t)
	dest := m.OverlayPath("lab-compute-01")

	require.NoError(t, os.WriteFile(dest, []byte("existing data"), 0o644))
	require.NoError(t, m.CreateOverlay(context.Background(), base, dest, 40))

	assert.Empty(t, runner.calls, "existing overlay must not be recreated")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "existing data", string(data))
}

func TestCreateOverlayMissingBase(t *testing.T) {
	runner := &fakeRunner{}
	m, _ := newTestManager(t, runner)

	err := m.CreateOverlay(context.Background(), "/nonexistent/base.qcow2", m.OverlayPath("vm"), 10)
	require.Error(t, err)
	assert.Empty(t, runner.calls)
}

func TestCreateOverlayFailureCleansUp(t *testing.T) {
	runner := &fakeRunner{err: errors.New("qemu-img exploded")}
	m, _ := newTestManager(t, runner)
	base := writeBase(t)
	dest := m.OverlayPath("vm")

	err := m.CreateOverlay(context.Background(), base, dest, 10)
	require.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "failed overlay must not linger")
}

func TestRemoveOverlayTolerant(t *testing.T) {
	m, dir := newTestManager(t, &fakeRunner{})

	path := filepath.Join(dir, "vm.qcow2")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, m.RemoveOverlay(path))
	require.NoError(t, m.RemoveOverlay(path)) // already gone
}

func TestOverlays(t *testing.T) {
	m, dir := newTestManager(t, &fakeRunner{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.qcow2"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.qcow2"), nil, 0o644))

	overlays, err := m.Overlays()
	require.NoError(t, err)
	assert.Len(t, overlays, 2)
}
