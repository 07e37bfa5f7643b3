// Package disk manages per-VM qcow2 overlay images layered on a shared
// read-only base, so disk usage scales with per-VM deltas. The base
// image is never mutated.
package disk

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/virtforge/virtforge/pkg/log"
)

// Runner executes a host command. Injected so tests run without
// qemu-img installed.
type Runner interface {
	Run(ctx context.Context, command string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, command string, args ...string) error {
	cmd := exec.CommandContext(ctx, command, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to run %s: %w: %s", command, err, out)
	}
	return nil
}

// Manager creates and removes overlay disks under a single directory.
type Manager struct {
	dir    string
	runner Runner

	// baseMu serializes overlay creation: all overlays in one cluster
	// share the base image.
	baseMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner overrides the command runner.
func WithRunner(r Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// NewManager creates a disk manager rooted at dir, creating it if
// needed.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating disk directory: %w", err)
	}
	m := &Manager{dir: dir, runner: ExecRunner{}}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OverlayPath returns where the overlay for a VM lives.
func (m *Manager) OverlayPath(vmName string) string {
	return filepath.Join(m.dir, vmName+".qcow2")
}

// CreateOverlay creates a copy-on-write layer over baseImage at
// destPath, sized sizeGB. An overlay that already exists is left alone
// so a resumed start does not clobber a VM's written data.
func (m *Manager) CreateOverlay(ctx context.Context, baseImage, destPath string, sizeGB int) error {
	if _, err := os.Stat(baseImage); err != nil {
		return fmt.Errorf("base image %s: %w", baseImage, err)
	}
	if _, err := os.Stat(destPath); err == nil {
		log.WithComponent("disk").Debug().
			Str("overlay", destPath).
			Msg("overlay already exists, keeping")
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking overlay %s: %w", destPath, err)
	}

	m.baseMu.Lock()
	defer m.baseMu.Unlock()

	args := []string{
		"create",
		"-f", "qcow2",
		"-F", "qcow2",
		"-b", baseImage,
		destPath,
	}
	if sizeGB > 0 {
		args = append(args, fmt.Sprintf("%dG", sizeGB))
	}
	if err := m.runner.Run(ctx, "qemu-img", args...); err != nil {
		// A half-written overlay is useless; make the retry start clean.
		os.Remove(destPath)
		return fmt.Errorf("creating overlay %s: %w", destPath, err)
	}

	log.WithComponent("disk").Debug().
		Str("overlay", destPath).
		Str("base", baseImage).
		Msg("overlay created")
	return nil
}

// RemoveOverlay deletes an overlay. Missing files are fine: teardown
// must converge even if a prior run already removed it.
func (m *Manager) RemoveOverlay(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing overlay %s: %w", path, err)
	}
	return nil
}

// Overlays lists overlay files currently present.
func (m *Manager) Overlays() ([]string, error) {
	return filepath.Glob(filepath.Join(m.dir, "*.qcow2"))
}
