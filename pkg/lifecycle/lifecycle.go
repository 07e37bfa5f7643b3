// Package lifecycle drives a single VM through its state machine. It
// owns per-VM idempotency: Ensure performs only the transitions still
// required to reach the desired state, so retrying after a partial
// failure never duplicates side effects.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/virtforge/virtforge/pkg/disk"
	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/hypervisor"
	"github.com/virtforge/virtforge/pkg/log"
	"github.com/virtforge/virtforge/pkg/types"
)

const (
	// DefaultAddressTimeout bounds the wait for a booting guest to
	// obtain an address.
	DefaultAddressTimeout = 2 * time.Minute

	// DefaultStopGrace is how long a graceful shutdown may take before
	// the domain is forced off.
	DefaultStopGrace = 30 * time.Second

	initialPollInterval = 500 * time.Millisecond
	maxPollInterval     = 8 * time.Second

	transientRetries = 3
	transientBackoff = 1 * time.Second
)

// Config wires a Manager.
type Config struct {
	Hypervisor hypervisor.Client
	Disks      *disk.Manager

	// BaseImage is the shared read-only image overlays derive from.
	BaseImage string

	// NetworkName is the libvirt network every domain joins.
	NetworkName string

	// Shares are host directories exported to each guest.
	Shares []types.ShareMount

	AddressTimeout time.Duration
	StopGrace      time.Duration
}

// Manager drives individual VM records toward desired states.
type Manager struct {
	hv     hypervisor.Client
	disks  *disk.Manager
	cfg    Config
	logger *zerolog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config) *Manager {
	if cfg.AddressTimeout == 0 {
		cfg.AddressTimeout = DefaultAddressTimeout
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &Manager{
		hv:     cfg.Hypervisor,
		disks:  cfg.Disks,
		cfg:    cfg,
		logger: log.WithComponent("lifecycle"),
	}
}

// Ensure drives rec toward desired, performing only the transitions
// still required. A desired state that already holds is a no-op.
// Supported desired states: Running, Stopped, Destroyed.
func (m *Manager) Ensure(ctx context.Context, rec *types.VMRecord, desired types.VMState) error {
	switch desired {
	case types.VMRunning:
		return m.ensureRunning(ctx, rec)
	case types.VMStopped:
		return m.ensureStopped(ctx, rec)
	case types.VMDestroyed:
		return m.ensureDestroyed(ctx, rec)
	default:
		return fmt.Errorf("unsupported desired state %s for vm %s", desired, rec.Name)
	}
}

func (m *Manager) ensureRunning(ctx context.Context, rec *types.VMRecord) error {
	switch rec.State {
	case types.VMRunning:
		running, err := m.hv.Running(ctx, rec.Name)
		if err != nil {
			return err
		}
		if running {
			return nil
		}
		// Record says running but the domain is off; restart it.
		return m.startExisting(ctx, rec)

	case types.VMStopped:
		return m.startExisting(ctx, rec)

	case types.VMPlanned, types.VMProvisioning, types.VMError:
		return m.provision(ctx, rec)

	default:
		return fmt.Errorf("vm %s cannot reach running from %s", rec.Name, rec.State)
	}
}

// provision performs the full bring-up: overlay, domain definition,
// device attachment, start, address wait. Each step is idempotent, so
// resuming a half-provisioned VM repeats no completed work.
func (m *Manager) provision(ctx context.Context, rec *types.VMRecord) error {
	if rec.State != types.VMProvisioning {
		next, err := rec.State.Transition(types.VMProvisioning)
		if err != nil {
			return err
		}
		rec.SetState(next)
	}

	logger := m.logger.With().Str("vm", rec.Name).Logger()
	logger.Info().Msg("provisioning vm")

	if err := m.disks.CreateOverlay(ctx, m.cfg.BaseImage, rec.DiskPath, rec.DiskGB); err != nil {
		return m.toError(rec, fmt.Errorf("vm %s: %w", rec.Name, err))
	}

	domUUID, err := m.hv.DefineDomain(ctx, hypervisor.DomainSpec{
		Name:     rec.Name,
		UUID:     rec.DomainUUID,
		CPUs:     rec.CPUs,
		MemoryMB: rec.MemoryMB,
		DiskPath: rec.DiskPath,
		MAC:      rec.MAC,
		Network:  m.cfg.NetworkName,
		Shares:   m.cfg.Shares,
	})
	if err != nil {
		return m.toError(rec, fmt.Errorf("vm %s: %w", rec.Name, err))
	}
	rec.DomainUUID = domUUID

	for _, dev := range rec.Devices {
		if err := m.retryTransient(ctx, func() error {
			return m.hv.AttachDevice(ctx, rec.Name, dev)
		}); err != nil {
			return m.toError(rec, fmt.Errorf("vm %s: %w", rec.Name, err))
		}
	}

	if err := m.retryTransient(ctx, func() error {
		return m.hv.Start(ctx, rec.Name)
	}); err != nil {
		return m.toError(rec, fmt.Errorf("vm %s: %w", rec.Name, err))
	}

	addr, err := m.waitAddress(ctx, rec.Name)
	if err != nil {
		// Recoverable: the caller may retry Ensure; completed steps
		// will be skipped on the next pass.
		rec.SetState(types.VMError)
		return fmt.Errorf("%w: vm %s: %v", errdefs.ErrTransient, rec.Name, err)
	}
	rec.IP = addr

	rec.SetState(types.VMRunning)
	logger.Info().Str("ip", addr).Msg("vm running")
	return nil
}

func (m *Manager) startExisting(ctx context.Context, rec *types.VMRecord) error {
	if err := m.retryTransient(ctx, func() error {
		return m.hv.Start(ctx, rec.Name)
	}); err != nil {
		return err
	}
	if rec.IP == "" {
		addr, err := m.waitAddress(ctx, rec.Name)
		if err != nil {
			rec.SetState(types.VMError)
			return fmt.Errorf("%w: vm %s: %v", errdefs.ErrTransient, rec.Name, err)
		}
		rec.IP = addr
	}
	if rec.State != types.VMRunning {
		rec.SetState(types.VMRunning)
	}
	return nil
}

func (m *Manager) ensureStopped(ctx context.Context, rec *types.VMRecord) error {
	switch rec.State {
	case types.VMStopped, types.VMPlanned:
		return nil
	case types.VMRunning:
		if err := m.stopWithGrace(ctx, rec.Name); err != nil {
			return err
		}
		rec.SetState(types.VMStopped)
		return nil
	default:
		return fmt.Errorf("vm %s cannot reach stopped from %s", rec.Name, rec.State)
	}
}

// ensureDestroyed tears the VM down in strict order: stop, detach
// devices, undefine, remove overlay. Devices are released ahead of
// domain removal so a crash mid-teardown leaves no allocation dangling
// behind a vanished domain. Every step tolerates "already gone".
func (m *Manager) ensureDestroyed(ctx context.Context, rec *types.VMRecord) error {
	if rec.State == types.VMDestroyed {
		return nil
	}
	if rec.State != types.VMDestroying {
		next, err := rec.State.Transition(types.VMDestroying)
		if err != nil {
			return err
		}
		rec.SetState(next)
	}

	logger := m.logger.With().Str("vm", rec.Name).Logger()
	logger.Info().Msg("destroying vm")

	if err := m.stopWithGrace(ctx, rec.Name); err != nil {
		return m.toError(rec, err)
	}

	for _, dev := range rec.Devices {
		if err := m.hv.DetachDevice(ctx, rec.Name, dev); err != nil {
			return m.toError(rec, err)
		}
	}

	if err := m.hv.Undefine(ctx, rec.Name); err != nil {
		return m.toError(rec, err)
	}

	if err := m.disks.RemoveOverlay(rec.DiskPath); err != nil {
		return m.toError(rec, err)
	}

	rec.SetState(types.VMDestroyed)
	logger.Info().Msg("vm destroyed")
	return nil
}

// stopWithGrace asks the guest to shut down and forces it off when the
// grace period elapses.
func (m *Manager) stopWithGrace(ctx context.Context, name string) error {
	running, err := m.hv.Running(ctx, name)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	if err := m.hv.Stop(ctx, name, true); err != nil && !errdefs.IsRetryable(err) {
		return err
	}

	deadline := time.Now().Add(m.cfg.StopGrace)
	interval := initialPollInterval
	for time.Now().Before(deadline) {
		running, err := m.hv.Running(ctx, name)
		if err != nil {
			return err
		}
		if !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if interval *= 2; interval > maxPollInterval {
			interval = maxPollInterval
		}
	}

	m.logger.Warn().Str("vm", name).Msg("graceful shutdown timed out, forcing stop")
	return m.hv.Stop(ctx, name, false)
}

// waitAddress polls the lease channel with exponential backoff until an
// address appears or the timeout elapses.
func (m *Manager) waitAddress(ctx context.Context, name string) (string, error) {
	deadline := time.Now().Add(m.cfg.AddressTimeout)
	interval := initialPollInterval

	for {
		addr, err := m.hv.Address(ctx, name)
		if err != nil {
			return "", err
		}
		if addr != "" {
			return addr, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no address for %s within %s", name, m.cfg.AddressTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
		if interval *= 2; interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

// retryTransient retries fn a bounded number of times on transient
// hypervisor errors. Anything else surfaces immediately.
func (m *Manager) retryTransient(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < transientRetries; attempt++ {
		if err = fn(); err == nil || !errdefs.IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(transientBackoff * time.Duration(attempt+1)):
		}
	}
	return err
}

// toError moves the record into Error when the transition is legal and
// passes the cause through.
func (m *Manager) toError(rec *types.VMRecord, cause error) error {
	if rec.State.CanTransition(types.VMError) {
		rec.SetState(types.VMError)
	}
	return cause
}
