// Package orchestrator is the top-level driver: it sequences planning,
// resource reservation, and per-VM lifecycle operations so that start,
// stop, and destroy behave as whole operations with rollback on partial
// failure. The per-cluster state lock is held for the full duration of
// every operation; operations on different clusters proceed in
// parallel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/virtforge/virtforge/pkg/disk"
	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/hypervisor"
	"github.com/virtforge/virtforge/pkg/ledger"
	"github.com/virtforge/virtforge/pkg/lifecycle"
	"github.com/virtforge/virtforge/pkg/log"
	"github.com/virtforge/virtforge/pkg/planner"
	"github.com/virtforge/virtforge/pkg/spec"
	"github.com/virtforge/virtforge/pkg/state"
	"github.com/virtforge/virtforge/pkg/types"
)

// DefaultParallelism bounds how many VMs are driven concurrently.
const DefaultParallelism = 4

// DeviceSource supplies the host passthrough inventory. Satisfied by
// hostdev.Inventory; faked in tests.
type DeviceSource interface {
	GPUs(ctx context.Context) ([]types.HostDevice, error)
}

// Config wires an Orchestrator.
type Config struct {
	States     *state.Manager
	Ledger     *ledger.Ledger
	Hypervisor hypervisor.Client
	Disks      *disk.Manager
	Planner    *planner.Planner
	Devices    DeviceSource

	// Parallelism bounds concurrent per-VM operations. Zero means
	// DefaultParallelism.
	Parallelism int

	// Lifecycle carries per-VM tunables (address timeout, stop grace)
	// passed through to the per-cluster lifecycle manager.
	Lifecycle lifecycle.Config
}

// Orchestrator realizes whole-cluster operations.
type Orchestrator struct {
	states      *state.Manager
	ledger      *ledger.Ledger
	hv          hypervisor.Client
	disks       *disk.Manager
	planner     *planner.Planner
	devices     DeviceSource
	parallelism int
	lcTemplate  lifecycle.Config
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Parallelism == 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.Planner == nil {
		cfg.Planner = planner.New()
	}
	return &Orchestrator{
		states:      cfg.States,
		ledger:      cfg.Ledger,
		hv:          cfg.Hypervisor,
		disks:       cfg.Disks,
		planner:     cfg.Planner,
		devices:     cfg.Devices,
		parallelism: cfg.Parallelism,
		lcTemplate:  cfg.Lifecycle,
	}
}

// lifecycleFor builds the per-cluster lifecycle manager from the
// cluster's own spec.
func (o *Orchestrator) lifecycleFor(cs *types.ClusterState) *lifecycle.Manager {
	cfg := o.lcTemplate
	cfg.Hypervisor = o.hv
	cfg.Disks = o.disks
	cfg.BaseImage = cs.Spec.BaseImage
	cfg.NetworkName = cs.Network.Name
	cfg.Shares = cs.Spec.Shares
	return lifecycle.NewManager(cfg)
}

// Start brings the cluster described by sp fully up. Against an
// existing stopped or failed cluster it restarts the recorded VMs
// without re-planning; against a running one it is a no-op.
func (o *Orchestrator) Start(ctx context.Context, sp *types.ClusterSpec) error {
	if err := spec.Validate(sp); err != nil {
		return err
	}

	return o.states.WithLock(ctx, sp.Name, func() error {
		fresh := false
		cs, err := o.states.Load(sp.Name)
		switch {
		case errors.Is(err, errdefs.ErrNotFound):
			cs, err = o.planCluster(ctx, sp)
			if err != nil {
				return err
			}
			fresh = true
		case err != nil:
			return err
		case cs.Phase == types.ClusterRunning:
			return nil
		}

		next, err := cs.Phase.Transition(types.ClusterStarting)
		if err != nil {
			return fmt.Errorf("cluster %s: %w", cs.Name, err)
		}
		cs.Phase = next
		if err := o.states.Save(cs); err != nil {
			return err
		}

		if err := o.bringUp(ctx, cs); err != nil {
			if fresh {
				return o.rollback(ctx, cs, err)
			}
			return o.rollbackRestart(ctx, cs, err)
		}

		cs.Phase = types.ClusterRunning
		return o.states.Save(cs)
	})
}

// planCluster produces and reserves a fresh allocation.
func (o *Orchestrator) planCluster(ctx context.Context, sp *types.ClusterSpec) (*types.ClusterState, error) {
	hostDevs, err := o.devices.GPUs(ctx)
	if err != nil {
		return nil, fmt.Errorf("cluster %s: reading host inventory: %w", sp.Name, err)
	}
	snap, err := o.ledger.Snapshot()
	if err != nil {
		return nil, err
	}

	plan, err := o.planner.Plan(sp, hostDevs, *snap)
	if err != nil {
		return nil, err
	}

	if err := o.ledger.ReserveSubnet(plan.Network.Subnet, plan.SubnetOwner); err != nil {
		return nil, err
	}
	if err := o.ledger.ReserveDevices(plan.Devices); err != nil {
		if relErr := o.ledger.ReleaseCluster(sp.Name); relErr != nil {
			log.WithCluster(sp.Name).Error().Err(relErr).Msg("releasing reservations after failed device reserve")
		}
		return nil, err
	}

	for _, vm := range plan.VMs {
		vm.DiskPath = o.disks.OverlayPath(vm.Name)
	}

	return &types.ClusterState{
		Name:    sp.Name,
		Phase:   types.ClusterNotStarted,
		Spec:    sp,
		Network: &plan.Network,
		VMs:     plan.VMs,
	}, nil
}

// bringUp drives every VM to Running, bounded-parallel. The first
// failure cancels the remaining VM operations between steps.
func (o *Orchestrator) bringUp(ctx context.Context, cs *types.ClusterState) error {
	leases := make(map[string]string, len(cs.VMs))
	for _, vm := range cs.VMs {
		leases[vm.MAC] = vm.IP
	}
	if err := o.hv.EnsureNetwork(ctx, *cs.Network, leases); err != nil {
		return err
	}

	lc := o.lifecycleFor(cs)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for _, vm := range cs.VMs {
		vm := vm
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return lc.Ensure(gctx, vm, types.VMRunning)
		})
	}
	return g.Wait()
}

// rollback tears down everything this start attempt brought up and
// releases every reservation, so a retry begins from a clean slate. The
// original cause is reported as a partial failure.
func (o *Orchestrator) rollback(ctx context.Context, cs *types.ClusterState, cause error) error {
	logger := log.WithCluster(cs.Name)
	logger.Warn().Err(cause).Msg("start failed, rolling back")

	// Teardown proceeds even when the failure was a cancellation.
	ctx = context.WithoutCancel(ctx)

	lc := o.lifecycleFor(cs)
	for _, vm := range cs.VMs {
		if err := lc.Ensure(ctx, vm, types.VMDestroyed); err != nil {
			logger.Error().Err(err).Str("vm", vm.Name).Msg("rollback teardown failed")
		}
	}
	if err := o.hv.RemoveNetwork(ctx, cs.Network.Name); err != nil {
		logger.Error().Err(err).Msg("rollback network removal failed")
	}
	if err := o.ledger.ReleaseCluster(cs.Name); err != nil {
		logger.Error().Err(err).Msg("rollback reservation release failed")
	}
	if err := o.states.Delete(cs.Name); err != nil {
		logger.Error().Err(err).Msg("rollback state removal failed")
	}

	return fmt.Errorf("%w: cluster %s: %v", errdefs.ErrPartialFailure, cs.Name, cause)
}

// rollbackRestart handles a failed start of a previously created
// cluster: VMs brought up in this call are stopped again, but disks,
// records, and reservations remain so the cluster can be restarted or
// destroyed later.
func (o *Orchestrator) rollbackRestart(ctx context.Context, cs *types.ClusterState, cause error) error {
	logger := log.WithCluster(cs.Name)
	logger.Warn().Err(cause).Msg("restart failed, stopping started vms")

	ctx = context.WithoutCancel(ctx)
	lc := o.lifecycleFor(cs)
	for _, vm := range cs.VMs {
		if vm.State != types.VMRunning {
			continue
		}
		if err := lc.Ensure(ctx, vm, types.VMStopped); err != nil {
			logger.Error().Err(err).Str("vm", vm.Name).Msg("rollback stop failed")
		}
	}

	cs.Phase = types.ClusterFailed
	if err := o.states.Save(cs); err != nil {
		logger.Error().Err(err).Msg("persisting failed state")
	}

	return fmt.Errorf("%w: cluster %s: %v", errdefs.ErrPartialFailure, cs.Name, cause)
}

// Stop shuts every VM down, keeping disks, network definition, and all
// reservations so Start can bring the cluster back unchanged.
func (o *Orchestrator) Stop(ctx context.Context, name string) error {
	return o.states.WithLock(ctx, name, func() error {
		cs, err := o.states.Load(name)
		if err != nil {
			return err
		}
		if cs.Phase == types.ClusterStopped {
			return nil
		}

		next, err := cs.Phase.Transition(types.ClusterStopping)
		if err != nil {
			return fmt.Errorf("cluster %s: %w", name, err)
		}
		cs.Phase = next
		if err := o.states.Save(cs); err != nil {
			return err
		}

		lc := o.lifecycleFor(cs)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.parallelism)
		for _, vm := range cs.VMs {
			vm := vm
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return lc.Ensure(gctx, vm, types.VMStopped)
			})
		}
		if err := g.Wait(); err != nil {
			cs.Phase = types.ClusterFailed
			if saveErr := o.states.Save(cs); saveErr != nil {
				log.WithCluster(name).Error().Err(saveErr).Msg("persisting failed state")
			}
			return err
		}

		cs.Phase = types.ClusterStopped
		return o.states.Save(cs)
	})
}

// Destroy removes the cluster and everything it owns. It converges:
// invoked against a half-built, half-destroyed, or unknown cluster it
// still removes whatever remains and reports success.
func (o *Orchestrator) Destroy(ctx context.Context, name string) error {
	return o.states.WithLock(ctx, name, func() error {
		cs, err := o.states.Load(name)
		if errors.Is(err, errdefs.ErrNotFound) {
			return o.ledger.ReleaseCluster(name)
		}
		if err != nil {
			return err
		}

		lc := o.lifecycleFor(cs)
		for _, vm := range append([]*types.VMRecord(nil), cs.VMs...) {
			if err := lc.Ensure(ctx, vm, types.VMDestroyed); err != nil {
				return fmt.Errorf("destroying %s: %w", vm.Name, err)
			}
			cs.RemoveVM(vm.Name)
		}

		if cs.Network != nil {
			if err := o.hv.RemoveNetwork(ctx, cs.Network.Name); err != nil {
				return err
			}
		}
		if err := o.ledger.ReleaseCluster(name); err != nil {
			return err
		}
		return o.states.Delete(name)
	})
}

// Status reports the persisted cluster state. An unknown cluster is a
// valid answer: phase NotStarted with no VMs.
func (o *Orchestrator) Status(name string) (*types.ClusterState, error) {
	cs, err := o.states.Load(name)
	if errors.Is(err, errdefs.ErrNotFound) {
		return &types.ClusterState{Name: name, Phase: types.ClusterNotStarted}, nil
	}
	if err != nil {
		return nil, err
	}
	return cs, nil
}
