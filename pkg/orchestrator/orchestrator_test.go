package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtforge/virtforge/pkg/disk"
	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/hypervisor"
	"github.com/virtforge/virtforge/pkg/ledger"
	"github.com/virtforge/virtforge/pkg/state"
	"github.com/virtforge/virtforge/pkg/types"
)

type fakeDevices struct {
	devs []types.HostDevice
}

func (f fakeDevices) GPUs(ctx context.Context) ([]types.HostDevice, error) {
	return f.devs, nil
}

type fakeDiskRunner struct {
	calls int
}

func (r *fakeDiskRunner) Run(ctx context.Context, command string, args ...string) error {
	r.calls++
	if len(args) >= 8 && args[0] == "create" {
		return os.WriteFile(args[7], []byte("overlay"), 0o644)
	}
	return nil
}

type harness struct {
	orch   *Orchestrator
	hv     *hypervisor.Fake
	states *state.Manager
	ledger *ledger.Ledger
	disks  *disk.Manager
	runner *fakeDiskRunner
	base   string
}

func newHarness(t *testing.T, devs ...types.HostDevice) *harness {
	t.Helper()
	dir := t.TempDir()

	base := filepath.Join(dir, "base.qcow2")
	require.NoError(t, os.WriteFile(base, []byte("base"), 0o644))

	states, err := state.NewManager(filepath.Join(dir, "state"))
	require.NoError(t, err)

	led, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	runner := &fakeDiskRunner{}
	disks, err := disk.NewManager(filepath.Join(dir, "overlays"), disk.WithRunner(runner))
	require.NoError(t, err)

	hv := hypervisor.NewFake()
	orch := New(Config{
		States:     states,
		Ledger:     led,
		Hypervisor: hv,
		Disks:      disks,
		Devices:    fakeDevices{devs: devs},
	})
	return &harness{orch: orch, hv: hv, states: states, ledger: led, disks: disks, runner: runner, base: base}
}

func (h *harness) spec() *types.ClusterSpec {
	return &types.ClusterSpec{
		Version:   "1.0",
		Name:      "hpc",
		BaseImage: h.base,
		NodeGroups: []types.NodeGroup{
			{Name: "controller", Role: types.RoleController, Count: 1, CPUs: 2, MemoryMB: 2048, DiskGB: 20},
			{Name: "compute", Role: types.RoleCompute, Count: 2, CPUs: 4, MemoryMB: 4096, DiskGB: 40},
		},
	}
}

func TestStartBringsUpCluster(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Start(context.Background(), h.spec()))

	cs, err := h.states.Load("hpc")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterRunning, cs.Phase)
	require.Len(t, cs.VMs, 3)
	for _, vm := range cs.VMs {
		assert.Equal(t, types.VMRunning, vm.State)
		assert.NotEmpty(t, vm.IP)
		assert.NotEmpty(t, vm.DomainUUID)
	}

	assert.Equal(t, 3, h.hv.DomainCount())
	assert.Equal(t, 1, h.hv.NetworkCount())

	snap, err := h.ledger.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "hpc", snap.Subnets[cs.Network.Subnet])
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Start(context.Background(), h.spec()))
	require.NoError(t, h.orch.Start(context.Background(), h.spec()))

	assert.Equal(t, 3, h.hv.Calls["define-domain"])
	assert.Equal(t, 3, h.hv.Calls["start"])
	assert.Equal(t, 3, h.runner.calls)
}

func TestStopThenStartKeepsOverlays(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Start(context.Background(), h.spec()))

	require.NoError(t, h.orch.Stop(context.Background(), "hpc"))
	cs, err := h.states.Load("hpc")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStopped, cs.Phase)
	for _, vm := range cs.VMs {
		assert.Equal(t, types.VMStopped, vm.State)
		assert.False(t, h.hv.Domain(vm.Name).Running)
	}

	require.NoError(t, h.orch.Start(context.Background(), h.spec()))
	cs, err = h.states.Load("hpc")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterRunning, cs.Phase)
	for _, vm := range cs.VMs {
		assert.Equal(t, types.VMRunning, vm.State)
	}

	assert.Equal(t, 3, h.runner.calls, "overlays must survive stop/start")
	assert.Equal(t, 3, h.hv.Calls["define-domain"])
}

func TestStartRollsBackOnPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.hv.FailOn["start"] = errors.New("emulator crashed")

	err := h.orch.Start(context.Background(), h.spec())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrPartialFailure))

	assert.Equal(t, 0, h.hv.DomainCount())
	assert.Equal(t, 0, h.hv.NetworkCount())

	overlays, err := h.disks.Overlays()
	require.NoError(t, err)
	assert.Empty(t, overlays)

	_, err = h.states.Load("hpc")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	snap, err := h.ledger.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Subnets)

	// A clean retry succeeds once the hypervisor recovers.
	delete(h.hv.FailOn, "start")
	require.NoError(t, h.orch.Start(context.Background(), h.spec()))
}

func TestRestartFailureKeepsClusterRecoverable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Start(context.Background(), h.spec()))
	require.NoError(t, h.orch.Stop(context.Background(), "hpc"))

	h.hv.FailOn["start"] = errors.New("emulator crashed")
	err := h.orch.Start(context.Background(), h.spec())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrPartialFailure))

	// Disks, records, and reservations survive a failed restart.
	cs, err := h.states.Load("hpc")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterFailed, cs.Phase)
	overlays, err := h.disks.Overlays()
	require.NoError(t, err)
	assert.Len(t, overlays, 3)

	delete(h.hv.FailOn, "start")
	require.NoError(t, h.orch.Start(context.Background(), h.spec()))
	cs, err = h.states.Load("hpc")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterRunning, cs.Phase)
	assert.Equal(t, 3, h.runner.calls, "overlays must not be recreated")
}

func TestStartResourceExhaustion(t *testing.T) {
	h := newHarness(t, types.HostDevice{
		Address: "0000:41:00.0",
		Class:   types.DeviceClassGPU,
		Driver:  "vfio-pci",
	})
	sp := h.spec()
	sp.NodeGroups[1].Devices = []types.PCIeRequirement{
		{Class: types.DeviceClassGPU, Count: 1, Strategy: types.GPUStrategyWhole},
	}

	err := h.orch.Start(context.Background(), sp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrResourceExhausted))
	assert.Contains(t, err.Error(), "hpc-compute-1")

	// Nothing was created or reserved.
	st, err := h.orch.Status("hpc")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterNotStarted, st.Phase)
	assert.Equal(t, 0, h.hv.DomainCount())

	snap, err := h.ledger.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Devices)
}

func TestDestroyConvergesFromPartialState(t *testing.T) {
	h := newHarness(t)

	// Simulate a run killed mid-start: state persisted, one VM fully
	// up, one only planned.
	sp := h.spec()
	overlay := h.disks.OverlayPath("hpc-compute-0")
	require.NoError(t, h.disks.CreateOverlay(context.Background(), h.base, overlay, 40))
	_, err := h.hv.DefineDomain(context.Background(), hypervisor.DomainSpec{Name: "hpc-compute-0"})
	require.NoError(t, err)
	require.NoError(t, h.hv.Start(context.Background(), "hpc-compute-0"))
	require.NoError(t, h.hv.EnsureNetwork(context.Background(), types.NetworkRecord{Name: "hpc"}, nil))
	require.NoError(t, h.ledger.ReserveSubnet("10.77.0.0/24", "hpc"))

	cs := &types.ClusterState{
		Name:    "hpc",
		Phase:   types.ClusterStarting,
		Spec:    sp,
		Network: &types.NetworkRecord{Name: "hpc", Subnet: "10.77.0.0/24"},
		VMs: []*types.VMRecord{
			{Name: "hpc-compute-0", Role: types.RoleCompute, DiskPath: overlay, State: types.VMProvisioning},
			{Name: "hpc-compute-1", Role: types.RoleCompute, DiskPath: h.disks.OverlayPath("hpc-compute-1"), State: types.VMPlanned},
		},
	}
	require.NoError(t, h.states.Save(cs))

	require.NoError(t, h.orch.Destroy(context.Background(), "hpc"))

	assert.Equal(t, 0, h.hv.DomainCount())
	assert.Equal(t, 0, h.hv.NetworkCount())
	overlays, err := h.disks.Overlays()
	require.NoError(t, err)
	assert.Empty(t, overlays)

	_, err = h.states.Load("hpc")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	snap, err := h.ledger.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Subnets)
}

func TestDestroyUnknownClusterSucceeds(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Destroy(context.Background(), "ghost"))
}

func TestDestroyIsRepeatable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Start(context.Background(), h.spec()))
	require.NoError(t, h.orch.Destroy(context.Background(), "hpc"))
	require.NoError(t, h.orch.Destroy(context.Background(), "hpc"))
	assert.Equal(t, 0, h.hv.DomainCount())
}

func TestStatusUnknownCluster(t *testing.T) {
	h := newHarness(t)
	st, err := h.orch.Status("ghost")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterNotStarted, st.Phase)
	assert.Empty(t, st.VMs)
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	h := newHarness(t)
	sp := h.spec()
	sp.Version = "9.0"
	err := h.orch.Start(context.Background(), sp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrValidation))
}

func TestGPUClusterAllocatesDevices(t *testing.T) {
	h := newHarness(t,
		types.HostDevice{Address: "0000:41:00.0", Class: types.DeviceClassGPU, Driver: "vfio-pci"},
		types.HostDevice{Address: "0000:61:00.0", Class: types.DeviceClassGPU, Driver: "vfio-pci"},
	)
	sp := h.spec()
	sp.NodeGroups[1].Devices = []types.PCIeRequirement{
		{Class: types.DeviceClassGPU, Count: 1, Strategy: types.GPUStrategyWhole},
	}

	require.NoError(t, h.orch.Start(context.Background(), sp))

	cs, err := h.states.Load("hpc")
	require.NoError(t, err)
	var attached []string
	for _, vm := range cs.VMs {
		attached = append(attached, vm.Devices...)
	}
	assert.ElementsMatch(t, []string{"0000:41:00.0", "0000:61:00.0"}, attached)

	snap, err := h.ledger.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap.Devices, 2)

	// Devices return to the pool on destroy.
	require.NoError(t, h.orch.Destroy(context.Background(), "hpc"))
	snap, err = h.ledger.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Devices)
}
