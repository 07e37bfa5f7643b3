// Package planner turns a validated cluster spec plus a snapshot of
// host-wide allocations into a fully realizable plan: one network, one
// IP/MAC per VM, and device assignments that never collide with any
// other active cluster. A plan is all-or-nothing: if any node group
// member cannot be satisfied, no allocation is returned.
package planner

import (
	"fmt"
	"net"
	"sort"

	"github.com/samber/lo"

	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/ledger"
	"github.com/virtforge/virtforge/pkg/netutil"
	"github.com/virtforge/virtforge/pkg/types"
)

const (
	gatewayOffset = 1
	firstVMOffset = 10

	vfioDriver = "vfio-pci"
)

// DefaultSubnetPool is the range of /24 subnets the planner draws from
// when the spec does not pin one.
var DefaultSubnetPool = func() []string {
	pool := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		pool = append(pool, fmt.Sprintf("10.77.%d.0/24", i))
	}
	return pool
}()

// Planner computes allocation plans. It holds no mutable state; all
// global knowledge arrives through the ledger snapshot.
type Planner struct {
	subnetPool []string
}

// Option configures a Planner.
type Option func(*Planner)

// WithSubnetPool overrides the candidate subnets.
func WithSubnetPool(pool []string) Option {
	return func(p *Planner) { p.subnetPool = pool }
}

// New creates a planner.
func New(opts ...Option) *Planner {
	p := &Planner{subnetPool: DefaultSubnetPool}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan produces the complete allocation for spec. hostDevs is the host
// device inventory; snap is the ledger's view of what other clusters
// already hold.
func (p *Planner) Plan(spec *types.ClusterSpec, hostDevs []types.HostDevice, snap ledger.Snapshot) (*types.Plan, error) {
	ipnet, err := p.chooseSubnet(spec, snap)
	if err != nil {
		return nil, err
	}

	total := lo.SumBy(spec.NodeGroups, func(g types.NodeGroup) int { return g.Count })
	if capacity := netutil.HostCapacity(ipnet) - (firstVMOffset - gatewayOffset - 1); total > capacity {
		return nil, errdefs.Exhaustedf("subnet %s holds %d VMs, spec requires %d", ipnet, capacity, total)
	}

	network := types.NetworkRecord{
		Name:      spec.Name,
		Bridge:    bridgeName(spec.Name),
		Subnet:    ipnet.String(),
		Gateway:   netutil.OffsetIP(ipnet, gatewayOffset).String(),
		LeasedIPs: map[string]string{},
	}

	pools := newDevicePools(hostDevs, snap)

	plan := &types.Plan{
		Network:     network,
		SubnetOwner: spec.Name,
	}

	offset := firstVMOffset
	for _, group := range spec.NodeGroups {
		for i := 0; i < group.Count; i++ {
			name := fmt.Sprintf("%s-%s-%d", spec.Name, group.Name, i)
			ip := netutil.OffsetIP(ipnet, offset).String()
			offset++

			devices, err := pools.take(name, group.Devices)
			if err != nil {
				return nil, err
			}

			plan.Network.LeasedIPs[name] = ip
			plan.VMs = append(plan.VMs, &types.VMRecord{
				Name:      name,
				Role:      group.Role,
				GroupName: group.Name,
				IP:        ip,
				MAC:       deriveMAC(ip),
				CPUs:      group.CPUs,
				MemoryMB:  group.MemoryMB,
				DiskGB:    group.DiskGB,
				Devices:   devices,
				State:     types.VMPlanned,
			})
			for _, addr := range devices {
				plan.Devices = append(plan.Devices, types.DeviceAllocation{
					Address: addr,
					Cluster: spec.Name,
					VM:      name,
				})
			}
		}
	}

	return plan, nil
}

func (p *Planner) chooseSubnet(spec *types.ClusterSpec, snap ledger.Snapshot) (*net.IPNet, error) {
	taken := make([]*net.IPNet, 0, len(snap.Subnets))
	for cidr, owner := range snap.Subnets {
		if owner == spec.Name {
			continue
		}
		taken = append(taken, netutil.MustParseCIDR(cidr))
	}

	if pinned := spec.Network.Subnet; pinned != "" {
		_, ipnet, err := net.ParseCIDR(pinned)
		if err != nil {
			return nil, errdefs.Validationf("network.subnet %q is not a CIDR", pinned)
		}
		for _, t := range taken {
			if netutil.Overlaps(ipnet, t) {
				return nil, errdefs.Exhaustedf("subnet %s overlaps %s held by another cluster", ipnet, t)
			}
		}
		return ipnet, nil
	}

	for _, cidr := range p.subnetPool {
		candidate := netutil.MustParseCIDR(cidr)
		overlaps := lo.SomeBy(taken, func(t *net.IPNet) bool {
			return netutil.Overlaps(candidate, t)
		})
		if !overlaps {
			return candidate, nil
		}
	}
	return nil, errdefs.Exhaustedf("no free subnet in pool of %d", len(p.subnetPool))
}

// devicePools tracks remaining whole devices and slices during a
// planning run. Devices already registered in the ledger never enter
// the pools.
type devicePools struct {
	whole  []string          // addresses of unsliced devices, ascending
	slices []string          // slice identifiers, ascending
	unfit  map[string]string // address -> driver, for diagnostics
}

func newDevicePools(hostDevs []types.HostDevice, snap ledger.Snapshot) *devicePools {
	pools := &devicePools{unfit: map[string]string{}}

	allocated := func(addr string) bool {
		_, ok := snap.Devices[addr]
		return ok
	}

	for _, dev := range hostDevs {
		if dev.Class != types.DeviceClassGPU {
			continue
		}
		if dev.Driver != vfioDriver {
			pools.unfit[dev.Address] = dev.Driver
			continue
		}
		if len(dev.Slices) > 0 {
			for _, slice := range dev.Slices {
				if !allocated(slice) {
					pools.slices = append(pools.slices, slice)
				}
			}
			continue
		}
		if !allocated(dev.Address) {
			pools.whole = append(pools.whole, dev.Address)
		}
	}

	sort.Strings(pools.whole)
	sort.Strings(pools.slices)
	return pools
}

// take satisfies every requirement for one VM or fails without
// consuming anything.
func (d *devicePools) take(vm string, reqs []types.PCIeRequirement) ([]string, error) {
	var picked []string
	wholeLeft := append([]string(nil), d.whole...)
	slicesLeft := append([]string(nil), d.slices...)

	for _, req := range reqs {
		for i := 0; i < req.Count; i++ {
			var addr string
			switch req.Strategy {
			case types.GPUStrategyWhole:
				addr, wholeLeft = pop(wholeLeft)
			case types.GPUStrategySliced:
				addr, slicesLeft = pop(slicesLeft)
			case types.GPUStrategyHybrid:
				if addr, wholeLeft = pop(wholeLeft); addr == "" {
					addr, slicesLeft = pop(slicesLeft)
				}
			default:
				return nil, errdefs.Validationf("unknown gpu strategy %q", req.Strategy)
			}
			if addr == "" {
				if len(d.unfit) > 0 {
					return nil, errdefs.Validationf(
						"no %s device available for vm %s: %d host device(s) not bound to %s",
						req.Class, vm, len(d.unfit), vfioDriver)
				}
				return nil, errdefs.Exhaustedf("no %s device (%s) available for vm %s", req.Class, req.Strategy, vm)
			}
			picked = append(picked, addr)
		}
	}

	d.whole = wholeLeft
	d.slices = slicesLeft
	return picked, nil
}

func pop(pool []string) (string, []string) {
	if len(pool) == 0 {
		return "", pool
	}
	return pool[0], pool[1:]
}

// deriveMAC maps a VM's IP to a stable locally administered address
// under the QEMU/KVM 52:54:00 prefix. The low octets mirror the IP, so
// MACs are unique exactly where IPs are.
func deriveMAC(ip string) string {
	v4 := net.ParseIP(ip).To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", v4[1], v4[2], v4[3])
}

// bridgeName derives a Linux interface name (15 byte limit) for the
// cluster's bridge.
func bridgeName(cluster string) string {
	name := "vf-" + cluster
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}
