package types

import (
	"time"
)

// ClusterSpec is the validated, immutable description of a cluster as
// declared by the operator. It is produced by the spec loader and never
// mutated after validation.
type ClusterSpec struct {
	Version    string       `mapstructure:"version" yaml:"version"`
	Name       string       `mapstructure:"name" yaml:"name"`
	BaseImage  string       `mapstructure:"base_image" yaml:"base_image"`
	NodeGroups []NodeGroup  `mapstructure:"node_groups" yaml:"node_groups"`
	Network    NetworkSpec  `mapstructure:"network" yaml:"network"`
	Shares     []ShareMount `mapstructure:"shares" yaml:"shares"`
}

// NodeGroup declares a named set of identically sized VMs sharing a role.
type NodeGroup struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Role     VMRole `mapstructure:"role" yaml:"role"`
	Count    int    `mapstructure:"count" yaml:"count"`
	CPUs     int    `mapstructure:"cpus" yaml:"cpus"`
	MemoryMB int    `mapstructure:"memory_mb" yaml:"memory_mb"`
	DiskGB   int    `mapstructure:"disk_gb" yaml:"disk_gb"`

	// Devices lists PCIe passthrough requirements applied to every
	// member of the group.
	Devices []PCIeRequirement `mapstructure:"devices" yaml:"devices,omitempty"`
}

// VMRole tags a VM with its cluster function.
type VMRole string

const (
	RoleController VMRole = "controller"
	RoleCompute    VMRole = "compute"
	RoleWorker     VMRole = "worker"
)

// ValidRoles enumerates the accepted node group roles.
var ValidRoles = []VMRole{RoleController, RoleCompute, RoleWorker}

// DeviceClass identifies a PCIe device category a node group may request.
type DeviceClass string

const (
	DeviceClassGPU DeviceClass = "gpu"
)

// GPUStrategy selects how a GPU requirement is satisfied.
type GPUStrategy string

const (
	// GPUStrategyWhole binds one full physical device per VM.
	GPUStrategyWhole GPUStrategy = "whole"
	// GPUStrategySliced binds a pre-partitioned virtual instance of a
	// physical device.
	GPUStrategySliced GPUStrategy = "sliced"
	// GPUStrategyHybrid accepts either whole devices or slices,
	// preferring whole devices.
	GPUStrategyHybrid GPUStrategy = "hybrid"
)

// PCIeRequirement is one device request within a node group.
type PCIeRequirement struct {
	Class    DeviceClass `mapstructure:"class" yaml:"class"`
	Count    int         `mapstructure:"count" yaml:"count"`
	Strategy GPUStrategy `mapstructure:"strategy" yaml:"strategy"`
}

// ShareMount exposes a host directory to guests via a virtiofs tag.
type ShareMount struct {
	HostPath string `mapstructure:"host_path" yaml:"host_path"`
	Tag      string `mapstructure:"tag" yaml:"tag"`
	ReadOnly bool   `mapstructure:"read_only" yaml:"read_only"`
}

// NetworkSpec carries optional operator overrides for network planning.
// Empty fields are filled in by the planner.
type NetworkSpec struct {
	// Subnet pins the cluster to a specific CIDR instead of letting the
	// planner pick a free one from the pool.
	Subnet string `mapstructure:"subnet" yaml:"subnet,omitempty"`
}

// VMRecord is the persisted record of a single VM belonging to a cluster.
// It is created by the orchestrator when a plan is accepted and mutated
// only by the lifecycle manager.
type VMRecord struct {
	Name       string   `json:"name"`
	Role       VMRole   `json:"role"`
	GroupName  string   `json:"group_name"`
	DomainUUID string   `json:"domain_uuid,omitempty"`
	IP         string   `json:"ip,omitempty"`
	MAC        string   `json:"mac"`
	DiskPath   string   `json:"disk_path"`
	CPUs       int      `json:"cpus"`
	MemoryMB   int      `json:"memory_mb"`
	DiskGB     int      `json:"disk_gb"`
	Devices    []string `json:"devices,omitempty"`
	State      VMState  `json:"state"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// SetState records a transition together with its timestamp. Callers must
// have validated the transition via VMState.CanTransition.
func (r *VMRecord) SetState(s VMState) {
	r.State = s
	r.ModifiedAt = time.Now().UTC()
}

// NetworkRecord is the persisted network allocation for one cluster.
type NetworkRecord struct {
	Name    string `json:"name"`
	Bridge  string `json:"bridge"`
	Subnet  string `json:"subnet"`
	Gateway string `json:"gateway"`

	// LeasedIPs maps VM name to its assigned address within Subnet.
	LeasedIPs map[string]string `json:"leased_ips"`
}

// ClusterPhase is the whole-cluster state machine.
type ClusterPhase string

const (
	ClusterNotStarted ClusterPhase = "not-started"
	ClusterStarting   ClusterPhase = "starting"
	ClusterRunning    ClusterPhase = "running"
	ClusterStopping   ClusterPhase = "stopping"
	ClusterStopped    ClusterPhase = "stopped"
	ClusterDestroyed  ClusterPhase = "destroyed"
	ClusterFailed     ClusterPhase = "failed"
)

// ClusterState is the root persisted aggregate for one cluster. The state
// manager exclusively owns its on-disk representation; everything else
// holds transient copies.
type ClusterState struct {
	Name     string         `json:"name"`
	Phase    ClusterPhase   `json:"phase"`
	Revision uint64         `json:"revision"`
	Spec     *ClusterSpec   `json:"spec,omitempty"`
	Network  *NetworkRecord `json:"network,omitempty"`
	VMs      []*VMRecord    `json:"vms"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// VM returns the record with the given name, or nil.
func (s *ClusterState) VM(name string) *VMRecord {
	for _, vm := range s.VMs {
		if vm.Name == name {
			return vm
		}
	}
	return nil
}

// RemoveVM prunes a record by name. Destroyed records are pruned rather
// than retained.
func (s *ClusterState) RemoveVM(name string) bool {
	for i, vm := range s.VMs {
		if vm.Name == name {
			s.VMs = append(s.VMs[:i], s.VMs[i+1:]...)
			s.ModifiedAt = time.Now().UTC()
			return true
		}
	}
	return false
}

// HostDevice describes one passthrough-capable device discovered on the
// host, keyed by its PCIe address.
type HostDevice struct {
	Address string      `json:"address"`
	Class   DeviceClass `json:"class"`
	Model   string      `json:"model,omitempty"`
	Driver  string      `json:"driver,omitempty"`

	// Slices lists virtual instance identifiers pre-partitioned from
	// this device. Empty for devices usable only whole.
	Slices []string `json:"slices,omitempty"`
}

// DeviceAllocation binds a device address (or slice identifier) to one
// owner across the entire host.
type DeviceAllocation struct {
	Address string `json:"address"`
	Cluster string `json:"cluster"`
	VM      string `json:"vm"`
}

// Plan is the planner's output: a fully realizable allocation for every
// VM in the cluster. An accepted plan never requires further resource
// decisions.
type Plan struct {
	Network NetworkRecord
	VMs     []*VMRecord

	// Devices lists host-level reservations the plan depends on, in the
	// order they must be registered in the ledger.
	Devices []DeviceAllocation

	// SubnetOwner is the cluster name registering the subnet lease.
	SubnetOwner string
}
