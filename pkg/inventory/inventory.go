// Package inventory projects a cluster's persisted state into the
// machine-readable document consumed by downstream configuration
// management. Generation is pure: it reads state and produces bytes,
// touching neither the hypervisor nor the filesystem.
package inventory

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/types"
)

// Host is one inventory entry.
type Host struct {
	Hostname        string   `yaml:"hostname"`
	IPAddress       string   `yaml:"ip_address"`
	Role            string   `yaml:"role"`
	AssignedDevices []string `yaml:"assigned_devices,omitempty"`
}

// KubernetesInventory is the kubespray-style projection of the cluster:
// controller-role VMs form the control plane and double as the etcd
// group, every other VM is a node.
type KubernetesInventory struct {
	ControlPlane []string `yaml:"kube_control_plane"`
	Etcd         []string `yaml:"etcd"`
	Nodes        []string `yaml:"kube_node"`

	// NodeGPUs records the passthrough GPU count per node so device
	// plugins can be sized before the cluster reports capacity.
	NodeGPUs map[string]int `yaml:"node_gpus,omitempty"`
}

// Document is the full inventory artifact.
type Document struct {
	Cluster string `yaml:"cluster"`
	Subnet  string `yaml:"subnet,omitempty"`
	Gateway string `yaml:"gateway,omitempty"`

	// Groups maps node-group name to its member hosts.
	Groups map[string][]Host `yaml:"groups"`

	// SlurmGresConf carries one GRES declaration per GPU-bearing node,
	// ready to drop into a scheduler's gres.conf.
	SlurmGresConf []string `yaml:"slurm_gres_conf,omitempty"`

	// Kubernetes carries the kubespray-style groupings of the same
	// hosts.
	Kubernetes KubernetesInventory `yaml:"kubernetes"`
}

// Generate builds the inventory document for cs. Every VM must already
// hold an address; a cluster mid-provisioning cannot be rendered.
func Generate(cs *types.ClusterState) ([]byte, error) {
	doc := Document{
		Cluster: cs.Name,
		Groups:  map[string][]Host{},
	}
	if cs.Network != nil {
		doc.Subnet = cs.Network.Subnet
		doc.Gateway = cs.Network.Gateway
	}

	for _, vm := range cs.VMs {
		if vm.IP == "" {
			return nil, fmt.Errorf("%w: vm %s has no address yet", errdefs.ErrIncompleteState, vm.Name)
		}
		doc.Groups[vm.GroupName] = append(doc.Groups[vm.GroupName], Host{
			Hostname:        vm.Name,
			IPAddress:       vm.IP,
			Role:            string(vm.Role),
			AssignedDevices: vm.Devices,
		})
		if len(vm.Devices) > 0 {
			doc.SlurmGresConf = append(doc.SlurmGresConf,
				fmt.Sprintf("NodeName=%s Name=gpu Count=%d", vm.Name, len(vm.Devices)))
			if doc.Kubernetes.NodeGPUs == nil {
				doc.Kubernetes.NodeGPUs = map[string]int{}
			}
			doc.Kubernetes.NodeGPUs[vm.Name] = len(vm.Devices)
		}
		if vm.Role == types.RoleController {
			doc.Kubernetes.ControlPlane = append(doc.Kubernetes.ControlPlane, vm.Name)
			doc.Kubernetes.Etcd = append(doc.Kubernetes.Etcd, vm.Name)
		} else {
			doc.Kubernetes.Nodes = append(doc.Kubernetes.Nodes, vm.Name)
		}
	}

	for group := range doc.Groups {
		sort.Slice(doc.Groups[group], func(i, j int) bool {
			return doc.Groups[group][i].Hostname < doc.Groups[group][j].Hostname
		})
	}
	sort.Strings(doc.SlurmGresConf)
	sort.Strings(doc.Kubernetes.ControlPlane)
	sort.Strings(doc.Kubernetes.Etcd)
	sort.Strings(doc.Kubernetes.Nodes)

	// Empty groups from the spec still appear, so downstream tooling
	// sees the declared topology even for zero-count groups.
	if cs.Spec != nil {
		names := lo.Map(cs.Spec.NodeGroups, func(g types.NodeGroup, _ int) string { return g.Name })
		for _, name := range names {
			if _, ok := doc.Groups[name]; !ok {
				doc.Groups[name] = []Host{}
			}
		}
	}

	return yaml.Marshal(doc)
}
