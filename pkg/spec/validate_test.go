package spec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/types"
)

func validSpec() *types.ClusterSpec {
	return &types.ClusterSpec{
		Version:   "1.0",
		Name:      "lab",
		BaseImage: "/images/base.qcow2",
		NodeGroups: []types.NodeGroup{
			{Name: "controller", Role: types.RoleController, Count: 1, CPUs: 2, MemoryMB: 2048, DiskGB: 20},
			{
				Name: "compute", Role: types.RoleCompute, Count: 2, CPUs: 4, MemoryMB: 8192, DiskGB: 40,
				Devices: []types.PCIeRequirement{
					{Class: types.DeviceClassGPU, Count: 1, Strategy: types.GPUStrategyWhole},
				},
			},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, Validate(validSpec()))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.ClusterSpec)
		field  string
	}{
		{
			name:   "missing version",
			mutate: func(s *types.ClusterSpec) { s.Version = "" },
			field:  "version",
		},
		{
			name:   "unsupported major version",
			mutate: func(s *types.ClusterSpec) { s.Version = "2.0" },
			field:  "version",
		},
		{
			name:   "malformed version",
			mutate: func(s *types.ClusterSpec) { s.Version = "one" },
			field:  "version",
		},
		{
			name:   "missing name",
			mutate: func(s *types.ClusterSpec) { s.Name = "" },
			field:  "name",
		},
		{
			name:   "uppercase name",
			mutate: func(s *types.ClusterSpec) { s.Name = "Lab" },
			field:  "name",
		},
		{
			name:   "missing base image",
			mutate: func(s *types.ClusterSpec) { s.BaseImage = "" },
			field:  "base_image",
		},
		{
			name:   "no node groups",
			mutate: func(s *types.ClusterSpec) { s.NodeGroups = nil },
			field:  "node_groups",
		},
		{
			name: "duplicate group names",
			mutate: func(s *types.ClusterSpec) {
				s.NodeGroups[1].Name = s.NodeGroups[0].Name
			},
			field: "node_groups[1].name",
		},
		{
			name:   "bad role",
			mutate: func(s *types.ClusterSpec) { s.NodeGroups[0].Role = "head" },
			field:  "node_groups[0].role",
		},
		{
			name:   "zero count",
			mutate: func(s *types.ClusterSpec) { s.NodeGroups[1].Count = 0 },
			field:  "node_groups[1].count",
		},
		{
			name:   "tiny memory",
			mutate: func(s *types.ClusterSpec) { s.NodeGroups[0].MemoryMB = 64 },
			field:  "node_groups[0].memory_mb",
		},
		{
			name: "unknown device class",
			mutate: func(s *types.ClusterSpec) {
				s.NodeGroups[1].Devices[0].Class = "fpga"
			},
			field: "node_groups[1].devices[0].class",
		},
		{
			name: "bad gpu strategy",
			mutate: func(s *types.ClusterSpec) {
				s.NodeGroups[1].Devices[0].Strategy = "exclusive"
			},
			field: "node_groups[1].devices[0].strategy",
		},
		{
			name:   "bad subnet",
			mutate: func(s *types.ClusterSpec) { s.Network.Subnet = "10.0.0.0" },
			field:  "network.subnet",
		},
		{
			name: "duplicate share tags",
			mutate: func(s *types.ClusterSpec) {
				s.Shares = []types.ShareMount{
					{HostPath: "/data", Tag: "data"},
					{HostPath: "/scratch", Tag: "data"},
				}
			},
			field: "shares[1].tag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec()
			tt.mutate(s)

			err := Validate(s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errdefs.ErrValidation))

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidateAggregatesAllErrors(t *testing.T) {
	s := validSpec()
	s.Version = ""
	s.Name = ""
	s.BaseImage = ""

	err := Validate(s)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.GreaterOrEqual(t, len(verrs), 3)
}

func TestLoadAppliesDefaults(t *testing.T) {
	doc := `
version: "1.0"
name: lab
base_image: /images/base.qcow2
node_groups:
  - name: controller
    role: controller
  - name: compute
    role: compute
    count: 2
    devices:
      - class: gpu
`
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	spec, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, spec.NodeGroups[0].Count)
	assert.Equal(t, 2, spec.NodeGroups[0].CPUs)
	assert.Equal(t, 2048, spec.NodeGroups[0].MemoryMB)
	assert.Equal(t, 20, spec.NodeGroups[0].DiskGB)

	require.Len(t, spec.NodeGroups[1].Devices, 1)
	assert.Equal(t, 1, spec.NodeGroups[1].Devices[0].Count)
	assert.Equal(t, types.GPUStrategyWhole, spec.NodeGroups[1].Devices[0].Strategy)
}

func TestLoadRejectsUnparseable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrValidation))
}
