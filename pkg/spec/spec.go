// Package spec loads and validates cluster specification documents.
// A document is YAML, versioned, and must pass structural validation
// before any orchestration begins.
package spec

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/types"
)

// SupportedMajorVersion is the schema major version this build accepts.
const SupportedMajorVersion = "1"

// Load reads a cluster spec document from path, applies defaults, and
// validates it. The returned spec is immutable by convention.
func Load(path string) (*types.ClusterSpec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading spec %s: %v", errdefs.ErrValidation, path, err)
	}

	spec := &types.ClusterSpec{}
	if err := v.Unmarshal(spec, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		))); err != nil {
		return nil, fmt.Errorf("%w: decoding spec %s: %v", errdefs.ErrValidation, path, err)
	}

	applyDefaults(spec)

	if err := Validate(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func applyDefaults(spec *types.ClusterSpec) {
	for i := range spec.NodeGroups {
		g := &spec.NodeGroups[i]
		if g.Count == 0 {
			g.Count = 1
		}
		if g.CPUs == 0 {
			g.CPUs = 2
		}
		if g.MemoryMB == 0 {
			g.MemoryMB = 2048
		}
		if g.DiskGB == 0 {
			g.DiskGB = 20
		}
		for j := range g.Devices {
			d := &g.Devices[j]
			if d.Count == 0 {
				d.Count = 1
			}
			if d.Strategy == "" {
				d.Strategy = types.GPUStrategyWhole
			}
		}
	}
}
