package spec

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/types"
)

var (
	namePattern    = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)
	versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)$`)
)

// FieldError is a single validation failure pointing at the offending
// field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every failure found in one pass so the
// operator fixes the document once, not field by field.
type ValidationErrors []FieldError

func (e ValidationErrors) Error() string {
	msgs := lo.Map(e, func(fe FieldError, _ int) string { return fe.Error() })
	return fmt.Sprintf("invalid cluster spec: %s", strings.Join(msgs, "; "))
}

// Unwrap lets errors.Is classify aggregated failures as validation
// errors.
func (e ValidationErrors) Unwrap() error {
	return errdefs.ErrValidation
}

// Validate checks a cluster spec against the structural schema. It
// returns a ValidationErrors listing every violation, or nil.
func Validate(spec *types.ClusterSpec) error {
	var errs ValidationErrors

	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if spec.Version == "" {
		add("version", "is required")
	} else if m := versionPattern.FindStringSubmatch(spec.Version); m == nil {
		add("version", "must be <major>.<minor>, got %q", spec.Version)
	} else if m[1] != SupportedMajorVersion {
		add("version", "unsupported major version %s, supported: %s", m[1], SupportedMajorVersion)
	}

	if spec.Name == "" {
		add("name", "is required")
	} else if !namePattern.MatchString(spec.Name) {
		add("name", "must match %s, got %q", namePattern, spec.Name)
	}

	if spec.BaseImage == "" {
		add("base_image", "is required")
	}

	if len(spec.NodeGroups) == 0 {
		add("node_groups", "at least one node group is required")
	}

	seen := map[string]bool{}
	for i, g := range spec.NodeGroups {
		prefix := fmt.Sprintf("node_groups[%d]", i)

		if g.Name == "" {
			add(prefix+".name", "is required")
		} else {
			if !namePattern.MatchString(g.Name) {
				add(prefix+".name", "must match %s, got %q", namePattern, g.Name)
			}
			if seen[g.Name] {
				add(prefix+".name", "duplicate node group name %q", g.Name)
			}
			seen[g.Name] = true
		}

		if !lo.Contains(types.ValidRoles, g.Role) {
			add(prefix+".role", "must be one of %v, got %q", types.ValidRoles, g.Role)
		}
		if g.Count < 1 {
			add(prefix+".count", "must be at least 1, got %d", g.Count)
		}
		if g.CPUs < 1 {
			add(prefix+".cpus", "must be at least 1, got %d", g.CPUs)
		}
		if g.MemoryMB < 256 {
			add(prefix+".memory_mb", "must be at least 256, got %d", g.MemoryMB)
		}
		if g.DiskGB < 1 {
			add(prefix+".disk_gb", "must be at least 1, got %d", g.DiskGB)
		}

		for j, d := range g.Devices {
			dprefix := fmt.Sprintf("%s.devices[%d]", prefix, j)
			if d.Class != types.DeviceClassGPU {
				add(dprefix+".class", "unknown device class %q", d.Class)
			}
			if d.Count < 1 {
				add(dprefix+".count", "must be at least 1, got %d", d.Count)
			}
			switch d.Strategy {
			case types.GPUStrategyWhole, types.GPUStrategySliced, types.GPUStrategyHybrid:
			default:
				add(dprefix+".strategy", "must be whole, sliced, or hybrid, got %q", d.Strategy)
			}
		}
	}

	if spec.Network.Subnet != "" {
		if _, _, err := net.ParseCIDR(spec.Network.Subnet); err != nil {
			add("network.subnet", "must be a CIDR, got %q", spec.Network.Subnet)
		}
	}

	tags := map[string]bool{}
	for i, s := range spec.Shares {
		prefix := fmt.Sprintf("shares[%d]", i)
		if s.HostPath == "" {
			add(prefix+".host_path", "is required")
		}
		if s.Tag == "" {
			add(prefix+".tag", "is required")
		} else if tags[s.Tag] {
			add(prefix+".tag", "duplicate share tag %q", s.Tag)
		}
		tags[s.Tag] = true
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
