// Package hostdev discovers passthrough-capable PCIe devices on the
// host. Discovery shells out to lspci through an injectable runner so
// planning logic can be tested against a canned inventory.
package hostdev

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/virtforge/virtforge/pkg/log"
	"github.com/virtforge/virtforge/pkg/types"
)

// Runner executes a host command and returns its combined output.
type Runner interface {
	Output(ctx context.Context, command string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, command string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, command, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", command, err)
	}
	return out, nil
}

var (
	// pciAddrPattern matches the short form lspci prints (bus:slot.fn).
	pciAddrPattern = regexp.MustCompile(`^([0-9a-f]{2}:[0-9a-f]{2}\.[0-9a-f])\s`)

	// idPattern matches the numeric class/vendor IDs lspci -nn brackets.
	idPattern = regexp.MustCompile(`^[0-9a-f]{4}(:[0-9a-f]{4})?$`)
)

// Inventory enumerates host devices.
type Inventory struct {
	runner    Runner
	sysfsRoot string
}

// Option configures an Inventory.
type Option func(*Inventory)

// WithRunner overrides the command runner.
func WithRunner(r Runner) Option {
	return func(i *Inventory) { i.runner = r }
}

// WithSysfsRoot overrides the sysfs mount point (tests point it at a
// temp tree).
func WithSysfsRoot(root string) Option {
	return func(i *Inventory) { i.sysfsRoot = root }
}

// NewInventory creates a host device inventory.
func NewInventory(opts ...Option) *Inventory {
	inv := &Inventory{
		runner:    ExecRunner{},
		sysfsRoot: "/sys",
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// GPUs returns every GPU-class device on the host in ascending PCIe
// address order, annotated with its bound driver and any discovered
// virtual slices.
func (i *Inventory) GPUs(ctx context.Context) ([]types.HostDevice, error) {
	out, err := i.runner.Output(ctx, "lspci", "-nn")
	if err != nil {
		return nil, fmt.Errorf("listing pci devices: %w", err)
	}

	var devices []types.HostDevice
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "vga compatible controller") &&
			!strings.Contains(lower, "3d controller") {
			continue
		}
		m := pciAddrPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		address := "0000:" + m[1]
		dev := types.HostDevice{
			Address: address,
			Class:   types.DeviceClassGPU,
			Model:   extractModel(line),
			Driver:  i.boundDriver(address),
			Slices:  i.slices(address),
		}
		devices = append(devices, dev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.Slice(devices, func(a, b int) bool {
		return devices[a].Address < devices[b].Address
	})

	log.WithComponent("hostdev").Debug().
		Int("gpus", len(devices)).
		Msg("host gpu inventory loaded")
	return devices, nil
}

// extractModel pulls the bracketed model name lspci -nn prints, e.g.
// "NVIDIA Corporation AD102 [GeForce RTX 4090] [10de:2684]".
func extractModel(line string) string {
	start := strings.Index(line, "[")
	for start != -1 {
		end := strings.Index(line[start:], "]")
		if end == -1 {
			break
		}
		candidate := line[start+1 : start+end]
		// Skip numeric class/vendor IDs like [0300] or [10de:2684].
		if !idPattern.MatchString(candidate) {
			return candidate
		}
		next := strings.Index(line[start+1:], "[")
		if next == -1 {
			break
		}
		start = start + 1 + next
	}
	return ""
}

// boundDriver reads the driver symlink for a device, empty when
// unbound.
func (i *Inventory) boundDriver(address string) string {
	link, err := os.Readlink(filepath.Join(i.sysfsRoot, "bus/pci/devices", address, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

// slices lists pre-partitioned virtual instances (mdev-style) published
// under the device's sysfs node. Each slice is addressed as
// <pci-address>/<slice-id> and allocated independently of the whole
// device.
func (i *Inventory) slices(address string) []string {
	dir := filepath.Join(i.sysfsRoot, "bus/pci/devices", address, "virtfn_instances")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var slices []string
	for _, e := range entries {
		slices = append(slices, address+"/"+e.Name())
	}
	sort.Strings(slices)
	return slices
}

// VFIOBound reports whether the device is bound to vfio-pci and safe to
// pass through. Devices claimed by a host driver (nvidia, nouveau,
// amdgpu) cannot be assigned to a guest.
func (i *Inventory) VFIOBound(dev types.HostDevice) bool {
	return dev.Driver == "vfio-pci"
}
