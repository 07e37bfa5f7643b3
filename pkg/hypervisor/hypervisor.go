// Package hypervisor abstracts the host virtualization API. The
// orchestration layers depend only on the Client interface so they can
// be exercised against the in-memory Fake; the libvirt implementation
// is the production binding.
package hypervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/virtforge/virtforge/pkg/errdefs"
	"github.com/virtforge/virtforge/pkg/types"
)

var (
	// ErrDomainBusy is a transient condition: the domain is mid
	// operation and the call may be retried with backoff.
	ErrDomainBusy = fmt.Errorf("%w: domain busy", errdefs.ErrTransient)

	// ErrDeviceInUse means the passthrough device is already attached
	// elsewhere. Fatal for this allocation attempt.
	ErrDeviceInUse = errors.New("device in use")

	// ErrUnreachable means the hypervisor endpoint itself failed. Never
	// retried; this is an environment failure, not a request error.
	ErrUnreachable = fmt.Errorf("%w: hypervisor unreachable", errdefs.ErrIrrecoverable)
)

// DomainSpec is the information needed to define one domain.
type DomainSpec struct {
	Name     string
	UUID     string
	CPUs     int
	MemoryMB int
	DiskPath string
	MAC      string
	Network  string
	Shares   []types.ShareMount
}

// Client is the boundary to the virtualization substrate. Every
// operation is idempotent with respect to its target state: starting a
// running domain succeeds without effect, undefining a nonexistent
// domain succeeds without effect.
type Client interface {
	// DefineDomain makes the domain known to the hypervisor and returns
	// its UUID. Redefining an existing domain returns its current UUID.
	// The definition carries no passthrough devices; AttachDevice owns
	// that wiring so a device is never configured twice.
	DefineDomain(ctx context.Context, spec DomainSpec) (string, error)

	// Start boots a defined domain.
	Start(ctx context.Context, name string) error

	// Stop shuts a domain down, gracefully (guest-cooperative) or
	// forced.
	Stop(ctx context.Context, name string, graceful bool) error

	// Undefine removes the domain definition.
	Undefine(ctx context.Context, name string) error

	// Running reports whether the domain exists and is running.
	Running(ctx context.Context, name string) (bool, error)

	// Exists reports whether the domain is defined at all.
	Exists(ctx context.Context, name string) (bool, error)

	// Address returns the domain's current IP address from the lease or
	// guest-agent channel, or "" when none has appeared yet. Callers own
	// the retry loop.
	Address(ctx context.Context, name string) (string, error)

	// AttachDevice assigns a passthrough device to a stopped domain's
	// persistent configuration. Attaching a device the domain already
	// carries succeeds without effect.
	AttachDevice(ctx context.Context, name, pciAddress string) error

	// DetachDevice removes a passthrough device. Detaching a device
	// that is not attached succeeds without effect.
	DetachDevice(ctx context.Context, name, pciAddress string) error

	// EnsureNetwork creates and activates the cluster's isolated
	// virtual network if it does not already exist. leases pins DHCP
	// assignments by MAC so every VM boots with its planned address.
	EnsureNetwork(ctx context.Context, rec types.NetworkRecord, leases map[string]string) error

	// RemoveNetwork tears the network down; missing networks are fine.
	RemoveNetwork(ctx context.Context, name string) error
}
