package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	libvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	"github.com/virtforge/virtforge/pkg/log"
	"github.com/virtforge/virtforge/pkg/types"
)

// DefaultURI is the local system libvirt socket.
const DefaultURI = "qemu:///system"

// LibvirtClient implements Client against a libvirt daemon.
type LibvirtClient struct {
	conn *libvirt.Libvirt
}

// Connect dials the libvirt daemon at uri.
func Connect(uri string) (*LibvirtClient, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid hypervisor uri %q: %w", uri, err)
	}
	conn, err := libvirt.ConnectToURI(parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", ErrUnreachable, uri, err)
	}
	return &LibvirtClient{conn: conn}, nil
}

// Close disconnects from the daemon.
func (c *LibvirtClient) Close() error {
	return c.conn.Disconnect()
}

// classify maps libvirt failures onto the shared error taxonomy.
// Transport-level failures mean the daemon itself is gone.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var lvErr libvirt.Error
	if errors.As(err, &lvErr) {
		switch libvirt.ErrorNumber(lvErr.Code) {
		case libvirt.ErrOperationTimeout, libvirt.ErrOperationAborted, libvirt.ErrOperationInvalid:
			return fmt.Errorf("%w: %s", ErrDomainBusy, lvErr.Message)
		case libvirt.ErrSystemError, libvirt.ErrRPC, libvirt.ErrInternalError:
			return fmt.Errorf("%w: %s", ErrUnreachable, lvErr.Message)
		}
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func (c *LibvirtClient) DefineDomain(ctx context.Context, spec DomainSpec) (string, error) {
	if existing, err := c.conn.DomainLookupByName(spec.Name); err == nil {
		return uuid.UUID(existing.UUID).String(), nil
	} else if !libvirt.IsNotFound(err) {
		return "", classify(err)
	}

	xmlDoc, err := buildDomainXML(spec)
	if err != nil {
		return "", err
	}
	dom, err := c.conn.DomainDefineXML(xmlDoc)
	if err != nil {
		return "", fmt.Errorf("defining domain %s: %w", spec.Name, classify(err))
	}

	log.WithComponent("hypervisor").Debug().
		Str("domain", spec.Name).
		Msg("domain defined")
	return uuid.UUID(dom.UUID).String(), nil
}

func (c *LibvirtClient) Start(ctx context.Context, name string) error {
	dom, err := c.conn.DomainLookupByName(name)
	if err != nil {
		return fmt.Errorf("starting domain %s: %w", name, classify(err))
	}

	state, _, err := c.conn.DomainGetState(dom, 0)
	if err != nil {
		return fmt.Errorf("starting domain %s: %w", name, classify(err))
	}
	if libvirt.DomainState(state) == libvirt.DomainRunning {
		return nil
	}

	if err := c.conn.DomainCreate(dom); err != nil {
		return fmt.Errorf("starting domain %s: %w", name, classify(err))
	}
	return nil
}

func (c *LibvirtClient) Stop(ctx context.Context, name string, graceful bool) error {
	dom, err := c.conn.DomainLookupByName(name)
	if libvirt.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stopping domain %s: %w", name, classify(err))
	}

	state, _, err := c.conn.DomainGetState(dom, 0)
	if err != nil {
		return fmt.Errorf("stopping domain %s: %w", name, classify(err))
	}
	switch libvirt.DomainState(state) {
	case libvirt.DomainShutoff, libvirt.DomainShutdown:
		return nil
	}

	if graceful {
		err = c.conn.DomainShutdown(dom)
	} else {
		err = c.conn.DomainDestroy(dom)
	}
	if err != nil {
		return fmt.Errorf("stopping domain %s: %w", name, classify(err))
	}
	return nil
}

func (c *LibvirtClient) Undefine(ctx context.Context, name string) error {
	dom, err := c.conn.DomainLookupByName(name)
	if libvirt.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("undefining domain %s: %w", name, classify(err))
	}

	state, _, err := c.conn.DomainGetState(dom, 0)
	if err == nil && libvirt.DomainState(state) == libvirt.DomainRunning {
		if err := c.conn.DomainDestroy(dom); err != nil && !libvirt.IsNotFound(err) {
			return fmt.Errorf("undefining domain %s: %w", name, classify(err))
		}
	}

	err = c.conn.DomainUndefineFlags(dom,
		libvirt.DomainUndefineManagedSave|libvirt.DomainUndefineNvram)
	if err != nil && !libvirt.IsNotFound(err) {
		return fmt.Errorf("undefining domain %s: %w", name, classify(err))
	}
	return nil
}

func (c *LibvirtClient) Running(ctx context.Context, name string) (bool, error) {
	dom, err := c.conn.DomainLookupByName(name)
	if libvirt.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	state, _, err := c.conn.DomainGetState(dom, 0)
	if err != nil {
		return false, classify(err)
	}
	return libvirt.DomainState(state) == libvirt.DomainRunning, nil
}

func (c *LibvirtClient) Exists(ctx context.Context, name string) (bool, error) {
	_, err := c.conn.DomainLookupByName(name)
	if libvirt.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

// Address asks the DHCP lease table for the domain's IPv4 address. An
// empty string means no lease has appeared yet; callers own the retry
// loop.
func (c *LibvirtClient) Address(ctx context.Context, name string) (string, error) {
	dom, err := c.conn.DomainLookupByName(name)
	if err != nil {
		return "", fmt.Errorf("querying address of %s: %w", name, classify(err))
	}

	ifaces, err := c.conn.DomainInterfaceAddresses(dom,
		uint32(libvirt.DomainInterfaceAddressesSrcLease), 0)
	if err != nil {
		// An agent or lease channel that is not up yet is expected
		// while the guest boots.
		var lvErr libvirt.Error
		if errors.As(err, &lvErr) {
			return "", nil
		}
		return "", classify(err)
	}

	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if libvirt.IPAddrType(addr.Type) == libvirt.IPAddrTypeIpv4 {
				return addr.Addr, nil
			}
		}
	}
	return "", nil
}

func (c *LibvirtClient) AttachDevice(ctx context.Context, name, pciAddress string) error {
	dom, err := c.conn.DomainLookupByName(name)
	if err != nil {
		return fmt.Errorf("attaching %s to %s: %w", pciAddress, name, classify(err))
	}

	hd, err := buildHostdevXML(pciAddress)
	if err != nil {
		return err
	}
	xmlDoc, err := marshalHostdev(hd)
	if err != nil {
		return err
	}

	err = c.conn.DomainAttachDeviceFlags(dom, xmlDoc,
		uint32(libvirt.DomainDeviceModifyConfig))
	if err != nil {
		var lvErr libvirt.Error
		if errors.As(err, &lvErr) && libvirt.ErrorNumber(lvErr.Code) == libvirt.ErrOperationFailed {
			return fmt.Errorf("%w: %s on %s: %s", ErrDeviceInUse, pciAddress, name, lvErr.Message)
		}
		return fmt.Errorf("attaching %s to %s: %w", pciAddress, name, classify(err))
	}
	return nil
}

func (c *LibvirtClient) DetachDevice(ctx context.Context, name, pciAddress string) error {
	dom, err := c.conn.DomainLookupByName(name)
	if libvirt.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detaching %s from %s: %w", pciAddress, name, classify(err))
	}

	hd, err := buildHostdevXML(pciAddress)
	if err != nil {
		return err
	}
	xmlDoc, err := marshalHostdev(hd)
	if err != nil {
		return err
	}

	err = c.conn.DomainDetachDeviceFlags(dom, xmlDoc,
		uint32(libvirt.DomainDeviceModifyConfig))
	if err != nil {
		var lvErr libvirt.Error
		if errors.As(err, &lvErr) && libvirt.ErrorNumber(lvErr.Code) == libvirt.ErrDeviceMissing {
			return nil
		}
		return fmt.Errorf("detaching %s from %s: %w", pciAddress, name, classify(err))
	}
	return nil
}

func (c *LibvirtClient) EnsureNetwork(ctx context.Context, rec types.NetworkRecord, leases map[string]string) error {
	if existing, err := c.conn.NetworkLookupByName(rec.Name); err == nil {
		active, aerr := c.conn.NetworkIsActive(existing)
		if aerr != nil {
			return fmt.Errorf("ensuring network %s: %w", rec.Name, classify(aerr))
		}
		if active == 0 {
			if cerr := c.conn.NetworkCreate(existing); cerr != nil {
				return fmt.Errorf("ensuring network %s: %w", rec.Name, classify(cerr))
			}
		}
		return nil
	} else if !libvirt.IsNotFound(err) {
		return fmt.Errorf("ensuring network %s: %w", rec.Name, classify(err))
	}

	xmlDoc, err := buildNetworkXML(rec, leases)
	if err != nil {
		return err
	}
	net, err := c.conn.NetworkDefineXML(xmlDoc)
	if err != nil {
		return fmt.Errorf("defining network %s: %w", rec.Name, classify(err))
	}
	if err := c.conn.NetworkCreate(net); err != nil {
		return fmt.Errorf("activating network %s: %w", rec.Name, classify(err))
	}

	log.WithComponent("hypervisor").Debug().
		Str("network", rec.Name).
		Str("subnet", rec.Subnet).
		Msg("network created")
	return nil
}

func (c *LibvirtClient) RemoveNetwork(ctx context.Context, name string) error {
	net, err := c.conn.NetworkLookupByName(name)
	if libvirt.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("removing network %s: %w", name, classify(err))
	}

	if active, aerr := c.conn.NetworkIsActive(net); aerr == nil && active != 0 {
		if derr := c.conn.NetworkDestroy(net); derr != nil && !libvirt.IsNotFound(derr) {
			return fmt.Errorf("removing network %s: %w", name, classify(derr))
		}
	}
	if err := c.conn.NetworkUndefine(net); err != nil && !libvirt.IsNotFound(err) {
		return fmt.Errorf("removing network %s: %w", name, classify(err))
	}
	return nil
}
