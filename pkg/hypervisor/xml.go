package hypervisor

import (
	"encoding/xml"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/virtforge/virtforge/pkg/netutil"
	"github.com/virtforge/virtforge/pkg/types"
)

// Domain XML structures cover the subset of the libvirt schema this
// tool emits.

type domainXML struct {
	XMLName xml.Name   `xml:"domain"`
	Type    string     `xml:"type,attr"`
	Name    string     `xml:"name"`
	UUID    string     `xml:"uuid,omitempty"`
	Memory  memoryXML  `xml:"memory"`
	VCPU    int        `xml:"vcpu"`
	OS      osXML      `xml:"os"`
	Devices devicesXML `xml:"devices"`
}

type memoryXML struct {
	Unit  string `xml:"unit,attr"`
	Value int    `xml:",chardata"`
}

type osXML struct {
	Type osTypeXML `xml:"type"`
}

type osTypeXML struct {
	Arch    string `xml:"arch,attr"`
	Machine string `xml:"machine,attr"`
	Value   string `xml:",chardata"`
}

type devicesXML struct {
	Disks       []diskXML       `xml:"disk"`
	Interfaces  []interfaceXML  `xml:"interface"`
	Filesystems []filesystemXML `xml:"filesystem"`
	Serials     []serialXML     `xml:"serial"`
}

type diskXML struct {
	Type   string        `xml:"type,attr"`
	Device string        `xml:"device,attr"`
	Driver diskDriverXML `xml:"driver"`
	Source diskSourceXML `xml:"source"`
	Target diskTargetXML `xml:"target"`
}

type diskDriverXML struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type diskSourceXML struct {
	File string `xml:"file,attr"`
}

type diskTargetXML struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr"`
}

type interfaceXML struct {
	Type   string         `xml:"type,attr"`
	MAC    macXML         `xml:"mac"`
	Source ifaceSourceXML `xml:"source"`
	Model  ifaceModelXML  `xml:"model"`
}

type macXML struct {
	Address string `xml:"address,attr"`
}

type ifaceSourceXML struct {
	Network string `xml:"network,attr"`
}

type ifaceModelXML struct {
	Type string `xml:"type,attr"`
}

type filesystemXML struct {
	Type     string      `xml:"type,attr"`
	Access   string      `xml:"accessmode,attr"`
	Driver   fsDriverXML `xml:"driver"`
	Source   fsSourceXML `xml:"source"`
	Target   fsTargetXML `xml:"target"`
	ReadOnly *struct{}   `xml:"readonly,omitempty"`
}

type fsDriverXML struct {
	Type string `xml:"type,attr"`
}

type fsSourceXML struct {
	Dir string `xml:"dir,attr"`
}

type fsTargetXML struct {
	Dir string `xml:"dir,attr"`
}

type serialXML struct {
	Type   string          `xml:"type,attr"`
	Target serialTargetXML `xml:"target"`
}

type serialTargetXML struct {
	Port int `xml:"port,attr"`
}

type hostdevXML struct {
	Mode    string        `xml:"mode,attr"`
	Type    string        `xml:"type,attr"`
	Managed string        `xml:"managed,attr,omitempty"`
	Source  hostdevSource `xml:"source"`
}

type hostdevSource struct {
	Address *pciAddressXML `xml:"address"`
}

type pciAddressXML struct {
	Domain   string `xml:"domain,attr"`
	Bus      string `xml:"bus,attr"`
	Slot     string `xml:"slot,attr"`
	Function string `xml:"function,attr"`
	UUID     string `xml:"uuid,attr,omitempty"`
}

type networkXML struct {
	XMLName xml.Name      `xml:"network"`
	Name    string        `xml:"name"`
	Bridge  netBridgeXML  `xml:"bridge"`
	Forward netForwardXML `xml:"forward"`
	IP      netIPXML      `xml:"ip"`
}

type netBridgeXML struct {
	Name string `xml:"name,attr"`
}

type netForwardXML struct {
	Mode string `xml:"mode,attr"`
}

type netIPXML struct {
	Address string     `xml:"address,attr"`
	Netmask string     `xml:"netmask,attr"`
	DHCP    netDHCPXML `xml:"dhcp"`
}

type netDHCPXML struct {
	Range netRangeXML  `xml:"range"`
	Hosts []netHostXML `xml:"host"`
}

type netRangeXML struct {
	Start string `xml:"start,attr"`
	End   string `xml:"end,attr"`
}

type netHostXML struct {
	MAC string `xml:"mac,attr"`
	IP  string `xml:"ip,attr"`
}

var pciAddressRe = regexp.MustCompile(`^([0-9a-f]{4}):([0-9a-f]{2}):([0-9a-f]{2})\.([0-9a-f])$`)

// buildDomainXML renders the libvirt domain definition for a spec.
func buildDomainXML(spec DomainSpec) (string, error) {
	dom := domainXML{
		Type: "kvm",
		Name: spec.Name,
		UUID: spec.UUID,
		Memory: memoryXML{
			Unit:  "MiB",
			Value: spec.MemoryMB,
		},
		VCPU: spec.CPUs,
		OS: osXML{
			Type: osTypeXML{Arch: "x86_64", Machine: "q35", Value: "hvm"},
		},
		Devices: devicesXML{
			Disks: []diskXML{{
				Type:   "file",
				Device: "disk",
				Driver: diskDriverXML{Name: "qemu", Type: "qcow2"},
				Source: diskSourceXML{File: spec.DiskPath},
				Target: diskTargetXML{Dev: "vda", Bus: "virtio"},
			}},
			Interfaces: []interfaceXML{{
				Type:   "network",
				MAC:    macXML{Address: spec.MAC},
				Source: ifaceSourceXML{Network: spec.Network},
				Model:  ifaceModelXML{Type: "virtio"},
			}},
			Serials: []serialXML{{
				Type:   "pty",
				Target: serialTargetXML{Port: 0},
			}},
		},
	}

	for _, share := range spec.Shares {
		fs := filesystemXML{
			Type:   "mount",
			Access: "passthrough",
			Driver: fsDriverXML{Type: "virtiofs"},
			Source: fsSourceXML{Dir: share.HostPath},
			Target: fsTargetXML{Dir: share.Tag},
		}
		if share.ReadOnly {
			fs.ReadOnly = &struct{}{}
		}
		dom.Devices.Filesystems = append(dom.Devices.Filesystems, fs)
	}

	out, err := xml.MarshalIndent(dom, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding domain xml for %s: %w", spec.Name, err)
	}
	return string(out), nil
}

// buildHostdevXML renders one passthrough device. Whole devices are PCI
// hostdevs; slice identifiers (<address>/<slice-id>) become mediated
// device entries.
func buildHostdevXML(device string) (hostdevXML, error) {
	if addr, slice, sliced := strings.Cut(device, "/"); sliced {
		if !pciAddressRe.MatchString(addr) {
			return hostdevXML{}, fmt.Errorf("invalid sliced device %q", device)
		}
		return hostdevXML{
			Mode: "subsystem",
			Type: "mdev",
			Source: hostdevSource{
				Address: &pciAddressXML{UUID: sliceUUID(addr, slice)},
			},
		}, nil
	}

	m := pciAddressRe.FindStringSubmatch(device)
	if m == nil {
		return hostdevXML{}, fmt.Errorf("invalid pci address %q", device)
	}
	return hostdevXML{
		Mode:    "subsystem",
		Type:    "pci",
		Managed: "yes",
		Source: hostdevSource{
			Address: &pciAddressXML{
				Domain:   "0x" + m[1],
				Bus:      "0x" + m[2],
				Slot:     "0x" + m[3],
				Function: "0x" + m[4],
			},
		},
	}, nil
}

// marshalHostdev renders a standalone hostdev element for hot
// attach/detach calls.
func marshalHostdev(hd hostdevXML) (string, error) {
	out, err := xml.MarshalIndent(struct {
		XMLName xml.Name `xml:"hostdev"`
		hostdevXML
	}{hostdevXML: hd}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding hostdev xml: %w", err)
	}
	return string(out), nil
}

// buildNetworkXML renders an isolated NAT network with static DHCP
// leases pinned by MAC so every VM boots with its planned address.
func buildNetworkXML(rec types.NetworkRecord, leases map[string]string) (string, error) {
	gw, netmask, start, end, err := dhcpBounds(rec)
	if err != nil {
		return "", err
	}

	nx := networkXML{
		Name:    rec.Name,
		Bridge:  netBridgeXML{Name: rec.Bridge},
		Forward: netForwardXML{Mode: "nat"},
		IP: netIPXML{
			Address: gw,
			Netmask: netmask,
			DHCP: netDHCPXML{
				Range: netRangeXML{Start: start, End: end},
			},
		},
	}

	// Deterministic ordering keeps redefinition idempotent.
	macs := make([]string, 0, len(leases))
	for mac := range leases {
		macs = append(macs, mac)
	}
	sort.Strings(macs)
	for _, mac := range macs {
		nx.IP.DHCP.Hosts = append(nx.IP.DHCP.Hosts, netHostXML{
			MAC: mac,
			IP:  leases[mac],
		})
	}

	out, err := xml.MarshalIndent(nx, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding network xml for %s: %w", rec.Name, err)
	}
	return string(out), nil
}

// sliceUUID derives a stable mediated-device UUID from the slice
// identifier so redefinition is idempotent.
func sliceUUID(addr, slice string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(addr+"/"+slice)).String()
}

// dhcpBounds derives the DHCP range from the subnet: .2 through the
// last usable host, with the gateway at .1.
func dhcpBounds(rec types.NetworkRecord) (gw, netmask, start, end string, err error) {
	_, ipnet, err := net.ParseCIDR(rec.Subnet)
	if err != nil {
		return "", "", "", "", fmt.Errorf("network %s: %w", rec.Name, err)
	}

	mask := ipnet.Mask
	netmask = fmt.Sprintf("%d.%d.%d.%d", mask[0], mask[1], mask[2], mask[3])

	gwIP := netutil.OffsetIP(ipnet, 1)
	startIP := netutil.OffsetIP(ipnet, 2)

	ones, bits := mask.Size()
	hostCount := 1 << (bits - ones)
	endIP := netutil.OffsetIP(ipnet, hostCount-2)

	if rec.Gateway != "" {
		gw = rec.Gateway
	} else {
		gw = gwIP.String()
	}
	return gw, netmask, startIP.String(), endIP.String(), nil
}
