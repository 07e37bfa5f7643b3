// Package netutil holds small IPv4 helpers shared by the planner and
// the hypervisor XML builder.
package netutil

import (
	"fmt"
	"net"
)

// OffsetIP returns the address at the given host offset within the
// subnet. Offset 1 is conventionally the gateway.
func OffsetIP(ipnet *net.IPNet, offset int) net.IP {
	base := ipnet.IP.To4()
	if base == nil {
		return nil
	}
	v := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	v += uint32(offset)
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// HostCapacity returns the number of assignable host addresses in the
// subnet, excluding network, broadcast, and gateway.
func HostCapacity(ipnet *net.IPNet) int {
	ones, bits := ipnet.Mask.Size()
	total := 1 << (bits - ones)
	if total < 4 {
		return 0
	}
	return total - 3
}

// Overlaps reports whether two subnets share any addresses.
func Overlaps(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

// MustParseCIDR parses a CIDR that has already been validated.
func MustParseCIDR(cidr string) *net.IPNet {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(fmt.Sprintf("invalid cidr %q: %v", cidr, err))
	}
	return ipnet
}
