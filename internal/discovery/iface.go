package discovery

import (
	"errors"
	"net"
)

// ErrNoInterface is returned when no IPv4-capable interface can be found
// for multicast beaconing.
var ErrNoInterface = errors.New("discovery: no suitable IPv4 interface found")

// PickInterface resolves which local interface a Beacon should join for
// multicast send/receive. name forces an exact interface (returns an error
// if it has no IPv4 address); subnetCIDR picks the first interface whose
// first IPv4 address is inside that subnet; with both empty, or when no
// interface matches the subnet, it falls back to the first up,
// non-loopback IPv4 interface.
func PickInterface(name, subnetCIDR string) (*net.Interface, error) {
	if name != "" {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, err
		}
		if ip, _ := firstIPv4(ifi); ip == nil {
			return nil, errNoIPv4(ifi.Name)
		}
		return ifi, nil
	}

	if subnetCIDR != "" {
		_, target, err := net.ParseCIDR(subnetCIDR)
		if err != nil {
			return nil, err
		}
		ifaces, _ := net.Interfaces()
		for i := range ifaces {
			ifi := &ifaces[i]
			ip, _ := firstIPv4(ifi)
			if ip != nil && target.Contains(ip) {
				return ifi, nil
			}
		}
	}

	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip, _ := firstIPv4(ifi); ip != nil {
			return ifi, nil
		}
	}
	return nil, ErrNoInterface
}

func firstIPv4(ifi *net.Interface) (net.IP, *net.IPNet) {
	addrs, _ := ifi.Addrs()
	for _, a := range addrs {
		switch v := a.(type) {
		case *net.IPNet:
			if ip := v.IP.To4(); ip != nil {
				return ip, v
			}
		case *net.IPAddr:
			if ip := v.IP.To4(); ip != nil {
				_, n, _ := net.ParseCIDR(ip.String() + "/32")
				return ip, n
			}
		}
	}
	return nil, nil
}

type errNoIPv4 string

func (e errNoIPv4) Error() string { return "discovery: interface " + string(e) + " has no IPv4 address" }
