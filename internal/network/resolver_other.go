//go:build !linux

package network

import (
	"net"
)

// NetlinkResolver falls back to the portable interface listing off Linux,
// where address flags (tentative, deprecated) are not visible.
type NetlinkResolver struct {
	iface string
}

// NewResolver creates a resolver. An empty iface searches every link.
func NewResolver(iface string) *NetlinkResolver {
	return &NetlinkResolver{iface: iface}
}

// Resolve returns the first global IPv6 address found.
func (r *NetlinkResolver) Resolve() (net.IP, error) {
	var (
		addrs []net.Addr
		err   error
	)
	if r.iface != "" {
		var ifi *net.Interface
		ifi, err = net.InterfaceByName(r.iface)
		if err == nil {
			addrs, err = ifi.Addrs()
		}
	} else {
		addrs, err = net.InterfaceAddrs()
	}
	if err != nil {
		return nil, &ResolveError{Interface: r.iface, Err: err}
	}

	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && IsGlobalIPv6(ipn.IP) {
			return ipn.IP, nil
		}
	}
	return nil, &ResolveError{Interface: r.iface, Err: ErrNoGlobalAddress}
}
