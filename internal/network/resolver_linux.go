//go:build linux

package network

import (
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Netlinker abstracts the netlink calls used by the resolver.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

// RealNetlinker implements Netlinker using the netlink package.
type RealNetlinker struct{}

// LinkByName retrieves a link by name.
func (RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

// AddrList retrieves a list of addresses for a link (nil for all links).
func (RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

// NetlinkResolver reads addresses from the kernel over netlink.
type NetlinkResolver struct {
	nl    Netlinker
	iface string
}

// NewResolver creates a resolver. An empty iface searches every link.
func NewResolver(iface string) *NetlinkResolver {
	return NewResolverWithNetlinker(RealNetlinker{}, iface)
}

// NewResolverWithNetlinker creates a resolver over a custom Netlinker.
func NewResolverWithNetlinker(nl Netlinker, iface string) *NetlinkResolver {
	return &NetlinkResolver{nl: nl, iface: iface}
}

const unusableFlags = unix.IFA_F_TENTATIVE | unix.IFA_F_DADFAILED

// Resolve returns the first preferred global address in kernel order.
// A deprecated address is returned only when nothing better exists.
func (r *NetlinkResolver) Resolve() (net.IP, error) {
	var link netlink.Link
	if r.iface != "" {
		l, err := r.nl.LinkByName(r.iface)
		if err != nil {
			return nil, &ResolveError{Interface: r.iface, Err: err}
		}
		link = l
	}

	addrs, err := r.nl.AddrList(link, unix.AF_INET6)
	if err != nil {
		return nil, &ResolveError{Interface: r.iface, Err: err}
	}

	var deprecated net.IP
	for _, a := range addrs {
		if a.IPNet == nil || a.Scope != unix.RT_SCOPE_UNIVERSE || !IsGlobalIPv6(a.IP) {
			continue
		}
		if a.Flags&unusableFlags != 0 {
			continue
		}
		if a.Flags&unix.IFA_F_DEPRECATED != 0 {
			if deprecated == nil {
				deprecated = a.IP
			}
			continue
		}
		return a.IP, nil
	}
	if deprecated != nil {
		return deprecated, nil
	}
	return nil, &ResolveError{Interface: r.iface, Err: ErrNoGlobalAddress}
}
