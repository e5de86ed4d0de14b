// Package network finds the device's current global IPv6 address.
//
// Cellular uplinks renumber on reattach, so the answer is time-varying and
// callers treat a miss as transient.
package network

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoGlobalAddress means no usable global-scope IPv6 address is assigned.
var ErrNoGlobalAddress = errors.New("no global IPv6 address")

// ResolveError wraps a resolution failure.
type ResolveError struct {
	Interface string // empty when all links were searched
	Err       error
}

func (e *ResolveError) Error() string {
	if e.Interface == "" {
		return fmt.Sprintf("resolve IPv6 address: %v", e.Err)
	}
	return fmt.Sprintf("resolve IPv6 address on %s: %v", e.Interface, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// IsGlobalIPv6 reports whether ip is a publicly routable IPv6 unicast
// address: not IPv4, loopback, link-local, multicast or unique-local.
func IsGlobalIPv6(ip net.IP) bool {
	if ip == nil || ip.To4() != nil || ip.To16() == nil {
		return false
	}
	return ip.IsGlobalUnicast() && !ip.IsPrivate()
}
