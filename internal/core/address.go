package core

import "net/netip"

// Address is a network endpoint: an IP address plus a port.
//
// Port 0 means "any port" but only in filter contexts (see internal/store
// filtering); a captured Address always carries the real source/destination
// port observed on the wire.
type Address struct {
	IP   netip.Addr
	Port uint16
}

// NewAddress builds an Address from an already-parsed netip.Addr.
func NewAddress(ip netip.Addr, port uint16) Address {
	return Address{IP: ip, Port: port}
}

// IsValid reports whether the underlying IP is a valid numeric address.
func (a Address) IsValid() bool {
	return a.IP.IsValid()
}

// Equal compares two addresses including port.
func (a Address) Equal(other Address) bool {
	return a.IP == other.IP && a.Port == other.Port
}

// EqualIP compares two addresses ignoring port — used by the endpoint→Call
// binding lookup, where the SDP-declared address may not carry the RTP
// source port that later packets arrive with.
func (a Address) EqualIP(other Address) bool {
	return a.IP == other.IP
}

// IsLocal reports whether the address is a loopback, link-local or
// unspecified address — used to recognize locally-originated traffic when
// classifying capture direction.
func (a Address) IsLocal() bool {
	if !a.IP.IsValid() {
		return false
	}
	return a.IP.IsLoopback() || a.IP.IsLinkLocalUnicast() || a.IP.IsUnspecified()
}

// String renders "ip:port", matching net.JoinHostPort conventions.
func (a Address) String() string {
	if !a.IP.IsValid() {
		return "<invalid>"
	}
	return netip.AddrPortFrom(a.IP, a.Port).String()
}
