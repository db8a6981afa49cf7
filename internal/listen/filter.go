package listen

import "net/netip"

// IPFilter allows or denies a source address by allowlist or blocklist,
// mirroring the whitelist/blacklist toggle in the source honeypot's
// connection filter but expressed with net/netip.Prefix instead of
// hand-rolled range comparisons.
type IPFilter struct {
	WhitelistMode bool
	AllowedPrefixes []netip.Prefix
	BlockedPrefixes []netip.Prefix
}

func (f IPFilter) allowed(addr netip.Addr) bool {
	if f.WhitelistMode {
		if len(f.AllowedPrefixes) == 0 {
			return true
		}
		for _, p := range f.AllowedPrefixes {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	for _, p := range f.BlockedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// PortFilter allows or denies a destination port, blacklist-by-default
// per the source honeypot's is_port_allowed.
type PortFilter struct {
	AllowedRanges []PortRange
	BlockedRanges []PortRange
}

// PortRange is an inclusive [Start, End] port bound.
type PortRange struct {
	Start, End uint16
}

func (r PortRange) contains(port uint16) bool { return port >= r.Start && port <= r.End }

func (f PortFilter) allowed(port uint16) bool {
	if len(f.AllowedRanges) > 0 {
		ok := false
		for _, r := range f.AllowedRanges {
			if r.contains(port) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, r := range f.BlockedRanges {
		if r.contains(port) {
			return false
		}
	}
	return true
}

// ConnectionFilter gates inbound connections on source address and
// destination port before a container is ever acquired, so a blocked
// scanner never costs a pool slot.
type ConnectionFilter struct {
	ips   IPFilter
	ports PortFilter
}

// NewConnectionFilter builds a ConnectionFilter. Zero-value filters admit
// everything.
func NewConnectionFilter(ips IPFilter, ports PortFilter) ConnectionFilter {
	return ConnectionFilter{ips: ips, ports: ports}
}

// ShouldAccept reports whether a connection from remoteAddr to localPort
// should be admitted.
func (f ConnectionFilter) ShouldAccept(remoteAddr netip.Addr, localPort uint16) bool {
	return f.ips.allowed(remoteAddr) && f.ports.allowed(localPort)
}
