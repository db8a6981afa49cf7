package pool

import (
	"fmt"
	"net"
	"sync"

	"github.com/vishvananda/netlink"
)

// ipAllocator hands out sequential IPv4 addresses within a service's
// isolated /24, avoiding collisions across concurrently spawning
// containers for the same service.
type ipAllocator struct {
	mu   sync.Mutex
	next map[string]byte // bridge name -> next host octet
}

var allocator = &ipAllocator{next: make(map[string]byte)}

func (a *ipAllocator) allocate(bridge string) net.IP {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.next[bridge]
	if n == 0 {
		n = 2 // .1 is reserved for the bridge itself
	}
	a.next[bridge] = n + 1
	return net.IPv4(10, 200, hashByte(bridge), n)
}

func hashByte(s string) byte {
	var h byte = 37
	for i := 0; i < len(s); i++ {
		h = h*31 + s[i]
	}
	return h
}

// attachVeth creates a veth pair, leaving the guest end in the host
// namespace under a name the nspawn invocation can claim, and attaches
// the host end to the service's bridge. Returns the IPv4 address
// allocated for the guest side, which the caller uses as the container's
// attach endpoint; the address is not configured on any interface here.
func attachVeth(hostName, guestName, bridgeName string) (net.IP, error) {
	bridge, err := ensureBridge(bridgeName)
	if err != nil {
		return nil, fmt.Errorf("ensure bridge %s: %w", bridgeName, err)
	}

	la := netlink.NewLinkAttrs()
	la.Name = hostName
	veth := &netlink.Veth{LinkAttrs: la, PeerName: guestName}
	if err := netlink.LinkAdd(veth); err != nil {
		return nil, fmt.Errorf("add veth %s/%s: %w", hostName, guestName, err)
	}

	hostLink, err := netlink.LinkByName(hostName)
	if err != nil {
		return nil, fmt.Errorf("lookup host veth %s: %w", hostName, err)
	}
	if err := netlink.LinkSetMaster(hostLink, bridge); err != nil {
		return nil, fmt.Errorf("attach %s to bridge %s: %w", hostName, bridgeName, err)
	}
	if err := netlink.LinkSetUp(hostLink); err != nil {
		return nil, fmt.Errorf("set %s up: %w", hostName, err)
	}

	ip := allocator.allocate(bridgeName)
	return ip, nil
}

// ensureBridge returns the named bridge link, creating it if the
// Controller has not already provisioned it (spec.md §6: "a configured
// isolated bridge per service (or auto-created by the Controller)").
func ensureBridge(name string) (netlink.Link, error) {
	if link, err := netlink.LinkByName(name); err == nil {
		return link, nil
	}

	la := netlink.NewLinkAttrs()
	la.Name = name
	br := &netlink.Bridge{LinkAttrs: la}
	if err := netlink.LinkAdd(br); err != nil {
		return nil, fmt.Errorf("create bridge %s: %w", name, err)
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("set bridge %s up: %w", name, err)
	}
	return link, nil
}
