package eventnet

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"

	sockaddr "github.com/hashicorp/go-sockaddr"
)

// interfaceAddr returns the first forwardable IPv4 address of the named
// interface, with the interface itself.
func interfaceAddr(name string) (netip.Addr, *net.Interface, error) {
	ifAddrs, err := sockaddr.GetAllInterfaces()
	if err != nil {
		return netip.Addr{}, nil, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}

	matched, _, err := sockaddr.IfByName("^"+regexp.QuoteMeta(name)+"$", ifAddrs)
	if err != nil {
		return netip.Addr{}, nil, err
	}
	if len(matched) == 0 {
		return netip.Addr{}, nil, fmt.Errorf("%w: no interface named %s", ErrNetworkUnavailable, name)
	}
	iface := matched[0].Interface

	matched, _, err = sockaddr.IfByType("ipv4", matched)
	if err != nil {
		return netip.Addr{}, nil, err
	}
	matched, _, err = sockaddr.IfByFlag("forwardable", matched)
	if err != nil {
		return netip.Addr{}, nil, err
	}
	if len(matched) == 0 {
		return netip.Addr{}, &iface, fmt.Errorf("%w: no forwardable IPv4 address on %s", ErrNetworkUnavailable, name)
	}

	addr, ok := ipv4Of(matched[0].SockAddr)
	if !ok {
		return netip.Addr{}, &iface, fmt.Errorf("%w: no IPv4 address on %s", ErrNetworkUnavailable, name)
	}
	return addr, &iface, nil
}

// localAddrs lists the IPv4 addresses of every interface of the host.
func localAddrs() ([]netip.Addr, error) {
	ifAddrs, err := sockaddr.GetAllInterfaces()
	if err != nil {
		return nil, err
	}
	matched, _, err := sockaddr.IfByType("ipv4", ifAddrs)
	if err != nil {
		return nil, err
	}

	addrs := make([]netip.Addr, 0, len(matched))
	for _, ifAddr := range matched {
		if addr, ok := ipv4Of(ifAddr.SockAddr); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

func ipv4Of(sa sockaddr.SockAddr) (netip.Addr, bool) {
	ipv4 := sockaddr.ToIPv4Addr(sa)
	if ipv4 == nil {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(*ipv4.NetIP())
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// selfMatcher reports whether an address designates this instance, which
// is every local address when bound to the wildcard address.
func selfMatcher(bound netip.AddrPort) (func(netip.AddrPort) bool, error) {
	if !bound.Addr().IsUnspecified() {
		return func(addr netip.AddrPort) bool {
			return addr == bound
		}, nil
	}

	addrs, err := localAddrs()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	self := make(map[netip.Addr]struct{}, len(addrs)+1)
	self[netip.AddrFrom4([4]byte{127, 0, 0, 1})] = struct{}{}
	for _, addr := range addrs {
		self[addr] = struct{}{}
	}

	return func(addr netip.AddrPort) bool {
		if addr.Port() != bound.Port() {
			return false
		}
		_, ok := self[addr.Addr()]
		return ok || addr.Addr().IsUnspecified()
	}, nil
}
