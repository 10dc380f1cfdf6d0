package eventnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
)

const resolvConf = "/etc/resolv.conf"

// PeerResolver finds the addresses of the instances registered under a
// service name.
type PeerResolver interface {
	LookupPeers(ctx context.Context, name string) ([]netip.Addr, error)
}

// DNSResolver queries A records directly, so the answer reflects the
// current registrations rather than what a local cache kept.
type DNSResolver struct {
	client  *dns.Client
	conf    *dns.ClientConfig
	servers []string
}

var _ PeerResolver = (*DNSResolver)(nil)

// NewDNSResolver builds a resolver querying `servers`, given as `host:port`.
// Without servers, the system configuration is used.
func NewDNSResolver(servers ...string) (*DNSResolver, error) {
	r := &DNSResolver{
		client: &dns.Client{Net: "udp", Timeout: 5 * time.Second},
	}

	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrResolve, err)
		}
		r.conf = conf
		if conf.Timeout > 0 {
			r.client.Timeout = time.Duration(conf.Timeout) * time.Second
		}
		for _, srv := range conf.Servers {
			r.servers = append(r.servers, net.JoinHostPort(srv, conf.Port))
		}
	} else {
		r.servers = servers
	}

	if len(r.servers) == 0 {
		return nil, fmt.Errorf("%w: no dns server configured", ErrResolve)
	}
	return r, nil
}

// LookupPeers returns the IPv4 addresses of `name`, trying every search
// domain of the configuration in order. A name which exists without
// addresses yields an empty result, not an error.
func (r *DNSResolver) LookupPeers(ctx context.Context, name string) ([]netip.Addr, error) {
	names := []string{dns.Fqdn(name)}
	if r.conf != nil {
		names = r.conf.NameList(name)
	}

	var errs *multierror.Error
	found := false
	for _, fqdn := range names {
		addrs, exists, err := r.lookupName(ctx, fqdn)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
		found = found || exists
	}

	if found {
		return nil, nil
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResolve, name, err)
	}
	return nil, fmt.Errorf("%w: %s: no such host", ErrResolve, name)
}

func (r *DNSResolver) lookupName(ctx context.Context, fqdn string) (addrs []netip.Addr, exists bool, err error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeA)

	var errs *multierror.Error
	for _, srv := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, srv)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", srv, err))
			continue
		}

		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, false, nil
		default:
			errs = multierror.Append(errs, fmt.Errorf("%s: %s", srv, dns.RcodeToString[in.Rcode]))
			continue
		}

		for _, rr := range in.Answer {
			if a, ok := rr.(*dns.A); ok {
				if addr, ok := netip.AddrFromSlice(a.A); ok {
					addrs = append(addrs, addr.Unmap())
				}
			}
		}
		return addrs, true, nil
	}
	return nil, false, errs.ErrorOrNil()
}

// netResolver goes through the resolver of the standard library, it is
// the fallback when no DNS configuration can be read.
type netResolver struct {
	r *net.Resolver
}

func (nr netResolver) LookupPeers(ctx context.Context, name string) ([]netip.Addr, error) {
	addrs, err := nr.r.LookupNetIP(ctx, "ip4", name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, fmt.Errorf("%w: %s: no such host", ErrResolve, name)
		}
		return nil, fmt.Errorf("%w: %w", ErrResolve, err)
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Unmap())
	}
	return out, nil
}

// StaticResolver always answers with the same addresses.
type StaticResolver []netip.Addr

func (s StaticResolver) LookupPeers(context.Context, string) ([]netip.Addr, error) {
	return append([]netip.Addr(nil), s...), nil
}

func parseSeed(seed string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(seed); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}

	host, port, err := net.SplitHostPort(seed)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: seed %q: %w", ErrInvalidAddr, seed, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: seed %q: %w", ErrInvalidAddr, seed, err)
	}
	addrs, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip4", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: seed %q: %w", ErrResolve, seed, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: seed %q: no address", ErrResolve, seed)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(p)), nil
}
