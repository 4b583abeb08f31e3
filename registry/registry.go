// Package registry holds the endpoint model shared by the client and the load
// balancers, and the discovery backends that keep a cluster's coordinator
// addresses up to date.
//
// A cluster is the name a transaction service group is mapped to
// (service.vgroupMapping). Backends store one entry per coordinator address:
//
//	file:   static grouplist from configuration
//	etcd3:  /registry-seata/{cluster}/{host:port} -> JSON Address, TTL lease
//	consul: service name = cluster, one instance per address
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ErrInvalidAddress is returned when an address string cannot be parsed.
var ErrInvalidAddress = errors.New("registry: invalid address")

// Address is one coordinator endpoint. It is a comparable value type: two
// addresses are equal when host and port are equal.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// NewAddress builds an Address, dropping brackets around an IPv6 host.
func NewAddress(host string, port int) Address {
	return Address{Host: trimBrackets(host), Port: port}
}

// String returns host:port, bracketing IPv6 hosts. It is the key used by the
// active-count registry.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Matches reports whether a points at host:port. Hosts are compared as IP
// addresses when both sides are IP literals, so differently written forms of
// the same IPv6 address match.
func (a Address) Matches(host string, port int) bool {
	if a.Port != port {
		return false
	}
	host = trimBrackets(host)
	if a.Host == host {
		return true
	}
	ip1, err1 := netip.ParseAddr(a.Host)
	ip2, err2 := netip.ParseAddr(host)
	if err1 != nil || err2 != nil {
		return false
	}
	return ip1.Unmap() == ip2.Unmap()
}

// ParseAddress parses "host:port" or "[ipv6]:port".
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w %q: bad port", ErrInvalidAddress, s)
	}
	if host == "" {
		return Address{}, fmt.Errorf("%w %q: empty host", ErrInvalidAddress, s)
	}
	return Address{Host: host, Port: port}, nil
}

// ParseAddressList parses a grouplist such as "127.0.0.1:8091,127.0.0.1:8092".
// Both ',' and ';' separate entries; blanks are skipped.
func ParseAddressList(s string) ([]Address, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	addrs := make([]Address, 0, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f) == "" {
			continue
		}
		addr, err := ParseAddress(f)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func trimBrackets(host string) string {
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}

// Registry is the discovery collaborator the client reads its pools from.
// Implementations must be safe for concurrent use.
type Registry interface {
	Register(ctx context.Context, cluster string, addr Address) error
	Unregister(ctx context.Context, cluster string, addr Address) error
	// Lookup returns the currently known addresses of cluster. An unknown
	// cluster yields an empty slice, not an error.
	Lookup(ctx context.Context, cluster string) ([]Address, error)
	// Watch emits the full address list of cluster whenever it changes. The
	// channel is closed when ctx is done or the registry is closed.
	Watch(ctx context.Context, cluster string) (<-chan []Address, error)
	Close() error
}
