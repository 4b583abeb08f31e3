package loadbalance

import (
	"strconv"
	"strings"

	"github.com/hein-hp/incubator-seata/config"
	"github.com/hein-hp/incubator-seata/registry"
	"go.uber.org/zap"
)

// XIDBalancer routes a call to the coordinator that created the transaction.
// Transaction ids have the form host:port:tranId; host may be an IPv6
// literal, so port and tranId are always the last two segments.
//
// The coordinator is matched with registry.Address.Matches: when both hosts are
// IP literals they are compared as IPs, not as strings, so "2000:0:0:0:..." and
// "2000:0000:0000:0000:..." name the same pool member. Hostnames must be equal.
//
// When the id cannot be parsed or its coordinator is not in the pool, the
// fallback strategy picks from the pool instead.
type XIDBalancer struct {
	fallback LoadBalancer
	logger   *zap.Logger
}

// NewXID returns an XID balancer. A nil fallback means round robin, a nil
// logger discards output.
func NewXID(fallback LoadBalancer, logger *zap.Logger) *XIDBalancer {
	return newXID(fallback, logger)
}

func newXID(fallback LoadBalancer, logger *zap.Logger) *XIDBalancer {
	if fallback == nil {
		fallback = NewRoundRobin()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &XIDBalancer{fallback: fallback, logger: logger}
}

func (b *XIDBalancer) Select(pool []registry.Address, xid string) (registry.Address, error) {
	if err := checkPool(b.Name(), pool); err != nil {
		return registry.Address{}, err
	}
	host, port, ok := ParseXID(xid)
	if ok {
		for _, addr := range pool {
			if addr.Matches(host, port) {
				return addr, nil
			}
		}
		b.logger.Debug("coordinator of xid not in pool, using fallback",
			zap.String("xid", xid), zap.String("fallback", b.fallback.Name()))
	} else {
		b.logger.Debug("xid carries no coordinator address, using fallback",
			zap.String("xid", xid), zap.String("fallback", b.fallback.Name()))
	}
	return b.fallback.Select(pool, xid)
}

func (b *XIDBalancer) Name() string {
	return config.LoadBalanceXID
}

// ParseXID extracts the coordinator host and port from a transaction id of
// the form host:port:tranId. ok is false when the id has fewer than three
// segments, an empty host, or a non-numeric port.
func ParseXID(xid string) (host string, port int, ok bool) {
	parts := strings.Split(xid, ":")
	if len(parts) < 3 {
		return "", 0, false
	}
	port, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return "", 0, false
	}
	host = strings.Join(parts[:len(parts)-2], ":")
	if host == "" {
		return "", 0, false
	}
	return host, port, true
}
