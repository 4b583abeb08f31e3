package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// ConsulRegistry stores each cluster as a consul service; every coordinator
// address is one service instance. Lookup only returns passing instances.
type ConsulRegistry struct {
	client *api.Client
	ttl    time.Duration
	logger *zap.Logger

	mu        sync.Mutex
	instances map[string]string // cluster/addr -> consul service ID
}

// NewConsulRegistry connects to the consul agent at addr.
func NewConsulRegistry(addr string, ttl time.Duration, logger *zap.Logger) (*ConsulRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl < time.Second {
		ttl = 10 * time.Second
	}
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: create consul client: %w", err)
	}
	return &ConsulRegistry{
		client:    cli,
		ttl:       ttl,
		logger:    logger,
		instances: make(map[string]string),
	}, nil
}

func (r *ConsulRegistry) Register(ctx context.Context, cluster string, addr Address) error {
	id := cluster + "-" + uuid.NewString()
	reg := &api.AgentServiceRegistration{
		ID:      id,
		Name:    cluster,
		Address: addr.Host,
		Port:    addr.Port,
		Check: &api.AgentServiceCheck{
			TCP:                            addr.String(),
			Interval:                       (r.ttl / 2).String(),
			DeregisterCriticalServiceAfter: (r.ttl * 6).String(),
		},
	}
	if err := r.client.Agent().ServiceRegisterOpts(reg, api.ServiceRegisterOpts{}.WithContext(ctx)); err != nil {
		return fmt.Errorf("registry: consul register %s: %w", addr, err)
	}

	r.mu.Lock()
	r.instances[cluster+"/"+addr.String()] = id
	r.mu.Unlock()

	r.logger.Info("registered coordinator", zap.String("cluster", cluster),
		zap.Stringer("addr", addr), zap.String("id", id))
	return nil
}

func (r *ConsulRegistry) Unregister(_ context.Context, cluster string, addr Address) error {
	key := cluster + "/" + addr.String()
	r.mu.Lock()
	id, ok := r.instances[key]
	delete(r.instances, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := r.client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("registry: consul deregister %s: %w", addr, err)
	}
	return nil
}

func (r *ConsulRegistry) Lookup(ctx context.Context, cluster string) ([]Address, error) {
	addrs, _, err := r.query(ctx, cluster, 0)
	return addrs, err
}

// Watch long-polls consul with blocking queries and emits the list every
// time the index moves.
func (r *ConsulRegistry) Watch(ctx context.Context, cluster string) (<-chan []Address, error) {
	addrs, index, err := r.query(ctx, cluster, 0)
	if err != nil {
		return nil, err
	}
	ch := make(chan []Address, 1)
	ch <- addrs

	go func() {
		defer close(ch)
		for {
			addrs, next, err := r.query(ctx, cluster, index)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				r.logger.Warn("consul watch query failed", zap.String("cluster", cluster), zap.Error(err))
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			if next == index {
				continue
			}
			index = next
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- addrs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (r *ConsulRegistry) query(ctx context.Context, cluster string, waitIndex uint64) ([]Address, uint64, error) {
	q := (&api.QueryOptions{WaitIndex: waitIndex, WaitTime: 30 * time.Second}).WithContext(ctx)
	entries, meta, err := r.client.Health().Service(cluster, "", true, q)
	if err != nil {
		return nil, waitIndex, fmt.Errorf("registry: consul lookup %s: %w", cluster, err)
	}
	addrs := make([]Address, 0, len(entries))
	for _, e := range entries {
		host := e.Service.Address
		if host == "" {
			host = e.Node.Address
		}
		addrs = append(addrs, NewAddress(host, e.Service.Port))
	}
	return addrs, meta.LastIndex, nil
}

// Close deregisters every instance registered through r.
func (r *ConsulRegistry) Close() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for _, id := range r.instances {
		ids = append(ids, id)
	}
	r.instances = make(map[string]string)
	r.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := r.client.Agent().ServiceDeregister(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
