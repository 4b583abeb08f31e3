package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrRegistryClosed is returned by operations on a closed registry.
var ErrRegistryClosed = errors.New("registry: closed")

// FileRegistry serves the static grouplist from configuration. Register and
// Unregister change the in-memory lists only.
type FileRegistry struct {
	mu       sync.Mutex
	clusters map[string][]Address
	watchers map[string][]chan []Address
	closed   bool
}

// NewFileRegistry parses grouplist, a map of cluster to
// "host:port,host:port".
func NewFileRegistry(grouplist map[string]string) (*FileRegistry, error) {
	r := &FileRegistry{
		clusters: make(map[string][]Address, len(grouplist)),
		watchers: make(map[string][]chan []Address),
	}
	for cluster, list := range grouplist {
		addrs, err := ParseAddressList(list)
		if err != nil {
			return nil, fmt.Errorf("registry: grouplist %s: %w", cluster, err)
		}
		r.clusters[cluster] = addrs
	}
	return r, nil
}

func (r *FileRegistry) Register(_ context.Context, cluster string, addr Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if slices.Contains(r.clusters[cluster], addr) {
		return nil
	}
	r.clusters[cluster] = append(r.clusters[cluster], addr)
	r.notifyLocked(cluster)
	return nil
}

func (r *FileRegistry) Unregister(_ context.Context, cluster string, addr Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	addrs := r.clusters[cluster]
	i := slices.Index(addrs, addr)
	if i < 0 {
		return nil
	}
	r.clusters[cluster] = slices.Delete(slices.Clone(addrs), i, i+1)
	r.notifyLocked(cluster)
	return nil
}

func (r *FileRegistry) Lookup(_ context.Context, cluster string) ([]Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	return slices.Clone(r.clusters[cluster]), nil
}

// Watch emits the current list immediately and then after every change.
// Slow watchers only see the latest list.
func (r *FileRegistry) Watch(ctx context.Context, cluster string) (<-chan []Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	ch := make(chan []Address, 1)
	ch <- slices.Clone(r.clusters[cluster])
	r.watchers[cluster] = append(r.watchers[cluster], ch)

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[cluster]
		if i := slices.Index(ws, ch); i >= 0 {
			r.watchers[cluster] = slices.Delete(ws, i, i+1)
			close(ch)
		}
	}()
	return ch, nil
}

func (r *FileRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for cluster, ws := range r.watchers {
		for _, ch := range ws {
			close(ch)
		}
		delete(r.watchers, cluster)
	}
	return nil
}

func (r *FileRegistry) notifyLocked(cluster string) {
	for _, ch := range r.watchers[cluster] {
		// drop a stale, unread list before sending the new one
		select {
		case <-ch:
		default:
		}
		ch <- slices.Clone(r.clusters[cluster])
	}
}
