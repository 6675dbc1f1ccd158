package channel

import (
	"sort"
	"sync"

	"github.com/bytedance/gg/gmap"
)

var (
	defaultRegistry = NewRegistry()

	Get        = defaultRegistry.Get
	Len        = defaultRegistry.Len
	List       = defaultRegistry.List
	Register   = defaultRegistry.Register
	Unregister = defaultRegistry.Unregister
)

// Default is the process-wide registry behind the package-level functions.
func Default() *Registry { return defaultRegistry }

type Registry struct {
	chans map[string]Channel
	mu    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		chans: make(map[string]Channel, 4),
	}
}

func (r *Registry) Register(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chans[ch.ID()] = ch
	return nil
}

func (r *Registry) Get(id string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.chans[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

// List returns registered channels ordered by id.
func (r *Registry) List() []Channel {
	r.mu.RLock()
	out := gmap.ToSlice(
		r.chans,
		func(_ string, v Channel) Channel { return v },
	)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chans)
}

func (r *Registry) Unregister(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chans, id)
}
