package breaker

import (
	"sort"
	"sync"
	"time"
)

// Stats is a point-in-time view of one breaker.
type Stats struct {
	Destination     string     `json:"destination"`
	State           State      `json:"state"`
	Counts          Counts     `json:"counts"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
}

// Registry owns one breaker per destination. It is not shared process-wide;
// whoever constructs it owns the breakers.
type Registry struct {
	cfg       Config
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	listeners []StateChangeListener
}

// NewRegistry creates an empty registry applying cfg to every breaker.
func NewRegistry(cfg Config, listeners ...StateChangeListener) *Registry {
	return &Registry{
		cfg:       cfg,
		breakers:  make(map[string]*CircuitBreaker),
		listeners: listeners,
	}
}

// Get returns the breaker for destination, creating it closed on first use.
func (r *Registry) Get(destination string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[destination]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[destination]; ok {
		return b
	}
	b = New(destination, r.cfg, r.notify)
	r.breakers[destination] = b
	return b
}

// Reset replaces the breaker for destination with a fresh closed one.
func (r *Registry) Reset(destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[destination]; ok {
		r.breakers[destination] = New(destination, r.cfg, r.notify)
	}
}

// Stats returns a snapshot of every known breaker sorted by destination.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		s := Stats{
			Destination: b.Destination(),
			State:       b.State(),
			Counts:      b.Counts(),
		}
		if t := b.LastFailureTime(); !t.IsZero() {
			s.LastFailureTime = &t
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

func (r *Registry) notify(destination string, from, to State) {
	for _, l := range r.listeners {
		l(destination, from, to)
	}
}
