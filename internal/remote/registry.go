package remote

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/peterje/expectty/internal/pty"
)

// Hosted describes a PTY a Server is running for a connected client.
type Hosted struct {
	ID      string      `json:"id"`
	Command pty.Command `json:"command"`
	Started time.Time   `json:"started"`
}

type hosted struct {
	Hosted
	backend pty.Backend
}

// registry is the table of PTYs a Server hosts, keyed by session ID.
type registry struct {
	mu   sync.RWMutex
	live map[string]*hosted
}

func newRegistry() *registry {
	return &registry{live: make(map[string]*hosted)}
}

func (r *registry) add(h *hosted) {
	r.mu.Lock()
	r.live[h.ID] = h
	r.mu.Unlock()
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

func (r *registry) get(id string) *hosted {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live[id]
}

// list returns the hosted PTYs, oldest first.
func (r *registry) list() []Hosted {
	r.mu.RLock()
	out := make([]Hosted, 0, len(r.live))
	for _, h := range r.live {
		out = append(out, h.Hosted)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Hosted) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// closeAll closes every hosted backend. Each connection's serve loop
// notices and removes its own entry.
func (r *registry) closeAll() {
	r.mu.RLock()
	backends := make([]pty.Backend, 0, len(r.live))
	for _, h := range r.live {
		backends = append(backends, h.backend)
	}
	r.mu.RUnlock()

	for _, b := range backends {
		_ = b.Close()
	}
}
