package notify

import (
	"log/slog"
	"sync"

	"github.com/quantdesk/memoryd/internal/models"
)

// Event describes something the UI may want to surface.
type Event struct {
	// Kind is one of "memory_extracted", "memory_archived", "cache_warmed".
	Kind        string         `json:"kind"`
	WorkspaceID string         `json:"workspaceId"`
	Memory      *models.Memory `json:"memory,omitempty"`
	Count       int            `json:"count,omitempty"`
}

// Sink receives events. Implementations must not block; slow consumers
// should buffer internally.
type Sink interface {
	Notify(ev Event)
}

// Registry fans events out to registered sinks. Register and Unregister are
// idempotent: registering the same name twice replaces the sink, removing an
// unknown name is a no-op.
type Registry struct {
	mu     sync.RWMutex
	sinks  map[string]Sink
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sinks:  make(map[string]Sink),
		logger: logger,
	}
}

func (r *Registry) Register(name string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = sink
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, name)
}

// Notify delivers the event to every sink. A panicking sink is dropped from
// the registry rather than taking the caller down.
func (r *Registry) Notify(ev Event) {
	r.mu.RLock()
	names := make([]string, 0, len(r.sinks))
	sinks := make([]Sink, 0, len(r.sinks))
	for name, s := range r.sinks {
		names = append(names, name)
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()

	for i, s := range sinks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("notify sink panicked, removing it",
						"sink", names[i], "panic", rec)
					r.Unregister(names[i])
				}
			}()
			s.Notify(ev)
		}()
	}
}
