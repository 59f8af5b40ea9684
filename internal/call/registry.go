package call

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dowhatkennydoes/distancedoc-sub001/internal/domain"
)

type registryEntry struct {
	Controller *Controller
	Cancel     context.CancelFunc
}

// Registry is the process-wide index of active call sessions. Each session's
// negotiator owns its transport exclusively; the registry only tracks
// lifecycle so a disconnect can tear the right call down.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.SessionID]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.SessionID]*registryEntry)}
}

func (r *Registry) Bind(sid domain.SessionID, ctl *Controller, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sid] = &registryEntry{Controller: ctl, Cancel: cancel}
	log.Info().Str("module", "call.registry").Str("session", string(sid)).Msg("bound session")
}

func (r *Registry) Get(sid domain.SessionID) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[sid]; ok {
		return e.Controller, true
	}
	return nil, false
}

func (r *Registry) Unbind(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sid)
	log.Info().Str("module", "call.registry").Str("session", string(sid)).Msg("unbound session")
}

// Drop cancels and removes a session, closing its controller.
func (r *Registry) Drop(sid domain.SessionID) bool {
	r.mu.Lock()
	e, ok := r.entries[sid]
	if ok {
		delete(r.entries, sid)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Controller.Close()
	log.Info().Str("module", "call.registry").Str("session", string(sid)).Msg("dropped session")
	return true
}

func (r *Registry) Active() []domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SessionID, 0, len(r.entries))
	for sid := range r.entries {
		out = append(out, sid)
	}
	return out
}
