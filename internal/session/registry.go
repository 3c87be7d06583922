package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session already registered")
	ErrAlreadyBound   = errors.New("session already has a sandbox")
	ErrSandboxOwned   = errors.New("sandbox belongs to another session")
)

// TeardownFunc destroys the sandbox with the given ID.
type TeardownFunc func(ctx context.Context, sandboxID string) error

// Registry maps session IDs to the sandbox each currently owns. The map lock
// is held only for membership changes; binding works on the entry's own lock.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	owners   sync.Map // sandbox ID -> session ID
	teardown TeardownFunc
	log      *zap.Logger
}

type entry struct {
	mu        sync.Mutex
	sandboxID string
	createdAt time.Time
	closed    bool
}

// NewRegistry returns an empty registry. teardown is called for any sandbox
// still bound when its session is unregistered.
func NewRegistry(teardown TeardownFunc, log *zap.Logger) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		teardown: teardown,
		log:      log.Named("registry"),
	}
}

func (r *Registry) get(sessionID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	return e, ok
}

func (r *Registry) Register(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[sessionID]; ok {
		return ErrSessionExists
	}
	r.entries[sessionID] = &entry{createdAt: time.Now()}
	return nil
}

// Bind records sandboxID as the session's sandbox.
func (r *Registry) Bind(sessionID, sandboxID string) error {
	e, ok := r.get(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrUnknownSession
	}
	if e.sandboxID != "" {
		return ErrAlreadyBound
	}
	if owner, loaded := r.owners.LoadOrStore(sandboxID, sessionID); loaded && owner != sessionID {
		return ErrSandboxOwned
	}
	e.sandboxID = sandboxID
	return nil
}

// Unbind clears and returns the session's sandbox ID.
func (r *Registry) Unbind(sessionID string) (string, bool) {
	e, ok := r.get(sessionID)
	if !ok {
		return "", false
	}
	return r.unbind(e)
}

func (r *Registry) unbind(e *entry) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.sandboxID
	if id == "" {
		return "", false
	}
	e.sandboxID = ""
	r.owners.Delete(id)
	return id, true
}

// Lookup returns the session's sandbox ID, if it has one.
func (r *Registry) Lookup(sessionID string) (string, bool) {
	e, ok := r.get(sessionID)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sandboxID, e.sandboxID != ""
}

// Owner returns the session that owns sandboxID.
func (r *Registry) Owner(sandboxID string) (string, bool) {
	v, ok := r.owners.Load(sandboxID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (r *Registry) Has(sessionID string) bool {
	_, ok := r.get(sessionID)
	return ok
}

// Unregister discards the session. A sandbox still bound to it is torn down
// and its ID returned.
func (r *Registry) Unregister(ctx context.Context, sessionID string) (string, bool) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.mu.Unlock()
	if !ok {
		return "", false
	}

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	sandboxID, bound := r.unbind(e)
	if bound && r.teardown != nil {
		if err := r.teardown(ctx, sandboxID); err != nil {
			r.log.Error("tearing down sandbox",
				zap.String("session_id", sessionID),
				zap.String("sandbox_id", sandboxID),
				zap.Error(err))
		}
	}
	return sandboxID, bound
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sessions returns the registered session IDs in sorted order.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Shutdown unregisters every session, tearing down bound sandboxes.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, id := range r.Sessions() {
		r.Unregister(ctx, id)
	}
}
