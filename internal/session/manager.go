package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/language"
)

// ErrTooManySessions is returned by Open when MaxSessions are connected.
var ErrTooManySessions = errors.New("too many sessions")

// Manager tracks the sessions that are currently open.
type Manager struct {
	deps Deps
	opts Options
	log  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(deps Deps, opts Options) *Manager {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Manager{
		deps:     deps,
		opts:     opts,
		log:      deps.Log.Named("sessions"),
		sessions: make(map[string]*Session),
	}
}

// Languages returns the language table sessions run against.
func (m *Manager) Languages() *language.Table { return m.deps.Languages }

// Open starts a new session and registers it. The session lives until it is
// closed or receives Disconnect.
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	id := uuid.NewString()
	if err := m.deps.Registry.Register(id); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	deps := m.deps
	deps.Log = m.log
	s := newSession(id, deps, m.opts)
	m.sessions[id] = s
	m.mu.Unlock()

	m.deps.Metrics.SessionOpened()
	m.log.Info("session opened", zap.String("session_id", id))

	go s.run()
	go func() {
		<-s.Done()
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}()
	return s, nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close disconnects the session and waits for its teardown.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	return s.Close(ctx)
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IDs returns the open session IDs in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Shutdown closes every session concurrently, then destroys any sandbox the
// registry still knows about.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(open))
	for i, s := range open {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			errs[i] = s.Close(ctx)
		}(i, s)
	}
	wg.Wait()

	m.deps.Registry.Shutdown(context.WithoutCancel(ctx))
	m.log.Info("sessions shut down", zap.Int("closed", len(open)))
	return errors.Join(errs...)
}
