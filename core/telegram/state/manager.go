package state

import "sync"

// Manager keeps sessions in memory, one per Key.
type Manager struct {
	mu       sync.RWMutex
	sessions map[Key]*Session
}

// NewManager constructs an empty in-memory Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[Key]*Session)}
}

// Load returns the session for k if one is active.
func (m *Manager) Load(k Key) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[k]
	return s, ok
}

// Store creates or replaces the session for s.Key.
func (m *Manager) Store(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Key] = s
}

// Delete removes the session for k.
func (m *Manager) Delete(k Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, k)
}

// InProgress reports whether k has an active session.
func (m *Manager) InProgress(k Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[k]
	return ok
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
