// Package session keeps the ordered turn history of every conversation for
// the lifetime of the process.
package session

import (
	"errors"
	"sync"

	"slackrelay/internal/models"
)

// ErrNotFound is returned when appending to a conversation that was never created.
var ErrNotFound = errors.New("session not found")

// Session is the history of one conversation key.
type Session struct {
	mu    sync.RWMutex
	turns []models.Turn
}

// Turns returns a copy of the history.
func (s *Session) Turns() []models.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) append(turn models.Turn) {
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.mu.Unlock()
}

// Store maps conversation keys to sessions. Entries are never evicted.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for key, seeding a new one with a single
// system turn. The prompt of an existing session is never re-applied.
func (st *Store) GetOrCreate(key, systemPrompt string) *Session {
	st.mu.RLock()
	se, ok := st.sessions[key]
	st.mu.RUnlock()
	if ok {
		return se
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if se, ok := st.sessions[key]; ok {
		return se
	}
	se = &Session{
		turns: []models.Turn{{Role: models.RoleSystem, Content: systemPrompt}},
	}
	st.sessions[key] = se
	return se
}

// AppendTurn adds exactly one turn at the end of the session history.
func (st *Store) AppendTurn(key string, role models.Role, content string) error {
	se := st.get(key)
	if se == nil {
		return ErrNotFound
	}
	se.append(models.Turn{Role: role, Content: content})
	return nil
}

// Snapshot returns a copy of the history for key.
func (st *Store) Snapshot(key string) ([]models.Turn, bool) {
	se := st.get(key)
	if se == nil {
		return nil, false
	}
	return se.Turns(), true
}

// Len returns the number of sessions held.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

func (st *Store) get(key string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[key]
}
