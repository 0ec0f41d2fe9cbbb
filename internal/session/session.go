// Package session holds the signed-in user's token and identity.
package session

import (
	"fmt"
	"sync"
)

const metaKey = "session"

// State is the persisted part of a session. A zero State is a guest.
type State struct {
	Token  string `json:"token,omitempty"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Persister is the part of the store sessions are saved in.
type Persister interface {
	SaveMeta(key string, v any) error
	LoadMeta(key string, dst any) (bool, error)
	DeleteMeta(key string) error
}

// Session is safe for concurrent use. With a nil Persister it lives in
// memory only.
type Session struct {
	mu    sync.RWMutex
	state State
	store Persister
}

// New restores the saved session from store, if any.
func New(store Persister) (*Session, error) {
	s := &Session{store: store}
	if store == nil {
		return s, nil
	}
	var st State
	if _, err := store.LoadMeta(metaKey, &st); err != nil {
		return s, fmt.Errorf("loading session: %w", err)
	}
	s.state = st
	return s, nil
}

func (s *Session) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Token() string  { return s.Current().Token }
func (s *Session) UserID() string { return s.Current().UserID }
func (s *Session) Name() string   { return s.Current().Name }

func (s *Session) LoggedIn() bool {
	return s.Token() != ""
}

// Set replaces the session. The in-memory state is updated even when it
// cannot be saved.
func (s *Session) Set(st State) error {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	if err := s.store.SaveMeta(metaKey, st); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (s *Session) Clear() error {
	s.mu.Lock()
	s.state = State{}
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	if err := s.store.DeleteMeta(metaKey); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}
