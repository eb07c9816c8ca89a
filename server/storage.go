package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"kcfront/auth"
)

// sessionEntry is what the store keeps for one browser session.
type sessionEntry struct {
	attempt    *auth.LoginAttempt
	credential *auth.Credential
	expiresAt  time.Time
}

// InMemoryStore keeps per-session flow state in memory. Entries expire after
// ttl of inactivity; every read or write extends them.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	ttl      time.Duration
	now      func() time.Time
}

var _ auth.SessionStore = (*InMemoryStore)(nil)

// NewInMemoryStore constructs the store.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &InMemoryStore{
		sessions: make(map[string]*sessionEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// NewID generates a random session identifier.
func (s *InMemoryStore) NewID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// lookup returns the live entry for id, dropping it if it has expired.
// Callers hold s.mu.
func (s *InMemoryStore) lookup(id string) *sessionEntry {
	e, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.sessions, id)
		return nil
	}
	e.expiresAt = s.now().Add(s.ttl)
	return e
}

func (s *InMemoryStore) entry(id string) *sessionEntry {
	if e := s.lookup(id); e != nil {
		return e
	}
	e := &sessionEntry{expiresAt: s.now().Add(s.ttl)}
	s.sessions[id] = e
	return e
}

// Touch extends the session's lifetime and reports whether it is still alive.
func (s *InMemoryStore) Touch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(id) != nil
}

// Sweep removes expired sessions and returns how many were dropped.
func (s *InMemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, e := range s.sessions {
		if now.After(e.expiresAt) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Len reports the number of sessions held, expired or not.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *InMemoryStore) LoadAttempt(_ context.Context, id string) (*auth.LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(id)
	if e == nil || e.attempt == nil {
		return nil, nil
	}
	a := *e.attempt
	return &a, nil
}

func (s *InMemoryStore) SaveAttempt(_ context.Context, id string, attempt auth.LoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(id).attempt = &attempt
	return nil
}

func (s *InMemoryStore) DeleteAttempt(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.lookup(id); e != nil {
		e.attempt = nil
	}
	return nil
}

func (s *InMemoryStore) LoadCredential(_ context.Context, id string) (*auth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(id)
	if e == nil || e.credential == nil {
		return nil, nil
	}
	c := *e.credential
	return &c, nil
}

func (s *InMemoryStore) SaveCredential(_ context.Context, id string, cred auth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(id).credential = &cred
	return nil
}

func (s *InMemoryStore) UpdateCredential(_ context.Context, id string, cred auth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(id)
	if e == nil || e.credential == nil {
		return auth.ErrSessionNotFound
	}
	e.credential = &cred
	return nil
}

// Rename moves a live session to a new identifier. It reports false when the
// old session is gone or the new identifier is taken.
func (s *InMemoryStore) Rename(oldID, newID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(oldID)
	if e == nil {
		return false
	}
	if _, taken := s.sessions[newID]; taken {
		return false
	}
	delete(s.sessions, oldID)
	s.sessions[newID] = e
	return true
}

func (s *InMemoryStore) Invalidate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// StartSweeper runs Sweep every interval until stop is closed.
func (s *InMemoryStore) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-stop:
				return
			}
		}
	}()
}
