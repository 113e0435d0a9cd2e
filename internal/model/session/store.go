package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrClientRequired  = errors.New("client id is required")
)

// Store exposes session bookkeeping for the lifecycle manager.
type Store interface {
	Create(clientID, ownerKey string) (Session, error)
	Get(id string) (Session, bool)
	UpdateStatus(id string, status Status, patch Patch) (Session, error)
	Remove(id string) (Session, bool)
	RemoveIf(id string, cond func(Session) bool) (Session, bool)
	List() []Session
	Snapshot() Stats
}

// MemoryStore implements Store with a mutex guarded map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create provisions a pending session owned by clientID.
func (s *MemoryStore) Create(clientID, ownerKey string) (Session, error) {
	if clientID == "" {
		return Session{}, ErrClientRequired
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	for {
		if _, taken := s.sessions[id]; !taken {
			break
		}
		id = uuid.NewString()
	}

	sess := Session{
		ID:           id,
		ClientID:     clientID,
		OwnerKey:     ownerKey,
		Status:       StatusPending,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.sessions[id] = sess
	return sess, nil
}

// Get returns a copy of the session.
func (s *MemoryStore) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// UpdateStatus is the only mutator. It applies the patch, sets the status and
// bumps LastActivity. Authenticated and DriverActive are re-derived from the
// status so they cannot drift from it.
func (s *MemoryStore) UpdateStatus(id string, status Status, patch Patch) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	if patch.QRPayload != nil {
		sess.QRPayload = *patch.QRPayload
	}
	if patch.QRImage != nil {
		sess.QRImage = *patch.QRImage
	}
	if patch.IdentityHint != nil {
		sess.IdentityHint = *patch.IdentityHint
	}
	if patch.Simulated != nil {
		sess.Simulated = *patch.Simulated
	}
	if patch.DriverActive != nil {
		sess.DriverActive = *patch.DriverActive
	}

	sess.Status = status
	sess.Authenticated = status == StatusAuthenticated
	if !status.HoldsDriver() {
		sess.DriverActive = false
	}
	if status == StatusQRExpired {
		sess.QRPayload = ""
		sess.QRImage = ""
	}
	sess.LastActivity = s.now()

	s.sessions[id] = sess
	return sess, nil
}

// Remove deletes the session and reports whether it existed.
func (s *MemoryStore) Remove(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	return sess, ok
}

// RemoveIf deletes the session only when cond holds for its current state.
func (s *MemoryStore) RemoveIf(id string, cond func(Session) bool) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !cond(sess) {
		return Session{}, false
	}
	delete(s.sessions, id)
	return sess, true
}

// List returns all sessions ordered by creation time.
func (s *MemoryStore) List() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Snapshot counts sessions per status.
func (s *MemoryStore) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Total: len(s.sessions)}
	for _, sess := range s.sessions {
		switch sess.Status {
		case StatusAuthenticated:
			stats.Authenticated++
		case StatusPending:
			stats.Pending++
		case StatusQRReady:
			stats.QRReady++
		case StatusConnecting:
			stats.Connecting++
		}
	}
	return stats
}
