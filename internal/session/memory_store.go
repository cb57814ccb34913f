package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrInvalidUser indicates a session was requested for an empty user ID.
var ErrInvalidUser = errors.New("session: user id is required")

// MemoryStore keeps sessions in process memory with a secondary index from
// stream key to session ID so the forwarding hot path stays a pair of map
// lookups.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	byKey    map[string]string
	now      func() time.Time
}

// NewMemoryStore constructs an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		byKey:    make(map[string]string),
		now:      time.Now,
	}
}

// Create registers a new session covering the provided key grants. A key
// already claimed by another live session is rebound to the new one; the
// previous binding is dropped so lookups never resolve a stale grant.
func (s *MemoryStore) Create(userID string, keys map[string]KeyGrant, ttl time.Duration) (Session, error) {
	if userID == "" {
		return Session{}, ErrInvalidUser
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := s.now()
	sess := Session{
		ID:        newSessionID(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Keys:      cloneGrants(keys),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	for key := range sess.Keys {
		s.byKey[key] = sess.ID
	}
	return sess, nil
}

// Get returns the session with the given ID if it exists and has not expired.
func (s *MemoryStore) Get(id string) (Session, bool, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || !sess.Valid(s.now()) {
		return Session{}, false, nil
	}
	return sess, true, nil
}

// GetByStreamKey resolves the live session covering the given stream key.
func (s *MemoryStore) GetByStreamKey(streamKey string) (Session, bool, error) {
	s.mu.RLock()
	id, ok := s.byKey[streamKey]
	var sess Session
	if ok {
		sess, ok = s.sessions[id]
	}
	s.mu.RUnlock()
	if !ok || !sess.Valid(s.now()) {
		return Session{}, false, nil
	}
	return sess, true, nil
}

// ListByUser returns the user's live sessions in unspecified order.
func (s *MemoryStore) ListByUser(userID string) ([]Session, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Valid(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// Revoke removes a single session and its key bindings. Revoking an unknown
// ID is not an error.
func (s *MemoryStore) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(id)
	return nil
}

// RevokeUser removes every session belonging to the user and reports how many
// were dropped.
func (s *MemoryStore) RevokeUser(userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			s.dropLocked(id)
			count++
		}
	}
	return count, nil
}

// Sweep removes sessions that expired at or before now and reports the count.
func (s *MemoryStore) Sweep(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			s.dropLocked(id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) dropLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	for key := range sess.Keys {
		// Only clear index entries still pointing at this session; a
		// rebound key belongs to its newer session.
		if s.byKey[key] == id {
			delete(s.byKey, key)
		}
	}
	delete(s.sessions, id)
}

func cloneGrants(keys map[string]KeyGrant) map[string]KeyGrant {
	out := make(map[string]KeyGrant, len(keys))
	for key, grant := range keys {
		targets := make([]ForwardTarget, len(grant.Targets))
		copy(targets, grant.Targets)
		grant.Targets = targets
		out[key] = grant
	}
	return out
}

func newSessionID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
