// Package session holds the short-lived, OTP-gated pre-authorizations that
// let the media server resolve forwarding configuration without touching the
// datastore. Sessions are deliberately non-durable: a restart degrades every
// stream to the slow resolution path instead of misbehaving.
package session

import (
	"time"

	"neustream/internal/models"
)

// DefaultTTL bounds a streaming session when the caller does not specify one.
const DefaultTTL = 4 * time.Hour

// ForwardTarget is one pre-resolved outbound relay copied into a session at
// creation time. Later edits to the underlying destination rows do not alter
// the snapshot.
type ForwardTarget struct {
	Platform  models.Platform `json:"platform"`
	RTMPURL   string          `json:"rtmpUrl"`
	StreamKey string          `json:"streamKey"`
}

// KeyGrant is the forwarding configuration a session pre-resolves for one
// stream key. SourceID is nil for legacy account-level keys.
type KeyGrant struct {
	SourceID   *string         `json:"sourceId,omitempty"`
	SourceName string          `json:"sourceName,omitempty"`
	Targets    []ForwardTarget `json:"targets"`
}

// Session is one time-boxed pre-authorization covering all of a user's active
// stream keys.
type Session struct {
	ID        string              `json:"id"`
	UserID    string              `json:"userId"`
	CreatedAt time.Time           `json:"createdAt"`
	ExpiresAt time.Time           `json:"expiresAt"`
	Keys      map[string]KeyGrant `json:"keys"`
}

// Valid reports whether the session is usable at the provided instant.
func (s Session) Valid(now time.Time) bool {
	return s.ID != "" && now.Before(s.ExpiresAt)
}

// StreamKeys returns the stream keys covered by the session.
func (s Session) StreamKeys() []string {
	keys := make([]string, 0, len(s.Keys))
	for key := range s.Keys {
		keys = append(keys, key)
	}
	return keys
}

// Store is the contract shared by the in-memory and Redis-backed session
// stores. Get-style lookups must be safe at request frequency.
type Store interface {
	Create(userID string, keys map[string]KeyGrant, ttl time.Duration) (Session, error)
	Get(id string) (Session, bool, error)
	GetByStreamKey(streamKey string) (Session, bool, error)
	ListByUser(userID string) ([]Session, error)
	Revoke(id string) error
	RevokeUser(userID string) (int, error)
	Sweep(now time.Time) (int, error)
}
