package models

import (
	"strings"
	"time"
)

// Platform identifies one outbound streaming service a destination pushes to.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformTwitch    Platform = "twitch"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformTwitter   Platform = "twitter"
	PlatformCustom    Platform = "custom"
)

var knownPlatforms = map[Platform]struct{}{
	PlatformYouTube:   {},
	PlatformTwitch:    {},
	PlatformFacebook:  {},
	PlatformInstagram: {},
	PlatformLinkedIn:  {},
	PlatformTwitter:   {},
	PlatformCustom:    {},
}

// ParsePlatform normalises a platform name. Unknown names map to
// PlatformCustom so that new services can be targeted without a schema change.
func ParsePlatform(value string) Platform {
	normalized := Platform(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := knownPlatforms[normalized]; ok {
		return normalized
	}
	return PlatformCustom
}

type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash,omitempty"`
	// StreamKey is the account-level legacy ingest credential issued at
	// registration, before per-source keys existed.
	StreamKey   string       `json:"streamKey,omitempty"`
	TOTPEnabled bool         `json:"totpEnabled"`
	TOTPSecret  string       `json:"totpSecret,omitempty"`
	BackupCodes []BackupCode `json:"backupCodes,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// BackupCode is one single-use recovery credential. Only the SHA-256 digest of
// the plaintext code is retained.
type BackupCode struct {
	Hash   string     `json:"hash"`
	Used   bool       `json:"used"`
	UsedAt *time.Time `json:"usedAt,omitempty"`
}

// StreamSource is one account-owned ingest point. Its stream key is unique
// across every source and every legacy account key in the deployment.
type StreamSource struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Name       string     `json:"name"`
	StreamKey  string     `json:"streamKey"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Destination is one outbound relay target belonging to a source.
type Destination struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"sourceId"`
	UserID    string    `json:"userId"`
	Platform  Platform  `json:"platform"`
	RTMPURL   string    `json:"rtmpUrl"`
	StreamKey string    `json:"streamKey"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// ActiveStream is one live occupancy of a stream key. At most one row per key
// may have a nil EndedAt at any instant; rows are closed, never deleted.
type ActiveStream struct {
	ID                string     `json:"id"`
	SourceID          *string    `json:"sourceId,omitempty"`
	UserID            string     `json:"userId"`
	StreamKey         string     `json:"streamKey"`
	StartedAt         time.Time  `json:"startedAt"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
	DestinationsCount int        `json:"destinationsCount"`
}

// Live reports whether the ledger row is still open.
func (s ActiveStream) Live() bool {
	return s.EndedAt == nil
}
