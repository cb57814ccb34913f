// Package storage persists users, stream sources, forwarding destinations,
// and the active-stream ledger. Two implementations exist: an in-memory
// repository for tests and single-node deployments, and a Postgres repository
// for shared deployments.
package storage

import (
	"context"
	"errors"
	"time"

	"neustream/internal/models"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000

	// streamKeyBytes sizes generated ingest keys before hex encoding.
	streamKeyBytes = 24
	// keyGenerationAttempts bounds collision retries when minting keys.
	keyGenerationAttempts = 10
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrNotFound           = errors.New("not found")
	ErrKeyGeneration      = errors.New("could not generate a unique stream key")
	ErrTOTPNotEnabled     = errors.New("two-factor authentication is not enabled")
	ErrBackupCodeInvalid  = errors.New("backup code is invalid or already used")
	// ErrDestinationKeyConflict rejects an outbound key equal to any ingest
	// key; forwarding to it would push a stream back into its own intake.
	ErrDestinationKeyConflict = errors.New("destination stream key matches an ingest stream key")
)

// CreateDestinationParams describes a new outbound relay target.
type CreateDestinationParams struct {
	SourceID  string
	UserID    string
	Platform  models.Platform
	RTMPURL   string
	StreamKey string
}

// SourceUpdate carries optional field changes for a stream source.
type SourceUpdate struct {
	Name   *string
	Active *bool
}

// DestinationUpdate carries optional field changes for a destination.
type DestinationUpdate struct {
	Platform  *models.Platform
	RTMPURL   *string
	StreamKey *string
	Active    *bool
}

// OpenResult reports the outcome of a conditional ledger insert. When
// AlreadyOpen is true, Stream holds the pre-existing live row.
type OpenResult struct {
	Stream      models.ActiveStream
	AlreadyOpen bool
}

// Repository exposes the datastore operations required by the API handlers
// and the forwarding resolver.
type Repository interface {
	Ping(ctx context.Context) error

	CreateUser(email, password string) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
	GetUser(id string) (models.User, bool)
	FindUserByEmail(email string) (models.User, bool)
	FindUserByStreamKey(streamKey string) (models.User, bool)

	EnableTOTP(userID, secret string, backupHashes []string) (models.User, error)
	DisableTOTP(userID string) (models.User, error)
	ReplaceBackupCodes(userID string, backupHashes []string) (models.User, error)
	ConsumeBackupCode(userID, code string) error

	CreateSource(userID, name string) (models.StreamSource, error)
	ListSources(userID string) []models.StreamSource
	GetSource(id string) (models.StreamSource, bool)
	FindSourceByStreamKey(streamKey string) (models.StreamSource, bool)
	UpdateSource(id string, update SourceUpdate) (models.StreamSource, error)
	RotateSourceKey(id string) (models.StreamSource, error)
	DeleteSource(id string) error
	TouchSource(id string, at time.Time) error

	CreateDestination(params CreateDestinationParams) (models.Destination, error)
	ListDestinations(sourceID string) []models.Destination
	ListUserDestinations(userID string) []models.Destination
	GetDestination(id string) (models.Destination, bool)
	UpdateDestination(id string, update DestinationUpdate) (models.Destination, error)
	DeleteDestination(id string) error

	TryOpenStream(streamKey, userID string, sourceID *string, destinations int) (OpenResult, error)
	CloseStream(streamKey string) (models.ActiveStream, bool, error)
	IsStreamOpen(streamKey string) (bool, error)
	ListActiveStreams(userID string) ([]models.ActiveStream, error)
	CountActiveStreams(userID string) (int, error)
}
