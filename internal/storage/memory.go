package storage

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"neustream/internal/models"
)

// Memory is the in-memory Repository implementation. All maps are guarded by
// a single mutex; the active-stream ledger relies on that mutex for its
// open-once guarantee.
type Memory struct {
	mu           sync.RWMutex
	users        map[string]models.User
	sources      map[string]models.StreamSource
	destinations map[string]models.Destination
	streams      map[string]models.ActiveStream
	// openByKey indexes live ledger rows by stream key.
	openByKey map[string]string
	now       func() time.Time
}

// NewMemory constructs an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]models.User),
		sources:      make(map[string]models.StreamSource),
		destinations: make(map[string]models.Destination),
		streams:      make(map[string]models.ActiveStream),
		openByKey:    make(map[string]string),
		now:          time.Now,
	}
}

// Ping always succeeds for the in-memory repository.
func (m *Memory) Ping(context.Context) error { return nil }

// CreateUser registers a new account with a hashed password and a legacy
// account-level stream key.
func (m *Memory) CreateUser(email, password string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return models.User{}, errors.New("a valid email is required")
	}
	if len(password) < 8 {
		return models.User{}, errors.New("password must be at least 8 characters")
	}

	hashed, err := hashPassword(password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, user := range m.users {
		if user.Email == email {
			return models.User{}, ErrEmailTaken
		}
	}
	key, err := mintStreamKey(m.keyTakenLocked)
	if err != nil {
		return models.User{}, err
	}

	user := models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hashed,
		StreamKey:    key,
		CreatedAt:    m.now().UTC(),
	}
	m.users[user.ID] = user
	return user, nil
}

// AuthenticateUser verifies credentials and returns the matching user.
func (m *Memory) AuthenticateUser(email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	user, ok := m.FindUserByEmail(email)
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	return user, nil
}

func (m *Memory) GetUser(id string) (models.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	return user, ok
}

func (m *Memory) FindUserByEmail(email string) (models.User, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, user := range m.users {
		if user.Email == email {
			return user, true
		}
	}
	return models.User{}, false
}

// FindUserByStreamKey matches the legacy account-level key only; per-source
// keys are resolved through FindSourceByStreamKey.
func (m *Memory) FindUserByStreamKey(streamKey string) (models.User, bool) {
	if streamKey == "" {
		return models.User{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, user := range m.users {
		if user.StreamKey == streamKey {
			return user, true
		}
	}
	return models.User{}, false
}

// EnableTOTP stores the shared secret and the hashed backup codes, marking
// the account as two-factor protected.
func (m *Memory) EnableTOTP(userID, secret string, backupHashes []string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return models.User{}, ErrNotFound
	}
	user.TOTPEnabled = true
	user.TOTPSecret = secret
	user.BackupCodes = freshBackupCodes(backupHashes)
	m.users[userID] = user
	return user, nil
}

// DisableTOTP clears the secret and all backup codes.
func (m *Memory) DisableTOTP(userID string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return models.User{}, ErrNotFound
	}
	user.TOTPEnabled = false
	user.TOTPSecret = ""
	user.BackupCodes = nil
	m.users[userID] = user
	return user, nil
}

// ReplaceBackupCodes swaps the full backup code set for a new one.
func (m *Memory) ReplaceBackupCodes(userID string, backupHashes []string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return models.User{}, ErrNotFound
	}
	if !user.TOTPEnabled {
		return models.User{}, ErrTOTPNotEnabled
	}
	user.BackupCodes = freshBackupCodes(backupHashes)
	m.users[userID] = user
	return user, nil
}

// ConsumeBackupCode matches the plaintext code against unused hashes and
// marks the match used. The read-match-mark sequence runs under the write
// lock so a code can never be redeemed twice.
func (m *Memory) ConsumeBackupCode(userID, code string) error {
	digest := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(code))))
	candidate := hex.EncodeToString(digest[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if !user.TOTPEnabled {
		return ErrTOTPNotEnabled
	}
	for i, backup := range user.BackupCodes {
		if backup.Used {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(backup.Hash), []byte(candidate)) == 1 {
			now := m.now().UTC()
			user.BackupCodes[i].Used = true
			user.BackupCodes[i].UsedAt = &now
			m.users[userID] = user
			return nil
		}
	}
	return ErrBackupCodeInvalid
}

// CreateSource mints a named ingest point with a fresh collision-checked key.
func (m *Memory) CreateSource(userID, name string) (models.StreamSource, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.StreamSource{}, errors.New("source name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return models.StreamSource{}, ErrNotFound
	}
	key, err := mintStreamKey(m.keyTakenLocked)
	if err != nil {
		return models.StreamSource{}, err
	}

	source := models.StreamSource{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		StreamKey: key,
		Active:    true,
		CreatedAt: m.now().UTC(),
	}
	m.sources[source.ID] = source
	return source, nil
}

func (m *Memory) ListSources(userID string) []models.StreamSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.StreamSource
	for _, source := range m.sources {
		if source.UserID == userID {
			out = append(out, source)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) GetSource(id string) (models.StreamSource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	source, ok := m.sources[id]
	return source, ok
}

func (m *Memory) FindSourceByStreamKey(streamKey string) (models.StreamSource, bool) {
	if streamKey == "" {
		return models.StreamSource{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, source := range m.sources {
		if source.StreamKey == streamKey {
			return source, true
		}
	}
	return models.StreamSource{}, false
}

func (m *Memory) UpdateSource(id string, update SourceUpdate) (models.StreamSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	source, ok := m.sources[id]
	if !ok {
		return models.StreamSource{}, ErrNotFound
	}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return models.StreamSource{}, errors.New("source name is required")
		}
		source.Name = name
	}
	if update.Active != nil {
		source.Active = *update.Active
	}
	m.sources[id] = source
	return source, nil
}

// RotateSourceKey replaces a source's ingest key. Forwarding sessions created
// against the old key keep their snapshots; new streams need the new key.
func (m *Memory) RotateSourceKey(id string) (models.StreamSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	source, ok := m.sources[id]
	if !ok {
		return models.StreamSource{}, ErrNotFound
	}
	key, err := mintStreamKey(m.keyTakenLocked)
	if err != nil {
		return models.StreamSource{}, err
	}
	source.StreamKey = key
	m.sources[id] = source
	return source, nil
}

// DeleteSource removes the source and its destinations.
func (m *Memory) DeleteSource(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		return ErrNotFound
	}
	delete(m.sources, id)
	for destID, dest := range m.destinations {
		if dest.SourceID == id {
			delete(m.destinations, destID)
		}
	}
	return nil
}

func (m *Memory) TouchSource(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	source, ok := m.sources[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	source.LastUsedAt = &at
	m.sources[id] = source
	return nil
}

// CreateDestination attaches an outbound relay target to a source.
func (m *Memory) CreateDestination(params CreateDestinationParams) (models.Destination, error) {
	if params.RTMPURL == "" {
		return models.Destination{}, errors.New("rtmp url is required")
	}
	if params.StreamKey == "" {
		return models.Destination{}, errors.New("destination stream key is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	source, ok := m.sources[params.SourceID]
	if !ok {
		return models.Destination{}, ErrNotFound
	}
	if source.UserID != params.UserID {
		return models.Destination{}, ErrNotFound
	}
	if taken, err := m.keyTakenLocked(params.StreamKey); err != nil {
		return models.Destination{}, err
	} else if taken {
		return models.Destination{}, ErrDestinationKeyConflict
	}

	dest := models.Destination{
		ID:        uuid.NewString(),
		SourceID:  params.SourceID,
		UserID:    params.UserID,
		Platform:  models.ParsePlatform(string(params.Platform)),
		RTMPURL:   strings.TrimRight(params.RTMPURL, "/"),
		StreamKey: params.StreamKey,
		Active:    true,
		CreatedAt: m.now().UTC(),
	}
	m.destinations[dest.ID] = dest
	return dest, nil
}

// ListDestinations returns a source's destinations ordered by creation time,
// the order forwarding directives are emitted in.
func (m *Memory) ListDestinations(sourceID string) []models.Destination {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Destination
	for _, dest := range m.destinations {
		if dest.SourceID == sourceID {
			out = append(out, dest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) ListUserDestinations(userID string) []models.Destination {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Destination
	for _, dest := range m.destinations {
		if dest.UserID == userID {
			out = append(out, dest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) GetDestination(id string) (models.Destination, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dest, ok := m.destinations[id]
	return dest, ok
}

func (m *Memory) UpdateDestination(id string, update DestinationUpdate) (models.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dest, ok := m.destinations[id]
	if !ok {
		return models.Destination{}, ErrNotFound
	}
	if update.Platform != nil {
		dest.Platform = models.ParsePlatform(string(*update.Platform))
	}
	if update.RTMPURL != nil {
		url := strings.TrimRight(strings.TrimSpace(*update.RTMPURL), "/")
		if url == "" {
			return models.Destination{}, errors.New("rtmp url is required")
		}
		dest.RTMPURL = url
	}
	if update.StreamKey != nil {
		if *update.StreamKey == "" {
			return models.Destination{}, errors.New("destination stream key is required")
		}
		if taken, err := m.keyTakenLocked(*update.StreamKey); err != nil {
			return models.Destination{}, err
		} else if taken {
			return models.Destination{}, ErrDestinationKeyConflict
		}
		dest.StreamKey = *update.StreamKey
	}
	if update.Active != nil {
		dest.Active = *update.Active
	}
	m.destinations[id] = dest
	return dest, nil
}

func (m *Memory) DeleteDestination(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.destinations[id]; !ok {
		return ErrNotFound
	}
	delete(m.destinations, id)
	return nil
}

// TryOpenStream inserts a ledger row for the key unless one is already live.
// The check and insert share the repository mutex, so exactly one of any
// number of concurrent callers opens the stream.
func (m *Memory) TryOpenStream(streamKey, userID string, sourceID *string, destinations int) (OpenResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existingID, ok := m.openByKey[streamKey]; ok {
		return OpenResult{Stream: m.streams[existingID], AlreadyOpen: true}, nil
	}
	stream := models.ActiveStream{
		ID:                uuid.NewString(),
		SourceID:          sourceID,
		UserID:            userID,
		StreamKey:         streamKey,
		StartedAt:         m.now().UTC(),
		DestinationsCount: destinations,
	}
	m.streams[stream.ID] = stream
	m.openByKey[streamKey] = stream.ID
	return OpenResult{Stream: stream}, nil
}

// CloseStream stamps ended_at on the live row for the key and snapshots the
// count of destinations active at close time, so later destination edits do
// not rewrite history. The second return is false when no row was live, which
// callers treat as an idempotent no-op.
func (m *Memory) CloseStream(streamKey string) (models.ActiveStream, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.openByKey[streamKey]
	if !ok {
		return models.ActiveStream{}, false, nil
	}
	stream := m.streams[id]
	ended := m.now().UTC()
	stream.EndedAt = &ended
	if stream.SourceID != nil {
		count := 0
		for _, dest := range m.destinations {
			if dest.SourceID == *stream.SourceID && dest.Active {
				count++
			}
		}
		stream.DestinationsCount = count
	}
	m.streams[id] = stream
	delete(m.openByKey, streamKey)
	return stream, true, nil
}

func (m *Memory) IsStreamOpen(streamKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.openByKey[streamKey]
	return ok, nil
}

// ListActiveStreams returns the user's live streams, oldest first.
func (m *Memory) ListActiveStreams(userID string) ([]models.ActiveStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ActiveStream
	for _, id := range m.openByKey {
		stream := m.streams[id]
		if stream.UserID == userID {
			out = append(out, stream)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) CountActiveStreams(userID string) (int, error) {
	streams, err := m.ListActiveStreams(userID)
	if err != nil {
		return 0, err
	}
	return len(streams), nil
}

// keyTakenLocked reports whether a candidate key exists on any source or any
// legacy user key. Callers must hold the mutex.
func (m *Memory) keyTakenLocked(key string) (bool, error) {
	for _, source := range m.sources {
		if source.StreamKey == key {
			return true, nil
		}
	}
	for _, user := range m.users {
		if user.StreamKey == key {
			return true, nil
		}
	}
	return false, nil
}

func freshBackupCodes(hashes []string) []models.BackupCode {
	codes := make([]models.BackupCode, len(hashes))
	for i, hash := range hashes {
		codes[i] = models.BackupCode{Hash: hash}
	}
	return codes
}
