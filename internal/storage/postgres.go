package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"neustream/internal/models"
)

const pgOpTimeout = 5 * time.Second

// uniqueViolation is the Postgres SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

// Postgres is the pgx-backed Repository implementation. The active-stream
// ledger's open-once guarantee rests on a partial unique index over live
// rows, so concurrent opens race inside the database rather than in Go.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	ApplicationName string
}

// NewPostgres opens a pooled connection, applies the schema, and returns the
// repository.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &Postgres{pool: pool, now: time.Now}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close drains the pool, honoring the context deadline.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			stream_key TEXT NOT NULL UNIQUE,
			totp_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			totp_secret TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS backup_codes (
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			hash TEXT NOT NULL,
			used BOOLEAN NOT NULL DEFAULT FALSE,
			used_at TIMESTAMPTZ,
			PRIMARY KEY (user_id, hash)
		)`,
		`CREATE TABLE IF NOT EXISTS stream_sources (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			stream_key TEXT NOT NULL UNIQUE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS destinations (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES stream_sources(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			platform TEXT NOT NULL,
			rtmp_url TEXT NOT NULL,
			stream_key TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS active_streams (
			id TEXT PRIMARY KEY,
			source_id TEXT REFERENCES stream_sources(id) ON DELETE SET NULL,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			stream_key TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			destinations_count INTEGER NOT NULL DEFAULT 0
		)`,
		// At most one live ledger row per key; concurrent opens collide here.
		`CREATE UNIQUE INDEX IF NOT EXISTS active_streams_live_key
			ON active_streams (stream_key) WHERE ended_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS active_streams_user
			ON active_streams (user_id) WHERE ended_at IS NULL`,
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), pgOpTimeout)
}

func (p *Postgres) CreateUser(email, password string) (models.User, error) {
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

	ctx, cancel := p.opCtx()
	defer cancel()
	key, err := mintStreamKey(func(candidate string) (bool, error) {
		return p.keyTaken(ctx, candidate)
	})
	if err != nil {
		return models.User{}, err
	}

	user := models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hashed,
		StreamKey:    key,
		CreatedAt:    p.now().UTC(),
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, stream_key, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, user.PasswordHash, user.StreamKey, user.CreatedAt)
	if isUniqueViolation(err) {
		return models.User{}, ErrEmailTaken
	}
	if err != nil {
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (p *Postgres) AuthenticateUser(email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	user, ok := p.FindUserByEmail(email)
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

func (p *Postgres) GetUser(id string) (models.User, bool) {
	user, err := p.queryUser(`WHERE id = $1`, id)
	return user, err == nil
}

func (p *Postgres) FindUserByEmail(email string) (models.User, bool) {
	user, err := p.queryUser(`WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)))
	return user, err == nil
}

func (p *Postgres) FindUserByStreamKey(streamKey string) (models.User, bool) {
	if streamKey == "" {
		return models.User{}, false
	}
	user, err := p.queryUser(`WHERE stream_key = $1`, streamKey)
	return user, err == nil
}

func (p *Postgres) queryUser(where string, arg any) (models.User, error) {
	ctx, cancel := p.opCtx()
	defer cancel()

	var user models.User
	row := p.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, stream_key, totp_enabled, totp_secret, created_at
		 FROM users `+where, arg)
	if err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.StreamKey,
		&user.TOTPEnabled, &user.TOTPSecret, &user.CreatedAt); err != nil {
		return models.User{}, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT hash, used, used_at FROM backup_codes WHERE user_id = $1 ORDER BY hash`,
		user.ID)
	if err != nil {
		return models.User{}, fmt.Errorf("load backup codes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code models.BackupCode
		if err := rows.Scan(&code.Hash, &code.Used, &code.UsedAt); err != nil {
			return models.User{}, fmt.Errorf("scan backup code: %w", err)
		}
		user.BackupCodes = append(user.BackupCodes, code)
	}
	return user, rows.Err()
}

func (p *Postgres) EnableTOTP(userID, secret string, backupHashes []string) (models.User, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET totp_enabled = TRUE, totp_secret = $2 WHERE id = $1`,
			userID, secret)
		if err != nil {
			return fmt.Errorf("enable totp: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return p.replaceBackupCodesTx(ctx, tx, userID, backupHashes)
	})
	if err != nil {
		return models.User{}, err
	}
	user, _ := p.GetUser(userID)
	return user, nil
}

func (p *Postgres) DisableTOTP(userID string) (models.User, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET totp_enabled = FALSE, totp_secret = '' WHERE id = $1`, userID)
		if err != nil {
			return fmt.Errorf("disable totp: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID)
		return err
	})
	if err != nil {
		return models.User{}, err
	}
	user, _ := p.GetUser(userID)
	return user, nil
}

func (p *Postgres) ReplaceBackupCodes(userID string, backupHashes []string) (models.User, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var enabled bool
		if err := tx.QueryRow(ctx,
			`SELECT totp_enabled FROM users WHERE id = $1`, userID).Scan(&enabled); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !enabled {
			return ErrTOTPNotEnabled
		}
		return p.replaceBackupCodesTx(ctx, tx, userID, backupHashes)
	})
	if err != nil {
		return models.User{}, err
	}
	user, _ := p.GetUser(userID)
	return user, nil
}

func (p *Postgres) replaceBackupCodesTx(ctx context.Context, tx pgx.Tx, userID string, hashes []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear backup codes: %w", err)
	}
	for _, hash := range hashes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO backup_codes (user_id, hash) VALUES ($1, $2)`, userID, hash); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}
	return nil
}

// ConsumeBackupCode atomically marks the matching unused code as spent. The
// conditional UPDATE is the single-use guarantee: a second redemption of the
// same code affects zero rows.
func (p *Postgres) ConsumeBackupCode(userID, code string) error {
	digest := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(code))))
	candidate := hex.EncodeToString(digest[:])

	ctx, cancel := p.opCtx()
	defer cancel()

	var enabled bool
	if err := p.pool.QueryRow(ctx,
		`SELECT totp_enabled FROM users WHERE id = $1`, userID).Scan(&enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load user: %w", err)
	}
	if !enabled {
		return ErrTOTPNotEnabled
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE backup_codes SET used = TRUE, used_at = $3
		 WHERE user_id = $1 AND hash = $2 AND used = FALSE`,
		userID, candidate, p.now().UTC())
	if err != nil {
		return fmt.Errorf("consume backup code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBackupCodeInvalid
	}
	return nil
}

func (p *Postgres) CreateSource(userID, name string) (models.StreamSource, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.StreamSource{}, errors.New("source name is required")
	}

	ctx, cancel := p.opCtx()
	defer cancel()
	key, err := mintStreamKey(func(candidate string) (bool, error) {
		return p.keyTaken(ctx, candidate)
	})
	if err != nil {
		return models.StreamSource{}, err
	}

	source := models.StreamSource{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		StreamKey: key,
		Active:    true,
		CreatedAt: p.now().UTC(),
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO stream_sources (id, user_id, name, stream_key, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		source.ID, source.UserID, source.Name, source.StreamKey, source.Active, source.CreatedAt)
	if err != nil {
		return models.StreamSource{}, fmt.Errorf("insert source: %w", err)
	}
	return source, nil
}

func (p *Postgres) ListSources(userID string) []models.StreamSource {
	sources, err := p.querySources(`WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil
	}
	return sources
}

func (p *Postgres) GetSource(id string) (models.StreamSource, bool) {
	sources, err := p.querySources(`WHERE id = $1`, id)
	if err != nil || len(sources) == 0 {
		return models.StreamSource{}, false
	}
	return sources[0], true
}

func (p *Postgres) FindSourceByStreamKey(streamKey string) (models.StreamSource, bool) {
	if streamKey == "" {
		return models.StreamSource{}, false
	}
	sources, err := p.querySources(`WHERE stream_key = $1`, streamKey)
	if err != nil || len(sources) == 0 {
		return models.StreamSource{}, false
	}
	return sources[0], true
}

func (p *Postgres) querySources(where string, arg any) ([]models.StreamSource, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	rows, err := p.pool.Query(ctx,
		`SELECT id, user_id, name, stream_key, active, last_used_at, created_at
		 FROM stream_sources `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()
	var out []models.StreamSource
	for rows.Next() {
		var source models.StreamSource
		if err := rows.Scan(&source.ID, &source.UserID, &source.Name, &source.StreamKey,
			&source.Active, &source.LastUsedAt, &source.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, source)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateSource(id string, update SourceUpdate) (models.StreamSource, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return models.StreamSource{}, errors.New("source name is required")
		}
		if _, err := p.pool.Exec(ctx,
			`UPDATE stream_sources SET name = $2 WHERE id = $1`, id, name); err != nil {
			return models.StreamSource{}, fmt.Errorf("update source: %w", err)
		}
	}
	if update.Active != nil {
		if _, err := p.pool.Exec(ctx,
			`UPDATE stream_sources SET active = $2 WHERE id = $1`, id, *update.Active); err != nil {
			return models.StreamSource{}, fmt.Errorf("update source: %w", err)
		}
	}
	source, ok := p.GetSource(id)
	if !ok {
		return models.StreamSource{}, ErrNotFound
	}
	return source, nil
}

func (p *Postgres) RotateSourceKey(id string) (models.StreamSource, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	key, err := mintStreamKey(func(candidate string) (bool, error) {
		return p.keyTaken(ctx, candidate)
	})
	if err != nil {
		return models.StreamSource{}, err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE stream_sources SET stream_key = $2 WHERE id = $1`, id, key)
	if err != nil {
		return models.StreamSource{}, fmt.Errorf("rotate source key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.StreamSource{}, ErrNotFound
	}
	source, _ := p.GetSource(id)
	return source, nil
}

func (p *Postgres) DeleteSource(id string) error {
	ctx, cancel := p.opCtx()
	defer cancel()
	tag, err := p.pool.Exec(ctx, `DELETE FROM stream_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) TouchSource(id string, at time.Time) error {
	ctx, cancel := p.opCtx()
	defer cancel()
	tag, err := p.pool.Exec(ctx,
		`UPDATE stream_sources SET last_used_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("touch source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateDestination(params CreateDestinationParams) (models.Destination, error) {
	if params.RTMPURL == "" {
		return models.Destination{}, errors.New("rtmp url is required")
	}
	if params.StreamKey == "" {
		return models.Destination{}, errors.New("destination stream key is required")
	}
	source, ok := p.GetSource(params.SourceID)
	if !ok || source.UserID != params.UserID {
		return models.Destination{}, ErrNotFound
	}

	ctx, cancel := p.opCtx()
	defer cancel()
	if taken, err := p.keyTaken(ctx, params.StreamKey); err != nil {
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
		CreatedAt: p.now().UTC(),
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO destinations (id, source_id, user_id, platform, rtmp_url, stream_key, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		dest.ID, dest.SourceID, dest.UserID, string(dest.Platform), dest.RTMPURL,
		dest.StreamKey, dest.Active, dest.CreatedAt)
	if err != nil {
		return models.Destination{}, fmt.Errorf("insert destination: %w", err)
	}
	return dest, nil
}

func (p *Postgres) ListDestinations(sourceID string) []models.Destination {
	dests, err := p.queryDestinations(`WHERE source_id = $1 ORDER BY created_at`, sourceID)
	if err != nil {
		return nil
	}
	return dests
}

func (p *Postgres) ListUserDestinations(userID string) []models.Destination {
	dests, err := p.queryDestinations(`WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil
	}
	return dests
}

func (p *Postgres) GetDestination(id string) (models.Destination, bool) {
	dests, err := p.queryDestinations(`WHERE id = $1`, id)
	if err != nil || len(dests) == 0 {
		return models.Destination{}, false
	}
	return dests[0], true
}

func (p *Postgres) queryDestinations(where string, arg any) ([]models.Destination, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	rows, err := p.pool.Query(ctx,
		`SELECT id, source_id, user_id, platform, rtmp_url, stream_key, active, created_at
		 FROM destinations `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("query destinations: %w", err)
	}
	defer rows.Close()
	var out []models.Destination
	for rows.Next() {
		var dest models.Destination
		var platform string
		if err := rows.Scan(&dest.ID, &dest.SourceID, &dest.UserID, &platform,
			&dest.RTMPURL, &dest.StreamKey, &dest.Active, &dest.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		dest.Platform = models.Platform(platform)
		out = append(out, dest)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateDestination(id string, update DestinationUpdate) (models.Destination, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	if update.Platform != nil {
		platform := models.ParsePlatform(string(*update.Platform))
		if _, err := p.pool.Exec(ctx,
			`UPDATE destinations SET platform = $2 WHERE id = $1`, id, string(platform)); err != nil {
			return models.Destination{}, fmt.Errorf("update destination: %w", err)
		}
	}
	if update.RTMPURL != nil {
		url := strings.TrimRight(strings.TrimSpace(*update.RTMPURL), "/")
		if url == "" {
			return models.Destination{}, errors.New("rtmp url is required")
		}
		if _, err := p.pool.Exec(ctx,
			`UPDATE destinations SET rtmp_url = $2 WHERE id = $1`, id, url); err != nil {
			return models.Destination{}, fmt.Errorf("update destination: %w", err)
		}
	}
	if update.StreamKey != nil {
		if *update.StreamKey == "" {
			return models.Destination{}, errors.New("destination stream key is required")
		}
		if taken, err := p.keyTaken(ctx, *update.StreamKey); err != nil {
			return models.Destination{}, err
		} else if taken {
			return models.Destination{}, ErrDestinationKeyConflict
		}
		if _, err := p.pool.Exec(ctx,
			`UPDATE destinations SET stream_key = $2 WHERE id = $1`, id, *update.StreamKey); err != nil {
			return models.Destination{}, fmt.Errorf("update destination: %w", err)
		}
	}
	if update.Active != nil {
		if _, err := p.pool.Exec(ctx,
			`UPDATE destinations SET active = $2 WHERE id = $1`, id, *update.Active); err != nil {
			return models.Destination{}, fmt.Errorf("update destination: %w", err)
		}
	}
	dest, ok := p.GetDestination(id)
	if !ok {
		return models.Destination{}, ErrNotFound
	}
	return dest, nil
}

func (p *Postgres) DeleteDestination(id string) error {
	ctx, cancel := p.opCtx()
	defer cancel()
	tag, err := p.pool.Exec(ctx, `DELETE FROM destinations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete destination: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TryOpenStream races the conditional insert against the partial unique
// index. A conflicting live row makes the insert return nothing, in which
// case the existing row is fetched and reported as AlreadyOpen.
func (p *Postgres) TryOpenStream(streamKey, userID string, sourceID *string, destinations int) (OpenResult, error) {
	ctx, cancel := p.opCtx()
	defer cancel()

	// Two attempts: the conflicting row may close between insert and fetch.
	for attempt := 0; attempt < 2; attempt++ {
		stream := models.ActiveStream{
			ID:                uuid.NewString(),
			SourceID:          sourceID,
			UserID:            userID,
			StreamKey:         streamKey,
			StartedAt:         p.now().UTC(),
			DestinationsCount: destinations,
		}
		var insertedID string
		err := p.pool.QueryRow(ctx,
			`INSERT INTO active_streams (id, source_id, user_id, stream_key, started_at, destinations_count)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (stream_key) WHERE ended_at IS NULL DO NOTHING
			 RETURNING id`,
			stream.ID, stream.SourceID, stream.UserID, stream.StreamKey,
			stream.StartedAt, stream.DestinationsCount).Scan(&insertedID)
		if err == nil {
			return OpenResult{Stream: stream}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) && !isUniqueViolation(err) {
			return OpenResult{}, fmt.Errorf("open stream: %w", err)
		}

		existing, found, err := p.liveStream(ctx, streamKey)
		if err != nil {
			return OpenResult{}, err
		}
		if found {
			return OpenResult{Stream: existing, AlreadyOpen: true}, nil
		}
	}
	return OpenResult{}, fmt.Errorf("open stream %s: conflicting row vanished twice", streamKey)
}

func (p *Postgres) CloseStream(streamKey string) (models.ActiveStream, bool, error) {
	ctx, cancel := p.opCtx()
	defer cancel()

	var stream models.ActiveStream
	err := p.pool.QueryRow(ctx,
		`UPDATE active_streams SET ended_at = $2,
		   destinations_count = CASE WHEN active_streams.source_id IS NULL
		     THEN destinations_count
		     ELSE (SELECT COUNT(*) FROM destinations d
		           WHERE d.source_id = active_streams.source_id AND d.active) END
		 WHERE stream_key = $1 AND ended_at IS NULL
		 RETURNING id, source_id, user_id, stream_key, started_at, ended_at, destinations_count`,
		streamKey, p.now().UTC()).Scan(&stream.ID, &stream.SourceID, &stream.UserID,
		&stream.StreamKey, &stream.StartedAt, &stream.EndedAt, &stream.DestinationsCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ActiveStream{}, false, nil
	}
	if err != nil {
		return models.ActiveStream{}, false, fmt.Errorf("close stream: %w", err)
	}
	return stream, true, nil
}

func (p *Postgres) IsStreamOpen(streamKey string) (bool, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	_, found, err := p.liveStream(ctx, streamKey)
	return found, err
}

func (p *Postgres) ListActiveStreams(userID string) ([]models.ActiveStream, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	rows, err := p.pool.Query(ctx,
		`SELECT id, source_id, user_id, stream_key, started_at, ended_at, destinations_count
		 FROM active_streams WHERE user_id = $1 AND ended_at IS NULL
		 ORDER BY started_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active streams: %w", err)
	}
	defer rows.Close()
	var out []models.ActiveStream
	for rows.Next() {
		var stream models.ActiveStream
		if err := rows.Scan(&stream.ID, &stream.SourceID, &stream.UserID, &stream.StreamKey,
			&stream.StartedAt, &stream.EndedAt, &stream.DestinationsCount); err != nil {
			return nil, fmt.Errorf("scan active stream: %w", err)
		}
		out = append(out, stream)
	}
	return out, rows.Err()
}

func (p *Postgres) CountActiveStreams(userID string) (int, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM active_streams WHERE user_id = $1 AND ended_at IS NULL`,
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active streams: %w", err)
	}
	return count, nil
}

func (p *Postgres) liveStream(ctx context.Context, streamKey string) (models.ActiveStream, bool, error) {
	var stream models.ActiveStream
	err := p.pool.QueryRow(ctx,
		`SELECT id, source_id, user_id, stream_key, started_at, ended_at, destinations_count
		 FROM active_streams WHERE stream_key = $1 AND ended_at IS NULL`,
		streamKey).Scan(&stream.ID, &stream.SourceID, &stream.UserID, &stream.StreamKey,
		&stream.StartedAt, &stream.EndedAt, &stream.DestinationsCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ActiveStream{}, false, nil
	}
	if err != nil {
		return models.ActiveStream{}, false, fmt.Errorf("load live stream: %w", err)
	}
	return stream, true, nil
}

func (p *Postgres) keyTaken(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM stream_sources WHERE stream_key = $1
			UNION ALL
			SELECT 1 FROM users WHERE stream_key = $1
		)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check stream key: %w", err)
	}
	return exists, nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
