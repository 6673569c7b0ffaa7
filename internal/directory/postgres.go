package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlance-dev/parlance/pkg/types"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// ddlDirectory creates the session and connection tables. Idempotent and safe
// to run on every application start.
const ddlDirectory = `
CREATE TABLE IF NOT EXISTS sessions (
    id              TEXT         PRIMARY KEY,
    speaker_id      TEXT         NOT NULL,
    source_language TEXT         NOT NULL,
    min_stability   DOUBLE PRECISION NOT NULL DEFAULT 0,
    buffer_timeout_ns BIGINT     NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_speaker_id
    ON sessions (speaker_id);

CREATE INDEX IF NOT EXISTS idx_sessions_ended_at
    ON sessions (ended_at);

CREATE TABLE IF NOT EXISTS connections (
    id              TEXT         PRIMARY KEY,
    session_id      TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    role            TEXT         NOT NULL,
    target_language TEXT         NOT NULL DEFAULT '',
    joined_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_connections_session_id
    ON connections (session_id);
`

// PostgresStore persists sessions and connections so operators can audit
// session history and the server can recover state after a restart. It holds
// a single [pgxpool.Pool]; all operations are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the PostgreSQL database at dsn and ensures the
// directory schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("directory store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("directory store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlDirectory); err != nil {
		pool.Close()
		return nil, fmt.Errorf("directory store: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveSession upserts the session row.
func (p *PostgresStore) SaveSession(ctx context.Context, s *Session) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sessions (id, speaker_id, source_language, min_stability, buffer_timeout_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			min_stability = EXCLUDED.min_stability,
			buffer_timeout_ns = EXCLUDED.buffer_timeout_ns`,
		s.ID, s.SpeakerID, s.SourceLanguage,
		s.Tunables.MinStabilityThreshold, int64(s.Tunables.MaxBufferTimeout), s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("directory store: save session %s: %w", s.ID, err)
	}
	return nil
}

// MarkSessionEnded stamps the session's end time.
func (p *PostgresStore) MarkSessionEnded(ctx context.Context, sessionID string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`,
		sessionID, at,
	)
	if err != nil {
		return fmt.Errorf("directory store: end session %s: %w", sessionID, err)
	}
	return nil
}

// SaveConnection upserts the connection row. Retargeting updates the stored
// target language.
func (p *PostgresStore) SaveConnection(ctx context.Context, c *Connection) error {
	role := "listener"
	if c.Role == types.RoleSpeaker {
		role = "speaker"
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO connections (id, session_id, role, target_language, joined_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			target_language = EXCLUDED.target_language`,
		c.ID, c.SessionID, role, c.TargetLanguage, c.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("directory store: save connection %s: %w", c.ID, err)
	}
	return nil
}

// DeleteConnection removes the connection row.
func (p *PostgresStore) DeleteConnection(ctx context.Context, connID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM connections WHERE id = $1`, connID)
	if err != nil {
		return fmt.Errorf("directory store: delete connection %s: %w", connID, err)
	}
	return nil
}

// Ping reports database reachability. Used as a readiness check.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}
