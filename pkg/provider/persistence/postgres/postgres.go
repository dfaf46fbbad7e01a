// Package postgres provides a PostgreSQL-backed persistence.Store using a
// pgxpool connection pool. Migrate runs automatically on construction so the
// broker can point at an empty database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxbridge/voxbridge/pkg/provider/persistence"
)

var _ persistence.Store = (*Store)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    turn_id          TEXT         PRIMARY KEY,
    session_id       TEXT         NOT NULL,
    user_id          TEXT         NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ  NOT NULL,
    completed_at     TIMESTAMPTZ,
    transcription    TEXT         NOT NULL DEFAULT '',
    response         TEXT         NOT NULL DEFAULT '',
    status           TEXT         NOT NULL,
    error_reason     TEXT         NOT NULL DEFAULT '',
    chunks_sent      INTEGER      NOT NULL DEFAULT 0,
    asr_duration_ns  BIGINT       NOT NULL DEFAULT 0,
    agent_duration_ns BIGINT      NOT NULL DEFAULT 0,
    tts_duration_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turns_session_started
    ON turns (session_id, started_at);

CREATE INDEX IF NOT EXISTS idx_turns_user_id
    ON turns (user_id);
`

const ddlVoiceSettings = `
CREATE TABLE IF NOT EXISTS voice_settings (
    user_id     TEXT         PRIMARY KEY,
    settings    JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Store is a PostgreSQL-backed persistence.Store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool to the database at dsn and runs Migrate.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the turns and voice_settings tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlTurns, ddlVoiceSettings} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}
	return nil
}

// SaveTurn implements persistence.Store.
func (s *Store) SaveTurn(ctx context.Context, turn persistence.TurnRecord) error {
	const q = `
		INSERT INTO turns
		    (turn_id, session_id, user_id, started_at, completed_at,
		     transcription, response, status, error_reason, chunks_sent,
		     asr_duration_ns, agent_duration_ns, tts_duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (turn_id) DO UPDATE SET
		    completed_at     = EXCLUDED.completed_at,
		    transcription    = EXCLUDED.transcription,
		    response         = EXCLUDED.response,
		    status           = EXCLUDED.status,
		    error_reason     = EXCLUDED.error_reason,
		    chunks_sent      = EXCLUDED.chunks_sent,
		    asr_duration_ns  = EXCLUDED.asr_duration_ns,
		    agent_duration_ns = EXCLUDED.agent_duration_ns,
		    tts_duration_ns  = EXCLUDED.tts_duration_ns`

	var completedAt any
	if !turn.CompletedAt.IsZero() {
		completedAt = turn.CompletedAt
	}
	_, err := s.pool.Exec(ctx, q,
		turn.TurnID,
		turn.SessionID,
		turn.UserID,
		turn.StartedAt,
		completedAt,
		turn.Transcription,
		turn.Response,
		turn.Status,
		turn.ErrorReason,
		turn.ChunksSent,
		turn.ASRDuration.Nanoseconds(),
		turn.AgentDuration.Nanoseconds(),
		turn.TTSDuration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres: save turn: %w", err)
	}
	return nil
}

// SessionTurns implements persistence.Store.
func (s *Store) SessionTurns(ctx context.Context, sessionID string) ([]persistence.TurnRecord, error) {
	const q = `
		SELECT turn_id, session_id, user_id, started_at, completed_at,
		       transcription, response, status, error_reason, chunks_sent,
		       asr_duration_ns, agent_duration_ns, tts_duration_ns
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY started_at`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: session turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (persistence.TurnRecord, error) {
		var (
			t           persistence.TurnRecord
			completedAt *time.Time
			asrNS       int64
			agentNS     int64
			ttsNS       int64
		)
		if err := row.Scan(
			&t.TurnID,
			&t.SessionID,
			&t.UserID,
			&t.StartedAt,
			&completedAt,
			&t.Transcription,
			&t.Response,
			&t.Status,
			&t.ErrorReason,
			&t.ChunksSent,
			&asrNS,
			&agentNS,
			&ttsNS,
		); err != nil {
			return persistence.TurnRecord{}, err
		}
		if completedAt != nil {
			t.CompletedAt = *completedAt
		}
		t.ASRDuration = time.Duration(asrNS)
		t.AgentDuration = time.Duration(agentNS)
		t.TTSDuration = time.Duration(ttsNS)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan turns: %w", err)
	}
	if turns == nil {
		turns = []persistence.TurnRecord{}
	}
	return turns, nil
}

// SaveSettings implements persistence.Store.
func (s *Store) SaveSettings(ctx context.Context, rec persistence.SettingsRecord) error {
	const q = `
		INSERT INTO voice_settings (user_id, settings, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    settings   = EXCLUDED.settings,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, rec.UserID, rec.Settings); err != nil {
		return fmt.Errorf("postgres: save settings: %w", err)
	}
	return nil
}

// LoadSettings implements persistence.Store.
func (s *Store) LoadSettings(ctx context.Context, userID string) (persistence.SettingsRecord, error) {
	const q = `
		SELECT user_id, settings, updated_at
		FROM   voice_settings
		WHERE  user_id = $1`

	var rec persistence.SettingsRecord
	err := s.pool.QueryRow(ctx, q, userID).Scan(&rec.UserID, &rec.Settings, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.SettingsRecord{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.SettingsRecord{}, fmt.Errorf("postgres: load settings: %w", err)
	}
	return rec, nil
}

// Close implements persistence.Store.
func (s *Store) Close() {
	s.pool.Close()
}
