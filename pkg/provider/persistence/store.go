// Package persistence defines the durable mirror for conversation turns and
// per-user voice settings. The broker's source of truth is the append-only
// turn log on local disk; a persistence store is an optional secondary sink
// that makes turns queryable across broker restarts and hosts.
//
// Implementations must be safe for concurrent use.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("persistence: not found")

// TurnRecord is the durable form of one conversation turn.
type TurnRecord struct {
	TurnID        string
	SessionID     string
	UserID        string
	StartedAt     time.Time
	CompletedAt   time.Time
	Transcription string
	Response      string
	Status        string // "completed", "interrupted", "rejected", "error"
	ErrorReason   string
	ChunksSent    int
	ASRDuration   time.Duration
	AgentDuration time.Duration
	TTSDuration   time.Duration
}

// SettingsRecord stores a user's last acknowledged voice settings as an
// opaque JSON document so schema changes in the settings payload do not
// require migrations.
type SettingsRecord struct {
	UserID    string
	Settings  []byte // JSON
	UpdatedAt time.Time
}

// Store mirrors turns and voice settings to durable storage.
type Store interface {
	// SaveTurn upserts a turn by TurnID. Re-saving the same turn after a
	// status change (e.g. once streaming finishes) overwrites the record.
	SaveTurn(ctx context.Context, turn TurnRecord) error

	// SessionTurns returns all turns for a session ordered by start time.
	SessionTurns(ctx context.Context, sessionID string) ([]TurnRecord, error)

	// SaveSettings upserts the voice settings for a user.
	SaveSettings(ctx context.Context, rec SettingsRecord) error

	// LoadSettings returns the stored settings for a user, or ErrNotFound.
	LoadSettings(ctx context.Context, userID string) (SettingsRecord, error)

	// Close releases underlying resources.
	Close()
}
