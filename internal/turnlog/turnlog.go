// Package turnlog persists the conversation record. Every sealed turn is
// appended exactly once to a daily JSON-lines stream and mirrored into a
// per-session JSON document, so the history of a session can be fetched with
// one file read. The log is the broker's source of truth; database mirrors
// are best-effort secondaries.
package turnlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Turn statuses.
const (
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusRejected    = "rejected"
	StatusError       = "error"
)

// ErrNotFound is returned when a requested turn or session has no record.
var ErrNotFound = errors.New("turnlog: not found")

// Turn is one sealed conversation turn.
type Turn struct {
	TurnID        string    `json:"turn_id"`
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
	Transcription string    `json:"transcription,omitempty"`
	Response      string    `json:"response,omitempty"`
	Status        string    `json:"status"`
	ErrorReason   string    `json:"error_reason,omitempty"`
	ChunksSent    int       `json:"chunks_sent"`
	ASRMs         int64     `json:"asr_ms,omitempty"`
	AgentMs       int64     `json:"agent_ms,omitempty"`
	TTSMs         int64     `json:"tts_ms,omitempty"`
	Energy        float64   `json:"energy,omitempty"`
	SpeechRatio   float64   `json:"speech_ratio,omitempty"`
}

// SessionDocument is the per-session mirror, rewritten on every append.
type SessionDocument struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     []Turn    `json:"turns"`
}

// Log is the append-only turn store. Appends are serialized; reads are
// served from an in-memory index and never block behind a write in progress
// on another session. Safe for concurrent use.
type Log struct {
	dir  string
	now  func() time.Time

	mu        sync.RWMutex
	byTurn    map[string]Turn
	bySession map[string][]Turn
}

// New creates a Log rooted at dir, creating dir if needed.
func New(dir string) (*Log, error) {
	if dir == "" {
		return nil, errors.New("turnlog: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("turnlog: create dir: %w", err)
	}
	return &Log{
		dir:       dir,
		now:       time.Now,
		byTurn:    make(map[string]Turn),
		bySession: make(map[string][]Turn),
	}, nil
}

// Append seals a turn into the log. Appending a turn id that is already
// present is a no-op, so retried seals after partial failures stay safe.
func (l *Log) Append(turn Turn) error {
	if turn.TurnID == "" {
		return errors.New("turnlog: turn id must not be empty")
	}
	if turn.SessionID == "" {
		return errors.New("turnlog: session id must not be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.byTurn[turn.TurnID]; dup {
		return nil
	}

	if err := l.appendDaily(turn); err != nil {
		return err
	}

	turns := append(l.bySession[turn.SessionID], turn)
	if err := l.writeSessionDoc(turn.SessionID, turn.UserID, turns); err != nil {
		return err
	}

	l.byTurn[turn.TurnID] = turn
	l.bySession[turn.SessionID] = turns
	return nil
}

// Turn returns the sealed turn with the given id, or ErrNotFound.
func (l *Log) Turn(turnID string) (Turn, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.byTurn[turnID]
	if !ok {
		return Turn{}, ErrNotFound
	}
	return t, nil
}

// SessionTurns returns all sealed turns of a session in append order. When
// the session is not in the in-memory index (e.g. after a restart) the
// per-session document is read from disk.
func (l *Log) SessionTurns(sessionID string) ([]Turn, error) {
	l.mu.RLock()
	turns, ok := l.bySession[sessionID]
	l.mu.RUnlock()
	if ok {
		out := make([]Turn, len(turns))
		copy(out, turns)
		return out, nil
	}

	doc, err := l.readSessionDoc(sessionID)
	if err != nil {
		return nil, err
	}
	return doc.Turns, nil
}

// appendDaily appends the turn as one JSON line to the current day file.
// Day boundaries follow UTC so the file name does not depend on host TZ.
func (l *Log) appendDaily(turn Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("turnlog: marshal turn: %w", err)
	}
	data = append(data, '\n')

	name := fmt.Sprintf("turns_%s.jsonl", l.now().UTC().Format("20060102"))
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("turnlog: open day file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("turnlog: write day file: %w", err)
	}
	return nil
}

// writeSessionDoc rewrites the per-session document atomically via a temp
// file and rename, so readers never observe a torn document.
func (l *Log) writeSessionDoc(sessionID, userID string, turns []Turn) error {
	doc := SessionDocument{
		SessionID: sessionID,
		UserID:    userID,
		UpdatedAt: l.now().UTC(),
		Turns:     turns,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("turnlog: marshal session doc: %w", err)
	}

	final := l.sessionDocPath(sessionID)
	tmp, err := os.CreateTemp(filepath.Dir(final), ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("turnlog: create temp doc: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("turnlog: write temp doc: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("turnlog: close temp doc: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("turnlog: rename session doc: %w", err)
	}
	return nil
}

func (l *Log) readSessionDoc(sessionID string) (SessionDocument, error) {
	data, err := os.ReadFile(l.sessionDocPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return SessionDocument{}, ErrNotFound
	}
	if err != nil {
		return SessionDocument{}, fmt.Errorf("turnlog: read session doc: %w", err)
	}
	var doc SessionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return SessionDocument{}, fmt.Errorf("turnlog: decode session doc: %w", err)
	}
	return doc, nil
}

func (l *Log) sessionDocPath(sessionID string) string {
	// Session ids are broker-generated UUIDs, never client input, so they
	// are safe to use directly as file names.
	return filepath.Join(l.dir, "session_"+sessionID+".json")
}
