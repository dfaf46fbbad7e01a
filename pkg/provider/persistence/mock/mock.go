// Package mock provides an in-memory persistence.Store for tests.
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/provider/persistence"
)

// Store is an in-memory test double for persistence.Store. The zero value is
// ready to use. Set Err to force every method to fail.
type Store struct {
	Err error

	mu       sync.Mutex
	turns    map[string]persistence.TurnRecord
	settings map[string]persistence.SettingsRecord
	closed   bool
}

var _ persistence.Store = (*Store)(nil)

// SaveTurn implements persistence.Store.
func (s *Store) SaveTurn(_ context.Context, turn persistence.TurnRecord) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turns == nil {
		s.turns = map[string]persistence.TurnRecord{}
	}
	s.turns[turn.TurnID] = turn
	return nil
}

// SessionTurns implements persistence.Store.
func (s *Store) SessionTurns(_ context.Context, sessionID string) ([]persistence.TurnRecord, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []persistence.TurnRecord{}
	for _, t := range s.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// SaveSettings implements persistence.Store.
func (s *Store) SaveSettings(_ context.Context, rec persistence.SettingsRecord) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		s.settings = map[string]persistence.SettingsRecord{}
	}
	s.settings[rec.UserID] = rec
	return nil
}

// LoadSettings implements persistence.Store.
func (s *Store) LoadSettings(_ context.Context, userID string) (persistence.SettingsRecord, error) {
	if s.Err != nil {
		return persistence.SettingsRecord{}, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.settings[userID]
	if !ok {
		return persistence.SettingsRecord{}, persistence.ErrNotFound
	}
	return rec, nil
}

// Close implements persistence.Store.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
