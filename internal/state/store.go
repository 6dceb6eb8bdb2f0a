// internal/state/store.go
package state

import (
	"context"
	"errors"
	"fmt"

	"coach-bot/internal/db"
	"coach-bot/internal/locks"
	"coach-bot/internal/models"
)

// ErrNotFound is returned by Get/Merge when the user was never initialized.
var ErrNotFound = errors.New("user state not found")

// Store is the only read/write path for user conversation state. Merge runs
// under a per-user critical section so concurrent partial updates never lose
// writes against each other.
type Store struct {
	db    db.Store
	locks *locks.Map[int64]
}

func NewStore(database db.Store) *Store {
	return &Store{
		db:    database,
		locks: locks.NewMap[int64](),
	}
}

// Get returns the user's current state and a copy of the payload.
func (s *Store) Get(ctx context.Context, userID int64) (State, map[string]interface{}, error) {
	row, err := s.db.GetUserState(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Unset, nil, ErrNotFound
		}
		return Unset, nil, fmt.Errorf("failed to read user state: %w", err)
	}
	return State(row.State), row.Payload, nil
}

// Init creates the state row in Unset if the user has none yet.
func (s *Store) Init(ctx context.Context, userID int64) error {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	_, err := s.db.GetUserState(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("failed to read user state: %w", err)
	}

	return s.db.PutUserState(ctx, &models.UserState{
		UserID:  userID,
		State:   string(Unset),
		Payload: map[string]interface{}{},
	})
}

// Set replaces both the state and the payload atomically.
func (s *Store) Set(ctx context.Context, userID int64, st State, payload map[string]interface{}) error {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	if payload == nil {
		payload = map[string]interface{}{}
	}
	if err := s.db.PutUserState(ctx, &models.UserState{
		UserID:  userID,
		State:   string(st),
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("failed to write user state: %w", err)
	}
	return nil
}

// Merge applies a partial payload update, preserving the current state. Keys
// present in patch overwrite, a nil patch value deletes the key, absent keys
// are untouched. Idempotent for a fixed patch.
func (s *Store) Merge(ctx context.Context, userID int64, patch map[string]interface{}) error {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	row, err := s.db.GetUserState(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read user state: %w", err)
	}

	for k, v := range patch {
		if v == nil {
			delete(row.Payload, k)
			continue
		}
		row.Payload[k] = v
	}

	if err := s.db.PutUserState(ctx, row); err != nil {
		return fmt.Errorf("failed to write user state: %w", err)
	}
	return nil
}
