package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Xinyu/server/internal/infra"
	"Xinyu/server/internal/models"
)

// TurnStore is the append-only per-character transcript.
type TurnStore struct {
	kv    KV
	locks *infra.KeyedMutex
}

func NewTurnStore(kv KV) *TurnStore {
	return &TurnStore{kv: kv, locks: infra.NewKeyedMutex()}
}

// Append adds turn to the end of the transcript and returns the new
// turn count.
func (s *TurnStore) Append(ctx context.Context, characterID string, turn models.Turn) (int, error) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	unlock := s.locks.Lock(characterID)
	defer unlock()

	turns, err := s.List(ctx, characterID)
	if err != nil {
		return 0, err
	}
	turns = append(turns, turn)
	if err := setJSON(ctx, s.kv, turnsKeyPrefix+characterID, turns); err != nil {
		return 0, fmt.Errorf("failed to append turn: %w", err)
	}
	return len(turns), nil
}

// List returns the full transcript, oldest first. A character without
// turns yields an empty slice.
func (s *TurnStore) List(ctx context.Context, characterID string) ([]models.Turn, error) {
	var turns []models.Turn
	err := getJSON(ctx, s.kv, turnsKeyPrefix+characterID, &turns)
	if errors.Is(err, ErrNotFound) {
		return []models.Turn{}, nil
	}
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// Recent returns at most n trailing turns.
func (s *TurnStore) Recent(ctx context.Context, characterID string, n int) ([]models.Turn, error) {
	turns, err := s.List(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

func (s *TurnStore) Count(ctx context.Context, characterID string) (int, error) {
	turns, err := s.List(ctx, characterID)
	if err != nil {
		return 0, err
	}
	return len(turns), nil
}

// Clear drops the whole transcript. It is the only operation that shrinks
// it and is reserved for an explicit "clear history" action or character
// deletion.
func (s *TurnStore) Clear(ctx context.Context, characterID string) error {
	unlock := s.locks.Lock(characterID)
	defer unlock()
	return s.kv.Delete(ctx, turnsKeyPrefix+characterID)
}
