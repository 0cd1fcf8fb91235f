package storage

import (
	"context"

	"Xinyu/server/internal/models"
)

// FavorStore persists one FavorState per character. Callers serialize
// writes per character.
type FavorStore struct {
	kv KV
}

func NewFavorStore(kv KV) *FavorStore {
	return &FavorStore{kv: kv}
}

// Get returns ErrNotFound when the character was never initialized.
func (s *FavorStore) Get(ctx context.Context, characterID string) (*models.FavorState, error) {
	var state models.FavorState
	if err := getJSON(ctx, s.kv, favorKeyPrefix+characterID, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *FavorStore) Put(ctx context.Context, characterID string, state *models.FavorState) error {
	return setJSON(ctx, s.kv, favorKeyPrefix+characterID, state)
}

func (s *FavorStore) Delete(ctx context.Context, characterID string) error {
	return s.kv.Delete(ctx, favorKeyPrefix+characterID)
}
