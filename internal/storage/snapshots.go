package storage

import (
	"context"

	"Xinyu/server/internal/models"
)

// SnapshotStore holds the single live scene-status entry per character.
type SnapshotStore struct {
	kv KV
}

func NewSnapshotStore(kv KV) *SnapshotStore {
	return &SnapshotStore{kv: kv}
}

func (s *SnapshotStore) Get(ctx context.Context, characterID string) (*models.SnapshotEntry, error) {
	var entry models.SnapshotEntry
	if err := getJSON(ctx, s.kv, snapshotKeyPrefix+characterID, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SnapshotStore) Put(ctx context.Context, characterID string, entry *models.SnapshotEntry) error {
	return setJSON(ctx, s.kv, snapshotKeyPrefix+characterID, entry)
}

func (s *SnapshotStore) Delete(ctx context.Context, characterID string) error {
	return s.kv.Delete(ctx, snapshotKeyPrefix+characterID)
}
