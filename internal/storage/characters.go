package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"Xinyu/server/internal/models"
)

// CharacterStore is the read side of the collaborator character editor,
// plus the writes that editor performs.
type CharacterStore struct {
	kv KV
	mu sync.Mutex // guards the id index
}

func NewCharacterStore(kv KV) *CharacterStore {
	return &CharacterStore{kv: kv}
}

func (s *CharacterStore) Get(ctx context.Context, id string) (*models.Character, error) {
	var c models.Character
	if err := getJSON(ctx, s.kv, characterKeyPrefix+id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *CharacterStore) Put(ctx context.Context, c *models.Character) error {
	if c.ID == "" {
		return fmt.Errorf("character id is required")
	}
	if err := setJSON(ctx, s.kv, characterKeyPrefix+c.ID, c); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.ids(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == c.ID {
			return nil
		}
	}
	ids = append(ids, c.ID)
	sort.Strings(ids)
	return setJSON(ctx, s.kv, characterIndexKey, ids)
}

func (s *CharacterStore) List(ctx context.Context) ([]models.Character, error) {
	s.mu.Lock()
	ids, err := s.ids(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]models.Character, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *CharacterStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.ids(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if err := setJSON(ctx, s.kv, characterIndexKey, kept); err != nil {
		return err
	}
	return s.kv.Delete(ctx, characterKeyPrefix+id)
}

func (s *CharacterStore) ids(ctx context.Context) ([]string, error) {
	var ids []string
	err := getJSON(ctx, s.kv, characterIndexKey, &ids)
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	return ids, err
}

// PlayerStore holds the PlayerIdentity singleton.
type PlayerStore struct {
	kv KV
}

func NewPlayerStore(kv KV) *PlayerStore {
	return &PlayerStore{kv: kv}
}

// Get returns ErrNotFound when no identity was saved yet.
func (s *PlayerStore) Get(ctx context.Context) (*models.PlayerIdentity, error) {
	var p models.PlayerIdentity
	if err := getJSON(ctx, s.kv, playerKey, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PlayerStore) Put(ctx context.Context, p *models.PlayerIdentity) error {
	return setJSON(ctx, s.kv, playerKey, p)
}
