package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"Xinyu/server/internal/models"
)

// ErrRequestResolved is returned when a transition targets a request that
// is already accepted or rejected.
var ErrRequestResolved = errors.New("social action request already resolved")

// RequestFilter narrows a request listing. Zero fields match everything.
type RequestFilter struct {
	CharacterID string
	Status      models.RequestStatus
}

func (f RequestFilter) match(r models.SocialActionRequest) bool {
	if f.CharacterID != "" && r.CharacterID != f.CharacterID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// RequestStore is the SocialActionRequest collection.
type RequestStore interface {
	Create(ctx context.Context, req *models.SocialActionRequest) error
	Get(ctx context.Context, id string) (*models.SocialActionRequest, error)
	List(ctx context.Context, filter RequestFilter) ([]models.SocialActionRequest, error)
	// Transition moves a pending request to a terminal status.
	Transition(ctx context.Context, id string, status models.RequestStatus) (*models.SocialActionRequest, error)
	DeleteByCharacter(ctx context.Context, characterID string) error
}

func prepareNew(req *models.SocialActionRequest) error {
	if req.CharacterID == "" {
		return fmt.Errorf("character id is required")
	}
	if req.ID == "" {
		req.ID = NewID()
	}
	if req.Status == "" {
		req.Status = models.RequestPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	return nil
}

func checkTransition(current, next models.RequestStatus) error {
	if current.Terminal() {
		return ErrRequestResolved
	}
	if !next.Terminal() {
		return fmt.Errorf("invalid target status: %s", next)
	}
	return nil
}

// KVRequestStore keeps the whole collection under one key.
type KVRequestStore struct {
	kv KV
	mu sync.Mutex
}

func NewKVRequestStore(kv KV) *KVRequestStore {
	return &KVRequestStore{kv: kv}
}

func (s *KVRequestStore) load(ctx context.Context) ([]models.SocialActionRequest, error) {
	var all []models.SocialActionRequest
	err := getJSON(ctx, s.kv, requestsKey, &all)
	if errors.Is(err, ErrNotFound) {
		return []models.SocialActionRequest{}, nil
	}
	return all, err
}

func (s *KVRequestStore) Create(ctx context.Context, req *models.SocialActionRequest) error {
	if err := prepareNew(req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load(ctx)
	if err != nil {
		return err
	}
	all = append(all, *req)
	return setJSON(ctx, s.kv, requestsKey, all)
}

func (s *KVRequestStore) Get(ctx context.Context, id string) (*models.SocialActionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			r := all[i]
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (s *KVRequestStore) List(ctx context.Context, filter RequestFilter) ([]models.SocialActionRequest, error) {
	s.mu.Lock()
	all, err := s.load(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]models.SocialActionRequest, 0, len(all))
	for _, r := range all {
		if filter.match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *KVRequestStore) Transition(ctx context.Context, id string, status models.RequestStatus) (*models.SocialActionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID != id {
			continue
		}
		if err := checkTransition(all[i].Status, status); err != nil {
			return nil, err
		}
		now := time.Now()
		all[i].Status = status
		all[i].ResolvedAt = &now
		if err := setJSON(ctx, s.kv, requestsKey, all); err != nil {
			return nil, err
		}
		r := all[i]
		return &r, nil
	}
	return nil, ErrNotFound
}

func (s *KVRequestStore) DeleteByCharacter(ctx context.Context, characterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load(ctx)
	if err != nil {
		return err
	}
	kept := all[:0]
	for _, r := range all {
		if r.CharacterID != characterID {
			kept = append(kept, r)
		}
	}
	return setJSON(ctx, s.kv, requestsKey, kept)
}
