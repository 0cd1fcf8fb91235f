package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a key or record does not exist.
var ErrNotFound = errors.New("not found")

// KV is the durable key-value contract the engine persists through. Values
// are opaque bytes; repositories store JSON.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

func getJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func setJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Key layout.
const (
	turnsKeyPrefix     = "turns:"
	favorKeyPrefix     = "favor:"
	snapshotKeyPrefix  = "snapshot:"
	messagesKeyPrefix  = "messages:"
	characterKeyPrefix = "character:"
	characterIndexKey  = "characters"
	playerKey          = "player"
	requestsKey        = "social_requests"
	contactsKey        = "contacts"
)
