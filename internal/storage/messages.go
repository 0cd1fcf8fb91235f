package storage

import (
	"context"
	"errors"
	"time"

	"Xinyu/server/internal/models"
)

// MessageStore is the collaborator chat transcript per character. Writers
// serialize per character themselves.
type MessageStore struct {
	kv KV
}

func NewMessageStore(kv KV) *MessageStore {
	return &MessageStore{kv: kv}
}

func (s *MessageStore) List(ctx context.Context, characterID string) ([]models.SyncedMessage, error) {
	var msgs []models.SyncedMessage
	err := getJSON(ctx, s.kv, messagesKeyPrefix+characterID, &msgs)
	if errors.Is(err, ErrNotFound) {
		return []models.SyncedMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Append adds msgs in order.
func (s *MessageStore) Append(ctx context.Context, characterID string, msgs ...models.SyncedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	existing, err := s.List(ctx, characterID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = NewID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		m.CharacterID = characterID
		existing = append(existing, m)
	}
	return setJSON(ctx, s.kv, messagesKeyPrefix+characterID, existing)
}

func (s *MessageStore) Delete(ctx context.Context, characterID string) error {
	return s.kv.Delete(ctx, messagesKeyPrefix+characterID)
}

// ContactStore is the collaborator contact book.
type ContactStore struct {
	kv KV
}

func NewContactStore(kv KV) *ContactStore {
	return &ContactStore{kv: kv}
}

func (s *ContactStore) List(ctx context.Context) ([]models.Contact, error) {
	var contacts []models.Contact
	err := getJSON(ctx, s.kv, contactsKey, &contacts)
	if errors.Is(err, ErrNotFound) {
		return []models.Contact{}, nil
	}
	return contacts, err
}

// Add inserts a contact unless the character is already present. It
// reports whether a write happened.
func (s *ContactStore) Add(ctx context.Context, c models.Contact) (bool, error) {
	contacts, err := s.List(ctx)
	if err != nil {
		return false, err
	}
	for _, existing := range contacts {
		if existing.CharacterID == c.CharacterID {
			return false, nil
		}
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now()
	}
	contacts = append(contacts, c)
	return true, setJSON(ctx, s.kv, contactsKey, contacts)
}

func (s *ContactStore) Remove(ctx context.Context, characterID string) error {
	contacts, err := s.List(ctx)
	if err != nil {
		return err
	}
	kept := contacts[:0]
	for _, c := range contacts {
		if c.CharacterID != characterID {
			kept = append(kept, c)
		}
	}
	return setJSON(ctx, s.kv, contactsKey, kept)
}
