// Package synchronizer mirrors engine output into the collaborator chat
// transcript and contact book.
package synchronizer

import (
	"context"
	"fmt"
	"log/slog"

	"Xinyu/server/internal/detector"
	"Xinyu/server/internal/events"
	"Xinyu/server/internal/infra"
	"Xinyu/server/internal/logging"
	"Xinyu/server/internal/models"
	"Xinyu/server/internal/storage"
)

const contactsLockKey = "\x00contacts"

// Synchronizer reacts to bus events and reconciles on every read, so a
// missed event only delays the collaborator view.
type Synchronizer struct {
	detector *detector.Detector
	turns    *storage.TurnStore
	messages *storage.MessageStore
	contacts *storage.ContactStore
	requests storage.RequestStore
	locks    *infra.KeyedMutex
	lookback int
	logger   *slog.Logger

	subs []*events.Subscription
}

type Option func(*Synchronizer)

// WithLookback sets how many narrator turns a read re-scans.
func WithLookback(n int) Option {
	return func(s *Synchronizer) { s.lookback = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = logging.OrDiscard(l).With("component", "synchronizer") }
}

func New(det *detector.Detector, turns *storage.TurnStore, messages *storage.MessageStore,
	contacts *storage.ContactStore, requests storage.RequestStore, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		detector: det,
		turns:    turns,
		messages: messages,
		contacts: contacts,
		requests: requests,
		locks:    infra.NewKeyedMutex(),
		lookback: 20,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the bus. Stop undoes it.
func (s *Synchronizer) Start(bus *events.Bus) {
	s.subs = append(s.subs,
		bus.Subscribe(s.onNarrative, events.TopicNarrativeProduced),
		bus.Subscribe(s.onAccepted, events.TopicSocialAccepted),
	)
}

func (s *Synchronizer) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Synchronizer) onNarrative(ctx context.Context, e events.Event) {
	n, err := s.SyncText(ctx, e.CharacterID, e.Text)
	if err != nil {
		s.logger.Warn("failed to sync narrative", "character_id", e.CharacterID, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("messages synced", "character_id", e.CharacterID, "count", n)
	}
}

func (s *Synchronizer) onAccepted(ctx context.Context, e events.Event) {
	if _, err := s.addContact(ctx, models.Contact{CharacterID: e.CharacterID, RequestID: e.RequestID}); err != nil {
		s.logger.Warn("failed to add contact", "character_id", e.CharacterID, "request_id", e.RequestID, "error", err)
	}
}

// SyncText extracts channel messages from text and appends those not yet
// synced for characterID. It returns how many were appended.
func (s *Synchronizer) SyncText(ctx context.Context, characterID, text string) (int, error) {
	found := s.detector.ExtractMessages(text)
	if len(found) == 0 {
		return 0, nil
	}

	unlock, err := s.locks.LockContext(ctx, characterID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	return s.appendNew(ctx, characterID, found)
}

func (s *Synchronizer) appendNew(ctx context.Context, characterID string, found []string) (int, error) {
	existing, err := s.messages.List(ctx, characterID)
	if err != nil {
		return 0, fmt.Errorf("failed to list messages: %w", err)
	}
	synced := make(map[string]bool, len(existing))
	for _, m := range existing {
		if m.Synced && m.From == models.SenderCharacter {
			synced[m.Text] = true
		}
	}

	var fresh []models.SyncedMessage
	for _, text := range found {
		if synced[text] {
			continue
		}
		synced[text] = true
		fresh = append(fresh, models.SyncedMessage{From: models.SenderCharacter, Text: text, Synced: true})
	}
	if err := s.messages.Append(ctx, characterID, fresh...); err != nil {
		return 0, fmt.Errorf("failed to append messages: %w", err)
	}
	return len(fresh), nil
}

// Messages re-syncs the recent narrator turns of characterID and returns
// its transcript.
func (s *Synchronizer) Messages(ctx context.Context, characterID string) ([]models.SyncedMessage, error) {
	turns, err := s.turns.List(ctx, characterID)
	if err != nil {
		return nil, err
	}

	var found []string
	scanned := 0
	for i := len(turns) - 1; i >= 0 && scanned < s.lookback; i-- {
		if turns[i].From != models.SpeakerNarrator {
			continue
		}
		scanned++
		// oldest first, so append order matches the transcript
		found = append(s.detector.ExtractMessages(turns[i].Text), found...)
	}

	unlock, err := s.locks.LockContext(ctx, characterID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if len(found) > 0 {
		if n, err := s.appendNew(ctx, characterID, found); err != nil {
			return nil, err
		} else if n > 0 {
			s.logger.Info("messages reconciled", "character_id", characterID, "count", n)
		}
	}
	return s.messages.List(ctx, characterID)
}

// Contacts adds a contact for every accepted request and returns the
// contact book.
func (s *Synchronizer) Contacts(ctx context.Context) ([]models.Contact, error) {
	accepted, err := s.requests.List(ctx, storage.RequestFilter{Status: models.RequestAccepted})
	if err != nil {
		return nil, err
	}
	for _, r := range accepted {
		added, err := s.addContact(ctx, models.Contact{CharacterID: r.CharacterID, RequestID: r.ID})
		if err != nil {
			return nil, err
		}
		if added {
			s.logger.Info("contact reconciled", "character_id", r.CharacterID, "request_id", r.ID)
		}
	}
	return s.contacts.List(ctx)
}

func (s *Synchronizer) addContact(ctx context.Context, c models.Contact) (bool, error) {
	unlock, err := s.locks.LockContext(ctx, contactsLockKey)
	if err != nil {
		return false, err
	}
	defer unlock()
	return s.contacts.Add(ctx, c)
}

// Delete removes everything synced for characterID.
func (s *Synchronizer) Delete(ctx context.Context, characterID string) error {
	unlock, err := s.locks.LockContext(ctx, characterID)
	if err != nil {
		return err
	}
	err = s.messages.Delete(ctx, characterID)
	unlock()
	if err != nil {
		return err
	}

	unlock, err = s.locks.LockContext(ctx, contactsLockKey)
	if err != nil {
		return err
	}
	defer unlock()
	return s.contacts.Remove(ctx, characterID)
}
