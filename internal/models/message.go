package models

import "time"

// MessageSender identifies the author of a collaborator transcript entry.
type MessageSender string

const (
	SenderCharacter MessageSender = "character"
	SenderPlayer    MessageSender = "player"
)

// SyncedMessage is an entry of the collaborator chat transcript. Synced
// marks entries that were extracted from narration, so they are never
// inserted twice.
type SyncedMessage struct {
	ID          string        `json:"id"`
	CharacterID string        `json:"character_id"`
	From        MessageSender `json:"from"`
	Text        string        `json:"text"`
	Synced      bool          `json:"synced"`
	CreatedAt   time.Time     `json:"created_at"`
}
