package models

import "time"

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerPlayer   Speaker = "player"
	SpeakerNarrator Speaker = "narrator"
)

// TurnKind distinguishes spoken lines from described action.
type TurnKind string

const (
	KindSpeech    TurnKind = "speech"
	KindNarration TurnKind = "narration"
)

// Turn is one transcript unit. Turns are never mutated after append.
type Turn struct {
	From      Speaker   `json:"from"`
	Text      string    `json:"text"`
	Kind      TurnKind  `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}
