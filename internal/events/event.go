// Package events carries engine notifications to in-process subscribers
// and out-of-process collaborators.
package events

import "time"

type Topic string

const (
	TopicNarrativeProduced Topic = "narrative.produced"
	TopicSocialAccepted    Topic = "social.accepted"
	TopicSocialRejected    Topic = "social.rejected"
	TopicFavorUpdated      Topic = "favor.updated"
)

// Event is one notification. Only the fields relevant to Topic are set.
type Event struct {
	Seq         uint64    `json:"seq"`
	Topic       Topic     `json:"topic"`
	CharacterID string    `json:"character_id"`
	Text        string    `json:"text,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Value       *int      `json:"value,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func NarrativeProduced(characterID, text string) Event {
	return Event{Topic: TopicNarrativeProduced, CharacterID: characterID, Text: text}
}

func SocialAccepted(characterID, requestID string) Event {
	return Event{Topic: TopicSocialAccepted, CharacterID: characterID, RequestID: requestID}
}

func SocialRejected(characterID, requestID string) Event {
	return Event{Topic: TopicSocialRejected, CharacterID: characterID, RequestID: requestID}
}

func FavorUpdated(characterID string, value int) Event {
	return Event{Topic: TopicFavorUpdated, CharacterID: characterID, Value: &value}
}

// Publisher is implemented by Bus. Producers depend on this instead of the
// bus itself.
type Publisher interface {
	Publish(e Event)
}

// Nop discards every event.
var Nop Publisher = nopPublisher{}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// OrNop returns p, or Nop if p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop
	}
	return p
}
