package models

import "time"

// RequestStatus is the lifecycle state of a SocialActionRequest.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestRejected
}

// RequestVisibility holds permission flags chosen by the player. They are
// hidden from the character and never rendered into prompts.
type RequestVisibility struct {
	HideMyMoments    bool `json:"hide_my_moments"`
	HideTheirMoments bool `json:"hide_their_moments"`
}

// SocialActionRequest is an asynchronous cross-channel request, such as a
// contact request sent by the player to a character.
type SocialActionRequest struct {
	ID          string            `gorm:"primaryKey;size:32" json:"id"`
	CharacterID string            `gorm:"index;size:64" json:"character_id"`
	Greeting    string            `gorm:"type:text" json:"greeting"`
	MaskedName  string            `gorm:"size:128" json:"masked_name,omitempty"`
	Remark      string            `gorm:"size:128" json:"remark,omitempty"`
	Visibility  RequestVisibility `gorm:"embedded;embeddedPrefix:visibility_" json:"visibility"`
	Tags        []string          `gorm:"serializer:json" json:"tags,omitempty"`
	Status      RequestStatus     `gorm:"index;size:16" json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

// TableName keeps the gorm table name stable.
func (SocialActionRequest) TableName() string {
	return "social_action_requests"
}

// VisibleRequest is the subset of a request the character may see.
type VisibleRequest struct {
	Greeting   string
	MaskedName string
}

// Visible strips permission flags, tags and remarks.
func (r SocialActionRequest) Visible() VisibleRequest {
	return VisibleRequest{Greeting: r.Greeting, MaskedName: r.MaskedName}
}

// Contact is an entry of the collaborator contact book.
type Contact struct {
	CharacterID string    `json:"character_id"`
	RequestID   string    `json:"request_id"`
	AddedAt     time.Time `json:"added_at"`
}
