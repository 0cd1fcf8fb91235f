package models

import "time"

// SceneStatus describes one visible character in the current scene.
type SceneStatus struct {
	Name         string   `json:"name"`
	Time         string   `json:"time"`
	Outfit       string   `json:"outfit"`
	Mood         string   `json:"mood"`
	Action       string   `json:"action"`
	InnerThought string   `json:"inner_thought"`
	Schedule     []string `json:"schedule,omitempty"`
}

// SnapshotEntry is the single cached scene status of a character.
type SnapshotEntry struct {
	Fingerprint string        `json:"fingerprint"`
	Statuses    []SceneStatus `json:"statuses"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
