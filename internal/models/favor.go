package models

import "time"

const (
	FavorMin = 0
	FavorMax = 100
)

// FavorRecord is one entry of the favor history.
type FavorRecord struct {
	Value     int       `json:"value"`
	Delta     int       `json:"delta"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// FavorState is the private relationship score of a character toward the
// player. Value is always within [FavorMin, FavorMax].
type FavorState struct {
	Value      int           `json:"value"`
	LastUpdate time.Time     `json:"last_update"`
	History    []FavorRecord `json:"history,omitempty"`

	// Descriptor is the last generated disposition text and the value it
	// was generated for.
	Descriptor      string `json:"descriptor,omitempty"`
	DescriptorValue int    `json:"descriptor_value,omitempty"`
}
