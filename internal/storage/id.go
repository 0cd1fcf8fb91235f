package storage

import "github.com/oklog/ulid/v2"

// NewID returns a sortable unique id.
func NewID() string {
	return ulid.Make().String()
}
