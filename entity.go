package voxpipe

import "time"

// Entity holds the timestamp fields shared by all persisted voxpipe
// entities. Embed it in entity structs; stores maintain UpdatedAt.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity with both timestamps set to now.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}
