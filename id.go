package voxpipe

import "github.com/voxpipe/voxpipe/id"

// ID is the primary identifier type for all voxpipe entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
