package delay

import "github.com/xraph/delay/id"

// ID is the primary identifier type for delay entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
