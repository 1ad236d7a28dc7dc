package pending

import (
	"context"

	"github.com/xraph/delay/id"
)

// Store defines the persistence contract for pending entries.
type Store interface {
	// AddEntry durably persists a new entry. Returns
	// delay.ErrEntryAlreadyExists if (GroupID, MessageID) is taken.
	AddEntry(ctx context.Context, e *Entry) error

	// RemoveEntry deletes the entry if present and reports whether it did.
	// Removing an absent entry is not an error.
	RemoveEntry(ctx context.Context, groupID string, messageID id.MessageID) (bool, error)

	// ListEntries returns every entry of the group, ordered by ReleaseAt.
	ListEntries(ctx context.Context, groupID string) ([]*Entry, error)

	// CountEntries returns the number of entries in the group.
	CountEntries(ctx context.Context, groupID string) (int64, error)
}

// Transactor is implemented by stores able to run several operations in a
// single transaction. When fn returns an error every operation performed
// through tx is rolled back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
