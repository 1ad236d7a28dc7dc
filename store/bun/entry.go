package bunstore

import (
	"context"
	"fmt"

	"github.com/xraph/delay"
	"github.com/xraph/delay/id"
	"github.com/xraph/delay/pending"
)

// AddEntry persists a new pending entry.
func (s *Store) AddEntry(ctx context.Context, e *pending.Entry) error {
	_, err := s.idb.NewInsert().Model(toEntryModel(e)).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return delay.ErrEntryAlreadyExists
		}
		return fmt.Errorf("delay/bun: add entry: %w", err)
	}
	return nil
}

// RemoveEntry deletes an entry and reports whether a row was removed.
func (s *Store) RemoveEntry(ctx context.Context, groupID string, messageID id.MessageID) (bool, error) {
	res, err := s.idb.NewDelete().
		Model((*entryModel)(nil)).
		Where("group_id = ?", groupID).
		Where("message_id = ?", messageID.String()).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("delay/bun: remove entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delay/bun: remove entry rows affected: %w", err)
	}
	return n > 0, nil
}

// ListEntries returns every entry of the group ordered by release_at.
func (s *Store) ListEntries(ctx context.Context, groupID string) ([]*pending.Entry, error) {
	var models []entryModel
	err := s.idb.NewSelect().
		Model(&models).
		Where("group_id = ?", groupID).
		OrderExpr("release_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("delay/bun: list entries: %w", err)
	}

	entries := make([]*pending.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromEntryModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CountEntries returns the number of entries in the group.
func (s *Store) CountEntries(ctx context.Context, groupID string) (int64, error) {
	n, err := s.idb.NewSelect().
		Model((*entryModel)(nil)).
		Where("group_id = ?", groupID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("delay/bun: count entries: %w", err)
	}
	return int64(n), nil
}
