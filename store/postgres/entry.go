package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/delay"
	"github.com/xraph/delay/id"
	"github.com/xraph/delay/message"
	"github.com/xraph/delay/pending"
)

const entryColumns = `
	group_id, message_id, payload, headers, message_ts,
	criterion_kind, delay_ms, requested_at, release_instant,
	release_at, created_at`

// AddEntry persists a new pending entry.
func (s *Store) AddEntry(ctx context.Context, e *pending.Entry) error {
	headers, err := json.Marshal(e.Message.Headers())
	if err != nil {
		return fmt.Errorf("delay/postgres: encode headers: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO delay_pending_entries (`+entryColumns+`
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11
		)`,
		e.GroupID, e.MessageID.String(), e.Message.Payload(), headers, e.Message.Timestamp(),
		string(e.Criterion.Kind), e.Criterion.DelayMillis,
		nullTime(e.Criterion.RequestedAt), nullTime(e.Criterion.At),
		e.ReleaseAt, e.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return delay.ErrEntryAlreadyExists
		}
		return fmt.Errorf("delay/postgres: add entry: %w", err)
	}
	return nil
}

// RemoveEntry deletes an entry and reports whether a row was removed.
func (s *Store) RemoveEntry(ctx context.Context, groupID string, messageID id.MessageID) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM delay_pending_entries WHERE group_id = $1 AND message_id = $2`,
		groupID, messageID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("delay/postgres: remove entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListEntries returns every entry of the group ordered by release_at.
func (s *Store) ListEntries(ctx context.Context, groupID string) ([]*pending.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT`+entryColumns+`
		FROM delay_pending_entries
		WHERE group_id = $1
		ORDER BY release_at ASC`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("delay/postgres: list entries: %w", err)
	}
	defer rows.Close()

	var entries []*pending.Entry
	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("delay/postgres: scan entry: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delay/postgres: list entries: %w", err)
	}
	return entries, nil
}

// CountEntries returns the number of entries in the group.
func (s *Store) CountEntries(ctx context.Context, groupID string) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM delay_pending_entries WHERE group_id = $1`,
		groupID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("delay/postgres: count entries: %w", err)
	}
	return count, nil
}

func scanEntry(row pgx.Row) (*pending.Entry, error) {
	var (
		e              pending.Entry
		messageID      string
		payload        []byte
		headersRaw     []byte
		messageTS      time.Time
		kind           string
		requestedAt    *time.Time
		releaseInstant *time.Time
	)

	err := row.Scan(
		&e.GroupID, &messageID, &payload, &headersRaw, &messageTS,
		&kind, &e.Criterion.DelayMillis, &requestedAt, &releaseInstant,
		&e.ReleaseAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	mid, err := id.ParseMessageID(messageID)
	if err != nil {
		return nil, fmt.Errorf("parse message id %q: %w", messageID, err)
	}

	var headers map[string]string
	if len(headersRaw) > 0 {
		if err := json.Unmarshal(headersRaw, &headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}

	e.MessageID = mid
	e.Criterion.Kind = pending.CriterionKind(kind)
	if requestedAt != nil {
		e.Criterion.RequestedAt = requestedAt.UTC()
	}
	if releaseInstant != nil {
		e.Criterion.At = releaseInstant.UTC()
	}
	e.ReleaseAt = e.ReleaseAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.Message = message.New(payload,
		message.WithID(mid),
		message.WithHeaders(headers),
		message.WithTimestamp(messageTS.UTC()),
	)
	return &e, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
