package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/xraph/delay"
	"github.com/xraph/delay/id"
	"github.com/xraph/delay/message"
	"github.com/xraph/delay/pending"
)

const table = "delay_pending_entries"

var entryColumns = []string{
	"group_id", "message_id", "payload", "headers_json", "message_ts",
	"criterion_kind", "delay_ms", "requested_at", "release_instant",
	"release_at", "created_at",
}

// AddEntry persists a new pending entry.
func (s *Store) AddEntry(ctx context.Context, e *pending.Entry) error {
	headers, err := json.Marshal(e.Message.Headers())
	if err != nil {
		return fmt.Errorf("delay/sqlite: encode headers: %w", err)
	}

	query, args, err := sq.Insert(table).
		Columns(entryColumns...).
		Values(
			e.GroupID,
			e.MessageID.String(),
			e.Message.Payload(),
			string(headers),
			e.Message.Timestamp().UnixMilli(),
			string(e.Criterion.Kind),
			e.Criterion.DelayMillis,
			nullMillis(e.Criterion.RequestedAt),
			nullMillis(e.Criterion.At),
			e.ReleaseAt.UnixMilli(),
			e.CreatedAt.UnixMilli(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("delay/sqlite: build insert: %w", err)
	}

	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		if isConstraintError(err) {
			return delay.ErrEntryAlreadyExists
		}
		return fmt.Errorf("delay/sqlite: add entry: %w", err)
	}
	return nil
}

// RemoveEntry deletes an entry and reports whether a row was removed.
func (s *Store) RemoveEntry(ctx context.Context, groupID string, messageID id.MessageID) (bool, error) {
	query, args, err := sq.Delete(table).
		Where(sq.Eq{"group_id": groupID, "message_id": messageID.String()}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("delay/sqlite: build delete: %w", err)
	}

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delay/sqlite: remove entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delay/sqlite: remove entry rows affected: %w", err)
	}
	return n > 0, nil
}

// ListEntries returns every entry of the group ordered by release_at.
func (s *Store) ListEntries(ctx context.Context, groupID string) ([]*pending.Entry, error) {
	query, args, err := sq.Select(entryColumns...).
		From(table).
		Where(sq.Eq{"group_id": groupID}).
		OrderBy("release_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("delay/sqlite: build select: %w", err)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delay/sqlite: list entries: %w", err)
	}
	defer rows.Close()

	var entries []*pending.Entry
	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("delay/sqlite: scan entry: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delay/sqlite: list entries: %w", err)
	}
	return entries, nil
}

// CountEntries returns the number of entries in the group.
func (s *Store) CountEntries(ctx context.Context, groupID string) (int64, error) {
	query, args, err := sq.Select("COUNT(*)").
		From(table).
		Where(sq.Eq{"group_id": groupID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("delay/sqlite: build count: %w", err)
	}

	var count int64
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("delay/sqlite: count entries: %w", err)
	}
	return count, nil
}

func scanEntry(rows *sql.Rows) (*pending.Entry, error) {
	var (
		groupID, messageID, headersJSON, kind string
		payload                               []byte
		messageTS, releaseAt, createdAt       int64
		delayMillis                           int64
		requestedAt, releaseInstant           sql.NullInt64
	)

	err := rows.Scan(
		&groupID, &messageID, &payload, &headersJSON, &messageTS,
		&kind, &delayMillis, &requestedAt, &releaseInstant,
		&releaseAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	mid, err := id.ParseMessageID(messageID)
	if err != nil {
		return nil, fmt.Errorf("parse message id %q: %w", messageID, err)
	}

	var headers map[string]string
	if headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}

	e := &pending.Entry{
		GroupID:   groupID,
		MessageID: mid,
		ReleaseAt: fromMillis(releaseAt),
		Criterion: pending.Criterion{
			Kind:        pending.CriterionKind(kind),
			DelayMillis: delayMillis,
		},
		CreatedAt: fromMillis(createdAt),
		Message: message.New(payload,
			message.WithID(mid),
			message.WithHeaders(headers),
			message.WithTimestamp(fromMillis(messageTS)),
		),
	}
	if requestedAt.Valid {
		e.Criterion.RequestedAt = fromMillis(requestedAt.Int64)
	}
	if releaseInstant.Valid {
		e.Criterion.At = fromMillis(releaseInstant.Int64)
	}
	return e, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
