package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/delay"
	"github.com/xraph/delay/id"
	"github.com/xraph/delay/message"
	"github.com/xraph/delay/pending"
)

// addEntryScript writes the Hash and its index entry in one step.
// KEYS: entry hash, group set. ARGV: score, member, field/value pairs.
// An entry counts as present only once indexed, so a stray Hash without
// an index entry is overwritten.
var addEntryScript = goredis.NewScript(`
if redis.call('ZSCORE', KEYS[2], ARGV[2]) then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// AddEntry stores the entry as a Hash and indexes it in the group's
// Sorted Set atomically. A duplicate message id is rejected.
func (s *Store) AddEntry(ctx context.Context, e *pending.Entry) error {
	mid := e.MessageID.String()

	fields, err := entryToMap(e)
	if err != nil {
		return err
	}
	args := make([]any, 0, 2+2*len(fields))
	args = append(args, e.ReleaseAt.UnixMilli(), mid)
	for k, v := range fields {
		args = append(args, k, v)
	}

	added, err := addEntryScript.Run(ctx, s.client,
		[]string{entryKey(e.GroupID, mid), groupKey(e.GroupID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("delay/redis: add entry: %w", err)
	}
	if added == 0 {
		return delay.ErrEntryAlreadyExists
	}
	return nil
}

// RemoveEntry deletes the entry in a MULTI/EXEC block. The DEL reply
// decides which caller removed it.
func (s *Store) RemoveEntry(ctx context.Context, groupID string, messageID id.MessageID) (bool, error) {
	mid := messageID.String()

	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, entryKey(groupID, mid))
	pipe.ZRem(ctx, groupKey(groupID), mid)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delay/redis: remove entry: %w", err)
	}
	return del.Val() > 0, nil
}

// ListEntries returns every entry of the group ordered by release instant.
func (s *Store) ListEntries(ctx context.Context, groupID string) ([]*pending.Entry, error) {
	ids, err := s.client.ZRange(ctx, groupKey(groupID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("delay/redis: list entries: %w", err)
	}

	entries := make([]*pending.Entry, 0, len(ids))
	for _, mid := range ids {
		vals, getErr := s.client.HGetAll(ctx, entryKey(groupID, mid)).Result()
		if getErr != nil {
			return nil, fmt.Errorf("delay/redis: get entry: %w", getErr)
		}
		// Removed between ZRANGE and HGETALL.
		if len(vals) == 0 {
			continue
		}
		e, convErr := mapToEntry(vals)
		if convErr != nil {
			return nil, convErr
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CountEntries returns the cardinality of the group's Sorted Set.
func (s *Store) CountEntries(ctx context.Context, groupID string) (int64, error) {
	n, err := s.client.ZCard(ctx, groupKey(groupID)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("delay/redis: count entries: %w", err)
	}
	return n, nil
}

// ── Serialization helpers ──

func entryToMap(e *pending.Entry) (map[string]any, error) {
	headers, err := json.Marshal(e.Message.Headers())
	if err != nil {
		return nil, fmt.Errorf("delay/redis: encode headers: %w", err)
	}

	return map[string]any{
		"group_id":        e.GroupID,
		"message_id":      e.MessageID.String(),
		"payload":         e.Message.Payload(),
		"headers":         string(headers),
		"message_ts":      formatTime(e.Message.Timestamp()),
		"criterion_kind":  string(e.Criterion.Kind),
		"delay_ms":        e.Criterion.DelayMillis,
		"requested_at":    formatTime(e.Criterion.RequestedAt),
		"release_instant": formatTime(e.Criterion.At),
		"release_at":      formatTime(e.ReleaseAt),
		"created_at":      formatTime(e.CreatedAt),
	}, nil
}

func mapToEntry(vals map[string]string) (*pending.Entry, error) {
	mid, err := id.ParseMessageID(vals["message_id"])
	if err != nil {
		return nil, fmt.Errorf("delay/redis: parse message id %q: %w", vals["message_id"], err)
	}

	var headers map[string]string
	if raw := vals["headers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, fmt.Errorf("delay/redis: decode headers: %w", err)
		}
	}

	delayMillis, _ := strconv.ParseInt(vals["delay_ms"], 10, 64)

	return &pending.Entry{
		GroupID:   vals["group_id"],
		MessageID: mid,
		ReleaseAt: parseTime(vals["release_at"]),
		Criterion: pending.Criterion{
			Kind:        pending.CriterionKind(vals["criterion_kind"]),
			DelayMillis: delayMillis,
			RequestedAt: parseTime(vals["requested_at"]),
			At:          parseTime(vals["release_instant"]),
		},
		CreatedAt: parseTime(vals["created_at"]),
		Message: message.New([]byte(vals["payload"]),
			message.WithID(mid),
			message.WithHeaders(headers),
			message.WithTimestamp(parseTime(vals["message_ts"])),
		),
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
