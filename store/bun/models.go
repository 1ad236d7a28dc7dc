package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/delay/id"
	"github.com/xraph/delay/message"
	"github.com/xraph/delay/pending"
)

// ── Entry model ───────────────────────────────────────────────────

type entryModel struct {
	bun.BaseModel `bun:"table:delay_pending_entries"`

	GroupID        string            `bun:"group_id,pk"`
	MessageID      string            `bun:"message_id,pk"`
	Payload        []byte            `bun:"payload,notnull,type:bytea"`
	Headers        map[string]string `bun:"headers,type:jsonb"`
	MessageTS      time.Time         `bun:"message_ts,notnull"`
	CriterionKind  string            `bun:"criterion_kind,notnull"`
	DelayMillis    int64             `bun:"delay_ms,notnull"`
	RequestedAt    *time.Time        `bun:"requested_at"`
	ReleaseInstant *time.Time        `bun:"release_instant"`
	ReleaseAt      time.Time         `bun:"release_at,notnull"`
	CreatedAt      time.Time         `bun:"created_at,notnull,default:current_timestamp"`
}

func toEntryModel(e *pending.Entry) *entryModel {
	return &entryModel{
		GroupID:        e.GroupID,
		MessageID:      e.MessageID.String(),
		Payload:        e.Message.Payload(),
		Headers:        e.Message.Headers(),
		MessageTS:      e.Message.Timestamp(),
		CriterionKind:  string(e.Criterion.Kind),
		DelayMillis:    e.Criterion.DelayMillis,
		RequestedAt:    nullTime(e.Criterion.RequestedAt),
		ReleaseInstant: nullTime(e.Criterion.At),
		ReleaseAt:      e.ReleaseAt,
		CreatedAt:      e.CreatedAt,
	}
}

func fromEntryModel(m *entryModel) (*pending.Entry, error) {
	mid, err := id.ParseMessageID(m.MessageID)
	if err != nil {
		return nil, fmt.Errorf("delay/bun: parse message id %q: %w", m.MessageID, err)
	}

	e := &pending.Entry{
		GroupID:   m.GroupID,
		MessageID: mid,
		ReleaseAt: m.ReleaseAt.UTC(),
		Criterion: pending.Criterion{
			Kind:        pending.CriterionKind(m.CriterionKind),
			DelayMillis: m.DelayMillis,
		},
		CreatedAt: m.CreatedAt.UTC(),
		Message: message.New(m.Payload,
			message.WithID(mid),
			message.WithHeaders(m.Headers),
			message.WithTimestamp(m.MessageTS.UTC()),
		),
	}
	if m.RequestedAt != nil {
		e.Criterion.RequestedAt = m.RequestedAt.UTC()
	}
	if m.ReleaseInstant != nil {
		e.Criterion.At = m.ReleaseInstant.UTC()
	}
	return e, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
