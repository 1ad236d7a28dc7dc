package pending

import (
	"time"

	"github.com/xraph/delay/id"
	"github.com/xraph/delay/message"
)

// CriterionKind tells how a release instant was derived.
type CriterionKind string

const (
	// CriterionOffset is a millisecond offset from the resolution instant.
	CriterionOffset CriterionKind = "offset"
	// CriterionAbsolute is a literal release instant.
	CriterionAbsolute CriterionKind = "absolute"
)

// Criterion is the resolved release criterion persisted with an entry.
type Criterion struct {
	Kind        CriterionKind `json:"kind"`
	DelayMillis int64         `json:"delay_ms,omitempty"`
	RequestedAt time.Time     `json:"requested_at,omitempty"`
	At          time.Time     `json:"at,omitempty"`
}

// Offset returns an offset criterion resolved at requestedAt.
func Offset(delayMillis int64, requestedAt time.Time) Criterion {
	return Criterion{Kind: CriterionOffset, DelayMillis: delayMillis, RequestedAt: requestedAt.UTC()}
}

// Absolute returns an absolute criterion.
func Absolute(at time.Time) Criterion {
	return Criterion{Kind: CriterionAbsolute, At: at.UTC()}
}

// ReleaseAt derives the release instant from the criterion.
func (c Criterion) ReleaseAt() time.Time {
	if c.Kind == CriterionAbsolute {
		return c.At
	}
	return c.RequestedAt.Add(time.Duration(c.DelayMillis) * time.Millisecond)
}

// Entry is a message durably parked awaiting release.
type Entry struct {
	GroupID   string           `json:"group_id"`
	MessageID id.MessageID     `json:"message_id"`
	ReleaseAt time.Time        `json:"release_at"`
	Criterion Criterion        `json:"criterion"`
	Message   *message.Message `json:"message"`
	CreatedAt time.Time        `json:"created_at"`
}

// NewEntry builds an entry for m in group under criterion c, created now.
func NewEntry(groupID string, m *message.Message, c Criterion) *Entry {
	return NewEntryAt(groupID, m, c, time.Now())
}

// NewEntryAt is NewEntry with an explicit creation instant.
func NewEntryAt(groupID string, m *message.Message, c Criterion, createdAt time.Time) *Entry {
	return &Entry{
		GroupID:   groupID,
		MessageID: m.ID(),
		ReleaseAt: c.ReleaseAt(),
		Criterion: c,
		Message:   m,
		CreatedAt: createdAt.UTC(),
	}
}
