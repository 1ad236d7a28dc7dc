package pending_test

import (
	"testing"
	"time"

	"github.com/xraph/delay/message"
	"github.com/xraph/delay/pending"
)

func TestCriterion_ReleaseAt(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		c    pending.Criterion
		want time.Time
	}{
		{"offset", pending.Offset(1500, base), base.Add(1500 * time.Millisecond)},
		{"zero offset", pending.Offset(0, base), base},
		{"absolute", pending.Absolute(base.Add(time.Hour)), base.Add(time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.ReleaseAt(); !got.Equal(tt.want) {
				t.Errorf("ReleaseAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewEntry(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := message.New([]byte("x"))
	e := pending.NewEntry("group-a", m, pending.Offset(3000, base))

	if e.GroupID != "group-a" {
		t.Errorf("GroupID = %q", e.GroupID)
	}
	if e.MessageID.String() != m.ID().String() {
		t.Errorf("MessageID = %s, want %s", e.MessageID, m.ID())
	}
	if !e.ReleaseAt.Equal(base.Add(3 * time.Second)) {
		t.Errorf("ReleaseAt = %v", e.ReleaseAt)
	}
	if e.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}
