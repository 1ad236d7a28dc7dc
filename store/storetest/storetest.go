// Package storetest provides a conformance suite run by every pending
// store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/delay"
	"github.com/xraph/delay/id"
	"github.com/xraph/delay/message"
	"github.com/xraph/delay/pending"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) pending.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("AddAndList", func(t *testing.T) { testAddAndList(t, newStore(t)) })
	t.Run("AddDuplicate", func(t *testing.T) { testAddDuplicate(t, newStore(t)) })
	t.Run("RemoveIdempotent", func(t *testing.T) { testRemoveIdempotent(t, newStore(t)) })
	t.Run("RemoveExactlyOnce", func(t *testing.T) { testRemoveExactlyOnce(t, newStore(t)) })
	t.Run("GroupIsolation", func(t *testing.T) { testGroupIsolation(t, newStore(t)) })
	t.Run("Transaction", func(t *testing.T) { testTransaction(t, newStore(t)) })
}

// NewEntry builds an entry with second-precision timestamps so every
// backend round-trips it exactly.
func NewEntry(group string, releaseIn time.Duration) *pending.Entry {
	base := time.Now().UTC().Truncate(time.Second)
	m := message.New([]byte(`{"order":42}`),
		message.WithHeader("content-type", "application/json"),
		message.WithHeader("x-delay", "5000"),
		message.WithTimestamp(base),
	)
	e := pending.NewEntry(group, m, pending.Offset(releaseIn.Milliseconds(), base))
	e.CreatedAt = base
	return e
}

func testAddAndList(t *testing.T, s pending.Store) {
	ctx := context.Background()

	late := NewEntry("g", time.Hour)
	early := NewEntry("g", time.Minute)
	abs := NewEntry("g", 0)
	abs.Criterion = pending.Absolute(early.ReleaseAt.Add(time.Second))
	abs.ReleaseAt = abs.Criterion.ReleaseAt()

	for _, e := range []*pending.Entry{late, early, abs} {
		if err := s.AddEntry(ctx, e); err != nil {
			t.Fatalf("AddEntry: %v", err)
		}
	}

	count, err := s.CountEntries(ctx, "g")
	if err != nil {
		t.Fatalf("CountEntries: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}

	entries, err := s.ListEntries(ctx, "g")
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}

	want := []*pending.Entry{early, abs, late}
	for i, w := range want {
		got := entries[i]
		if got.MessageID.String() != w.MessageID.String() {
			t.Fatalf("entries[%d] = %s, want %s", i, got.MessageID, w.MessageID)
		}
		assertEntry(t, got, w)
	}
}

func assertEntry(t *testing.T, got, want *pending.Entry) {
	t.Helper()

	if got.GroupID != want.GroupID {
		t.Errorf("GroupID = %q, want %q", got.GroupID, want.GroupID)
	}
	if !got.ReleaseAt.Equal(want.ReleaseAt) {
		t.Errorf("ReleaseAt = %v, want %v", got.ReleaseAt, want.ReleaseAt)
	}
	if got.Criterion.Kind != want.Criterion.Kind {
		t.Errorf("Criterion.Kind = %q, want %q", got.Criterion.Kind, want.Criterion.Kind)
	}
	if !got.Criterion.ReleaseAt().Equal(want.Criterion.ReleaseAt()) {
		t.Errorf("Criterion.ReleaseAt() = %v, want %v", got.Criterion.ReleaseAt(), want.Criterion.ReleaseAt())
	}
	if got.Message == nil {
		t.Fatal("Message is nil")
	}
	if got.Message.ID().String() != want.MessageID.String() {
		t.Errorf("Message.ID = %s, want %s", got.Message.ID(), want.MessageID)
	}
	if string(got.Message.Payload()) != string(want.Message.Payload()) {
		t.Errorf("Payload = %q, want %q", got.Message.Payload(), want.Message.Payload())
	}
	if !got.Message.Timestamp().Equal(want.Message.Timestamp()) {
		t.Errorf("Timestamp = %v, want %v", got.Message.Timestamp(), want.Message.Timestamp())
	}
	for k, v := range want.Message.Headers() {
		if gv, _ := got.Message.Header(k); gv != v {
			t.Errorf("header %q = %q, want %q", k, gv, v)
		}
	}
}

func testAddDuplicate(t *testing.T, s pending.Store) {
	ctx := context.Background()
	e := NewEntry("g", time.Minute)

	if err := s.AddEntry(ctx, e); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := s.AddEntry(ctx, e); !errors.Is(err, delay.ErrEntryAlreadyExists) {
		t.Fatalf("duplicate AddEntry: got %v, want ErrEntryAlreadyExists", err)
	}
}

func testRemoveIdempotent(t *testing.T, s pending.Store) {
	ctx := context.Background()
	e := NewEntry("g", time.Minute)

	if err := s.AddEntry(ctx, e); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	tests := []struct {
		name  string
		group string
		id    id.MessageID
		want  bool
	}{
		{"present", "g", e.MessageID, true},
		{"already removed", "g", e.MessageID, false},
		{"never added", "g", id.NewMessageID(), false},
		{"unknown group", "other", e.MessageID, false},
	}

	for _, tt := range tests {
		removed, err := s.RemoveEntry(ctx, tt.group, tt.id)
		if err != nil {
			t.Fatalf("%s: RemoveEntry: %v", tt.name, err)
		}
		if removed != tt.want {
			t.Errorf("%s: removed = %v, want %v", tt.name, removed, tt.want)
		}
	}

	count, err := s.CountEntries(ctx, "g")
	if err != nil {
		t.Fatalf("CountEntries: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func testRemoveExactlyOnce(t *testing.T, s pending.Store) {
	ctx := context.Background()
	e := NewEntry("g", time.Minute)

	if err := s.AddEntry(ctx, e); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			removed, err := s.RemoveEntry(ctx, "g", e.MessageID)
			if err != nil {
				t.Errorf("RemoveEntry: %v", err)
				return
			}
			if removed {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
}

func testGroupIsolation(t *testing.T, s pending.Store) {
	ctx := context.Background()

	a := NewEntry("a", time.Minute)
	b := NewEntry("b", time.Minute)
	b2 := NewEntry("b", time.Hour)
	for _, e := range []*pending.Entry{a, b, b2} {
		if err := s.AddEntry(ctx, e); err != nil {
			t.Fatalf("AddEntry: %v", err)
		}
	}

	tests := []struct {
		group string
		want  int64
	}{
		{"a", 1},
		{"b", 2},
		{"c", 0},
	}
	for _, tt := range tests {
		count, err := s.CountEntries(ctx, tt.group)
		if err != nil {
			t.Fatalf("CountEntries(%q): %v", tt.group, err)
		}
		if count != tt.want {
			t.Errorf("CountEntries(%q) = %d, want %d", tt.group, count, tt.want)
		}
	}

	if removed, _ := s.RemoveEntry(ctx, "a", b.MessageID); removed {
		t.Error("removed an entry through the wrong group")
	}
}

func testTransaction(t *testing.T, s pending.Store) {
	tx, ok := s.(pending.Transactor)
	if !ok {
		t.Skip("store is not transactional")
	}
	ctx := context.Background()

	e := NewEntry("g", time.Minute)
	if err := s.AddEntry(ctx, e); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	boom := errors.New("boom")
	err := tx.WithinTx(ctx, func(ctx context.Context, ts pending.Store) error {
		removed, err := ts.RemoveEntry(ctx, "g", e.MessageID)
		if err != nil {
			return err
		}
		if !removed {
			t.Error("remove inside transaction reported false")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx err = %v, want boom", err)
	}

	count, err := s.CountEntries(ctx, "g")
	if err != nil {
		t.Fatalf("CountEntries: %v", err)
	}
	if count != 1 {
		t.Fatalf("rollback: count = %d, want 1", count)
	}

	err = tx.WithinTx(ctx, func(ctx context.Context, ts pending.Store) error {
		_, err := ts.RemoveEntry(ctx, "g", e.MessageID)
		return err
	})
	if err != nil {
		t.Fatalf("WithinTx commit: %v", err)
	}

	count, err = s.CountEntries(ctx, "g")
	if err != nil {
		t.Fatalf("CountEntries: %v", err)
	}
	if count != 0 {
		t.Fatalf("commit: count = %d, want 0", count)
	}
}
