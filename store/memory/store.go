// Package memory provides a fully in-memory pending store. It is safe for
// concurrent use but not durable: entries are lost when the process exits.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xraph/delay"
	"github.com/xraph/delay/id"
	"github.com/xraph/delay/pending"
	"github.com/xraph/delay/store"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
// Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	// groups maps group id -> message id -> entry.
	groups map[string]map[string]*pending.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		groups: make(map[string]map[string]*pending.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Pending Store
// ──────────────────────────────────────────────────

// AddEntry stores a copy of the entry.
func (m *Store) AddEntry(_ context.Context, e *pending.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[e.GroupID]
	if !ok {
		group = make(map[string]*pending.Entry)
		m.groups[e.GroupID] = group
	}

	key := e.MessageID.String()
	if _, exists := group[key]; exists {
		return delay.ErrEntryAlreadyExists
	}
	cp := *e
	group[key] = &cp
	return nil
}

// RemoveEntry deletes the entry if present.
func (m *Store) RemoveEntry(_ context.Context, groupID string, messageID id.MessageID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[groupID]
	if !ok {
		return false, nil
	}
	key := messageID.String()
	if _, ok := group[key]; !ok {
		return false, nil
	}
	delete(group, key)
	if len(group) == 0 {
		delete(m.groups, groupID)
	}
	return true, nil
}

// ListEntries returns copies of the group's entries ordered by ReleaseAt.
func (m *Store) ListEntries(_ context.Context, groupID string) ([]*pending.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	group := m.groups[groupID]
	result := make([]*pending.Entry, 0, len(group))
	for _, e := range group {
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].ReleaseAt.Before(result[k].ReleaseAt)
	})
	return result, nil
}

// CountEntries returns the number of entries in the group.
func (m *Store) CountEntries(_ context.Context, groupID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.groups[groupID])), nil
}
