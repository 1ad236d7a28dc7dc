// Package control exposes the operational surface of a delay endpoint:
// the exact number of pending entries of its group and a manual trigger
// that re-runs recovery. A Service answers only for the group it was
// built with. [Service] holds the operations; [API] serves them over
// HTTP together with a Prometheus gauge of the pending count.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/delay"
	"github.com/xraph/delay/pending"
	"github.com/xraph/delay/recovery"
)

// Recoverer re-enters the deferred path for a group's persisted entries.
// *recovery.Manager satisfies this interface.
type Recoverer interface {
	Recover(ctx context.Context, groupID string) (recovery.Report, error)
}

// Service implements the control operations for one group.
type Service struct {
	group     string
	store     pending.Store
	recoverer Recoverer
	logger    *slog.Logger
}

// NewService creates a control service for group. logger may be nil.
func NewService(group string, store pending.Store, recoverer Recoverer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{group: group, store: store, recoverer: recoverer, logger: logger}
}

// GroupID returns the group the service answers for.
func (s *Service) GroupID() string { return s.group }

func (s *Service) check(groupID string) error {
	switch {
	case groupID == "":
		return delay.ErrMissingGroup
	case groupID != s.group:
		return fmt.Errorf("%w: %q", delay.ErrUnknownGroup, groupID)
	}
	return nil
}

// PendingCount returns the exact number of pending entries in groupID.
func (s *Service) PendingCount(ctx context.Context, groupID string) (int64, error) {
	if err := s.check(groupID); err != nil {
		return 0, err
	}
	if s.store == nil {
		return 0, delay.ErrNoStore
	}
	n, err := s.store.CountEntries(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %w", delay.ErrPersistence, err)
	}
	return n, nil
}

// ReschedulePersistedMessages runs recovery for groupID.
func (s *Service) ReschedulePersistedMessages(ctx context.Context, groupID string) error {
	_, err := s.Reschedule(ctx, groupID)
	return err
}

// Reschedule runs recovery for groupID and returns its report.
func (s *Service) Reschedule(ctx context.Context, groupID string) (recovery.Report, error) {
	if err := s.check(groupID); err != nil {
		return recovery.Report{GroupID: groupID}, err
	}
	if s.recoverer == nil {
		return recovery.Report{GroupID: groupID}, delay.ErrNoStore
	}
	s.logger.Info("manual reschedule requested", slog.String("group", groupID))
	return s.recoverer.Recover(ctx, groupID)
}
