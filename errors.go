package delay

import "errors"

var (
	// Resolution errors.
	ErrEvaluation = errors.New("delay: delay expression evaluation failed")

	// Store errors.
	ErrNoStore            = errors.New("delay: no store configured")
	ErrPersistence        = errors.New("delay: pending store operation failed")
	ErrEntryAlreadyExists = errors.New("delay: pending entry already exists")
	ErrMissingGroup       = errors.New("delay: group id is required for a persistent store")
	ErrUnknownGroup       = errors.New("delay: group is not served by this endpoint")

	// Scheduling errors.
	ErrSchedulingUnavailable = errors.New("delay: scheduler cannot accept new work")

	// Dispatch errors.
	ErrNoOutput           = errors.New("delay: no output channel configured")
	ErrDownstreamDispatch = errors.New("delay: downstream dispatch failed")

	// Lifecycle errors.
	ErrEndpointStopped = errors.New("delay: endpoint stopped")
)
