// Package recovery reconciles the pending store with the live scheduler.
//
// [Manager.Recover] lists every entry of a group, recomputes each release
// instant from the persisted criterion, releases entries already due and
// schedules the rest. It runs once when an endpoint starts, again on a
// manual reschedule, and periodically when a [Sweeper] is configured.
//
// Recovery is safe to repeat and to run alongside live traffic: scheduling
// supersedes any live schedule of the same message, and the executor's
// idempotent removal turns racing releases into no-ops.
package recovery
