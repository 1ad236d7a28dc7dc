// Package pending defines the durable record of a message awaiting release
// and the store contract every backend implements.
//
// # Entries
//
// An [Entry] is keyed by (GroupID, MessageID). It snapshots the message
// and the resolved release [Criterion] so that a restarted process can
// reconstruct the decision:
//
//   - offset criteria record the delay in milliseconds and the instant it
//     was resolved at; the release instant is RequestedAt + DelayMillis
//   - absolute criteria record the release instant itself
//
// An entry exists in the store if and only if its release has not yet
// completed.
//
// # Store Contract
//
//   - AddEntry is durable before it returns
//   - RemoveEntry is idempotent and reports whether it removed anything;
//     the first caller to observe true owns the release
//   - ListEntries returns a snapshot of the group
//   - CountEntries is exact at call time
//
// Operations on the same group must behave as if linearizable. Backends
// that can run removal and forwarding inside one database transaction
// implement [Transactor].
package pending
