// Package delay provides a durable delay-dispatch endpoint for Go. An
// endpoint sits between an input and an output message flow and postpones
// delivery of each message by a computed interval without blocking the
// sender, surviving process restarts without losing or duplicating
// messages.
//
// Delay is a library, not a service. Import it, pick a store, point it at
// an output channel and hand it messages.
//
// # Quick Start
//
//	ep, err := endpoint.New(
//	    endpoint.WithStore(pgStore),
//	    endpoint.WithOutput(out),
//	    endpoint.WithConfig(delay.Config{GroupID: "orders-delayer", DefaultDelay: 3 * time.Second}),
//	)
//	if err := ep.Start(ctx); err != nil { ... }
//	err = ep.Handle(ctx, message.New(payload))
//
// # Architecture
//
// Each inbound message is resolved to either an immediate forward (on the
// caller's goroutine) or an absolute release instant. Deferred messages are
// persisted to a [pending.Store] before a release task is scheduled; the
// release removes the entry and forwards the message. Removal is
// idempotent, so duplicate firings are harmless and recovery after a crash
// is simply "list the group and schedule everything again".
//
// All message IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package delay
