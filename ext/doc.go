// Package ext defines the extension system for delay endpoints.
//
// Extensions are notified of lifecycle events and can react to them:
// recording metrics, emitting webhooks, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnMessageReleased(ctx context.Context, m *message.Message, held time.Duration) error {
//	    log.Printf("message %s released after %s", m.ID(), held)
//	    return nil
//	}
//
// # Message Lifecycle Hooks
//
//   - [MessageDeferred]: message was persisted and scheduled
//   - [MessageForwarded]: message bypassed the store and was forwarded
//   - [MessageReleased]: a scheduled release forwarded the message
//   - [MessageReleaseFailed]: a scheduled release failed
//   - [ReleaseRetrying]: a restored entry will be released again
//   - [ReleaseAbandoned]: a restored entry ran out of attempts
//
// # Other Hooks
//
//   - [MessageRestored]: recovery found a persisted entry
//   - [RecoveryCompleted]: a recovery pass finished
//   - [Shutdown]: the endpoint is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
