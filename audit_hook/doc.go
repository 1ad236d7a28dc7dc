// Package audithook is a delay extension that bridges message lifecycle
// events to an audit trail backend.
//
// Each deferral, release, failure, retry and recovery emits a structured
// [AuditEvent] through the [Recorder] interface. Normal operations are
// recorded at info severity, retries and failures that keep the entry at
// warning, and failures that lose or abandon a message at critical.
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionReleaseFailed,
//	        audithook.ActionReleaseAbandoned,
//	    ),
//	)
package audithook
