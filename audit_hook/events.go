package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionMessageDeferred   = "message.deferred"
	ActionMessageForwarded  = "message.forwarded"
	ActionMessageReleased   = "message.released"
	ActionReleaseFailed     = "message.release_failed"
	ActionReleaseRetrying   = "message.release_retrying"
	ActionReleaseAbandoned  = "message.release_abandoned"
	ActionMessageRestored   = "message.restored"
	ActionRecoveryCompleted = "recovery.completed"
)

// Audit event categories group related actions.
const (
	CategoryMessage  = "delay.message"
	CategoryRecovery = "delay.recovery"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceMessage = "message"
	ResourceGroup   = "group"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionMessageDeferred,
		ActionMessageForwarded,
		ActionMessageReleased,
		ActionReleaseFailed,
		ActionReleaseRetrying,
		ActionReleaseAbandoned,
		ActionMessageRestored,
		ActionRecoveryCompleted,
	}
}
