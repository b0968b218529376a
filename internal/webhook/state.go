package webhook

// State is the terminal outcome of one delivery.
type State string

const (
	StateVerificationAck    State = "VERIFICATION_ACK"
	StateRejectedBadPayload State = "REJECTED_BAD_PAYLOAD"
	StateDuplicateIgnored   State = "DUPLICATE_IGNORED"
	StateAccountNotFound    State = "ACCOUNT_NOT_FOUND"
	StateStaleIgnored       State = "STALE_IGNORED"
	StateSynced             State = "SYNCED"
	StateSyncFailed         State = "SYNC_FAILED"
)

// Acknowledge reports whether the transport should treat the delivery as
// handled. Anything acknowledged is never redelivered.
func (s State) Acknowledge() bool {
	switch s {
	case StateRejectedBadPayload, StateSyncFailed:
		return false
	default:
		return true
	}
}

func (s State) String() string { return string(s) }

// Result describes how a delivery was handled.
type Result struct {
	State     State
	Err       error
	MessageID string
	Email     string
	AccountID string
	Cursor    string
	// HasNew is set for SYNCED when at least one message was added.
	HasNew bool
}
