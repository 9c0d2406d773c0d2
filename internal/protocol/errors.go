package protocol

// Code is the closed error taxonomy carried by error frames and relay error events.
type Code string

const (
	CodeTimeout         Code = "timeout"
	CodeAdapterCrash    Code = "adapter_crash"
	CodeAgentBusy       Code = "agent_busy"
	CodeAuthFailed      Code = "auth_failed"
	CodeAgentOffline    Code = "agent_offline"
	CodeInvalidMessage  Code = "invalid_message"
	CodeSessionNotFound Code = "session_not_found"
	CodeRateLimited     Code = "rate_limited"
	CodeInternalError   Code = "internal_error"
)

var knownCodes = map[Code]struct{}{
	CodeTimeout:         {},
	CodeAdapterCrash:    {},
	CodeAgentBusy:       {},
	CodeAuthFailed:      {},
	CodeAgentOffline:    {},
	CodeInvalidMessage:  {},
	CodeSessionNotFound: {},
	CodeRateLimited:     {},
	CodeInternalError:   {},
}

// Known reports whether c belongs to the taxonomy. Error frames from agents
// may still carry other codes; receivers pass them through unchanged.
func (c Code) Known() bool {
	_, ok := knownCodes[c]
	return ok
}

func (c Code) String() string { return string(c) }
