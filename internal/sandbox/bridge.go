package sandbox

// The capability ABI. These are the only operations a running plugin can
// invoke on the host; each is a typed request/response pair dispatched through
// the HostBridge interface, never via open-ended reflection.

// Result is returned from every capability call. ErrorCode zero means
// success; negative codes are capability failures, and platform errors pass
// their native code through.
type Result struct {
	ErrorCode int
	ID        string
	Err       string
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.ErrorCode == 0 }

type OutgoingMessage struct {
	Message string
	Channel string // empty means the current channel
	Reply   string // message id to reply to, optional
}

type OutgoingReaction struct {
	MessageID string
	Channel   string // empty means the current channel
	With      string // the emoji
}

type OutgoingRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// HostBridge is the fixed set of host functions a plugin may call back into.
// One bridge is bound per invocation, scoped to a single handler and channel.
type HostBridge interface {
	SendMessage(req OutgoingMessage) Result
	React(req OutgoingReaction) Result
	Request(req OutgoingRequest) Result
	WatchMessage(messageID string) Result
	GetVariable(key string) string
	SetVariable(key, value string)
	Log(level, message string)
}
