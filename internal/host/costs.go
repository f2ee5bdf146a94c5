package host

import "time"

// Fixed token costs per capability call.
const (
	CostSendMessage  = 10
	CostReact        = 30
	CostWatchMessage = 100
	CostRequest      = 300

	// ErrorSurcharge is added when an invocation fails with an uncaught error.
	ErrorSurcharge = 100
)

// durationCostUnit: every 50ms of plugin runtime costs 1 token.
const durationCostUnit = 50 * time.Millisecond

// DurationCost converts elapsed wall-clock time into tokens.
func DurationCost(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / durationCostUnit)
}

// Error codes surfaced to plugins. Never exceptions across the sandbox
// boundary; platform failures pass their native code through instead.
const (
	CodeGeneric        = -1   // unexpected failure inside a capability
	CodeNoChannel      = -3   // channel unresolvable or disallowed
	CodeNoMessage      = -4   // referenced message not found
	CodeNoHostAccess   = -5   // no or insufficient network-host permission
	CodeBadRequest     = -6   // malformed request (bad url, bad method)
	CodeTokenExhausted = -999 // token bucket empty
)
