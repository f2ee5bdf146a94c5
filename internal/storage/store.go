package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by point lookups when no row matches.
	ErrNotFound = errors.New("storage: not found")
)

const (
	// MaxHandlerLogLines bounds the per-handler log ring buffer.
	MaxHandlerLogLines = 1024
	// MaxLogLineBytes truncates individual log messages.
	MaxLogLineBytes = 1024
)

// protoKey is rejected everywhere a client-supplied string becomes a map key.
// The brain is persisted as a JSON object and rehydrated into a mapping, so a
// literal "__proto__" key must never round-trip.
const protoKey = "__proto__"

// Handler binds one plugin installation to a guild scope, carrying its own
// quota and scratchpad.
type Handler struct {
	ID              string
	Guild           string
	UserID          string
	PluginName      string
	AllowedChannels []string
	AllowedHosts    []string

	MaxTokens     int
	CurrentTokens int
	LastReset     time.Time

	LifetimeCost int
	Brain        map[string]string
	Logs         []LogLine

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Replenish lazily refills the token bucket: maxTokens/60 tokens per elapsed
// second since the last reset, capped at MaxTokens. Computed at read time, not
// by a background timer.
func (h *Handler) Replenish(now time.Time) {
	elapsed := now.Sub(h.LastReset).Seconds()
	if elapsed <= 0 {
		return
	}
	added := int(elapsed * float64(h.MaxTokens) / 60)
	if added <= 0 {
		return
	}
	h.CurrentTokens += added
	if h.CurrentTokens > h.MaxTokens {
		h.CurrentTokens = h.MaxTokens
	}
	h.LastReset = now
}

// Charge deducts the fixed cost of a capability call. A bucket that is empty,
// or that cannot cover the cost, refuses the call and is left unchanged.
func (h *Handler) Charge(cost int) bool {
	if h.CurrentTokens <= 0 {
		return false
	}
	if cost > h.CurrentTokens {
		return false
	}
	h.CurrentTokens -= cost
	return true
}

// ChargeFloor deducts a post-hoc cost (duration and error surcharges) with a
// floor of zero, and returns the amount actually deducted.
func (h *Handler) ChargeFloor(cost int) int {
	if cost <= 0 {
		return 0
	}
	if cost > h.CurrentTokens {
		cost = h.CurrentTokens
	}
	h.CurrentTokens -= cost
	return cost
}

func (h *Handler) ChannelAllowed(channel string) bool {
	for _, c := range h.AllowedChannels {
		if c == channel {
			return true
		}
	}
	return false
}

// GetVariable reads a brain key. The prototype key always reads empty.
func (h *Handler) GetVariable(key string) string {
	if key == protoKey {
		return ""
	}
	return h.Brain[key]
}

// SetVariable writes a brain key. Writes to the prototype key are dropped.
func (h *Handler) SetVariable(key, value string) {
	if key == protoKey {
		return
	}
	if h.Brain == nil {
		h.Brain = map[string]string{}
	}
	h.Brain[key] = value
}

// AppendLog pushes a line onto the handler's bounded ring buffer, truncating
// oversized messages and dropping the oldest entries beyond the cap.
func (h *Handler) AppendLog(level, message string, at time.Time) {
	if len(message) > MaxLogLineBytes {
		message = message[:MaxLogLineBytes]
	}
	h.Logs = append(h.Logs, LogLine{Level: level, Message: message, At: at.UnixMilli()})
	if n := len(h.Logs) - MaxHandlerLogLines; n > 0 {
		h.Logs = append([]LogLine(nil), h.Logs[n:]...)
	}
}

// LogLine is one captured plugin log entry.
type LogLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	At      int64  `json:"at"`
}

// Invocation is an immutable audit record for one handler in one dispatch
// round. Never mutated after insert.
type Invocation struct {
	ID         string
	HandlerID  string
	Result     string
	DurationMS int64
	Cost       int
	Logs       []LogLine
	CreatedAt  time.Time
}

// HandlerUpdate carries the mutable handler state written back in one batched
// statement at the end of a dispatch round.
type HandlerUpdate struct {
	ID            string
	CurrentTokens int
	LastReset     time.Time
	LifetimeCost  int
	Brain         map[string]string
	Logs          []LogLine
}

// Artifact is immutable cached plugin bytes for one etag.
type Artifact struct {
	ETag        string
	ContentType string
	Size        int64
	Data        []byte
	LastFetch   time.Time
}

// RegisterInterest identifies the handler an interest belongs to. The handler
// row is upserted: an existing (guild, user, plugin) row only refreshes
// updated_at.
type RegisterInterest struct {
	Guild      string
	UserID     string
	PluginName string
	IsAdmin    bool
}

type RegisterContentInterest struct {
	RegisterInterest
	Regex string
}

type RegisterMessageIDInterest struct {
	RegisterInterest
	MessageID string
}

// Store is the persistence contract consumed by the runtime. Implementations
// must make FinalizeRound atomic per call.
type Store interface {
	// Handlers and interests.
	RegisterContentInterest(ctx context.Context, reg RegisterContentInterest) (handlerID string, err error)
	RegisterMessageIDInterest(ctx context.Context, reg RegisterMessageIDInterest) (handlerID string, err error)
	HandlerByID(ctx context.Context, id string) (*Handler, error)

	// Matching. Both paths exclude handlers whose bucket, after lazy
	// replenishment, is empty.
	MatchContent(ctx context.Context, guild, channel, content string) ([]*Handler, error)
	MatchMessageID(ctx context.Context, guild, channel, messageID string) ([]*Handler, error)

	// Round finalization: one batched handler-state update plus one batched
	// invocation insert, in a single transaction.
	FinalizeRound(ctx context.Context, updates []HandlerUpdate, invocations []Invocation) error
	LastInvocation(ctx context.Context, userID, pluginName string) (*Invocation, error)

	// Artifact cache.
	ArtifactByInstall(ctx context.Context, extensionID, installKey string) (*Artifact, error)
	PutArtifact(ctx context.Context, extensionID, installKey string, art Artifact) error
	TouchInstall(ctx context.Context, extensionID, installKey string, at time.Time) error

	// Maintenance.
	PruneInvocations(ctx context.Context, olderThan time.Time) (int64, error)
	PruneArtifacts(ctx context.Context) (int64, error)

	Close() error
}
