package transport

import (
	"context"
	"fmt"
)

type UpdateKind string

const (
	UpdateMessage         UpdateKind = "message"
	UpdateReactionAdded   UpdateKind = "reaction:added"
	UpdateReactionRemoved UpdateKind = "reaction:removed"
)

// Update is one inbound platform event, normalized away from any particular
// chat API.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Reaction *Reaction
}

type Message struct {
	ID      string
	Guild   string
	Channel string
	Author  string
	Text    string
	// Reference is the id of the message this one replies to, if any.
	Reference string
}

type Reaction struct {
	Guild     string
	Channel   string
	MessageID string
	From      string
	Emoji     string
}

// ChannelRef is a resolved channel on the live connection.
type ChannelRef struct {
	Guild string
	ID    string
	Name  string
}

// Error carries the platform's native error code across the capability
// boundary. The bridge surfaces Code directly to plugins.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("platform error %d: %s", e.Code, e.Message)
}

// Platform is the live chat connection the capability bridge works against.
// Channel resolution accepts a channel name or id scoped to a guild; message
// existence checks consult the adapter's recent-message cache.
type Platform interface {
	ResolveChannel(guild, channel string) (ChannelRef, bool)
	HasMessage(ch ChannelRef, messageID string) bool
	Send(ctx context.Context, ch ChannelRef, text, replyTo string) (messageID string, err error)
	React(ctx context.Context, ch ChannelRef, messageID, emoji string) (resultID string, err error)
}
