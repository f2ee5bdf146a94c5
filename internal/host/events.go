package host

// Event kinds delivered to plugins.
const (
	KindContent         = "content"
	KindWatchReference  = "watch:reference"
	KindReactionAdded   = "watch:reaction:added"
	KindReactionRemoved = "watch:reaction:removed"
	KindHTTPResponse    = "http:response"
)

// IncomingEvent is the JSON payload handed to a plugin's handle() export.
// Exactly one of Message, Reaction, Response is set, per Kind.
type IncomingEvent struct {
	Kind     string            `json:"kind"`
	Channel  string            `json:"channel,omitempty"`
	Message  *IncomingMessage  `json:"message,omitempty"`
	Reaction *IncomingReaction `json:"reaction,omitempty"`
	Response *IncomingResponse `json:"response,omitempty"`
}

type IncomingMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Author  string `json:"author,omitempty"`
	// Reference is the id of the message this one replies to.
	Reference string `json:"reference,omitempty"`
}

type IncomingReaction struct {
	From    string          `json:"from"`
	With    string          `json:"with"`
	Message IncomingMessage `json:"message"`
}

// IncomingResponse reconstructs a completed background HTTP request. Body is
// JSON-decoded when both the request's Accept and the response's Content-Type
// indicate JSON, a string otherwise.
type IncomingResponse struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}
