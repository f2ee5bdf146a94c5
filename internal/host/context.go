// Package host implements the capability bridge: the fixed, metered set of
// functions a running plugin may call back into, each bound to one handler and
// one current channel.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/dylibso/discordbot/internal/sandbox"
	"github.com/dylibso/discordbot/internal/storage"
	"github.com/dylibso/discordbot/internal/transport"
	logx "github.com/dylibso/discordbot/pkg/logx"
)

var recognizedMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodOptions: true, http.MethodTrace: true, http.MethodConnect: true,
}

// Redispatch re-enters the invocation router with a synthetic event. The
// request() continuation uses it to deliver http:response events back to the
// same handler.
type Redispatch func(ctx context.Context, handlers []*storage.Handler, ev IncomingEvent, defaultResult, currentChannel string)

// Options carries the collaborators every bridge shares.
type Options struct {
	Platform   transport.Platform
	Store      storage.Store
	HTTPClient *http.Client
	Log        logx.Logger
	Redispatch Redispatch
}

// Context is one handler's capability bridge for one invocation. It mutates
// the handler's in-memory state (tokens, brain, logs); the router persists
// those mutations when the round finalizes.
//
// roundDone is a non-owning reference to the round's completion signal: the
// background request() continuation waits on it so the triggering round's
// writes are durable before the continuation re-reads handler state.
type Context struct {
	opts           Options
	handler        *storage.Handler
	currentChannel string
	roundDone      <-chan struct{}

	charged int
	logs    []storage.LogLine
}

func NewContext(opts Options, handler *storage.Handler, currentChannel string, roundDone <-chan struct{}) *Context {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Context{
		opts:           opts,
		handler:        handler,
		currentChannel: currentChannel,
		roundDone:      roundDone,
	}
}

var _ sandbox.HostBridge = (*Context)(nil)

// Charged reports the tokens deducted by capability calls so far.
func (c *Context) Charged() int { return c.charged }

// Logs returns the lines the plugin emitted during this invocation.
func (c *Context) Logs() []storage.LogLine { return c.logs }

// charge deducts a fixed capability cost. Refusal leaves the bucket unchanged.
func (c *Context) charge(capability string, cost int) bool {
	if !c.handler.Charge(cost) {
		c.opts.Log.Warn("handler out of tokens",
			logx.String("capability", capability),
			logx.String("handler", c.handler.ID))
		return false
	}
	c.charged += cost
	return true
}

func exhausted() sandbox.Result {
	return sandbox.Result{ErrorCode: CodeTokenExhausted, Err: "not enough tokens"}
}

func failure(code int, msg string) sandbox.Result {
	return sandbox.Result{ErrorCode: code, Err: msg}
}

// platformCode maps an adapter error onto the capability result: the
// platform's native code passes through, anything else is generic.
func platformCode(err error) sandbox.Result {
	var perr *transport.Error
	if errors.As(err, &perr) {
		return sandbox.Result{ErrorCode: perr.Code, Err: perr.Message}
	}
	return sandbox.Result{ErrorCode: CodeGeneric, Err: err.Error()}
}

func (c *Context) SendMessage(req sandbox.OutgoingMessage) sandbox.Result {
	if !c.charge("sendMessage", CostSendMessage) {
		return exhausted()
	}

	channel := req.Channel
	if channel == "" {
		channel = c.currentChannel
	}
	if !c.handler.ChannelAllowed(channel) {
		return failure(CodeNoChannel, "disallowed channel")
	}
	ch, ok := c.opts.Platform.ResolveChannel(c.handler.Guild, channel)
	if !ok {
		return failure(CodeNoChannel, "no such channel")
	}
	if req.Reply != "" && !c.opts.Platform.HasMessage(ch, req.Reply) {
		return failure(CodeNoMessage, "no such message")
	}

	id, err := c.opts.Platform.Send(context.Background(), ch, req.Message, req.Reply)
	if err != nil {
		return platformCode(err)
	}
	return sandbox.Result{ID: id}
}

func (c *Context) React(req sandbox.OutgoingReaction) sandbox.Result {
	if !c.charge("react", CostReact) {
		return exhausted()
	}

	channel := req.Channel
	if channel == "" {
		channel = c.currentChannel
	}
	// Reactions are not allow-list gated; the channel only has to resolve.
	ch, ok := c.opts.Platform.ResolveChannel(c.handler.Guild, channel)
	if !ok {
		return failure(CodeNoChannel, "no such channel")
	}
	if !c.opts.Platform.HasMessage(ch, req.MessageID) {
		return failure(CodeNoMessage, "no such message")
	}

	id, err := c.opts.Platform.React(context.Background(), ch, req.MessageID, req.With)
	if err != nil {
		return platformCode(err)
	}
	return sandbox.Result{ID: id}
}

func (c *Context) WatchMessage(messageID string) sandbox.Result {
	if !c.charge("watchMessage", CostWatchMessage) {
		return exhausted()
	}

	if c.currentChannel == "" {
		c.opts.Log.Warn("no channel set for host context", logx.String("handler", c.handler.ID))
		return failure(CodeNoChannel, "no such channel")
	}
	ch, ok := c.opts.Platform.ResolveChannel(c.handler.Guild, c.currentChannel)
	if !ok {
		return failure(CodeNoChannel, "no such channel")
	}
	if !c.opts.Platform.HasMessage(ch, messageID) {
		return failure(CodeNoMessage, "no such message")
	}

	_, err := c.opts.Store.RegisterMessageIDInterest(context.Background(), storage.RegisterMessageIDInterest{
		RegisterInterest: storage.RegisterInterest{
			Guild:      c.handler.Guild,
			UserID:     c.handler.UserID,
			PluginName: c.handler.PluginName,
		},
		MessageID: messageID,
	})
	if err != nil {
		c.opts.Log.Error("registering message interest failed", logx.Err(err))
		return failure(CodeGeneric, "failed to watch message")
	}
	return sandbox.Result{}
}

// Request performs the fetch in the background and returns immediately with a
// correlation id. The response re-enters the router as a synthetic
// http:response event, after the triggering round has finalized.
func (c *Context) Request(req sandbox.OutgoingRequest) sandbox.Result {
	if !c.charge("request", CostRequest) {
		return exhausted()
	}

	if len(c.handler.AllowedHosts) == 0 {
		return failure(CodeNoHostAccess, "no access to hosts")
	}
	if req.URL == "" {
		return failure(CodeBadRequest, "no url")
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Hostname() == "" {
		return failure(CodeBadRequest, "bad url")
	}
	if !hostAllowed(c.handler.AllowedHosts, parsed.Hostname()) {
		return failure(CodeNoHostAccess, "no access to hosts")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !recognizedMethods[method] {
		return failure(CodeBadRequest, "bad method")
	}

	id := uuid.NewString()
	go c.performRequest(id, method, req)
	return sandbox.Result{ID: id}
}

func hostAllowed(patterns []string, hostname string) bool {
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			continue
		}
		if g.Match(hostname) {
			return true
		}
	}
	return false
}

func (c *Context) performRequest(id, method string, req sandbox.OutgoingRequest) {
	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead && req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	hreq, err := http.NewRequest(method, req.URL, body)
	if err != nil {
		c.opts.Log.Error("building user request failed", logx.Err(err), logx.String("id", id))
		return
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := c.opts.HTTPClient.Do(hreq)
	if err != nil {
		c.opts.Log.Error("http error fetching user request", logx.Err(err), logx.String("id", id))
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.opts.Log.Error("reading user request body failed", logx.Err(err), logx.String("id", id))
		return
	}

	var parsed any = string(raw)
	accept := hreq.Header.Get("Accept")
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(accept, "application/json") && strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			parsed = v
		}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	ev := IncomingEvent{
		Kind: KindHTTPResponse,
		Response: &IncomingResponse{
			ID:      id,
			Status:  resp.StatusCode,
			Headers: headers,
			Body:    parsed,
		},
	}

	// Wait for the triggering round to finish so its writes are durable.
	<-c.roundDone

	// Refetch so we have a fresh idea of how many tokens are left.
	fresh, err := c.opts.Store.HandlerByID(context.Background(), c.handler.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.opts.Log.Info("handler disappeared before its http response arrived",
				logx.String("handler", c.handler.ID))
			return
		}
		c.opts.Log.Error("refetching handler failed", logx.Err(err))
		return
	}
	fresh.Replenish(time.Now())
	if fresh.CurrentTokens <= 0 {
		c.opts.Log.Warn("skipping http continuation due to token exhaustion",
			logx.String("handler", fresh.ID))
		return
	}

	c.opts.Redispatch(context.Background(), []*storage.Handler{fresh}, ev, "", c.currentChannel)
}

func (c *Context) GetVariable(key string) string {
	return c.handler.GetVariable(key)
}

func (c *Context) SetVariable(key, value string) {
	c.handler.SetVariable(key, value)
}

// Log captures a plugin log line both for the invocation record and the
// handler's bounded ring buffer.
func (c *Context) Log(level, message string) {
	now := time.Now()
	if len(message) > storage.MaxLogLineBytes {
		message = message[:storage.MaxLogLineBytes]
	}
	c.logs = append(c.logs, storage.LogLine{Level: level, Message: message, At: now.UnixMilli()})
	c.handler.AppendLog(level, message, now)
}
