// Package dispatch matches inbound platform events to interested handlers and
// runs one dispatch round per event: fire all matching handlers concurrently,
// join, account costs, persist outcomes, then release the round's completion
// signal.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dylibso/discordbot/internal/host"
	"github.com/dylibso/discordbot/internal/pool"
	"github.com/dylibso/discordbot/internal/storage"
	"github.com/dylibso/discordbot/internal/transport"
	logx "github.com/dylibso/discordbot/pkg/logx"
)

// InstanceSource is the slice of the pool the router needs.
type InstanceSource interface {
	Acquire(ctx context.Context, extensionID, installKey string) (pool.Instance, error)
}

type Options struct {
	Store       storage.Store
	Pool        InstanceSource
	Platform    transport.Platform
	HTTPClient  *http.Client
	Log         logx.Logger
	ExtensionID string
	// InvokeTimeout bounds one plugin call. Slow plugins are also punished
	// economically via the duration surcharge.
	InvokeTimeout time.Duration
}

type Router struct {
	opts Options
}

func New(opts Options) *Router {
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = 5 * time.Second
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Router{opts: opts}
}

// DispatchMessage routes one inbound chat message: a content-match round
// always, plus a reference round when the message replies to a watched one.
func (r *Router) DispatchMessage(ctx context.Context, msg transport.Message) {
	incoming := host.IncomingMessage{
		ID:        msg.ID,
		Content:   msg.Text,
		Author:    msg.Author,
		Reference: msg.Reference,
	}

	handlers, err := r.opts.Store.MatchContent(ctx, msg.Guild, msg.Channel, msg.Text)
	if err != nil {
		r.opts.Log.Error("content match failed", logx.Err(err))
	} else {
		r.ExecuteHandlers(ctx, handlers, host.IncomingEvent{
			Kind:    host.KindContent,
			Channel: msg.Channel,
			Message: &incoming,
		}, "", msg.Channel)
	}

	if msg.Reference == "" {
		return
	}
	watchers, err := r.opts.Store.MatchMessageID(ctx, msg.Guild, msg.Channel, msg.Reference)
	if err != nil {
		r.opts.Log.Error("reference match failed", logx.Err(err))
		return
	}
	r.ExecuteHandlers(ctx, watchers, host.IncomingEvent{
		Kind:    host.KindWatchReference,
		Channel: msg.Channel,
		Message: &incoming,
	}, "", msg.Channel)
}

// DispatchReaction routes a reaction added/removed on a watched message.
func (r *Router) DispatchReaction(ctx context.Context, re transport.Reaction, added bool) {
	handlers, err := r.opts.Store.MatchMessageID(ctx, re.Guild, re.Channel, re.MessageID)
	if err != nil {
		r.opts.Log.Error("reaction match failed", logx.Err(err))
		return
	}
	kind := host.KindReactionAdded
	if !added {
		kind = host.KindReactionRemoved
	}
	r.ExecuteHandlers(ctx, handlers, host.IncomingEvent{
		Kind:    kind,
		Channel: re.Channel,
		Reaction: &host.IncomingReaction{
			From:    re.From,
			With:    re.Emoji,
			Message: host.IncomingMessage{ID: re.MessageID},
		},
	}, "", re.Channel)
}

type outcome struct {
	bridge  *host.Context
	result  string
	err     error
	elapsed time.Duration
}

// ExecuteHandlers runs one dispatch round. Handlers are invoked concurrently
// and never share identity within a round; each outcome is independent. All
// handler mutations and invocation records persist in one batched call, and
// the round's completion signal is released afterwards - even when
// persistence fails, so request() continuations cannot deadlock on a storage
// error.
func (r *Router) ExecuteHandlers(ctx context.Context, handlers []*storage.Handler, ev host.IncomingEvent, defaultResult, currentChannel string) {
	if len(handlers) == 0 {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		r.opts.Log.Error("marshalling event failed", logx.Err(err))
		return
	}

	done := make(chan struct{})
	// The signal must fire no matter how finalization goes.
	defer close(done)

	outcomes := make([]outcome, len(handlers))
	var wg sync.WaitGroup
	for idx, h := range handlers {
		bridge := host.NewContext(host.Options{
			Platform:   r.opts.Platform,
			Store:      r.opts.Store,
			HTTPClient: r.opts.HTTPClient,
			Log:        r.opts.Log,
			Redispatch: r.reenter,
		}, h, currentChannel, done)

		wg.Add(1)
		go func(idx int, h *storage.Handler, bridge *host.Context) {
			defer wg.Done()
			start := time.Now()
			result, err := r.invoke(ctx, h, bridge, payload, defaultResult)
			outcomes[idx] = outcome{bridge: bridge, result: result, err: err, elapsed: time.Since(start)}
		}(idx, h, bridge)
	}
	wg.Wait()

	now := time.Now()
	updates := make([]storage.HandlerUpdate, 0, len(handlers))
	invocations := make([]storage.Invocation, 0, len(handlers))
	for idx, h := range handlers {
		o := outcomes[idx]

		cost := host.DurationCost(o.elapsed)
		result := o.result
		if o.err != nil {
			cost += host.ErrorSurcharge
			result = "error: " + o.err.Error()
			r.opts.Log.Warn("handler invocation failed",
				logx.String("handler", h.ID),
				logx.Err(o.err))
		}
		total := o.bridge.Charged() + h.ChargeFloor(cost)
		h.LifetimeCost += total

		updates = append(updates, storage.HandlerUpdate{
			ID:            h.ID,
			CurrentTokens: h.CurrentTokens,
			LastReset:     now,
			LifetimeCost:  h.LifetimeCost,
			Brain:         h.Brain,
			Logs:          h.Logs,
		})
		invocations = append(invocations, storage.Invocation{
			HandlerID:  h.ID,
			Result:     result,
			DurationMS: o.elapsed.Milliseconds(),
			Cost:       total,
			Logs:       o.bridge.Logs(),
			CreatedAt:  now,
		})
	}

	if err := r.opts.Store.FinalizeRound(ctx, updates, invocations); err != nil {
		r.opts.Log.Error("round finalization failed", logx.Err(err))
	}
}

// invoke runs one handler's plugin. A missing artifact is not an error: the
// handler simply yields the round's default result.
func (r *Router) invoke(ctx context.Context, h *storage.Handler, bridge *host.Context, payload []byte, defaultResult string) (string, error) {
	inst, err := r.opts.Pool.Acquire(ctx, r.opts.ExtensionID, h.UserID)
	if err != nil {
		if err == pool.ErrNotAvailable {
			return defaultResult, nil
		}
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, r.opts.InvokeTimeout)
	defer cancel()
	return inst.Invoke(cctx, bridge, payload)
}

func (r *Router) reenter(ctx context.Context, handlers []*storage.Handler, ev host.IncomingEvent, defaultResult, currentChannel string) {
	r.ExecuteHandlers(ctx, handlers, ev, defaultResult, currentChannel)
}
