// Package telegram adapts a Telegram bot connection to the transport.Platform
// contract. Logical channel names map to chat IDs via config, so plugins stay
// unaware of the underlying chat API.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/dylibso/discordbot/internal/eventbus"
	"github.com/dylibso/discordbot/internal/transport"
	logx "github.com/dylibso/discordbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Guild labels this deployment. Handler registrations carry the same
	// label, so channel resolution is scoped to it.
	Guild string
	// Channels maps logical channel names to chat IDs.
	Channels map[string]int64
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
	bus eventbus.Bus

	byName map[string]int64
	byID   map[int64]string

	seen *messageCache

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		Poller: &tele.LongPoller{
			Timeout:        timeout,
			AllowedUpdates: []string{"message", "message_reaction"},
		},
	})
	if err != nil {
		return nil, err
	}

	byName := make(map[string]int64, len(cfg.Channels))
	byID := make(map[int64]string, len(cfg.Channels))
	for name, id := range cfg.Channels {
		byName[name] = id
		byID[id] = name
	}

	return &Adapter{
		cfg:    cfg,
		log:    log,
		bot:    b,
		bus:    bus,
		byName: byName,
		byID:   byID,
		seen:   newMessageCache(512),
	}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(1)
	a.runMu.Unlock()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.Sender == nil {
			return nil
		}
		channel, ok := a.byID[m.Chat.ID]
		if !ok {
			// Unmapped chats are invisible to plugins.
			return nil
		}
		a.seen.remember(m.Chat.ID, m.ID)

		msg := transport.Message{
			ID:      strconv.Itoa(m.ID),
			Guild:   a.cfg.Guild,
			Channel: channel,
			Author:  senderName(m.Sender),
			Text:    m.Text,
		}
		if m.ReplyTo != nil {
			msg.Reference = strconv.Itoa(m.ReplyTo.ID)
		}
		a.bus.Publish(eventbus.Event{
			Type: eventbus.TypePlatformUpdate,
			Data: transport.Update{Kind: transport.UpdateMessage, Message: &msg},
		})
		return nil
	})

	a.bot.Handle(tele.OnMessageReaction, func(c tele.Context) error {
		a.handleReactionUpdate(c.Update().MessageReaction)
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started", logx.String("guild", a.cfg.Guild))
		a.bot.Start() // blocks until Stop
	}()

	return nil
}

// handleReactionUpdate turns one message_reaction update into added/removed
// events, one per emoji that changed between the old and new reaction sets.
func (a *Adapter) handleReactionUpdate(mr *tele.MessageReaction) {
	if mr == nil || mr.Chat == nil || mr.User == nil {
		return
	}
	channel, ok := a.byID[mr.Chat.ID]
	if !ok {
		return
	}
	from := senderName(mr.User)
	msgID := strconv.Itoa(mr.MessageID)

	for _, emoji := range diffReactions(mr.NewReaction, mr.OldReaction) {
		a.publishReaction(transport.UpdateReactionAdded, channel, msgID, from, emoji)
	}
	for _, emoji := range diffReactions(mr.OldReaction, mr.NewReaction) {
		a.publishReaction(transport.UpdateReactionRemoved, channel, msgID, from, emoji)
	}
}

func (a *Adapter) publishReaction(kind transport.UpdateKind, channel, msgID, from, emoji string) {
	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypePlatformUpdate,
		Data: transport.Update{
			Kind: kind,
			Reaction: &transport.Reaction{
				Guild:     a.cfg.Guild,
				Channel:   channel,
				MessageID: msgID,
				From:      from,
				Emoji:     emoji,
			},
		},
	})
}

// Stop is a best-effort graceful stop; shutdown never waits out a Telegram
// long-poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go a.bot.Stop()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) ResolveChannel(guild, channel string) (transport.ChannelRef, bool) {
	if guild != a.cfg.Guild {
		return transport.ChannelRef{}, false
	}
	id, ok := a.byName[channel]
	if !ok {
		return transport.ChannelRef{}, false
	}
	return transport.ChannelRef{
		Guild: guild,
		ID:    strconv.FormatInt(id, 10),
		Name:  channel,
	}, true
}

func (a *Adapter) HasMessage(ch transport.ChannelRef, messageID string) bool {
	chatID, err := strconv.ParseInt(ch.ID, 10, 64)
	if err != nil {
		return false
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return false
	}
	return a.seen.has(chatID, msgID)
}

func (a *Adapter) Send(ctx context.Context, ch transport.ChannelRef, text, replyTo string) (string, error) {
	chatID, err := strconv.ParseInt(ch.ID, 10, 64)
	if err != nil {
		return "", err
	}
	chat := &tele.Chat{ID: chatID}
	opts := &tele.SendOptions{}
	if replyTo != "" {
		replyID, err := strconv.Atoi(replyTo)
		if err != nil {
			return "", err
		}
		opts.ReplyTo = &tele.Message{ID: replyID, Chat: chat}
	}

	msg, err := a.bot.Send(chat, text, opts)
	if err != nil {
		return "", wrapTeleError(err)
	}
	a.seen.remember(chatID, msg.ID)
	return strconv.Itoa(msg.ID), nil
}

func (a *Adapter) React(ctx context.Context, ch transport.ChannelRef, messageID, emoji string) (string, error) {
	chatID, err := strconv.ParseInt(ch.ID, 10, 64)
	if err != nil {
		return "", err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return "", err
	}

	type reaction struct {
		Type  string `json:"type"`
		Emoji string `json:"emoji"`
	}
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": msgID,
		"reaction":   []reaction{{Type: "emoji", Emoji: emoji}},
	}
	if _, err := a.bot.Raw("setMessageReaction", payload); err != nil {
		return "", wrapTeleError(err)
	}
	return messageID + ":" + emoji, nil
}

// wrapTeleError converts a Telegram API error into a transport.Error so the
// capability bridge can surface the native code to plugins.
func wrapTeleError(err error) error {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return &transport.Error{Code: apiErr.Code, Message: apiErr.Description}
	}
	return err
}

func senderName(u *tele.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

// diffReactions returns emoji present in a but not in b.
func diffReactions(a, b []tele.Reaction) []string {
	var out []string
	for _, r := range a {
		if r.Emoji == "" {
			continue
		}
		found := false
		for _, o := range b {
			if o.Emoji == r.Emoji {
				found = true
				break
			}
		}
		if !found {
			out = append(out, r.Emoji)
		}
	}
	return out
}
