package telegram

import (
	"reflect"
	"testing"

	tele "gopkg.in/telebot.v4"

	"github.com/dylibso/discordbot/internal/eventbus"
	"github.com/dylibso/discordbot/internal/transport"
	logx "github.com/dylibso/discordbot/pkg/logx"
)

func newTestAdapter(bus eventbus.Bus) *Adapter {
	return &Adapter{
		cfg:    Config{Guild: "testers", Channels: map[string]int64{"bots": 10}},
		log:    logx.Nop(),
		bus:    bus,
		byName: map[string]int64{"bots": 10},
		byID:   map[int64]string{10: "bots"},
		seen:   newMessageCache(16),
	}
}

func drainUpdates(ch <-chan eventbus.Event) []transport.Update {
	var out []transport.Update
	for {
		select {
		case e := <-ch:
			if up, ok := e.Data.(transport.Update); ok {
				out = append(out, up)
			}
		default:
			return out
		}
	}
}

func TestHandleReactionUpdate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		old  []tele.Reaction
		new  []tele.Reaction
		want []transport.Update
	}{
		{
			name: "added",
			new:  []tele.Reaction{{Type: "emoji", Emoji: "👍"}},
			want: []transport.Update{{
				Kind: transport.UpdateReactionAdded,
				Reaction: &transport.Reaction{
					Guild: "testers", Channel: "bots", MessageID: "7", From: "alice", Emoji: "👍",
				},
			}},
		},
		{
			name: "removed",
			old:  []tele.Reaction{{Type: "emoji", Emoji: "👍"}},
			want: []transport.Update{{
				Kind: transport.UpdateReactionRemoved,
				Reaction: &transport.Reaction{
					Guild: "testers", Channel: "bots", MessageID: "7", From: "alice", Emoji: "👍",
				},
			}},
		},
		{
			name: "swapped",
			old:  []tele.Reaction{{Type: "emoji", Emoji: "👍"}},
			new:  []tele.Reaction{{Type: "emoji", Emoji: "🔥"}},
			want: []transport.Update{
				{
					Kind: transport.UpdateReactionAdded,
					Reaction: &transport.Reaction{
						Guild: "testers", Channel: "bots", MessageID: "7", From: "alice", Emoji: "🔥",
					},
				},
				{
					Kind: transport.UpdateReactionRemoved,
					Reaction: &transport.Reaction{
						Guild: "testers", Channel: "bots", MessageID: "7", From: "alice", Emoji: "👍",
					},
				},
			},
		},
		{
			name: "unchanged",
			old:  []tele.Reaction{{Type: "emoji", Emoji: "👍"}},
			new:  []tele.Reaction{{Type: "emoji", Emoji: "👍"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			bus := eventbus.New()
			ch, unsub := bus.Subscribe(8)
			defer unsub()
			a := newTestAdapter(bus)

			a.handleReactionUpdate(&tele.MessageReaction{
				Chat:        &tele.Chat{ID: 10},
				MessageID:   7,
				User:        &tele.User{Username: "alice"},
				OldReaction: tc.old,
				NewReaction: tc.new,
			})

			got := drainUpdates(ch)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("updates = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestHandleReactionUpdateIgnoresUnmappedChat(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	a := newTestAdapter(bus)

	a.handleReactionUpdate(&tele.MessageReaction{
		Chat:        &tele.Chat{ID: 99},
		MessageID:   7,
		User:        &tele.User{Username: "alice"},
		NewReaction: []tele.Reaction{{Type: "emoji", Emoji: "👍"}},
	})
	if got := drainUpdates(ch); len(got) != 0 {
		t.Fatalf("unmapped chat published %d updates", len(got))
	}
}

func TestHandleReactionUpdateIgnoresPartialUpdates(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	a := newTestAdapter(bus)

	a.handleReactionUpdate(nil)
	a.handleReactionUpdate(&tele.MessageReaction{MessageID: 7, User: &tele.User{ID: 1}})
	a.handleReactionUpdate(&tele.MessageReaction{Chat: &tele.Chat{ID: 10}, MessageID: 7})
	if got := drainUpdates(ch); len(got) != 0 {
		t.Fatalf("partial updates published %d events", len(got))
	}
}

func TestDiffReactions(t *testing.T) {
	t.Parallel()
	thumbs := tele.Reaction{Type: "emoji", Emoji: "👍"}
	fire := tele.Reaction{Type: "emoji", Emoji: "🔥"}

	cases := []struct {
		name string
		a, b []tele.Reaction
		want []string
	}{
		{"both empty", nil, nil, nil},
		{"all new", []tele.Reaction{thumbs, fire}, nil, []string{"👍", "🔥"}},
		{"all present", []tele.Reaction{thumbs}, []tele.Reaction{thumbs}, nil},
		{"partial", []tele.Reaction{thumbs, fire}, []tele.Reaction{thumbs}, []string{"🔥"}},
		{"empty emoji skipped", []tele.Reaction{{Type: "custom_emoji"}}, nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := diffReactions(tc.a, tc.b); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("diff = %v, want %v", got, tc.want)
			}
		})
	}
}
