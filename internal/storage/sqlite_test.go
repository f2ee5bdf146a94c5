package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "github.com/dylibso/discordbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRegisterContentInterestIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	reg := RegisterContentInterest{
		RegisterInterest: RegisterInterest{Guild: "g", UserID: "alice", PluginName: "greeter"},
		Regex:            "hello",
	}
	id1, err := st.RegisterContentInterest(ctx, reg)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	id2, err := st.RegisterContentInterest(ctx, reg)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("re-registration minted a new handler: %s vs %s", id1, id2)
	}

	h, err := st.HandlerByID(ctx, id1)
	if err != nil {
		t.Fatalf("HandlerByID: %v", err)
	}
	if h.MaxTokens != 500 || h.CurrentTokens != 500 {
		t.Fatalf("regular tier tokens = %d/%d, want 500/500", h.CurrentTokens, h.MaxTokens)
	}
	if len(h.AllowedHosts) != 0 {
		t.Fatalf("regular tier should have no host access, got %v", h.AllowedHosts)
	}
	if !h.ChannelAllowed("bots") || h.ChannelAllowed("general") {
		t.Fatalf("regular tier channels wrong: %v", h.AllowedChannels)
	}
}

func TestRegisterAdminTier(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.RegisterContentInterest(ctx, RegisterContentInterest{
		RegisterInterest: RegisterInterest{Guild: "g", UserID: "root", PluginName: "ops", IsAdmin: true},
		Regex:            ".*",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h, err := st.HandlerByID(ctx, id)
	if err != nil {
		t.Fatalf("HandlerByID: %v", err)
	}
	if h.MaxTokens != 10000 {
		t.Fatalf("admin max tokens = %d, want 10000", h.MaxTokens)
	}
	if len(h.AllowedHosts) != 1 || h.AllowedHosts[0] != "*" {
		t.Fatalf("admin hosts = %v, want [*]", h.AllowedHosts)
	}
	if !h.ChannelAllowed("general") {
		t.Fatalf("admin channels = %v, want general allowed", h.AllowedChannels)
	}
}

func TestRegisterRejectsBadRegex(t *testing.T) {
	st := openTestStore(t)
	_, err := st.RegisterContentInterest(context.Background(), RegisterContentInterest{
		RegisterInterest: RegisterInterest{Guild: "g", UserID: "u", PluginName: "p"},
		Regex:            "([unclosed",
	})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestMatchContent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.RegisterContentInterest(ctx, RegisterContentInterest{
		RegisterInterest: RegisterInterest{Guild: "g", UserID: "alice", PluginName: "greeter"},
		Regex:            "^hello",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	matched, err := st.MatchContent(ctx, "g", "bots", "hello world")
	if err != nil {
		t.Fatalf("MatchContent: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != id {
		t.Fatalf("expected one match for %s, got %d", id, len(matched))
	}

	// Wrong channel: the handler's allow-list doesn't cover it.
	matched, err = st.MatchContent(ctx, "g", "general", "hello world")
	if err != nil {
		t.Fatalf("MatchContent: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("expected no matches in disallowed channel, got %d", len(matched))
	}

	// Non-matching content.
	matched, err = st.MatchContent(ctx, "g", "bots", "goodbye")
	if err != nil {
		t.Fatalf("MatchContent: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("expected no matches for non-matching content, got %d", len(matched))
	}

	// Wrong guild.
	matched, err = st.MatchContent(ctx, "other", "bots", "hello world")
	if err != nil {
		t.Fatalf("MatchContent: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("expected no matches in other guild, got %d", len(matched))
	}
}

func TestMatchContentDedupsMultipleInterests(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	reg := RegisterInterest{Guild: "g", UserID: "alice", PluginName: "greeter"}
	if _, err := st.RegisterContentInterest(ctx, RegisterContentInterest{RegisterInterest: reg, Regex: "hello"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := st.RegisterContentInterest(ctx, RegisterContentInterest{RegisterInterest: reg, Regex: "hel+o"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	matched, err := st.MatchContent(ctx, "g", "bots", "hello")
	if err != nil {
		t.Fatalf("MatchContent: %v", err)
	}
	if len(matched) != 1 {
		t.Fatalf("handler with two matching interests returned %d times", len(matched))
	}
}

func TestMatchContentSkipsExhausted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.RegisterContentInterest(ctx, RegisterContentInterest{
		RegisterInterest: RegisterInterest{Guild: "g", UserID: "alice", PluginName: "greeter"},
		Regex:            "hello",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Drain the bucket; LastReset now so no replenishment kicks in.
	err = st.FinalizeRound(ctx, []HandlerUpdate{{
		ID: id, CurrentTokens: 0, LastReset: time.Now(),
	}}, nil)
	if err != nil {
		t.Fatalf("FinalizeRound: %v", err)
	}

	matched, err := st.MatchContent(ctx, "g", "bots", "hello")
	if err != nil {
		t.Fatalf("MatchContent: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("exhausted handler should be excluded, got %d matches", len(matched))
	}
}

func TestMatchContentReplenishesExhausted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.RegisterContentInterest(ctx, RegisterContentInterest{
		RegisterInterest: RegisterInterest{Guild: "g", UserID: "alice", PluginName: "greeter"},
		Regex:            "hello",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Drained two minutes ago: lazy refill must bring it back.
	err = st.FinalizeRound(ctx, []HandlerUpdate{{
		ID: id, CurrentTokens: 0, LastReset: time.Now().Add(-2 * time.Minute),
	}}, nil)
	if err != nil {
		t.Fatalf("FinalizeRound: %v", err)
	}

	matched, err := st.MatchContent(ctx, "g", "bots", "hello")
	if err != nil {
		t.Fatalf("MatchContent: %v", err)
	}
	if len(matched) != 1 {
		t.Fatalf("replenished handler should match, got %d", len(matched))
	}
	if got := matched[0].CurrentTokens; got <= 0 {
		t.Fatalf("tokens after replenish = %d, want > 0", got)
	}
}

func TestMatchMessageID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.RegisterMessageIDInterest(ctx, RegisterMessageIDInterest{
		RegisterInterest: RegisterInterest{Guild: "g", UserID: "alice", PluginName: "watcher"},
		MessageID:        "42",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	matched, err := st.MatchMessageID(ctx, "g", "bots", "42")
	if err != nil {
		t.Fatalf("MatchMessageID: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != id {
		t.Fatalf("expected one watcher, got %d", len(matched))
	}

	matched, err = st.MatchMessageID(ctx, "g", "bots", "43")
	if err != nil {
		t.Fatalf("MatchMessageID: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("expected no watchers for other message, got %d", len(matched))
	}
}

func TestFinalizeRoundPersistsStateAndInvocations(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.RegisterContentInterest(ctx, RegisterContentInterest{
		RegisterInterest: RegisterInterest{Guild: "g", UserID: "alice", PluginName: "greeter"},
		Regex:            "hello",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	now := time.Now()
	err = st.FinalizeRound(ctx,
		[]HandlerUpdate{{
			ID:            id,
			CurrentTokens: 480,
			LastReset:     now,
			LifetimeCost:  20,
			Brain:         map[string]string{"mood": "chipper"},
			Logs:          []LogLine{{Level: "info", Message: "ran", At: now.UnixMilli()}},
		}},
		[]Invocation{{
			HandlerID:  id,
			Result:     "ok",
			DurationMS: 12,
			Cost:       20,
			Logs:       []LogLine{{Level: "info", Message: "ran", At: now.UnixMilli()}},
			CreatedAt:  now,
		}},
	)
	if err != nil {
		t.Fatalf("FinalizeRound: %v", err)
	}

	h, err := st.HandlerByID(ctx, id)
	if err != nil {
		t.Fatalf("HandlerByID: %v", err)
	}
	if h.CurrentTokens != 480 || h.LifetimeCost != 20 {
		t.Fatalf("handler state = tokens %d cost %d, want 480/20", h.CurrentTokens, h.LifetimeCost)
	}
	if h.Brain["mood"] != "chipper" {
		t.Fatalf("brain not persisted: %v", h.Brain)
	}
	if len(h.Logs) != 1 || h.Logs[0].Message != "ran" {
		t.Fatalf("logs not persisted: %v", h.Logs)
	}

	inv, err := st.LastInvocation(ctx, "alice", "greeter")
	if err != nil {
		t.Fatalf("LastInvocation: %v", err)
	}
	if inv.Result != "ok" || inv.Cost != 20 || inv.DurationMS != 12 {
		t.Fatalf("invocation = %+v", inv)
	}
	if len(inv.Logs) != 1 {
		t.Fatalf("invocation logs = %v", inv.Logs)
	}
}

func TestLastInvocationNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.LastInvocation(context.Background(), "nobody", "nothing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBrainProtoKeyNeverRoundTrips(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.RegisterContentInterest(ctx, RegisterContentInterest{
		RegisterInterest: RegisterInterest{Guild: "g", UserID: "alice", PluginName: "greeter"},
		Regex:            "hello",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Even if the key sneaks into a persisted update, rehydration drops it.
	err = st.FinalizeRound(ctx, []HandlerUpdate{{
		ID:            id,
		CurrentTokens: 500,
		LastReset:     time.Now(),
		Brain:         map[string]string{"__proto__": "evil", "ok": "fine"},
	}}, nil)
	if err != nil {
		t.Fatalf("FinalizeRound: %v", err)
	}

	h, err := st.HandlerByID(ctx, id)
	if err != nil {
		t.Fatalf("HandlerByID: %v", err)
	}
	if _, ok := h.Brain["__proto__"]; ok {
		t.Fatal("prototype key survived rehydration")
	}
	if h.Brain["ok"] != "fine" {
		t.Fatalf("legitimate key lost: %v", h.Brain)
	}
}

func TestArtifactCacheRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.ArtifactByInstall(ctx, "ext", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty cache, got %v", err)
	}

	data := []byte("return 1")
	err := st.PutArtifact(ctx, "ext", "alice", Artifact{
		ETag:        `"v1"`,
		ContentType: "text/x-lua",
		Data:        data,
	})
	if err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}

	art, err := st.ArtifactByInstall(ctx, "ext", "alice")
	if err != nil {
		t.Fatalf("ArtifactByInstall: %v", err)
	}
	if art.ETag != `"v1"` || string(art.Data) != "return 1" || art.Size != int64(len(data)) {
		t.Fatalf("artifact = %+v", art)
	}

	// New etag repoints the install; the old blob becomes orphaned.
	err = st.PutArtifact(ctx, "ext", "alice", Artifact{
		ETag:        `"v2"`,
		ContentType: "text/x-lua",
		Data:        []byte("return 2"),
	})
	if err != nil {
		t.Fatalf("PutArtifact v2: %v", err)
	}
	art, err = st.ArtifactByInstall(ctx, "ext", "alice")
	if err != nil {
		t.Fatalf("ArtifactByInstall v2: %v", err)
	}
	if art.ETag != `"v2"` {
		t.Fatalf("etag = %s, want v2", art.ETag)
	}

	pruned, err := st.PruneArtifacts(ctx)
	if err != nil {
		t.Fatalf("PruneArtifacts: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1 (the orphaned v1 blob)", pruned)
	}
}

func TestTouchInstall(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.PutArtifact(ctx, "ext", "alice", Artifact{
		ETag: `"v1"`, ContentType: "text/x-lua", Data: []byte("x"),
		LastFetch: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}

	now := time.Now()
	if err := st.TouchInstall(ctx, "ext", "alice", now); err != nil {
		t.Fatalf("TouchInstall: %v", err)
	}
	art, err := st.ArtifactByInstall(ctx, "ext", "alice")
	if err != nil {
		t.Fatalf("ArtifactByInstall: %v", err)
	}
	if art.LastFetch.UnixMilli() != now.UnixMilli() {
		t.Fatalf("last fetch = %v, want %v", art.LastFetch, now)
	}
}

func TestPruneInvocations(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.RegisterContentInterest(ctx, RegisterContentInterest{
		RegisterInterest: RegisterInterest{Guild: "g", UserID: "alice", PluginName: "greeter"},
		Regex:            "hello",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour)
	err = st.FinalizeRound(ctx, nil, []Invocation{
		{HandlerID: id, Result: "old", CreatedAt: old},
		{HandlerID: id, Result: "new", CreatedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("FinalizeRound: %v", err)
	}

	pruned, err := st.PruneInvocations(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneInvocations: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	inv, err := st.LastInvocation(ctx, "alice", "greeter")
	if err != nil {
		t.Fatalf("LastInvocation: %v", err)
	}
	if inv.Result != "new" {
		t.Fatalf("surviving invocation = %s, want new", inv.Result)
	}
}
