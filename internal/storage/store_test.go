package storage

import (
	"strings"
	"testing"
	"time"
)

func TestChargeRefusesWithoutDeduction(t *testing.T) {
	t.Parallel()
	h := &Handler{MaxTokens: 500, CurrentTokens: 5}
	if h.Charge(10) {
		t.Fatal("charge should refuse when cost exceeds balance")
	}
	if h.CurrentTokens != 5 {
		t.Fatalf("refused charge mutated balance: %d", h.CurrentTokens)
	}
}

func TestChargeExactBalance(t *testing.T) {
	t.Parallel()
	h := &Handler{MaxTokens: 500, CurrentTokens: 10}
	if !h.Charge(10) {
		t.Fatal("charge should succeed at exact balance")
	}
	if h.CurrentTokens != 0 {
		t.Fatalf("tokens = %d, want 0", h.CurrentTokens)
	}
	// Empty bucket refuses everything, even zero cost.
	if h.Charge(0) {
		t.Fatal("empty bucket must refuse")
	}
}

func TestChargeFloorNeverGoesNegative(t *testing.T) {
	t.Parallel()
	h := &Handler{MaxTokens: 500, CurrentTokens: 30}
	got := h.ChargeFloor(100)
	if got != 30 {
		t.Fatalf("deducted = %d, want 30", got)
	}
	if h.CurrentTokens != 0 {
		t.Fatalf("tokens = %d, want 0", h.CurrentTokens)
	}
	if h.ChargeFloor(5) != 0 {
		t.Fatal("empty bucket should deduct nothing")
	}
}

func TestReplenishRateAndCap(t *testing.T) {
	t.Parallel()
	now := time.Now()
	h := &Handler{MaxTokens: 600, CurrentTokens: 0, LastReset: now.Add(-6 * time.Second)}

	// 600 max / 60 = 10 tokens per second.
	h.Replenish(now)
	if h.CurrentTokens != 60 {
		t.Fatalf("tokens = %d, want 60", h.CurrentTokens)
	}
	if !h.LastReset.Equal(now) {
		t.Fatal("replenish should advance the reset point")
	}

	// A long gap fills to the cap, never beyond.
	h.LastReset = now.Add(-time.Hour)
	h.Replenish(now)
	if h.CurrentTokens != 600 {
		t.Fatalf("tokens = %d, want cap 600", h.CurrentTokens)
	}
}

func TestReplenishSubSecondKeepsResetPoint(t *testing.T) {
	t.Parallel()
	now := time.Now()
	last := now.Add(-100 * time.Millisecond)
	h := &Handler{MaxTokens: 60, CurrentTokens: 10, LastReset: last}

	// Less than a whole token accrued: nothing is added and the reset
	// point stays put, so fractional progress isn't discarded.
	h.Replenish(now)
	if h.CurrentTokens != 10 {
		t.Fatalf("tokens = %d, want 10", h.CurrentTokens)
	}
	if !h.LastReset.Equal(last) {
		t.Fatal("reset point must not advance when no token was added")
	}
}

func TestVariablesRejectProtoKey(t *testing.T) {
	t.Parallel()
	h := &Handler{}
	h.SetVariable("__proto__", "evil")
	if h.GetVariable("__proto__") != "" {
		t.Fatal("prototype key must read empty")
	}
	if len(h.Brain) != 0 {
		t.Fatalf("prototype write landed: %v", h.Brain)
	}
	h.SetVariable("name", "zelda")
	if h.GetVariable("name") != "zelda" {
		t.Fatal("normal keys should round-trip")
	}
}

func TestAppendLogBounds(t *testing.T) {
	t.Parallel()
	h := &Handler{}
	long := strings.Repeat("x", MaxLogLineBytes+100)
	h.AppendLog("info", long, time.Now())
	if len(h.Logs[0].Message) != MaxLogLineBytes {
		t.Fatalf("message length = %d, want %d", len(h.Logs[0].Message), MaxLogLineBytes)
	}

	for i := 0; i < MaxHandlerLogLines+10; i++ {
		h.AppendLog("info", "line", time.Now())
	}
	if len(h.Logs) != MaxHandlerLogLines {
		t.Fatalf("ring size = %d, want %d", len(h.Logs), MaxHandlerLogLines)
	}
}
