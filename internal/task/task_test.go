package task

import (
	"strings"
	"testing"
)

func TestLookupFallsBackForUnknownKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind     Kind
		template string
		budget   int
	}{
		{KindMonitor, "monitor", 40},
		{KindAnalytics, "analytics", 30},
		{KindAssistant, "assistant", 15},
		{" Monitor ", "monitor", 40},
		{"scrape", "default", 20},
		{"", "default", 20},
	}
	for _, tt := range tests {
		d := Lookup(tt.kind)
		if d.Template != tt.template || d.TurnBudget != tt.budget {
			t.Fatalf("Lookup(%q) = %+v", tt.kind, d)
		}
	}
}

func TestTurnBudget(t *testing.T) {
	t.Parallel()
	if got := TurnBudget(KindMonitor, 0); got != 40 {
		t.Fatalf("default budget = %d", got)
	}
	if got := TurnBudget(KindMonitor, -3); got != 40 {
		t.Fatalf("negative budget = %d", got)
	}
	if got := TurnBudget(KindMonitor, 7); got != 7 {
		t.Fatalf("explicit budget = %d", got)
	}
}

func TestResolveInstruction(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rec  Record
		want func(string) bool
	}{
		{
			name: "default when empty",
			rec:  Record{Kind: KindAnalytics},
			want: func(s string) bool { return s == Lookup(KindAnalytics).Instruction },
		},
		{
			name: "whitespace counts as empty",
			rec:  Record{Kind: KindMonitor, Instruction: "  \n"},
			want: func(s string) bool { return s == Lookup(KindMonitor).Instruction },
		},
		{
			name: "explicit replaces",
			rec:  Record{Kind: KindMonitor, Instruction: "check account 42"},
			want: func(s string) bool { return s == "check account 42" },
		},
		{
			name: "assistant appends after preamble",
			rec:  Record{Kind: KindAssistant, Instruction: "ping"},
			want: func(s string) bool {
				return strings.HasPrefix(s, Lookup(KindAssistant).Instruction) && strings.HasSuffix(s, "\n\nping")
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ResolveInstruction(tt.rec); !tt.want(got) {
				t.Fatalf("ResolveInstruction = %q", got)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	if StatusPending.Terminal() || StatusRunning.Terminal() {
		t.Fatal("pending/running must not be terminal")
	}
	if !StatusDone.Terminal() || !StatusError.Terminal() {
		t.Fatal("done/error must be terminal")
	}
}
