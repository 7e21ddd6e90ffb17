// Package task holds the task record persisted by the queue store and the
// static per-kind defaults every entry point consults.
package task

import (
	"strings"
	"time"
)

type Kind string

const (
	KindMonitor   Kind = "monitor"
	KindAnalytics Kind = "analytics"
	KindAssistant Kind = "assistant"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusError }

// Record is a queue row. Only the fields conductor reads or writes are mapped.
type Record struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"task_kind"`
	Status        Status     `json:"status"`
	Instruction   string     `json:"instruction_text,omitempty"`
	PartialOutput string     `json:"partial_output,omitempty"`
	FinalOutput   string     `json:"final_output,omitempty"`
	ErrorText     string     `json:"error_text,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Defaults is one row of the per-kind table.
type Defaults struct {
	Template    string
	Instruction string
	TurnBudget  int
}

var fallback = Defaults{
	Template:    "default",
	Instruction: "Carry out the request described in the task and report the outcome briefly.",
	TurnBudget:  20,
}

var table = map[Kind]Defaults{
	KindMonitor: {
		Template:    "monitor",
		Instruction: "Run the monitoring checklist against every tracked account and report anomalies only.",
		TurnBudget:  40,
	},
	KindAnalytics: {
		Template:    "analytics",
		Instruction: "Summarise ad spend and conversions for the last 24 hours, grouped by campaign.",
		TurnBudget:  30,
	},
	KindAssistant: {
		Template:    "assistant",
		Instruction: "You are answering a request sent from the dashboard. Keep the answer short and concrete.",
		TurnBudget:  15,
	},
}

// Lookup returns the defaults for k, falling back to the generic row for
// unknown kinds.
func Lookup(k Kind) Defaults {
	if d, ok := table[Normalize(k)]; ok {
		return d
	}
	return fallback
}

// Known reports whether k has its own row in the defaults table.
func Known(k Kind) bool {
	_, ok := table[Normalize(k)]
	return ok
}

func Normalize(k Kind) Kind { return Kind(strings.ToLower(strings.TrimSpace(string(k)))) }

// Kinds lists the kinds with their own defaults, in a stable order.
func Kinds() []Kind { return []Kind{KindMonitor, KindAnalytics, KindAssistant} }

// TurnBudget returns budget when positive, otherwise the kind's default.
func TurnBudget(k Kind, budget int) int {
	if budget > 0 {
		return budget
	}
	return Lookup(k).TurnBudget
}

// ResolveInstruction picks the instruction sent to the worker for rec.
// An explicit instruction replaces the kind default, except for the
// assistant kind where it is appended after the default preamble.
func ResolveInstruction(rec Record) string {
	explicit := strings.TrimSpace(rec.Instruction)
	def := Lookup(rec.Kind).Instruction
	switch {
	case explicit == "":
		return def
	case Normalize(rec.Kind) == KindAssistant:
		return def + "\n\n" + explicit
	default:
		return explicit
	}
}
