package tools

import (
	"context"
	"time"
)

// HistoryEntry is one recorded tool invocation.
type HistoryEntry struct {
	Time    time.Time `json:"time"`
	Tool    string    `json:"tool"`
	Args    string    `json:"args,omitempty"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// Historian exposes an agent's recent tool invocations.
type Historian interface {
	History(limit int) []HistoryEntry
}

// HistoryTool lets the model review what it has already done in this task.
func HistoryTool(h Historian) Tool {
	return &funcTool{
		name:     "history",
		desc:     "Review your recent tool calls and their outcomes. Use this before repeating work you may have already done.",
		category: CategoryAnalysis,
		schema: objectSchema(nil, map[string]any{
			"limit": intProp("Maximum number of entries to return, most recent last, default 20"),
		}),
		fn: func(ctx context.Context, args map[string]any) Result {
			limit := 20
			if n, ok := intArg(args, "limit"); ok && n > 0 {
				limit = n
			}
			entries := h.History(limit)
			if len(entries) == 0 {
				return OK("no tool calls recorded yet")
			}
			return OK(entries)
		},
	}
}
