package agent

import (
	"time"

	"github.com/websmith/websmith/internal/llm"
	"github.com/websmith/websmith/internal/tools"
)

// oplogLimit bounds the operation log; the oldest entries fall off first.
const oplogLimit = 256

// oplogArgsMax caps recorded argument text so one large write_file call
// cannot dominate the log.
const oplogArgsMax = 400

// recordOp appends one tool invocation to the operation log.
func (a *Agent) recordOp(call llm.ToolCall, result tools.Result) {
	args := string(call.Input)
	if len(args) > oplogArgsMax {
		args = args[:oplogArgsMax] + "..."
	}
	entry := tools.HistoryEntry{
		Time:    time.Now().UTC(),
		Tool:    call.Name,
		Args:    args,
		Success: result.Success,
		Error:   result.Error,
	}
	a.mu.Lock()
	a.oplog = append(a.oplog, entry)
	if len(a.oplog) > oplogLimit {
		a.oplog = a.oplog[len(a.oplog)-oplogLimit:]
	}
	a.mu.Unlock()
}

// History implements tools.Historian. It returns up to limit of the most
// recent entries, oldest first.
func (a *Agent) History(limit int) []tools.HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.oplog)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]tools.HistoryEntry, n)
	copy(out, a.oplog[len(a.oplog)-n:])
	return out
}
