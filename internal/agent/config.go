// Package agent implements the common runtime every specialized agent is
// built on: the inbox loop, the task LLM loop, blocking ask and one-shot
// tell between peers, and the structured termination tools.
package agent

import (
	"time"

	"github.com/websmith/websmith/internal/tools"
)

// ExecutionConfig bounds a single agent's task execution.
type ExecutionConfig struct {
	TaskTimeout       time.Duration
	MaxRetries        int
	MaxToolIterations int
	AskTimeout        time.Duration
}

// Config is the per-agent constant configuration built by the
// orchestrator.
type Config struct {
	ID         string
	Name       string
	Execution  ExecutionConfig
	Categories []tools.Category

	// CanDeliver wires the deliver_project tool; only the user agent
	// sets it.
	CanDeliver bool
}

// Task is a unit of work dispatched by the orchestrator.
type Task struct {
	ID          string
	Description string
	Context     map[string]string
}
