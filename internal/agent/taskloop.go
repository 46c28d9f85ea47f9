package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/websmith/websmith/internal/events"
	"github.com/websmith/websmith/internal/llm"
	"github.com/websmith/websmith/internal/prompt"
	"github.com/websmith/websmith/internal/tools"
	"github.com/websmith/websmith/internal/tracing"
)

const retryBackoff = 500 * time.Millisecond

// runTask drives the bounded LLM/tool loop for one task. It returns when
// finish or deliver_project is accepted, the iteration cap is reached, or
// the task timeout elapses. Tool failures are fed back into the
// conversation, never raised.
func (a *Agent) runTask(ctx context.Context, task Task) error {
	ctx, span := tracing.Tracer("websmith-agent").Start(ctx, "agent.task")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.id", a.cfg.ID),
		attribute.String("task.id", task.ID),
	)

	taskCtx := ctx
	if a.cfg.Execution.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, a.cfg.Execution.TaskTimeout)
		defer cancel()
	}

	a.mu.Lock()
	a.finished = false
	a.planComplete = false
	a.planSteps = nil
	a.mu.Unlock()

	a.log.Info("task started", zap.String("task_id", task.ID))
	a.deps.Events.Emit(events.PhaseStart, "task started", map[string]interface{}{
		"agent_id": a.cfg.ID, "task_id": task.ID,
	})

	req := &llm.Request{
		System:   a.systemPrompt(task.Description),
		Tools:    a.registry.Definitions(a.cfg.Categories...),
		Messages: []llm.Message{{Role: llm.RoleUser, Content: taskPrompt(task)}},
	}

	maxIter := a.cfg.Execution.MaxToolIterations
	if maxIter <= 0 {
		maxIter = 50
	}
	for i := 0; i < maxIter; i++ {
		completion, err := a.generate(taskCtx, req)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			a.deps.Events.Emit(events.PhaseError, "task aborted", map[string]interface{}{
				"agent_id": a.cfg.ID, "task_id": task.ID, "error": err.Error(),
			})
			return fmt.Errorf("task %s: %w", task.ID, err)
		}

		if len(completion.ToolCalls) == 0 {
			// Free text with no tool call is a think step.
			a.deps.Events.Emit(events.ThinkStep, completion.Content, map[string]interface{}{
				"agent_id": a.cfg.ID,
			})
			req.Messages = append(req.Messages,
				llm.Message{Role: llm.RoleAssistant, Content: completion.Content},
				llm.Message{Role: llm.RoleUser, Content: "Continue. Use your tools, and call finish when the task is done."},
			)
			continue
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Content: completion.Content, ToolCalls: completion.ToolCalls}
		feedback := llm.Message{Role: llm.RoleUser}
		for _, call := range completion.ToolCalls {
			result := a.dispatchTool(taskCtx, call)
			payload, err := json.Marshal(result)
			if err != nil {
				payload = []byte(fmt.Sprintf(`{"success":false,"error":"unserializable result: %s"}`, err))
			}
			feedback.ToolResults = append(feedback.ToolResults, llm.ToolResult{
				ToolCallID: call.ID,
				Content:    string(payload),
				IsError:    !result.Success,
			})
		}
		req.Messages = append(req.Messages, assistant, feedback)

		if a.terminated() {
			a.log.Info("task finished", zap.String("task_id", task.ID))
			a.deps.Events.Emit(events.PhaseComplete, "task finished", map[string]interface{}{
				"agent_id": a.cfg.ID, "task_id": task.ID,
			})
			return nil
		}
	}

	if err := taskCtx.Err(); err != nil {
		return fmt.Errorf("task %s timed out: %w", task.ID, err)
	}
	return fmt.Errorf("task %s: tool iteration cap %d reached without finish", task.ID, maxIter)
}

func taskPrompt(task Task) string {
	var b strings.Builder
	b.WriteString(task.Description)
	if len(task.Context) > 0 {
		b.WriteString("\n\nContext:\n")
		for k, v := range task.Context {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	return b.String()
}

// dispatchTool validates the category whitelist, executes the tool, and
// emits the call/result events. Unknown tools and bad arguments come back
// as failed results.
func (a *Agent) dispatchTool(ctx context.Context, call llm.ToolCall) tools.Result {
	ctx, span := tracing.Tracer("websmith-agent").Start(ctx, "tool."+call.Name)
	defer span.End()

	a.deps.Events.Emit(events.ToolCall, call.Name, map[string]interface{}{
		"agent_id": a.cfg.ID, "tool": call.Name,
	})

	result := a.executeTool(ctx, call)
	a.recordOp(call, result)

	a.deps.Events.Emit(events.ToolResult, call.Name, map[string]interface{}{
		"agent_id": a.cfg.ID, "tool": call.Name, "success": result.Success,
	})
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
		a.log.Warn("tool failed", zap.String("tool", call.Name), zap.String("error", result.Error))
	}
	return result
}

func (a *Agent) executeTool(ctx context.Context, call llm.ToolCall) tools.Result {
	tool, ok := a.registry.Get(call.Name)
	if !ok {
		return tools.Fail("unknown tool %q, available tools: %s", call.Name, strings.Join(a.registry.Names(), ", "))
	}
	if !tools.Allowed(tool, a.cfg.Categories) {
		return tools.Fail("tool %q (category %s) is not available to this agent", call.Name, tool.Category())
	}
	args := map[string]any{}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return tools.Fail("malformed arguments for %q: %v", call.Name, err)
		}
	}
	return tool.Execute(ctx, args)
}

// generate calls the LLM with bounded retries. Rate limits and transient
// failures back off linearly; context cancellation stops retrying.
func (a *Agent) generate(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	retries := a.cfg.Execution.MaxRetries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * retryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		completion, err := a.deps.LLM.Generate(ctx, req)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		a.log.Warn("llm call failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("llm generate after %d attempts: %w", retries+1, lastErr)
}

func (a *Agent) systemPrompt(requirement string) string {
	data := prompt.Data{
		AgentID:     a.cfg.ID,
		Requirement: requirement,
		Peers:       a.peers,
	}
	if gc := a.deps.GenCtx; gc != nil {
		data.RunName = gc.RunName
		data.Goal = gc.Goal
		data.Ports = gc.Ports
		if gc.Credentials != nil {
			data.Credentials = *gc.Credentials
		}
	}
	return a.deps.Prompts.Render(a.cfg.ID, data)
}

func (a *Agent) terminated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return true
	}
	select {
	case <-a.delivered:
		return true
	default:
		return false
	}
}
