// Package tools defines the tool contract exposed to agents and the
// concrete tools backed by the workspace, process manager, and message bus.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/websmith/websmith/internal/llm"
)

// Category groups tools for per-agent whitelisting.
type Category string

const (
	CategoryFilesystem    Category = "filesystem"
	CategoryProcess       Category = "process"
	CategoryCommunication Category = "communication"
	CategoryControl       Category = "control"
	CategoryAnalysis      Category = "analysis"
)

// Result is the structured outcome of a tool call. Failures are data, not
// errors; the agent loop feeds them back into the conversation.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK builds a successful result.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failed result with a formatted message.
func Fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Tool is a named, schema-described operation an agent can invoke.
type Tool interface {
	Name() string
	Description() string
	Category() Category
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) Result
}

// funcTool is the common Tool implementation used by the concrete tools.
type funcTool struct {
	name     string
	desc     string
	category Category
	schema   map[string]any
	fn       func(ctx context.Context, args map[string]any) Result
}

func (t *funcTool) Name() string           { return t.name }
func (t *funcTool) Description() string    { return t.desc }
func (t *funcTool) Category() Category     { return t.category }
func (t *funcTool) Schema() map[string]any { return t.schema }
func (t *funcTool) Execute(ctx context.Context, args map[string]any) Result {
	return t.fn(ctx, args)
}

// Registry holds an agent's tool set.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering the same name twice fails.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// RegisterAll adds every tool, stopping at the first failure.
func (r *Registry) RegisterAll(ts ...Tool) error {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns LLM tool definitions for the given categories, in
// name order. With no categories, every tool is included.
func (r *Registry) Definitions(allowed ...Category) []llm.ToolDefinition {
	allowedSet := make(map[Category]bool, len(allowed))
	for _, c := range allowed {
		allowedSet[c] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []llm.ToolDefinition
	for _, t := range r.tools {
		if len(allowedSet) > 0 && !allowedSet[t.Category()] {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Allowed reports whether the tool's category is in the whitelist. An
// empty whitelist allows everything.
func Allowed(t Tool, categories []Category) bool {
	if len(categories) == 0 {
		return true
	}
	for _, c := range categories {
		if t.Category() == c {
			return true
		}
	}
	return false
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok && v != ""
}

func optionalString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg accepts both float64 (JSON numbers) and int.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func stringSliceArg(args map[string]any, key string) ([]string, bool) {
	raw, ok := args[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
