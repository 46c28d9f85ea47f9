package tools

import (
	"context"
)

// Controller is the slice of the agent runtime the control tools act on.
// Finish refuses until the plan has been verified; Deliver is only
// accepted by the user agent.
type Controller interface {
	SetPlan(steps []string)
	CompletePlan() error
	Finish(summary string) error
	Deliver(summary string) error
	RecordNote(topic, content string)
}

// ControlTools returns plan, verify_plan, and finish. deliver_project is
// separate so only the user agent registers it.
func ControlTools(ctrl Controller) []Tool {
	return []Tool{
		&funcTool{
			name:     "plan",
			desc:     "Record your step-by-step plan for the current task. Call this before doing the work.",
			category: CategoryControl,
			schema: objectSchema([]string{"steps"}, map[string]any{
				"steps": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Ordered plan steps",
				},
			}),
			fn: func(_ context.Context, args map[string]any) Result {
				steps, ok := stringSliceArg(args, "steps")
				if !ok || len(steps) == 0 {
					return Fail("plan: steps must be a non-empty list of strings")
				}
				ctrl.SetPlan(steps)
				return OK(map[string]any{"steps": len(steps)})
			},
		},
		&funcTool{
			name:     "verify_plan",
			desc:     "Confirm every step of your recorded plan is done. Required before finish is accepted.",
			category: CategoryControl,
			schema:   objectSchema(nil, map[string]any{}),
			fn: func(_ context.Context, args map[string]any) Result {
				if err := ctrl.CompletePlan(); err != nil {
					return Fail("verify_plan: %v", err)
				}
				return OK(map[string]any{"plan_complete": true})
			},
		},
		&funcTool{
			name:     "finish",
			desc:     "End the current task with a summary of what you produced. Refused until verify_plan has been called.",
			category: CategoryControl,
			schema: objectSchema([]string{"summary"}, map[string]any{
				"summary": stringProp("What was accomplished"),
			}),
			fn: func(_ context.Context, args map[string]any) Result {
				summary, ok := stringArg(args, "summary")
				if !ok {
					return Fail("finish: summary is required")
				}
				if err := ctrl.Finish(summary); err != nil {
					return Fail("finish: %v", err)
				}
				return OK(map[string]any{"finished": true})
			},
		},
	}
}

// DeliverTool returns deliver_project. Wire it into the user agent only.
func DeliverTool(ctrl Controller) Tool {
	return &funcTool{
		name:     "deliver_project",
		desc:     "Declare the whole application delivered and end the run. Only call this after every agent reported success and verification passed.",
		category: CategoryControl,
		schema: objectSchema([]string{"summary"}, map[string]any{
			"summary": stringProp("Final delivery summary"),
		}),
		fn: func(_ context.Context, args map[string]any) Result {
			summary, ok := stringArg(args, "summary")
			if !ok {
				return Fail("deliver_project: summary is required")
			}
			if err := ctrl.Deliver(summary); err != nil {
				return Fail("deliver_project: %v", err)
			}
			return OK(map[string]any{"delivered": true})
		},
	}
}

// NoteTool returns record_note, the analysis scratchpad.
func NoteTool(ctrl Controller) Tool {
	return &funcTool{
		name:     "record_note",
		desc:     "Record a finding or decision for later reference by yourself and your teammates.",
		category: CategoryAnalysis,
		schema: objectSchema([]string{"topic", "content"}, map[string]any{
			"topic":   stringProp("Short label for the note"),
			"content": stringProp("The note body"),
		}),
		fn: func(_ context.Context, args map[string]any) Result {
			topic, ok := stringArg(args, "topic")
			if !ok {
				return Fail("record_note: topic is required")
			}
			content, ok := stringArg(args, "content")
			if !ok {
				return Fail("record_note: content is required")
			}
			ctrl.RecordNote(topic, content)
			return OK(map[string]any{"topic": topic})
		},
	}
}
