package tools

import (
	"context"
	"time"
)

const defaultAskTimeout = 2 * time.Minute

// Communicator is the slice of the agent runtime the communication tools
// call back into.
type Communicator interface {
	Ask(ctx context.Context, target, question string, timeout time.Duration) (string, error)
	Tell(ctx context.Context, target, info, subtype string) error
	Broadcast(ctx context.Context, info, subtype string, exclude ...string) error
	AssignTask(ctx context.Context, target, description string) error
	Peers() []string
}

// CommunicationTools returns ask_agent, tell_agent, broadcast, and
// assign_task bound to the given runtime.
func CommunicationTools(comm Communicator) []Tool {
	return []Tool{
		&funcTool{
			name:     "ask_agent",
			desc:     "Ask another agent a question and wait for their answer. Blocks until the answer arrives or the timeout elapses.",
			category: CategoryCommunication,
			schema: objectSchema([]string{"target", "question"}, map[string]any{
				"target":          stringProp("Agent id to ask, one of the team members"),
				"question":        stringProp("The question"),
				"timeout_seconds": intProp("How long to wait for an answer, default 120"),
			}),
			fn: func(ctx context.Context, args map[string]any) Result {
				target, ok := stringArg(args, "target")
				if !ok {
					return Fail("ask_agent: target is required")
				}
				question, ok := stringArg(args, "question")
				if !ok {
					return Fail("ask_agent: question is required")
				}
				timeout := defaultAskTimeout
				if secs, ok := intArg(args, "timeout_seconds"); ok && secs > 0 {
					timeout = time.Duration(secs) * time.Second
				}
				answer, err := comm.Ask(ctx, target, question, timeout)
				if err != nil {
					return Fail("ask_agent %s: %v", target, err)
				}
				return OK(map[string]any{"target": target, "answer": answer})
			},
		},
		&funcTool{
			name:     "tell_agent",
			desc:     "Send information to another agent without waiting for a reply.",
			category: CategoryCommunication,
			schema: objectSchema([]string{"target", "info"}, map[string]any{
				"target":  stringProp("Agent id to notify"),
				"info":    stringProp("The information to pass along"),
				"subtype": stringProp("Optional label such as status, warning, or error"),
			}),
			fn: func(ctx context.Context, args map[string]any) Result {
				target, ok := stringArg(args, "target")
				if !ok {
					return Fail("tell_agent: target is required")
				}
				info, ok := stringArg(args, "info")
				if !ok {
					return Fail("tell_agent: info is required")
				}
				if err := comm.Tell(ctx, target, info, optionalString(args, "subtype")); err != nil {
					return Fail("tell_agent %s: %v", target, err)
				}
				return OK(map[string]any{"target": target})
			},
		},
		&funcTool{
			name:     "broadcast",
			desc:     "Send information to every other agent on the team.",
			category: CategoryCommunication,
			schema: objectSchema([]string{"info"}, map[string]any{
				"info":    stringProp("The information to announce"),
				"subtype": stringProp("Optional label such as status or warning"),
				"exclude": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Agent ids to leave out",
				},
			}),
			fn: func(ctx context.Context, args map[string]any) Result {
				info, ok := stringArg(args, "info")
				if !ok {
					return Fail("broadcast: info is required")
				}
				exclude, _ := stringSliceArg(args, "exclude")
				if err := comm.Broadcast(ctx, info, optionalString(args, "subtype"), exclude...); err != nil {
					return Fail("broadcast: %v", err)
				}
				skip := make(map[string]bool, len(exclude))
				for _, id := range exclude {
					skip[id] = true
				}
				recipients := make([]string, 0, len(comm.Peers()))
				for _, p := range comm.Peers() {
					if !skip[p] {
						recipients = append(recipients, p)
					}
				}
				return OK(map[string]any{"recipients": recipients})
			},
		},
		&funcTool{
			name:     "assign_task",
			desc:     "Delegate a unit of work to another agent. The task is queued on their mailbox; use ask_agent afterwards to check on progress.",
			category: CategoryCommunication,
			schema: objectSchema([]string{"target", "description"}, map[string]any{
				"target":      stringProp("Agent id to delegate to, one of the team members"),
				"description": stringProp("Full description of the work, including any context the agent needs"),
			}),
			fn: func(ctx context.Context, args map[string]any) Result {
				target, ok := stringArg(args, "target")
				if !ok {
					return Fail("assign_task: target is required")
				}
				description, ok := stringArg(args, "description")
				if !ok {
					return Fail("assign_task: description is required")
				}
				if err := comm.AssignTask(ctx, target, description); err != nil {
					return Fail("assign_task %s: %v", target, err)
				}
				return OK(map[string]any{"target": target, "queued": true})
			},
		},
	}
}
