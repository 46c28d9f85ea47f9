package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/websmith/websmith/internal/bus"
)

// Ask sends a question and blocks until the matching answer arrives or
// the timeout elapses. On timeout the pending slot is removed so a late
// answer is dropped by the pump.
func (a *Agent) Ask(ctx context.Context, target, question string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = a.cfg.Execution.AskTimeout
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	msg := bus.NewMessage(bus.TypeQuestion, a.cfg.ID, target, question).
		WithPriority(bus.PriorityHigh)
	msg.ReplyTo = a.cfg.ID
	msg.CorrelationID = msg.ID

	slot := make(chan *bus.Message, 1)
	a.mu.Lock()
	a.pending[msg.ID] = slot
	a.mu.Unlock()

	if err := a.deps.Bus.Send(ctx, msg); err != nil {
		a.removePending(msg.ID)
		return "", fmt.Errorf("ask %s: %w", target, err)
	}

	select {
	case answer := <-slot:
		return answer.Payload, nil
	case <-time.After(timeout):
		a.removePending(msg.ID)
		a.log.Warn("ask timed out",
			zap.String("target", target),
			zap.Duration("timeout", timeout))
		return "", fmt.Errorf("ask %s after %s: %w", target, timeout, ErrAskTimeout)
	case <-ctx.Done():
		a.removePending(msg.ID)
		return "", ctx.Err()
	}
}

func (a *Agent) removePending(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// pendingCount is used by tests to assert the slot map is empty.
func (a *Agent) pendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Tell sends a one-shot notification to a peer.
func (a *Agent) Tell(ctx context.Context, target, info, subtype string) error {
	msg := bus.NewMessage(bus.TypeNotification, a.cfg.ID, target, info)
	msg.Metadata.Subtype = subtype
	return a.deps.Bus.Send(ctx, msg)
}

// Broadcast tells every peer except those listed in exclude. A peer that
// unregistered mid-broadcast is skipped; partial failures are logged, not
// raised.
func (a *Agent) Broadcast(ctx context.Context, info, subtype string, exclude ...string) error {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	for _, peer := range a.peers {
		if skip[peer] {
			continue
		}
		if err := a.Tell(ctx, peer, info, subtype); err != nil {
			a.log.Debug("broadcast recipient skipped",
				zap.String("peer", peer), zap.Error(err))
		}
	}
	return nil
}

// AssignTask hands a unit of work to a peer. The peer queues it behind
// whatever it is already running; delivery does not wait for completion.
func (a *Agent) AssignTask(ctx context.Context, target, description string) error {
	msg := bus.NewMessage(bus.TypeTask, a.cfg.ID, target, description).
		WithPriority(bus.PriorityHigh)
	if err := a.deps.Bus.Send(ctx, msg); err != nil {
		return fmt.Errorf("assign task to %s: %w", target, err)
	}
	a.log.Info("task assigned",
		zap.String("target", target),
		zap.String("task_id", msg.ID))
	return nil
}
