package agent

import (
	"go.uber.org/zap"

	"github.com/websmith/websmith/internal/events"
)

// SetPlan implements tools.Controller.
func (a *Agent) SetPlan(steps []string) {
	a.mu.Lock()
	a.planSteps = steps
	a.planComplete = false
	a.mu.Unlock()
	a.log.Info("plan recorded", zap.Int("steps", len(steps)))
}

// CompletePlan marks the recorded plan verified. Fails when no plan was
// recorded first.
func (a *Agent) CompletePlan() error {
	a.deps.Events.Emit(events.VerifyStart, "verifying plan", map[string]interface{}{
		"agent_id": a.cfg.ID,
	})
	a.mu.Lock()
	steps := len(a.planSteps)
	if steps > 0 {
		a.planComplete = true
	}
	a.mu.Unlock()
	if steps == 0 {
		a.deps.Events.Emit(events.VerifyError, "no plan recorded", map[string]interface{}{
			"agent_id": a.cfg.ID,
		})
		return ErrNoPlan
	}
	a.deps.Events.Emit(events.VerifyPass, "plan verified", map[string]interface{}{
		"agent_id": a.cfg.ID, "steps": steps,
	})
	return nil
}

// Finish ends the current task. Refused until the plan is verified.
func (a *Agent) Finish(summary string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.planComplete {
		return ErrPlanNotDone
	}
	a.finished = true
	a.log.Info("finish accepted", zap.String("summary", summary))
	return nil
}

// Deliver closes the delivery handle. Only the user agent has it wired.
func (a *Agent) Deliver(summary string) error {
	if !a.cfg.CanDeliver {
		return ErrNotDeliverer
	}
	a.deliverOnce.Do(func() {
		a.log.Info("project delivered", zap.String("summary", summary))
		close(a.delivered)
	})
	return nil
}

// RecordNote stores one of the agent's own findings in its design bag.
func (a *Agent) RecordNote(topic, content string) {
	a.mu.Lock()
	a.designDocs[topic] = content
	a.mu.Unlock()
	a.deps.Events.Emit(events.MemoryUpdate, topic, map[string]interface{}{
		"agent_id": a.cfg.ID, "topic": topic,
	})
}

// Notes returns a merged copy of the requirement and design bags.
func (a *Agent) Notes() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.requirements)+len(a.designDocs))
	for k, v := range a.requirements {
		out[k] = v
	}
	for k, v := range a.designDocs {
		out[k] = v
	}
	return out
}

// Requirements returns a copy of the requirement bag.
func (a *Agent) Requirements() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.requirements))
	for k, v := range a.requirements {
		out[k] = v
	}
	return out
}
