// Package events provides synchronous fan-out of run lifecycle events to
// registered listeners for progress reporting.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/websmith/websmith/internal/common/logger"
)

// EventType is the closed enumeration of lifecycle events.
type EventType string

const (
	PhaseStart    EventType = "phase_start"
	PhaseComplete EventType = "phase_complete"
	PhaseError    EventType = "phase_error"

	FilePlan     EventType = "file_plan"
	FileStart    EventType = "file_start"
	FileComplete EventType = "file_complete"
	FileError    EventType = "file_error"

	ToolCall   EventType = "tool_call"
	ToolResult EventType = "tool_result"

	ReflectStart  EventType = "reflect_start"
	ReflectResult EventType = "reflect_result"

	FixStart   EventType = "fix_start"
	FixApplied EventType = "fix_applied"

	VerifyStart EventType = "verify_start"
	VerifyError EventType = "verify_error"
	VerifyPass  EventType = "verify_pass"

	GenerationStart    EventType = "generation_start"
	GenerationComplete EventType = "generation_complete"
	GenerationError    EventType = "generation_error"

	MemoryUpdate EventType = "memory_update"
	ThinkStep    EventType = "think_step"
)

// Event is a single progress report.
type Event struct {
	Type      EventType              `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Listener receives events synchronously. Panicking listeners are
// recovered; emit never fails the producer.
type Listener func(Event)

// Emitter fans events out to all registered listeners in registration
// order, on the caller's goroutine.
type Emitter struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *logger.Logger
}

// NewEmitter creates an emitter with no listeners.
func NewEmitter(log *logger.Logger) *Emitter {
	if log == nil {
		log = logger.Default()
	}
	return &Emitter{logger: log.WithFields(zap.String("component", "events"))}
}

// AddListener registers a listener for all subsequent events.
func (e *Emitter) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Emit delivers the event to every listener. A panicking listener is
// swallowed and logged; the remaining listeners still run.
func (e *Emitter) Emit(eventType EventType, message string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	e.mu.RLock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()

	for _, l := range listeners {
		e.deliver(l, event)
	}
}

func (e *Emitter) deliver(l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked",
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	l(event)
}

// ConsoleListener prints one line per event to stdout.
func ConsoleListener() Listener {
	return func(event Event) {
		fmt.Printf("[%s] %s %s\n",
			event.Timestamp.Format("15:04:05"), event.Type, event.Message)
	}
}

// ZapListener logs events through the structured logger.
func ZapListener(log *logger.Logger) Listener {
	return func(event Event) {
		log.Info(event.Message,
			zap.String("event_type", string(event.Type)),
			zap.Any("data", event.Data))
	}
}

// JSONFileListener appends each event as a JSON line to the given file.
// Write failures are dropped; progress reporting never blocks the run.
func JSONFileListener(path string) (Listener, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	var mu sync.Mutex
	return func(event Event) {
		line, err := json.Marshal(event)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		_, _ = file.Write(append(line, '\n'))
	}, nil
}
