package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/websmith/websmith/internal/common/logger"
)

var (
	// ErrUnknownTarget is returned by Send when the target agent has no mailbox.
	ErrUnknownTarget = errors.New("unknown target agent")
	// ErrAlreadyRegistered is returned when an agent ID is registered twice.
	ErrAlreadyRegistered = errors.New("agent already registered")
	// ErrBusStopped is returned by operations on a stopped bus.
	ErrBusStopped = errors.New("message bus is stopped")
)

// MessageBus delivers messages between agents in-process. Point-to-point
// delivery goes to the target's mailbox; publish delivers an independent
// enqueue per topic subscriber. The bus never interprets payloads.
type MessageBus struct {
	mu        sync.RWMutex
	mailboxes map[string]*Mailbox
	topics    map[string]map[string]bool // topic -> set of agent IDs
	capacity  int
	started   bool
	stopped   bool
	logger    *logger.Logger
}

// NewMessageBus creates a bus with the given per-mailbox capacity.
// A capacity of zero uses DefaultMailboxCapacity.
func NewMessageBus(capacity int, log *logger.Logger) *MessageBus {
	if log == nil {
		log = logger.Default()
	}
	return &MessageBus{
		mailboxes: make(map[string]*Mailbox),
		topics:    make(map[string]map[string]bool),
		capacity:  capacity,
		logger:    log.WithFields(zap.String("component", "message-bus")),
	}
}

// Start marks the bus ready for delivery. Idempotent.
func (b *MessageBus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.stopped = false
	b.logger.Info("message bus started")
}

// Stop closes every mailbox, waking any blocked senders, and rejects
// further registrations and sends. Idempotent.
func (b *MessageBus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	for _, mb := range b.mailboxes {
		mb.Close()
	}
	b.logger.Info("message bus stopped", zap.Int("mailboxes", len(b.mailboxes)))
}

// RegisterAgent creates and returns the agent's mailbox. Duplicate
// registration fails with ErrAlreadyRegistered.
func (b *MessageBus) RegisterAgent(agentID string) (*Mailbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return nil, ErrBusStopped
	}
	if _, exists := b.mailboxes[agentID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, agentID)
	}

	mb := NewMailbox(agentID, b.capacity)
	b.mailboxes[agentID] = mb
	b.logger.Debug("agent registered", zap.String("agent_id", agentID))
	return mb, nil
}

// UnregisterAgent removes the agent's mailbox and topic subscriptions.
// Its mailbox is closed; pending messages are dropped with the mailbox.
func (b *MessageBus) UnregisterAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mb, ok := b.mailboxes[agentID]
	if !ok {
		return
	}
	mb.Close()
	delete(b.mailboxes, agentID)
	for _, subscribers := range b.topics {
		delete(subscribers, agentID)
	}
	b.logger.Debug("agent unregistered", zap.String("agent_id", agentID))
}

// Registered reports whether the agent currently has a mailbox.
func (b *MessageBus) Registered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.mailboxes[agentID]
	return ok
}

// AgentIDs returns the IDs of all registered agents.
func (b *MessageBus) AgentIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		ids = append(ids, id)
	}
	return ids
}

// Send enqueues the message on its target's mailbox. The send is
// fire-and-forget at the sender once enqueued; a full mailbox blocks
// cooperatively until space frees, the bus stops, or ctx is canceled.
func (b *MessageBus) Send(ctx context.Context, msg *Message) error {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return ErrBusStopped
	}
	mb, ok := b.mailboxes[msg.TargetID]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("send to unknown target",
			zap.String("source", msg.SourceID),
			zap.String("target", msg.TargetID),
			zap.String("type", string(msg.Type)))
		return fmt.Errorf("%w: %s", ErrUnknownTarget, msg.TargetID)
	}

	if err := mb.Put(ctx, msg); err != nil {
		return fmt.Errorf("deliver to %s: %w", msg.TargetID, err)
	}
	b.logger.Debug("message delivered",
		zap.String("message_id", msg.ID),
		zap.String("source", msg.SourceID),
		zap.String("target", msg.TargetID),
		zap.String("type", string(msg.Type)),
		zap.String("priority", msg.Priority.String()))
	return nil
}

// Subscribe adds the agent to a topic. Unknown agents fail with
// ErrUnknownTarget.
func (b *MessageBus) Subscribe(agentID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.mailboxes[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, agentID)
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]bool)
	}
	b.topics[topic][agentID] = true
	return nil
}

// Unsubscribe removes the agent from a topic. Unknown subscriptions are a
// no-op.
func (b *MessageBus) Unsubscribe(agentID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subscribers, ok := b.topics[topic]; ok {
		delete(subscribers, agentID)
	}
}

// Publish delivers a copy of the message to every current subscriber of the
// topic by independent enqueue. A subscriber that unregistered between
// snapshot and delivery is silently dropped and logged.
func (b *MessageBus) Publish(ctx context.Context, topic string, msg *Message) error {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return ErrBusStopped
	}
	targets := make([]*Mailbox, 0, len(b.topics[topic]))
	missing := make([]string, 0)
	for agentID := range b.topics[topic] {
		if mb, ok := b.mailboxes[agentID]; ok {
			targets = append(targets, mb)
		} else {
			missing = append(missing, agentID)
		}
	}
	b.mu.RUnlock()

	for _, agentID := range missing {
		b.logger.Debug("publish target no longer registered, dropping",
			zap.String("topic", topic), zap.String("agent_id", agentID))
	}

	var errs []error
	for _, mb := range targets {
		delivered := *msg
		delivered.TargetID = mb.AgentID()
		if err := mb.Put(ctx, &delivered); err != nil {
			errs = append(errs, fmt.Errorf("deliver to %s: %w", mb.AgentID(), err))
		}
	}
	return errors.Join(errs...)
}
