// Package bus provides in-process message delivery between agents with
// point-to-point and publish/subscribe semantics.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Broadcast is the target ID that addresses every registered agent.
const Broadcast = "*"

// Priority orders messages within a mailbox. Higher priorities overtake
// lower ones; within one priority class delivery is FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// MessageType tags the payload variant carried by a message.
type MessageType string

const (
	TypeStatus       MessageType = "status"
	TypeTask         MessageType = "task"
	TypeQuestion     MessageType = "question"
	TypeAnswer       MessageType = "answer"
	TypeNotification MessageType = "notification"
	TypeShutdown     MessageType = "shutdown"
)

// Metadata carries extensible message annotations that the bus never
// interprets.
type Metadata struct {
	Subtype string            `json:"subtype,omitempty"`
	Context map[string]string `json:"context,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
	Persist bool              `json:"persist,omitempty"`
	Read    bool              `json:"read,omitempty"`
	Ack     bool              `json:"ack,omitempty"`
}

// Message is the unit of delivery on the bus. The payload is an opaque
// string, usually natural language or JSON.
type Message struct {
	ID            string      `json:"id"`
	SourceID      string      `json:"source_id"`
	TargetID      string      `json:"target_id"`
	Type          MessageType `json:"type"`
	Priority      Priority    `json:"priority"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	ReplyTo       string      `json:"reply_to,omitempty"`
	Payload       string      `json:"payload"`
	Metadata      Metadata    `json:"metadata"`
}

// NewMessage creates a message with a fresh UUID and current timestamp.
func NewMessage(msgType MessageType, source, target, payload string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		SourceID:  source,
		TargetID:  target,
		Type:      msgType,
		Priority:  PriorityNormal,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// WithPriority sets the priority and returns the message for chaining.
func (m *Message) WithPriority(p Priority) *Message {
	m.Priority = p
	return m
}

// WithSubtype sets the metadata subtype and returns the message for chaining.
func (m *Message) WithSubtype(subtype string) *Message {
	m.Metadata.Subtype = subtype
	return m
}
