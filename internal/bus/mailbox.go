package bus

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

// DefaultMailboxCapacity is the soft cap on queued messages per agent.
const DefaultMailboxCapacity = 1024

var (
	// ErrMailboxClosed is returned by Put and Get after the mailbox is closed.
	ErrMailboxClosed = errors.New("mailbox is closed")
)

// queuedMessage pairs a message with its enqueue sequence so that ordering
// within one priority class stays FIFO.
type queuedMessage struct {
	msg   *Message
	seq   uint64
	index int // index in the heap (used by container/heap)
}

// messageHeap implements heap.Interface as a max-heap on priority, breaking
// ties by enqueue sequence.
type messageHeap []*queuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	// Higher priority first, then earlier enqueue
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *messageHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedMessage)
	item.index = n
	*h = append(*h, item)
}

func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// Mailbox is a per-agent bounded priority queue with a single consumer
// (the owning agent's inbox loop). Producers block cooperatively when the
// capacity is reached and are woken by consumption, close, or their context.
type Mailbox struct {
	agentID  string
	capacity int

	mu     sync.Mutex
	cond   *sync.Cond
	heap   messageHeap
	seq    uint64
	closed bool
}

// NewMailbox creates a mailbox for the given agent.
func NewMailbox(agentID string, capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	m := &Mailbox{
		agentID:  agentID,
		capacity: capacity,
		heap:     make(messageHeap, 0),
	}
	m.cond = sync.NewCond(&m.mu)
	heap.Init(&m.heap)
	return m
}

// AgentID returns the owning agent's ID.
func (m *Mailbox) AgentID() string {
	return m.agentID
}

// Put enqueues a message, blocking while the mailbox is full. It returns
// ErrMailboxClosed if the mailbox is closed and the context's error if the
// caller is canceled while waiting.
func (m *Mailbox) Put(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for !m.closed && len(m.heap) >= m.capacity {
		if err := m.wait(ctx); err != nil {
			return err
		}
	}
	if m.closed {
		return ErrMailboxClosed
	}

	m.seq++
	heap.Push(&m.heap, &queuedMessage{msg: msg, seq: m.seq})
	m.cond.Broadcast()
	return nil
}

// Get dequeues the highest-priority message, blocking while the mailbox is
// empty. A closed mailbox drains remaining messages before reporting
// ErrMailboxClosed.
func (m *Mailbox) Get(ctx context.Context) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.heap) == 0 && !m.closed {
		if err := m.wait(ctx); err != nil {
			return nil, err
		}
	}
	if len(m.heap) == 0 {
		return nil, ErrMailboxClosed
	}

	item := heap.Pop(&m.heap).(*queuedMessage)
	m.cond.Broadcast()
	return item.msg, nil
}

// TryGet dequeues without blocking. The boolean reports whether a message
// was available.
func (m *Mailbox) TryGet() (*Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.heap) == 0 {
		return nil, false
	}
	item := heap.Pop(&m.heap).(*queuedMessage)
	m.cond.Broadcast()
	return item.msg, true
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap)
}

// Close wakes all blocked producers and consumers. Pending messages remain
// readable through Get until drained.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cond.Broadcast()
}

// wait blocks on the condition variable until woken or the context ends.
// Must be called with m.mu held.
func (m *Mailbox) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	m.cond.Wait()
	stop()
	return ctx.Err()
}
