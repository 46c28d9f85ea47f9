package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/websmith/websmith/internal/bus"
	"github.com/websmith/websmith/internal/common/logger"
	"github.com/websmith/websmith/internal/events"
	"github.com/websmith/websmith/internal/gencontext"
	"github.com/websmith/websmith/internal/llm"
	"github.com/websmith/websmith/internal/procmgr"
	"github.com/websmith/websmith/internal/prompt"
	"github.com/websmith/websmith/internal/tools"
	"github.com/websmith/websmith/internal/workspace"
)

var (
	ErrAskTimeout    = errors.New("agent: ask timed out")
	ErrNoPlan        = errors.New("agent: no plan recorded")
	ErrPlanNotDone   = errors.New("agent: plan not verified, call verify_plan first")
	ErrNotDeliverer  = errors.New("agent: only the user agent may deliver the project")
	ErrTaskQueueFull = errors.New("agent: task queue is full")
	ErrNotReady      = errors.New("agent: not ready in time")
)

const taskQueueCapacity = 4

// Deps are the shared collaborators every agent runs against.
type Deps struct {
	Bus       *bus.MessageBus
	Workspace *workspace.Manager
	Processes *procmgr.Manager
	LLM       llm.Client
	Events    *events.Emitter
	Prompts   *prompt.Engine
	GenCtx    *gencontext.GenerationContext
	Logger    *logger.Logger
}

// Agent is the base runtime. Specialized agents differ only in their
// Config (role, categories, delivery rights) and prompt.
type Agent struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	mailbox  *bus.Mailbox
	registry *tools.Registry
	peers    []string

	mu           sync.Mutex
	pending      map[string]chan *bus.Message
	planSteps    []string
	planComplete bool
	finished     bool
	requirements map[string]string
	designDocs   map[string]string
	oplog        []tools.HistoryEntry

	ready       chan struct{}
	readyOnce   sync.Once
	tasks       chan Task
	inbox       chan *bus.Message
	delivered   chan struct{}
	deliverOnce sync.Once
}

// New builds an agent. Peers must be set before Run.
func New(cfg Config, deps Deps) *Agent {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Agent{
		cfg:          cfg,
		deps:         deps,
		log:          log.WithAgentID(cfg.ID),
		pending:      make(map[string]chan *bus.Message),
		requirements: make(map[string]string),
		designDocs:   make(map[string]string),
		ready:        make(chan struct{}),
		tasks:        make(chan Task, taskQueueCapacity),
		inbox:        make(chan *bus.Message, 16),
		delivered:    make(chan struct{}),
	}
}

// ID returns the agent's stable identifier.
func (a *Agent) ID() string { return a.cfg.ID }

// SetPeers records the other agents' IDs for broadcast and the prompt's
// team catalogue. Must be called before Run.
func (a *Agent) SetPeers(peers []string) {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if p != a.cfg.ID {
			out = append(out, p)
		}
	}
	a.peers = out
}

// Peers implements tools.Communicator.
func (a *Agent) Peers() []string { return a.peers }

// Run registers the agent on the bus, attaches its tools, raises the
// ready signal, and drives the inbox/task loop until shutdown.
func (a *Agent) Run(ctx context.Context) error {
	mb, err := a.deps.Bus.RegisterAgent(a.cfg.ID)
	if err != nil {
		return fmt.Errorf("agent %s: %w", a.cfg.ID, err)
	}
	a.mailbox = mb
	defer a.deps.Bus.UnregisterAgent(a.cfg.ID)

	if err := a.buildRegistry(); err != nil {
		return fmt.Errorf("agent %s tools: %w", a.cfg.ID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.pump(runCtx, cancel)

	a.readyOnce.Do(func() { close(a.ready) })
	a.log.Info("agent ready", zap.Strings("peers", a.peers))

	for {
		select {
		case <-runCtx.Done():
			a.drainInbox()
			a.log.Info("agent loop exiting")
			return nil
		case task := <-a.tasks:
			if err := a.runTask(runCtx, task); err != nil {
				a.log.Error("task failed", zap.String("task_id", task.ID), zap.Error(err))
			}
		case msg := <-a.inbox:
			if exit := a.handleMessage(runCtx, msg); exit {
				cancel()
			}
		}
	}
}

// buildRegistry attaches the tool set allowed by the agent's categories.
func (a *Agent) buildRegistry() error {
	reg := tools.NewRegistry()
	if err := reg.RegisterAll(tools.FilesystemTools(a.deps.Workspace, a.deps.Events, a.cfg.ID)...); err != nil {
		return err
	}
	if err := reg.RegisterAll(tools.ProcessTools(a.deps.Processes, a.deps.Workspace)...); err != nil {
		return err
	}
	if err := reg.RegisterAll(tools.CommunicationTools(a)...); err != nil {
		return err
	}
	if err := reg.RegisterAll(tools.ControlTools(a)...); err != nil {
		return err
	}
	if err := reg.Register(tools.NoteTool(a)); err != nil {
		return err
	}
	if err := reg.Register(tools.HistoryTool(a)); err != nil {
		return err
	}
	if a.cfg.CanDeliver {
		if err := reg.Register(tools.DeliverTool(a)); err != nil {
			return err
		}
	}
	a.registry = reg
	return nil
}

// pump moves bus messages into the runtime. Answers matching a pending
// ask are resolved here so asks complete even while the main loop is busy
// inside a task, and notifications are recorded immediately for the same
// reason; questions and tasks are forwarded to the inbox channel.
func (a *Agent) pump(ctx context.Context, cancel context.CancelFunc) {
	for {
		msg, err := a.mailbox.Get(ctx)
		if err != nil {
			return
		}
		switch msg.Type {
		case bus.TypeAnswer:
			a.resolveAnswer(msg)
			continue
		case bus.TypeNotification, bus.TypeStatus:
			a.recordPeerNote(msg)
			continue
		case bus.TypeShutdown:
			a.log.Info("shutdown message received", zap.String("from", msg.SourceID))
			cancel()
			return
		}
		select {
		case a.inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// recordPeerNote files a notification into the requirement or design bag
// depending on its subtype.
func (a *Agent) recordPeerNote(msg *bus.Message) {
	key := msg.SourceID + "/" + msg.Metadata.Subtype
	a.mu.Lock()
	if strings.HasPrefix(msg.Metadata.Subtype, "requirement") {
		a.requirements[key] = msg.Payload
	} else {
		a.designDocs[key] = msg.Payload
	}
	a.mu.Unlock()
	a.log.Debug("notification recorded",
		zap.String("from", msg.SourceID),
		zap.String("subtype", msg.Metadata.Subtype))
}

func (a *Agent) resolveAnswer(msg *bus.Message) {
	a.mu.Lock()
	slot, ok := a.pending[msg.CorrelationID]
	if ok {
		delete(a.pending, msg.CorrelationID)
	}
	a.mu.Unlock()
	if !ok {
		a.log.Warn("unmatched answer dropped",
			zap.String("from", msg.SourceID),
			zap.String("correlation_id", msg.CorrelationID))
		return
	}
	slot <- msg
}

// handleMessage processes one non-answer inbox message. Returns true when
// the loop should exit.
func (a *Agent) handleMessage(ctx context.Context, msg *bus.Message) bool {
	switch msg.Type {
	case bus.TypeQuestion:
		a.answerQuestion(ctx, msg)
	case bus.TypeTask:
		task := Task{ID: msg.ID, Description: msg.Payload, Context: msg.Metadata.Context}
		if err := a.runTask(ctx, task); err != nil {
			a.log.Error("bus task failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	case bus.TypeNotification, bus.TypeStatus:
		a.recordPeerNote(msg)
	case bus.TypeShutdown:
		return true
	default:
		a.log.Warn("unhandled message type", zap.String("type", string(msg.Type)))
	}
	return false
}

// answerQuestion runs a single LLM turn and replies with the question's
// correlation id. Failures produce an apologetic answer rather than
// silence so the asker is never left hanging.
func (a *Agent) answerQuestion(ctx context.Context, msg *bus.Message) {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s asks you:\n%s\n", msg.SourceID, msg.Payload)
	if notes := a.Notes(); len(notes) > 0 {
		b.WriteString("\nWhat you have gathered so far:\n")
		for k, v := range notes {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	b.WriteString("\nAnswer concisely, based on your role and what is in the workspace.")

	req := &llm.Request{
		System:   a.systemPrompt(""),
		Messages: []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
	}
	answer := "I could not produce an answer, please proceed with your best judgment."
	completion, err := a.generate(ctx, req)
	if err != nil {
		a.log.Error("question turn failed", zap.String("from", msg.SourceID), zap.Error(err))
	} else if completion.Content != "" {
		answer = completion.Content
	}

	target := msg.ReplyTo
	if target == "" {
		target = msg.SourceID
	}
	reply := bus.NewMessage(bus.TypeAnswer, a.cfg.ID, target, answer)
	reply.CorrelationID = msg.ID
	if err := a.deps.Bus.Send(ctx, reply); err != nil {
		a.log.Error("answer send failed", zap.String("to", target), zap.Error(err))
	}
}

// SendTask enqueues a task from the orchestrator. Non-blocking.
func (a *Agent) SendTask(task Task) error {
	select {
	case a.tasks <- task:
		return nil
	default:
		return ErrTaskQueueFull
	}
}

// WaitReady blocks until the agent's loop is up or the timeout elapses.
func (a *Agent) WaitReady(timeout time.Duration) error {
	select {
	case <-a.ready:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: %s", ErrNotReady, a.cfg.ID)
	}
}

// RequestShutdown asks the agent loop to exit by enqueueing an urgent
// shutdown message.
func (a *Agent) RequestShutdown(ctx context.Context) error {
	msg := bus.NewMessage(bus.TypeShutdown, "orchestrator", a.cfg.ID, "shutdown").
		WithPriority(bus.PriorityUrgent)
	return a.deps.Bus.Send(ctx, msg)
}

// Delivered returns the handle the orchestrator waits on. It is closed by
// a successful deliver_project call.
func (a *Agent) Delivered() <-chan struct{} { return a.delivered }

// drainInbox logs and discards whatever is still queued at exit.
func (a *Agent) drainInbox() {
	for {
		msg, ok := a.mailbox.TryGet()
		if !ok {
			return
		}
		a.log.Debug("message dropped at shutdown",
			zap.String("from", msg.SourceID), zap.String("type", string(msg.Type)))
	}
}
