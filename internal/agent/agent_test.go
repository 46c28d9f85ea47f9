package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/websmith/websmith/internal/bus"
	"github.com/websmith/websmith/internal/common/logger"
	"github.com/websmith/websmith/internal/events"
	"github.com/websmith/websmith/internal/gencontext"
	"github.com/websmith/websmith/internal/llm"
	"github.com/websmith/websmith/internal/procmgr"
	"github.com/websmith/websmith/internal/prompt"
	"github.com/websmith/websmith/internal/workspace"
)

func testExec() ExecutionConfig {
	return ExecutionConfig{
		TaskTimeout:       10 * time.Second,
		MaxRetries:        0,
		MaxToolIterations: 10,
		AskTimeout:        2 * time.Second,
	}
}

func newTestDeps(t *testing.T, client llm.Client) Deps {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	b := bus.NewMessageBus(bus.DefaultMailboxCapacity, log)
	b.Start()
	t.Cleanup(b.Stop)

	ws, err := workspace.NewManager(t.TempDir(), log)
	require.NoError(t, err)
	for role, root := range WriteRoots {
		ws.AssignWriteRoot(role, root)
	}

	pm := procmgr.NewManager(log)
	t.Cleanup(pm.Reset)

	return Deps{
		Bus:       b,
		Workspace: ws,
		Processes: pm,
		LLM:       client,
		Events:    events.NewEmitter(log),
		Prompts:   prompt.NewEngine(log, nil),
		GenCtx: &gencontext.GenerationContext{
			RunName: "test-run",
			Goal:    "a tiny app",
			Ports:   gencontext.ServicePorts{API: 8000, UI: 3000, DB: 5432, BackendInternal: 8001},
		},
		Logger: log,
	}
}

func startAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("agent loop did not exit")
		}
	})
	require.NoError(t, a.WaitReady(2*time.Second))
}

func toolCall(t *testing.T, name string, args map[string]any) llm.ToolCall {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return llm.ToolCall{ID: "tu_" + name, Name: name, Input: raw}
}

func TestAskAnswerRoundTrip(t *testing.T) {
	stub := llm.NewStubClient()
	stub.Fallback = &llm.Completion{Content: "four"}
	deps := newTestDeps(t, stub)

	asker := New(RoleConfig(prompt.RoleDesign, testExec()), deps)
	answerer := New(RoleConfig(prompt.RoleBackend, testExec()), deps)
	asker.SetPeers([]string{prompt.RoleBackend})
	answerer.SetPeers([]string{prompt.RoleDesign})
	startAgent(t, asker)
	startAgent(t, answerer)

	answer, err := asker.Ask(context.Background(), prompt.RoleBackend, "what is 2+2?", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "four", answer)
	assert.Equal(t, 0, asker.pendingCount())
}

func TestAskTimeoutDropsLateAnswer(t *testing.T) {
	deps := newTestDeps(t, llm.NewStubClient())

	asker := New(RoleConfig(prompt.RoleDesign, testExec()), deps)
	asker.SetPeers([]string{"b"})
	startAgent(t, asker)

	// "b" has a mailbox but no loop: it never answers in time.
	mb, err := deps.Bus.RegisterAgent("b")
	require.NoError(t, err)

	start := time.Now()
	_, err = asker.Ask(context.Background(), "b", "x", 100*time.Millisecond)
	require.ErrorIs(t, err, ErrAskTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, asker.pendingCount())

	// Late answer arrives after the slot was removed: dropped, no effect.
	question, ok := mb.TryGet()
	require.True(t, ok)
	late := bus.NewMessage(bus.TypeAnswer, "b", asker.ID(), "too late")
	late.CorrelationID = question.CorrelationID
	require.NoError(t, deps.Bus.Send(context.Background(), late))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, asker.pendingCount())
}

func TestFinishGuard(t *testing.T) {
	stub := llm.NewStubClient(
		&llm.Completion{ToolCalls: []llm.ToolCall{toolCall(t, "finish", map[string]any{"summary": "premature"})}},
		&llm.Completion{ToolCalls: []llm.ToolCall{toolCall(t, "plan", map[string]any{"steps": []string{"write the brief"}})}},
		&llm.Completion{ToolCalls: []llm.ToolCall{toolCall(t, "verify_plan", map[string]any{})}},
		&llm.Completion{ToolCalls: []llm.ToolCall{toolCall(t, "finish", map[string]any{"summary": "brief written"})}},
	)
	deps := newTestDeps(t, stub)

	a := New(RoleConfig(prompt.RoleDesign, testExec()), deps)
	a.SetPeers(nil)
	require.NoError(t, a.buildRegistry())

	err := a.runTask(context.Background(), Task{ID: "t1", Description: "write the design brief"})
	require.NoError(t, err)

	// The premature finish was refused; all four scripted turns ran.
	assert.Len(t, stub.Requests(), 4)
}

func TestTaskIterationCap(t *testing.T) {
	stub := llm.NewStubClient()
	stub.Fallback = &llm.Completion{ToolCalls: []llm.ToolCall{
		{ID: "tu", Name: "list_files", Input: json.RawMessage(`{}`)},
	}}
	deps := newTestDeps(t, stub)

	exec := testExec()
	exec.MaxToolIterations = 3
	a := New(RoleConfig(prompt.RoleDesign, exec), deps)
	a.SetPeers(nil)
	require.NoError(t, a.buildRegistry())

	err := a.runTask(context.Background(), Task{ID: "t1", Description: "loop forever"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iteration cap")
}

func TestDeliveryGate(t *testing.T) {
	deps := newTestDeps(t, llm.NewStubClient())

	design := New(RoleConfig(prompt.RoleDesign, testExec()), deps)
	require.ErrorIs(t, design.Deliver("nope"), ErrNotDeliverer)

	user := New(RoleConfig(prompt.RoleUser, testExec()), deps)
	require.NoError(t, user.Deliver("shipped"))
	select {
	case <-user.Delivered():
	default:
		t.Fatal("delivery handle not closed")
	}
	// Idempotent
	require.NoError(t, user.Deliver("again"))
}

func TestShutdownDrain(t *testing.T) {
	deps := newTestDeps(t, llm.NewStubClient())

	a := New(RoleConfig(prompt.RoleTask, testExec()), deps)
	a.SetPeers(nil)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.NoError(t, a.WaitReady(2*time.Second))

	for i := 0; i < 3; i++ {
		msg := bus.NewMessage(bus.TypeNotification, "x", a.ID(), "fyi")
		require.NoError(t, deps.Bus.Send(ctx, msg))
	}
	require.NoError(t, a.RequestShutdown(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not exit after shutdown request")
	}
}

func TestNotificationsRecorded(t *testing.T) {
	deps := newTestDeps(t, llm.NewStubClient())

	a := New(RoleConfig(prompt.RoleBackend, testExec()), deps)
	a.SetPeers([]string{prompt.RoleDatabase})
	startAgent(t, a)

	msg := bus.NewMessage(bus.TypeNotification, prompt.RoleDatabase, a.ID(), "schema ready")
	msg.Metadata.Subtype = "status"
	require.NoError(t, deps.Bus.Send(context.Background(), msg))

	require.Eventually(t, func() bool {
		notes := a.Notes()
		return notes[prompt.RoleDatabase+"/status"] == "schema ready"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotificationRouting(t *testing.T) {
	deps := newTestDeps(t, llm.NewStubClient())
	a := New(RoleConfig(prompt.RoleBackend, testExec()), deps)

	req := bus.NewMessage(bus.TypeNotification, prompt.RoleUser, a.ID(), "must support login")
	req.Metadata.Subtype = "requirement"
	a.recordPeerNote(req)

	status := bus.NewMessage(bus.TypeStatus, prompt.RoleDesign, a.ID(), "api contract published")
	status.Metadata.Subtype = "status"
	a.recordPeerNote(status)

	reqs := a.Requirements()
	assert.Equal(t, "must support login", reqs[prompt.RoleUser+"/requirement"])
	assert.NotContains(t, reqs, prompt.RoleDesign+"/status")

	notes := a.Notes()
	assert.Equal(t, "api contract published", notes[prompt.RoleDesign+"/status"])
	assert.Equal(t, "must support login", notes[prompt.RoleUser+"/requirement"])
}

func TestAssignTaskRunsOnPeer(t *testing.T) {
	stub := llm.NewStubClient(
		&llm.Completion{ToolCalls: []llm.ToolCall{toolCall(t, "plan", map[string]any{"steps": []string{"write the brief"}})}},
		&llm.Completion{ToolCalls: []llm.ToolCall{toolCall(t, "write_file", map[string]any{
			"path": "design/brief.md", "content": "# Pages",
		})}},
		&llm.Completion{ToolCalls: []llm.ToolCall{toolCall(t, "verify_plan", map[string]any{})}},
		&llm.Completion{ToolCalls: []llm.ToolCall{toolCall(t, "finish", map[string]any{"summary": "brief written"})}},
	)
	deps := newTestDeps(t, stub)

	design := New(RoleConfig(prompt.RoleDesign, testExec()), deps)
	design.SetPeers([]string{prompt.RoleUser})
	startAgent(t, design)

	user := New(RoleConfig(prompt.RoleUser, testExec()), deps)
	user.SetPeers([]string{prompt.RoleDesign})
	require.NoError(t, user.AssignTask(context.Background(), prompt.RoleDesign, "write the design brief"))

	require.Eventually(t, func() bool {
		data, err := deps.Workspace.Read("design/brief.md", prompt.RoleDesign)
		return err == nil && string(data) == "# Pages"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAssignTaskUnknownTarget(t *testing.T) {
	deps := newTestDeps(t, llm.NewStubClient())
	user := New(RoleConfig(prompt.RoleUser, testExec()), deps)
	err := user.AssignTask(context.Background(), "nobody", "do something")
	require.Error(t, err)
}

func TestBroadcastExclude(t *testing.T) {
	deps := newTestDeps(t, llm.NewStubClient())

	a := New(RoleConfig(prompt.RoleUser, testExec()), deps)
	a.SetPeers([]string{"design", "backend"})

	designMB, err := deps.Bus.RegisterAgent("design")
	require.NoError(t, err)
	backendMB, err := deps.Bus.RegisterAgent("backend")
	require.NoError(t, err)

	require.NoError(t, a.Broadcast(context.Background(), "contract ready", "status", "backend"))

	msg, ok := designMB.TryGet()
	require.True(t, ok)
	assert.Equal(t, "contract ready", msg.Payload)
	_, ok = backendMB.TryGet()
	assert.False(t, ok, "excluded peer received the broadcast")
}

func TestOperationLog(t *testing.T) {
	stub := llm.NewStubClient(
		&llm.Completion{ToolCalls: []llm.ToolCall{toolCall(t, "finish", map[string]any{"summary": "premature"})}},
		&llm.Completion{ToolCalls: []llm.ToolCall{toolCall(t, "plan", map[string]any{"steps": []string{"write the brief"}})}},
		&llm.Completion{ToolCalls: []llm.ToolCall{toolCall(t, "verify_plan", map[string]any{})}},
		&llm.Completion{ToolCalls: []llm.ToolCall{toolCall(t, "finish", map[string]any{"summary": "done"})}},
	)
	deps := newTestDeps(t, stub)

	a := New(RoleConfig(prompt.RoleDesign, testExec()), deps)
	a.SetPeers(nil)
	require.NoError(t, a.buildRegistry())
	require.NoError(t, a.runTask(context.Background(), Task{ID: "t1", Description: "write the design brief"}))

	all := a.History(0)
	require.Len(t, all, 4)
	assert.Equal(t, "finish", all[0].Tool)
	assert.False(t, all[0].Success, "refused finish should be logged as failed")
	assert.Equal(t, "plan", all[1].Tool)
	assert.True(t, all[3].Success)

	last2 := a.History(2)
	require.Len(t, last2, 2)
	assert.Equal(t, "verify_plan", last2[0].Tool)
	assert.Equal(t, "finish", last2[1].Tool)
}

func TestGenerateRetries(t *testing.T) {
	calls := 0
	stub := llm.NewStubClient()
	stub.OnGenerate = func(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return &llm.Completion{Content: "ok"}, nil
	}
	deps := newTestDeps(t, stub)

	exec := testExec()
	exec.MaxRetries = 3
	a := New(RoleConfig(prompt.RoleDesign, exec), deps)

	out, err := a.generate(context.Background(), &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Content)
	assert.Equal(t, 3, calls)
}
