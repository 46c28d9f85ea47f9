package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/websmith/websmith/internal/checkpoint"
	"github.com/websmith/websmith/internal/common/config"
	"github.com/websmith/websmith/internal/common/logger"
	"github.com/websmith/websmith/internal/events"
	"github.com/websmith/websmith/internal/gencontext"
	"github.com/websmith/websmith/internal/llm"
	"github.com/websmith/websmith/internal/workspace"
)

func testConfig() *config.Config {
	return &config.Config{
		Run: config.RunConfig{Name: "test-app"},
		Ports: config.PortsConfig{
			PreferredAPI:     18080,
			PreferredUI:      13000,
			PreferredDB:      15432,
			PreferredBackend: 18081,
			ScanRangeStart:   20000,
			ScanRangeEnd:     20200,
		},
		Execution: config.ExecutionConfig{
			TaskTimeout:       30,
			UserTaskTimeout:   30,
			MaxRetries:        0,
			MaxToolIterations: 10,
			ReadyTimeout:      5,
			DeliveryTimeout:   20,
			ShutdownTimeout:   5,
			AskTimeout:        5,
		},
		LLM: config.LLMConfig{Provider: "stub"},
	}
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func call(t *testing.T, name string, args map[string]any) llm.ToolCall {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return llm.ToolCall{ID: "tu_" + name, Name: name, Input: raw}
}

// Boots the full stack with a scripted model: the user agent plans,
// verifies, and delivers immediately.
func TestRunDeliversWithScriptedModel(t *testing.T) {
	stub := llm.NewStubClient(
		&llm.Completion{ToolCalls: []llm.ToolCall{call(t, "plan", map[string]any{
			"steps": []string{"delegate", "verify", "deliver"},
		})}},
		&llm.Completion{ToolCalls: []llm.ToolCall{call(t, "verify_plan", map[string]any{})}},
		&llm.Completion{ToolCalls: []llm.ToolCall{call(t, "deliver_project", map[string]any{
			"summary": "application ready",
		})}},
	)

	log := newTestLogger(t)
	workspaceDir := t.TempDir()
	o := New(testConfig(), stub, events.NewEmitter(log), log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := o.Run(ctx, Options{
		Name:         "test-app",
		Goal:         "a todo list",
		Requirements: []string{"users can log in"},
		WorkspaceDir: workspaceDir,
	})
	require.NoError(t, err)

	// Compose descriptor written at boot
	composePath := filepath.Join(workspaceDir, "docker", "docker-compose.yml")
	data, err := os.ReadFile(composePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "postgres:16-alpine")

	// Checkpoint records the delivered run with its phase log
	store, err := checkpoint.Open(filepath.Join(workspaceDir, ".checkpoint"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	run, err := store.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "delivered", run.Status)
	phaseLog, err := store.Phases(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, phaseLog, len(phases))
	assert.Equal(t, "requirements", phaseLog[0].Phase)
	assert.Equal(t, "testing", phaseLog[len(phaseLog)-1].Phase)
}

func TestAllocatePortsDisjoint(t *testing.T) {
	log := newTestLogger(t)
	o := New(testConfig(), llm.NewStubClient(), events.NewEmitter(log), log)

	svc, err := o.allocatePorts()
	require.NoError(t, err)
	seen := map[int]bool{}
	for _, p := range []int{svc.API, svc.UI, svc.DB, svc.BackendInternal} {
		assert.Greater(t, p, 0)
		assert.False(t, seen[p], "port %d allocated twice", p)
		seen[p] = true
	}
}

func TestAllocatePortsExhaustedRange(t *testing.T) {
	// Hold the whole tiny range externally so nothing binds
	var listeners []net.Listener
	for p := 21000; p <= 21002; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err != nil {
			continue
		}
		listeners = append(listeners, l)
	}
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()
	if len(listeners) != 3 {
		t.Skip("could not hold the full test range")
	}

	cfg := testConfig()
	cfg.Ports.ScanRangeStart = 21000
	cfg.Ports.ScanRangeEnd = 21002
	cfg.Ports.PreferredAPI = 21000
	cfg.Ports.PreferredUI = 21001
	cfg.Ports.PreferredDB = 21002
	cfg.Ports.PreferredBackend = 21000

	log := newTestLogger(t)
	o := New(cfg, llm.NewStubClient(), events.NewEmitter(log), log)

	_, err := o.allocatePorts()
	require.ErrorIs(t, err, ErrNoPorts)
}

func TestRenderCompose(t *testing.T) {
	gc := &gencontext.GenerationContext{
		Ports: gencontext.ServicePorts{API: 8000, UI: 3000, DB: 5432, BackendInternal: 8001},
	}
	data, err := renderCompose(gc)
	require.NoError(t, err)
	text := string(data)
	for _, want := range []string{"database:", "backend:", "frontend:", "8000:8000", "3000:3000", "5432:5432"} {
		assert.Contains(t, text, want)
	}
}

func TestRootTaskMentionsRequirements(t *testing.T) {
	desc := rootTask(Options{
		Name:            "shop",
		Goal:            "an online store",
		Requirements:    []string{"product catalogue", "checkout"},
		ReferenceImages: []string{"/tmp/mock/home.png"},
	})
	for _, want := range []string{"an online store", "product catalogue", "checkout", "screenshots/home.png", "deliver_project"} {
		assert.Contains(t, desc, want)
	}
}

func TestResumeInventoryListsExistingFiles(t *testing.T) {
	workspaceDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspaceDir, "design"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspaceDir, "design", "brief.md"), []byte("# Pages"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(workspaceDir, ".checkpoint"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspaceDir, ".checkpoint", "state.db"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspaceDir, "events.jsonl"), []byte("{}"), 0o644))

	log := newTestLogger(t)
	o := New(testConfig(), llm.NewStubClient(), events.NewEmitter(log), log)
	ws, err := workspace.NewManager(workspaceDir, log)
	require.NoError(t, err)
	o.ws = ws

	inv := o.resumeInventory()
	assert.Contains(t, inv, "design/brief.md")
	assert.Contains(t, inv, "previous run")
	assert.NotContains(t, inv, "state.db")
	assert.NotContains(t, inv, "events.jsonl")
}

func TestResumeInventoryEmptyWorkspace(t *testing.T) {
	log := newTestLogger(t)
	o := New(testConfig(), llm.NewStubClient(), events.NewEmitter(log), log)
	ws, err := workspace.NewManager(t.TempDir(), log)
	require.NoError(t, err)
	o.ws = ws

	assert.Equal(t, "", o.resumeInventory())
}
