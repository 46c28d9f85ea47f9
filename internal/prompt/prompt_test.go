package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/websmith/websmith/internal/common/logger"
	"github.com/websmith/websmith/internal/gencontext"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func testData() Data {
	return Data{
		AgentID: RoleBackend,
		RunName: "todo-app",
		Goal:    "a todo list with login",
		Ports:   gencontext.ServicePorts{API: 8000, UI: 3000, DB: 5432, BackendInternal: 8001},
		Credentials: gencontext.TestCredentials{
			Email:    "test@example.com",
			Password: "secret123",
		},
		Peers: []string{"user", "design", "database", "frontend", "task"},
	}
}

func TestRenderInjectsRunContext(t *testing.T) {
	e := NewEngine(newTestLogger(t), nil)
	out := e.Render(RoleBackend, testData())

	for _, want := range []string{
		"a todo list with login",
		"8000",
		"test@example.com",
		"app/backend/routes/",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered prompt missing %q", want)
		}
	}
}

func TestAllRolesRender(t *testing.T) {
	e := NewEngine(newTestLogger(t), nil)
	data := testData()
	for _, role := range AllRoles {
		data.AgentID = role
		out := e.Render(role, data)
		if !strings.Contains(out, data.Goal) {
			t.Errorf("role %s: prompt missing goal", role)
		}
	}
}

func TestUnknownRoleFallsBack(t *testing.T) {
	e := NewEngine(newTestLogger(t), nil)
	out := e.Render("auditor", testData())
	if !strings.Contains(out, "auditor agent") || !strings.Contains(out, "a todo list with login") {
		t.Errorf("fallback prompt malformed: %q", out)
	}
}

func TestBrokenOverrideFallsBackToBuiltin(t *testing.T) {
	e := NewEngine(newTestLogger(t), map[string]string{
		RoleDesign: "{{.Goal", // unparsable
	})
	out := e.Render(RoleDesign, testData())
	if !strings.Contains(out, "design") {
		t.Errorf("expected fallback content, got %q", out)
	}
}

func TestExecFailureFallsBack(t *testing.T) {
	e := NewEngine(newTestLogger(t), map[string]string{
		RoleTask: "{{.NoSuchField}}",
	})
	out := e.Render(RoleTask, testData())
	if !strings.Contains(out, "task agent") {
		t.Errorf("expected inline fallback, got %q", out)
	}
}

func TestLoadOverridesFromDir(t *testing.T) {
	dir := t.TempDir()
	custom := "Custom design brief for {{.RunName}}"
	if err := os.WriteFile(filepath.Join(dir, RoleDesign+".tmpl"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	overrides := LoadOverrides(dir, newTestLogger(t))
	if len(overrides) != 1 {
		t.Fatalf("expected 1 override, got %d", len(overrides))
	}

	e := NewEngine(newTestLogger(t), overrides)
	out := e.Render(RoleDesign, testData())
	if out != "Custom design brief for todo-app" {
		t.Errorf("override not applied: %q", out)
	}
	// Roles without an override file keep the built-in template.
	if !strings.Contains(e.Render(RoleBackend, testData()), "app/backend/routes/") {
		t.Error("built-in backend template lost")
	}
}

func TestLoadOverridesMissingDir(t *testing.T) {
	if got := LoadOverrides("", newTestLogger(t)); got != nil {
		t.Errorf("expected nil for empty dir, got %v", got)
	}
	if got := LoadOverrides(filepath.Join(t.TempDir(), "absent"), newTestLogger(t)); len(got) != 0 {
		t.Errorf("expected no overrides from missing dir, got %v", got)
	}
}
