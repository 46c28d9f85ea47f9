// Package orchestrator owns the run lifetime: collaborator boot, host
// preflight, agent lifecycle, the delivery wait, and ordered teardown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/websmith/websmith/internal/agent"
	"github.com/websmith/websmith/internal/bus"
	"github.com/websmith/websmith/internal/checkpoint"
	"github.com/websmith/websmith/internal/common/config"
	"github.com/websmith/websmith/internal/common/logger"
	"github.com/websmith/websmith/internal/events"
	"github.com/websmith/websmith/internal/gencontext"
	"github.com/websmith/websmith/internal/llm"
	"github.com/websmith/websmith/internal/ports"
	"github.com/websmith/websmith/internal/procmgr"
	"github.com/websmith/websmith/internal/prompt"
	"github.com/websmith/websmith/internal/tracing"
	"github.com/websmith/websmith/internal/workspace"
)

var (
	// ErrNoPorts means the port range was exhausted at boot. Maps to exit
	// code 2.
	ErrNoPorts = errors.New("orchestrator: no available ports")

	// ErrDeliveryTimeout means the delivery ceiling elapsed before the
	// user agent delivered.
	ErrDeliveryTimeout = errors.New("orchestrator: delivery wait timed out")
)

// phases are logged to the checkpoint store when the run delivers.
var phases = []string{"requirements", "design", "code", "docker", "testing"}

const orchestratorID = "orchestrator"

// Options are the per-run inputs from the CLI.
type Options struct {
	Name            string
	Goal            string
	Requirements    []string
	ReferenceImages []string
	WorkspaceDir    string
}

// Orchestrator drives one generation run end to end.
type Orchestrator struct {
	cfg       *config.Config
	llmClient llm.Client
	emitter   *events.Emitter
	log       *logger.Logger

	bus    *bus.MessageBus
	ws     *workspace.Manager
	pm     *procmgr.Manager
	genCtx *gencontext.GenerationContext
	agents map[string]*agent.Agent
	store  *checkpoint.Store
}

// New builds an orchestrator. The LLM client and emitter are shared by
// every agent.
func New(cfg *config.Config, llmClient llm.Client, emitter *events.Emitter, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		llmClient: llmClient,
		emitter:   emitter,
		log:       log.WithFields(zap.String("component", "orchestrator")),
		agents:    make(map[string]*agent.Agent),
	}
}

// Run executes the whole generation. It returns nil only when the user
// agent delivered the project.
func (o *Orchestrator) Run(ctx context.Context, opts Options) error {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "orchestrator.run")
	defer span.End()

	o.emitter.Emit(events.GenerationStart, "generation started", map[string]interface{}{
		"name": opts.Name, "goal": opts.Goal,
	})
	err := o.run(ctx, opts)
	if err != nil {
		o.emitter.Emit(events.GenerationError, "generation failed", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	o.emitter.Emit(events.GenerationComplete, "project delivered", map[string]interface{}{
		"workspace": opts.WorkspaceDir,
	})
	return nil
}

func (o *Orchestrator) run(ctx context.Context, opts Options) error {
	ws, err := workspace.NewManager(opts.WorkspaceDir, o.log)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	o.ws = ws
	ws.AssignWriteRoot(orchestratorID, "docker")
	for role, root := range agent.WriteRoots {
		ws.AssignWriteRoot(role, root)
	}

	svcPorts, err := o.allocatePorts()
	if err != nil {
		return err
	}

	o.genCtx = &gencontext.GenerationContext{
		RunID:   uuid.New().String(),
		RunName: opts.Name,
		Goal:    opts.Goal,
		Ports:   svcPorts,
		Credentials: &gencontext.TestCredentials{
			Email:    "test@example.com",
			Password: "Password123!",
		},
		StartedAt: time.Now().UTC(),
	}
	o.log.Info("run context created",
		zap.String("run_id", o.genCtx.RunID),
		zap.Int("api_port", svcPorts.API),
		zap.Int("ui_port", svcPorts.UI),
		zap.Int("db_port", svcPorts.DB),
		zap.Int("backend_port", svcPorts.BackendInternal))

	o.openCheckpoint(ctx)
	defer o.closeCheckpoint()

	o.bus = bus.NewMessageBus(bus.DefaultMailboxCapacity, o.log)
	o.bus.Start()
	defer o.bus.Stop()

	o.pm = procmgr.NewManager(o.log)
	defer o.pm.CleanupAll()

	pre := o.preflight(ctx)
	o.genCtx.Preflight = &pre

	o.copyReferenceImages(opts.ReferenceImages)
	o.writeCompose()

	if err := o.startAgents(ctx, opts); err != nil {
		return err
	}
	return nil
}

// allocatePorts reserves the four service ports, preferring the
// configured defaults and falling back to the scan range.
func (o *Orchestrator) allocatePorts() (gencontext.ServicePorts, error) {
	alloc := ports.NewAllocator()
	pc := o.cfg.Ports

	allocate := func(preferred int) (int, error) {
		port, err := alloc.Allocate([]int{preferred}, pc.ScanRangeStart, pc.ScanRangeEnd)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNoPorts, err)
		}
		return port, nil
	}

	var svc gencontext.ServicePorts
	var err error
	if svc.API, err = allocate(pc.PreferredAPI); err != nil {
		return svc, err
	}
	if svc.UI, err = allocate(pc.PreferredUI); err != nil {
		return svc, err
	}
	if svc.DB, err = allocate(pc.PreferredDB); err != nil {
		return svc, err
	}
	if svc.BackendInternal, err = allocate(pc.PreferredBackend); err != nil {
		return svc, err
	}
	return svc, nil
}

// openCheckpoint opens the store and records the run. Checkpoint failures
// are warnings; the run proceeds without persistence.
func (o *Orchestrator) openCheckpoint(ctx context.Context) {
	store, err := checkpoint.Open(filepath.Join(o.ws.Root(), ".checkpoint"))
	if err != nil {
		o.log.Warn("checkpoint store unavailable", zap.Error(err))
		return
	}
	o.store = store

	if o.cfg.Run.Resume {
		if prev, err := store.LatestRun(ctx); err == nil {
			o.log.Info("resuming over previous run",
				zap.String("previous_run_id", prev.ID),
				zap.String("previous_status", prev.Status))
		}
	}
	if err := store.SaveRun(ctx, &checkpoint.RunRecord{
		ID:          o.genCtx.RunID,
		Name:        o.genCtx.RunName,
		Goal:        o.genCtx.Goal,
		APIPort:     o.genCtx.Ports.API,
		UIPort:      o.genCtx.Ports.UI,
		DBPort:      o.genCtx.Ports.DB,
		BackendPort: o.genCtx.Ports.BackendInternal,
		Status:      "running",
		StartedAt:   o.genCtx.StartedAt,
	}); err != nil {
		o.log.Warn("checkpoint write failed", zap.Error(err))
	}
}

// copyReferenceImages copies user-provided images into screenshots/.
// Missing files are warnings.
func (o *Orchestrator) copyReferenceImages(images []string) {
	if len(images) == 0 {
		return
	}
	dir := filepath.Join(o.ws.Root(), "screenshots")
	for _, src := range images {
		data, err := os.ReadFile(src)
		if err != nil {
			o.log.Warn("reference image unreadable", zap.String("path", src), zap.Error(err))
			continue
		}
		dst := filepath.Join(dir, filepath.Base(src))
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			o.log.Warn("reference image copy failed", zap.String("path", src), zap.Error(err))
			continue
		}
		o.log.Info("reference image copied", zap.String("file", filepath.Base(src)))
	}
}

// writeCompose writes the initial compose descriptor. Agents may rewrite
// it later; a failure here is a warning.
func (o *Orchestrator) writeCompose() {
	data, err := renderCompose(o.genCtx)
	if err != nil {
		o.log.Warn("compose render failed", zap.Error(err))
		return
	}
	if err := o.ws.Write("docker/docker-compose.yml", data, orchestratorID); err != nil {
		o.log.Warn("compose write failed", zap.Error(err))
	}
}

// startAgents creates and boots every agent, dispatches the root task,
// and blocks on delivery.
func (o *Orchestrator) startAgents(ctx context.Context, opts Options) error {
	deps := agent.Deps{
		Bus:       o.bus,
		Workspace: o.ws,
		Processes: o.pm,
		LLM:       o.llmClient,
		Events:    o.emitter,
		Prompts:   prompt.NewEngine(o.log, prompt.LoadOverrides(o.cfg.Run.TemplateDir, o.log)),
		GenCtx:    o.genCtx,
		Logger:    o.log,
	}

	for _, role := range prompt.AllRoles {
		exec := agent.ExecutionConfig{
			TaskTimeout:       o.cfg.Execution.TaskTimeoutDuration(),
			MaxRetries:        o.cfg.Execution.MaxRetries,
			MaxToolIterations: o.cfg.Execution.MaxToolIterations,
			AskTimeout:        o.cfg.Execution.AskTimeoutDuration(),
		}
		if role == prompt.RoleUser {
			// The user agent drives the whole run and gets the longest
			// budget.
			exec.TaskTimeout = o.cfg.Execution.UserTaskTimeoutDuration()
		}
		o.agents[role] = agent.New(agent.RoleConfig(role, exec), deps)
	}
	for _, a := range o.agents {
		a.SetPeers(prompt.AllRoles)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for _, a := range o.agents {
		a := a
		g.Go(func() error { return a.Run(gctx) })
	}

	readyTimeout := o.cfg.Execution.ReadyTimeoutDuration()
	for _, role := range prompt.AllRoles {
		if err := o.agents[role].WaitReady(readyTimeout); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("agent boot: %w", err)
		}
	}
	o.log.Info("all agents ready", zap.Int("count", len(o.agents)))
	o.logPhase(ctx, "requirements")

	description := rootTask(opts)
	if o.cfg.Run.Resume {
		description += o.resumeInventory()
	}

	user := o.agents[prompt.RoleUser]
	if err := user.SendTask(agent.Task{
		ID:          uuid.New().String(),
		Description: description,
		Context:     map[string]string{"run_id": o.genCtx.RunID},
	}); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("root task dispatch: %w", err)
	}

	err := o.awaitDelivery(gctx, user)
	o.shutdown(cancel, g)
	return err
}

// awaitDelivery blocks on the user agent's delivery handle with the
// configured hard ceiling.
func (o *Orchestrator) awaitDelivery(ctx context.Context, user *agent.Agent) error {
	select {
	case <-user.Delivered():
		o.log.Info("project delivered")
		for _, phase := range phases[1:] {
			o.logPhase(ctx, phase)
		}
		o.setStatus("delivered")
		return nil
	case <-time.After(o.cfg.Execution.DeliveryTimeoutDuration()):
		o.setStatus("failed")
		return ErrDeliveryTimeout
	case <-ctx.Done():
		o.setStatus("failed")
		return fmt.Errorf("run aborted: %w", ctx.Err())
	}
}

// shutdown signals every agent, joins their loops within the shutdown
// budget, and force-cancels stragglers.
func (o *Orchestrator) shutdown(cancel context.CancelFunc, g *errgroup.Group) {
	timeout := o.cfg.Execution.ShutdownTimeoutDuration()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sigCtx, sigCancel := context.WithTimeout(context.Background(), timeout)
	defer sigCancel()
	for id, a := range o.agents {
		if err := a.RequestShutdown(sigCtx); err != nil {
			o.log.Debug("shutdown signal failed", zap.String("agent_id", id), zap.Error(err))
		}
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case <-done:
	case <-time.After(timeout):
		o.log.Warn("agents did not exit in time, force-cancelling")
		cancel()
		<-done
	}
}

func (o *Orchestrator) closeCheckpoint() {
	if o.store == nil {
		return
	}
	if err := o.store.Close(); err != nil {
		o.log.Warn("checkpoint close failed", zap.Error(err))
	}
}

func (o *Orchestrator) logPhase(ctx context.Context, phase string) {
	o.emitter.Emit(events.PhaseStart, phase, map[string]interface{}{"run_id": o.genCtx.RunID})
	if o.store == nil {
		return
	}
	if err := o.store.LogPhase(ctx, o.genCtx.RunID, phase); err != nil {
		o.log.Warn("phase log failed", zap.String("phase", phase), zap.Error(err))
	}
}

// setStatus records the terminal run status. The run context may already
// be cancelled here, so the write gets its own short deadline.
func (o *Orchestrator) setStatus(status string) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SetStatus(ctx, o.genCtx.RunID, status); err != nil {
		o.log.Warn("status update failed", zap.String("status", status), zap.Error(err))
	}
}

// resumeInventory walks the workspace so a resumed run continues from what
// the previous run left behind. Internal bookkeeping is skipped.
func (o *Orchestrator) resumeInventory() string {
	root := o.ws.Root()
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "events.jsonl" {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if len(files) == 0 {
		return ""
	}

	const maxListed = 200
	var b strings.Builder
	b.WriteString("\n\nThis workspace already contains files from a previous run:\n")
	for i, f := range files {
		if i == maxListed {
			fmt.Fprintf(&b, "- and %d more\n", len(files)-maxListed)
			break
		}
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("Read what is there, keep what works, and continue rather than starting over.")
	return b.String()
}

// rootTask builds the single task dispatched to the user agent.
func rootTask(opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build the web application %q.\n\nGoal: %s\n", opts.Name, opts.Goal)
	if len(opts.Requirements) > 0 {
		b.WriteString("\nRequirements:\n")
		for _, r := range opts.Requirements {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(opts.ReferenceImages) > 0 {
		b.WriteString("\nReference images are in screenshots/:\n")
		for _, img := range opts.ReferenceImages {
			fmt.Fprintf(&b, "- screenshots/%s\n", filepath.Base(img))
		}
	}
	b.WriteString("\nDelegate the work to your team, verify the result, and call deliver_project when the application is ready.")
	return b.String()
}
