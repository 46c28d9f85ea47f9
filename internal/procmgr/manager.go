// Package procmgr supervises every child process launched by agent tools,
// short-lived commands and long-lived servers alike. It captures combined
// output into bounded rings, enforces timeouts, and propagates signals to
// whole process groups.
package procmgr

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/websmith/websmith/internal/common/logger"
	"github.com/websmith/websmith/internal/ports"
)

var (
	// ErrDuplicateName is returned when a name already maps to a live process.
	ErrDuplicateName = errors.New("process name already in use")
	// ErrPortInUse is returned when the requested port is not free.
	ErrPortInUse = errors.New("port already in use")
	// ErrUnknownProcess is returned when a pid or name matches no record.
	ErrUnknownProcess = errors.New("unknown process")
	// ErrWaitTimeout is returned by Wait when the deadline elapses first.
	ErrWaitTimeout = errors.New("wait timed out")
)

// StartOptions configures a supervised process.
type StartOptions struct {
	Name    string            // optional stable name, unique among live processes
	Port    int               // optional port the process will bind; pre-checked
	Timeout time.Duration     // optional deadline; SIGTERM + status=timeout on expiry
	Type    ProcessType       // defaults to background
	Env     map[string]string // merged over the parent environment
	OnExit  OnExitFunc        // fired exactly once on the terminal transition
}

// Manager tracks child processes for the whole run.
type Manager struct {
	mu     sync.Mutex
	procs  map[int]*record
	names  map[string]int // name -> pid for live named processes
	logger *logger.Logger
}

// NewManager creates an empty process manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		procs:  make(map[int]*record),
		names:  make(map[string]int),
		logger: log.WithFields(zap.String("component", "process-manager")),
	}
}

// Start launches a command through the shell in its own process group and
// begins capturing its combined output. It fails synchronously when the
// name is taken or the requested port is not free.
func (m *Manager) Start(command, cwd string, opts StartOptions) (Snapshot, error) {
	if opts.Type == "" {
		opts.Type = TypeBackground
	}

	// Reserve the name before launching so two concurrent starts cannot
	// both pass the check. Pid zero marks a reservation still waiting for
	// its process.
	if opts.Name != "" {
		m.mu.Lock()
		if pid, ok := m.names[opts.Name]; ok {
			rec, live := m.procs[pid]
			if pid == 0 || (live && !rec.snapshotStatus().Terminal()) {
				m.mu.Unlock()
				return Snapshot{}, fmt.Errorf("%w: %s", ErrDuplicateName, opts.Name)
			}
		}
		m.names[opts.Name] = 0
		m.mu.Unlock()
	}
	launched := false
	defer func() {
		if opts.Name != "" && !launched {
			m.mu.Lock()
			if m.names[opts.Name] == 0 {
				delete(m.names, opts.Name)
			}
			m.mu.Unlock()
		}
	}()

	if opts.Port > 0 && !ports.Probe(opts.Port) {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrPortInUse, opts.Port)
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	// Own process group so signals reach the whole child tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Snapshot{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Snapshot{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Snapshot{}, fmt.Errorf("start %q: %w", command, err)
	}

	rec := &record{
		pid:       cmd.Process.Pid,
		command:   command,
		cwd:       cwd,
		procType:  opts.Type,
		name:      opts.Name,
		port:      opts.Port,
		status:    StatusStarting,
		startedAt: time.Now().UTC(),
		cmd:       cmd,
		ring:      NewOutputRing(RingCapacity),
		onExit:    opts.OnExit,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.procs[rec.pid] = rec
	if opts.Name != "" {
		m.names[opts.Name] = rec.pid
	}
	m.mu.Unlock()
	launched = true

	go m.capture(rec, stdout, "stdout")
	go m.capture(rec, stderr, "stderr")

	if opts.Timeout > 0 {
		rec.mu.Lock()
		rec.timer = time.AfterFunc(opts.Timeout, func() {
			m.expire(rec)
		})
		rec.mu.Unlock()
	}

	go m.watch(rec)

	rec.mu.Lock()
	if rec.status == StatusStarting {
		rec.status = StatusRunning
	}
	rec.mu.Unlock()

	m.logger.Info("process started",
		zap.Int("pid", rec.pid),
		zap.String("name", opts.Name),
		zap.String("command", command),
		zap.String("type", string(opts.Type)))
	return rec.snapshot(), nil
}

// capture reads one output stream line by line into the record's ring.
func (m *Manager) capture(rec *record, pipe io.ReadCloser, stream string) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		rec.ring.Add(OutputLine{
			Timestamp: time.Now().UTC(),
			Stream:    stream,
			Content:   scanner.Text(),
		})
	}
}

// watch waits for the process to exit and performs the terminal transition.
func (m *Manager) watch(rec *record) {
	err := rec.cmd.Wait()

	rec.mu.Lock()
	if rec.timer != nil {
		rec.timer.Stop()
	}
	now := time.Now().UTC()
	rec.finishedAt = &now

	exitCode := -1
	exitedOnOwn := false
	if state := rec.cmd.ProcessState; state != nil && state.Exited() {
		exitedOnOwn = true
		exitCode = state.ExitCode()
		rec.exitCode = &exitCode
	}

	switch {
	case rec.timedOut:
		rec.status = StatusTimeout
	case rec.stopRequested:
		rec.status = StatusStopped
	case err != nil || (exitedOnOwn && exitCode != 0):
		rec.status = StatusCrashed
	default:
		rec.status = StatusStopped
	}
	status := rec.status
	onExit := rec.onExit
	pid := rec.pid
	rec.mu.Unlock()

	rec.exitOnce.Do(func() {
		if onExit != nil {
			onExit(pid, exitCode)
		}
		close(rec.done)
	})

	m.logger.Info("process exited",
		zap.Int("pid", pid),
		zap.String("status", string(status)),
		zap.Int("exit_code", exitCode))
}

// expire marks the record timed out and terminates its group.
func (m *Manager) expire(rec *record) {
	rec.mu.Lock()
	if rec.status.Terminal() {
		rec.mu.Unlock()
		return
	}
	rec.timedOut = true
	pid := rec.pid
	rec.mu.Unlock()

	m.logger.Warn("process timeout, sending SIGTERM", zap.Int("pid", pid))
	_ = signalGroup(pid, syscall.SIGTERM)
}

// find resolves a pid (numeric string) or name to a record.
func (m *Manager) find(ref string) (*record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pid, err := strconv.Atoi(ref); err == nil {
		rec, ok := m.procs[pid]
		return rec, ok
	}
	pid, ok := m.names[ref]
	if !ok {
		return nil, false
	}
	rec, ok := m.procs[pid]
	return rec, ok
}

// Stop sends SIGTERM (or SIGKILL when force) to the process group.
// Idempotent: stopping a terminal process is a no-op.
func (m *Manager) Stop(ref string, force bool) error {
	rec, ok := m.find(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, ref)
	}

	rec.mu.Lock()
	if rec.status.Terminal() {
		rec.mu.Unlock()
		return nil
	}
	rec.stopRequested = true
	pid := rec.pid
	rec.mu.Unlock()

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	return signalGroup(pid, sig)
}

// Interrupt sends SIGINT to the process group.
func (m *Manager) Interrupt(ref string) error {
	rec, ok := m.find(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, ref)
	}
	rec.mu.Lock()
	pid := rec.pid
	terminal := rec.status.Terminal()
	rec.mu.Unlock()
	if terminal {
		return nil
	}
	return signalGroup(pid, syscall.SIGINT)
}

// Wait blocks until the process reaches a terminal state or the timeout
// elapses. A zero timeout waits forever. The returned code is -1 when the
// process was killed rather than exiting on its own.
func (m *Manager) Wait(ref string, timeout time.Duration) (int, error) {
	rec, ok := m.find(ref)
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownProcess, ref)
	}

	if timeout <= 0 {
		<-rec.done
	} else {
		select {
		case <-rec.done:
		case <-time.After(timeout):
			return -1, fmt.Errorf("%s: %w", ref, ErrWaitTimeout)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.exitCode != nil {
		return *rec.exitCode, nil
	}
	return -1, nil
}

// Output returns the last n captured lines. Unknown references yield an
// empty string; Output never fails.
func (m *Manager) Output(ref string, lastN int) string {
	rec, ok := m.find(ref)
	if !ok {
		return ""
	}
	return rec.ring.Text(lastN)
}

// Status returns a snapshot of the record. The boolean is false for
// unknown references.
func (m *Manager) Status(ref string) (Snapshot, bool) {
	rec, ok := m.find(ref)
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of all tracked processes, optionally filtered by
// type.
func (m *Manager) List(filter ProcessType) []Snapshot {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.procs))
	for _, rec := range m.procs {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		snap := rec.snapshot()
		if filter != "" && snap.Type != filter {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// CleanupPort kills whatever external process is bound to the port.
// Best-effort via the host's lsof; errors are logged and swallowed.
func (m *Manager) CleanupPort(port int) {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		m.logger.Debug("cleanup_port found nothing", zap.Int("port", port))
		return
	}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		m.logger.Warn("killing external process on port",
			zap.Int("port", port), zap.Int("pid", pid))
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// CleanupAll force-stops every tracked process and waits briefly for the
// terminal transitions. Idempotent.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.procs))
	for _, rec := range m.procs {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	for _, rec := range recs {
		rec.mu.Lock()
		terminal := rec.status.Terminal()
		rec.stopRequested = true
		pid := rec.pid
		rec.mu.Unlock()
		if terminal {
			continue
		}
		_ = signalGroup(pid, syscall.SIGKILL)
	}
	for _, rec := range recs {
		select {
		case <-rec.done:
		case <-time.After(5 * time.Second):
			m.logger.Warn("process did not exit during cleanup", zap.Int("pid", rec.pid))
		}
	}
}

// Reset clears all records after cleanup. Terminal watchdogs have already
// finished when their done channel is closed.
func (m *Manager) Reset() {
	m.CleanupAll()
	m.mu.Lock()
	m.procs = make(map[int]*record)
	m.names = make(map[string]int)
	m.mu.Unlock()
}

// signalGroup delivers sig to the process group, falling back to the
// single pid when the group is gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}

// mergeEnv overlays extra KEY=VALUE pairs on a base environment.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, len(base), len(base)+len(extra))
	copy(merged, base)
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// snapshotStatus returns the current status without copying the whole
// record.
func (r *record) snapshotStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
