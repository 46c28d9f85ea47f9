package procmgr

import (
	"os/exec"
	"sync"
	"time"
)

// ProcessType classifies supervised processes.
type ProcessType string

const (
	TypeServer     ProcessType = "server"
	TypeBackground ProcessType = "background"
	TypeContainer  ProcessType = "container"
)

// Status is a process lifecycle state. stopped, crashed, and timeout are
// terminal.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
	StatusTimeout  Status = "timeout"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCrashed || s == StatusTimeout
}

// OnExitFunc is invoked exactly once when a process reaches a terminal
// state. exitCode is -1 when the process was killed by a signal.
type OnExitFunc func(pid, exitCode int)

// record is the manager's live handle on a child process.
type record struct {
	mu sync.Mutex

	pid        int
	command    string
	cwd        string
	procType   ProcessType
	name       string
	port       int
	status     Status
	exitCode   *int
	startedAt  time.Time
	finishedAt *time.Time

	cmd      *exec.Cmd
	ring     *OutputRing
	onExit   OnExitFunc
	exitOnce sync.Once
	done     chan struct{}

	timedOut      bool // timeout deadline fired before exit
	stopRequested bool // Stop was called before exit
	timer         *time.Timer
}

// Snapshot is the externally visible view of a process record, minus the
// live handle.
type Snapshot struct {
	PID        int         `json:"pid"`
	Command    string      `json:"command"`
	Cwd        string      `json:"cwd"`
	Type       ProcessType `json:"type"`
	Name       string      `json:"name,omitempty"`
	Port       int         `json:"port,omitempty"`
	Status     Status      `json:"status"`
	ExitCode   *int        `json:"exit_code,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// snapshot copies the record's visible state. Caller must not hold r.mu.
func (r *record) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		PID:       r.pid,
		Command:   r.command,
		Cwd:       r.cwd,
		Type:      r.procType,
		Name:      r.name,
		Port:      r.port,
		Status:    r.status,
		StartedAt: r.startedAt,
	}
	if r.exitCode != nil {
		code := *r.exitCode
		snap.ExitCode = &code
	}
	if r.finishedAt != nil {
		at := *r.finishedAt
		snap.FinishedAt = &at
	}
	return snap
}
