package procmgr

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/websmith/websmith/internal/common/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	m := NewManager(log)
	t.Cleanup(m.Reset)
	return m
}

func TestProcessLifecycle(t *testing.T) {
	m := newTestManager(t)

	var exits atomic.Int32
	var gotCode atomic.Int32
	snap, err := m.Start("sleep 0.3", t.TempDir(), StartOptions{
		Name: "s",
		OnExit: func(pid, code int) {
			exits.Add(1)
			gotCode.Store(int32(code))
		},
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if snap.Status != StatusRunning && snap.Status != StatusStarting {
		t.Errorf("unexpected initial status %s", snap.Status)
	}

	code, err := m.Wait("s", 5*time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}

	// Frozen snapshot after the terminal transition
	final, ok := m.Status("s")
	if !ok {
		t.Fatal("status lookup by name failed")
	}
	if final.Status != StatusStopped {
		t.Errorf("expected stopped, got %s", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("expected exit_code 0, got %v", final.ExitCode)
	}
	if final.FinishedAt == nil {
		t.Error("finished_at not set")
	}
	if n := exits.Load(); n != 1 {
		t.Errorf("on_exit fired %d times", n)
	}
	if gotCode.Load() != 0 {
		t.Errorf("on_exit got code %d", gotCode.Load())
	}
}

func TestCrashedStatus(t *testing.T) {
	m := newTestManager(t)

	snap, err := m.Start("exit 3", t.TempDir(), StartOptions{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	code, err := m.Wait(strconv.Itoa(snap.PID), 5*time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
	final, _ := m.Status(strconv.Itoa(snap.PID))
	if final.Status != StatusCrashed {
		t.Errorf("expected crashed, got %s", final.Status)
	}
}

func TestDuplicateName(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Start("sleep 5", t.TempDir(), StartOptions{Name: "dup"}); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if _, err := m.Start("sleep 5", t.TempDir(), StartOptions{Name: "dup"}); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
}

func TestConcurrentStartsSameName(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()

	const racers = 8
	var started atomic.Int32
	var dups atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Start("sleep 2", dir, StartOptions{Name: "racer"})
			switch {
			case err == nil:
				started.Add(1)
			case errors.Is(err, ErrDuplicateName):
				dups.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if started.Load() != 1 {
		t.Errorf("%d starts succeeded, want exactly 1", started.Load())
	}
	if dups.Load() != racers-1 {
		t.Errorf("%d duplicate refusals, want %d", dups.Load(), racers-1)
	}
}

func TestNameFreedAfterFailedStart(t *testing.T) {
	m := newTestManager(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	if _, err := m.Start("sleep 1", t.TempDir(), StartOptions{Name: "svc", Port: port}); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
	_ = listener.Close()

	if _, err := m.Start("true", t.TempDir(), StartOptions{Name: "svc"}); err != nil {
		t.Errorf("name still reserved after failed start: %v", err)
	}
}

func TestNameReusableAfterExit(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Start("true", t.TempDir(), StartOptions{Name: "quick"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := m.Wait("quick", 5*time.Second); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if _, err := m.Start("true", t.TempDir(), StartOptions{Name: "quick"}); err != nil {
		t.Errorf("name not reusable after exit: %v", err)
	}
}

func TestPortRefusal(t *testing.T) {
	m := newTestManager(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer func() { _ = listener.Close() }()
	port := listener.Addr().(*net.TCPAddr).Port

	_, err = m.Start("sleep 1", t.TempDir(), StartOptions{Port: port})
	if !errors.Is(err, ErrPortInUse) {
		t.Errorf("expected ErrPortInUse, got %v", err)
	}
	if len(m.List("")) != 0 {
		t.Error("refused start left a tracked process")
	}
}

func TestTimeoutTransition(t *testing.T) {
	m := newTestManager(t)

	var code atomic.Int32
	code.Store(99)
	snap, err := m.Start("sleep 10", t.TempDir(), StartOptions{
		Name:    "slow",
		Timeout: 200 * time.Millisecond,
		OnExit:  func(pid, c int) { code.Store(int32(c)) },
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if _, err := m.Wait("slow", 5*time.Second); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	final, _ := m.Status(strconv.Itoa(snap.PID))
	if final.Status != StatusTimeout {
		t.Errorf("expected timeout status, got %s", final.Status)
	}
	// Killed by signal: no self-exit code
	if final.ExitCode != nil {
		t.Errorf("expected nil exit_code for signaled process, got %d", *final.ExitCode)
	}
	if code.Load() != -1 {
		t.Errorf("on_exit got code %d, want -1", code.Load())
	}
}

func TestOutputCapture(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Start("echo hello; echo world >&2", t.TempDir(), StartOptions{Name: "echoer"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := m.Wait("echoer", 5*time.Second); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	// Give the capture goroutines a moment to drain the pipes
	time.Sleep(50 * time.Millisecond)

	out := m.Output("echoer", 0)
	if out == "" {
		t.Fatal("no output captured")
	}
	for _, want := range []string{"hello", "world"} {
		if !containsLine(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func containsLine(out, want string) bool {
	for _, line := range splitLines(out) {
		if line == want {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return append(lines, s[start:])
}

func TestOutputUnknownProcess(t *testing.T) {
	m := newTestManager(t)
	if out := m.Output("ghost", 10); out != "" {
		t.Errorf("expected empty output for unknown process, got %q", out)
	}
}

func TestWaitTimeout(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Start("sleep 5", t.TempDir(), StartOptions{Name: "s"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	_, err := m.Wait("s", 100*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestCleanupAll(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 3; i++ {
		if _, err := m.Start("sleep 30", t.TempDir(), StartOptions{Name: fmt.Sprintf("p%d", i)}); err != nil {
			t.Fatalf("start %d failed: %v", i, err)
		}
	}
	m.CleanupAll()

	for _, snap := range m.List("") {
		if !snap.Status.Terminal() {
			t.Errorf("process %d not terminal after cleanup: %s", snap.PID, snap.Status)
		}
	}
	// Idempotent
	m.CleanupAll()
}

func TestRingCap(t *testing.T) {
	ring := NewOutputRing(10)
	for i := 0; i < 25; i++ {
		ring.Add(OutputLine{Content: strconv.Itoa(i)})
	}
	if ring.Count() != 10 {
		t.Fatalf("ring holds %d lines, cap 10", ring.Count())
	}
	lines := ring.Last(0)
	if lines[0].Content != "15" || lines[9].Content != "24" {
		t.Errorf("ring kept wrong window: first=%s last=%s", lines[0].Content, lines[9].Content)
	}
}

func TestRingLastN(t *testing.T) {
	ring := NewOutputRing(10)
	for i := 0; i < 5; i++ {
		ring.Add(OutputLine{Content: strconv.Itoa(i)})
	}
	last := ring.Last(2)
	if len(last) != 2 || last[0].Content != "3" || last[1].Content != "4" {
		t.Errorf("Last(2) = %v", last)
	}
}
