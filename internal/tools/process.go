package tools

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/websmith/websmith/internal/ports"
	"github.com/websmith/websmith/internal/procmgr"
	"github.com/websmith/websmith/internal/workspace"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	commandWaitGrace      = 5 * time.Second
)

// ProcessTools returns the process-supervision tools. Commands run inside
// the workspace; cwd is resolved relative to the workspace root.
func ProcessTools(pm *procmgr.Manager, ws *workspace.Manager) []Tool {
	resolveCwd := func(args map[string]any) (string, bool) {
		cwd := optionalString(args, "cwd")
		cleaned := filepath.Clean("/" + cwd)
		if cwd == "" || cleaned == "/" {
			return ws.Root(), true
		}
		if strings.Contains(cleaned, "..") {
			return "", false
		}
		return filepath.Join(ws.Root(), cleaned), true
	}

	return []Tool{
		&funcTool{
			name:     "run_command",
			desc:     "Run a shell command to completion and return its exit code and output. Use start_server for long-running processes.",
			category: CategoryProcess,
			schema: objectSchema([]string{"command"}, map[string]any{
				"command":         stringProp("Shell command to execute"),
				"cwd":             stringProp("Workspace-relative working directory, defaults to the root"),
				"timeout_seconds": intProp("Maximum runtime, default 120"),
			}),
			fn: func(_ context.Context, args map[string]any) Result {
				command, ok := stringArg(args, "command")
				if !ok {
					return Fail("run_command: command is required")
				}
				cwd, ok := resolveCwd(args)
				if !ok {
					return Fail("run_command: cwd escapes the workspace")
				}
				timeout := defaultCommandTimeout
				if secs, ok := intArg(args, "timeout_seconds"); ok && secs > 0 {
					timeout = time.Duration(secs) * time.Second
				}
				snap, err := pm.Start(command, cwd, procmgr.StartOptions{
					Type:    procmgr.TypeBackground,
					Timeout: timeout,
				})
				if err != nil {
					return Fail("run_command: %v", err)
				}
				ref := refFor(snap)
				code, err := pm.Wait(ref, timeout+commandWaitGrace)
				out := pm.Output(ref, 0)
				if err != nil {
					return Fail("run_command timed out after %s: %s", timeout, out)
				}
				return OK(map[string]any{"exit_code": code, "output": out})
			},
		},
		&funcTool{
			name:     "start_server",
			desc:     "Start a long-running server process under supervision. Returns the pid; the process keeps running.",
			category: CategoryProcess,
			schema: objectSchema([]string{"command", "name"}, map[string]any{
				"command": stringProp("Shell command that starts the server"),
				"name":    stringProp("Unique name to address the process later"),
				"cwd":     stringProp("Workspace-relative working directory"),
				"port":    intProp("Port the server will bind; start fails if it is already taken"),
			}),
			fn: func(_ context.Context, args map[string]any) Result {
				command, ok := stringArg(args, "command")
				if !ok {
					return Fail("start_server: command is required")
				}
				name, ok := stringArg(args, "name")
				if !ok {
					return Fail("start_server: name is required")
				}
				cwd, ok := resolveCwd(args)
				if !ok {
					return Fail("start_server: cwd escapes the workspace")
				}
				port, _ := intArg(args, "port")
				snap, err := pm.Start(command, cwd, procmgr.StartOptions{
					Type: procmgr.TypeServer,
					Name: name,
					Port: port,
				})
				if err != nil {
					return Fail("start_server %s: %v", name, err)
				}
				return OK(map[string]any{"pid": snap.PID, "name": name, "status": string(snap.Status)})
			},
		},
		&funcTool{
			name:     "stop_process",
			desc:     "Stop a supervised process by name or pid.",
			category: CategoryProcess,
			schema: objectSchema([]string{"ref"}, map[string]any{
				"ref":   stringProp("Process name or pid"),
				"force": boolProp("Kill instead of terminating gracefully"),
			}),
			fn: func(_ context.Context, args map[string]any) Result {
				ref, ok := stringArg(args, "ref")
				if !ok {
					return Fail("stop_process: ref is required")
				}
				if err := pm.Stop(ref, boolArg(args, "force")); err != nil {
					return Fail("stop_process %s: %v", ref, err)
				}
				return OK(map[string]any{"ref": ref})
			},
		},
		&funcTool{
			name:     "process_output",
			desc:     "Fetch recent output of a supervised process. Returns empty output for unknown processes.",
			category: CategoryProcess,
			schema: objectSchema([]string{"ref"}, map[string]any{
				"ref":    stringProp("Process name or pid"),
				"last_n": intProp("Number of trailing lines, default all retained"),
			}),
			fn: func(_ context.Context, args map[string]any) Result {
				ref, ok := stringArg(args, "ref")
				if !ok {
					return Fail("process_output: ref is required")
				}
				lastN, _ := intArg(args, "last_n")
				out := pm.Output(ref, lastN)
				data := map[string]any{"ref": ref, "output": out}
				if snap, ok := pm.Status(ref); ok {
					data["status"] = string(snap.Status)
				}
				return OK(data)
			},
		},
		&funcTool{
			name:     "check_port",
			desc:     "Check whether a TCP port on 127.0.0.1 is free. A server that bound its port makes this report in-use.",
			category: CategoryProcess,
			schema: objectSchema([]string{"port"}, map[string]any{
				"port": intProp("TCP port number"),
			}),
			fn: func(_ context.Context, args map[string]any) Result {
				port, ok := intArg(args, "port")
				if !ok || port <= 0 {
					return Fail("check_port: port is required")
				}
				return OK(map[string]any{"port": port, "free": ports.Probe(port)})
			},
		},
	}
}

func refFor(snap procmgr.Snapshot) string {
	if snap.Name != "" {
		return snap.Name
	}
	return strconv.Itoa(snap.PID)
}
