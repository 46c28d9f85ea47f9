package tools

import (
	"context"
	"errors"

	"github.com/websmith/websmith/internal/events"
	"github.com/websmith/websmith/internal/workspace"
)

// FilesystemTools returns the workspace-scoped file tools for one agent.
// Reads are unrestricted within the workspace; writes go through the
// agent's write-root check and report file lifecycle events.
func FilesystemTools(ws *workspace.Manager, em *events.Emitter, agentID string) []Tool {
	return []Tool{
		&funcTool{
			name:     "read_file",
			desc:     "Read a file from the shared workspace. Path is relative to the workspace root.",
			category: CategoryFilesystem,
			schema: objectSchema([]string{"path"}, map[string]any{
				"path": stringProp("Workspace-relative file path"),
			}),
			fn: func(_ context.Context, args map[string]any) Result {
				path, ok := stringArg(args, "path")
				if !ok {
					return Fail("read_file: path is required")
				}
				data, err := ws.Read(path, agentID)
				if err != nil {
					return Fail("read_file %s: %v", path, err)
				}
				return OK(map[string]any{"path": path, "content": string(data)})
			},
		},
		&funcTool{
			name:     "write_file",
			desc:     "Write a file inside your write-root. Parent directories are created. Writes outside your write-root are denied.",
			category: CategoryFilesystem,
			schema: objectSchema([]string{"path", "content"}, map[string]any{
				"path":    stringProp("Workspace-relative file path, inside your write-root"),
				"content": stringProp("Full file content"),
			}),
			fn: func(_ context.Context, args map[string]any) Result {
				path, ok := stringArg(args, "path")
				if !ok {
					return Fail("write_file: path is required")
				}
				content, hasContent := args["content"].(string)
				if !hasContent {
					return Fail("write_file: content is required")
				}
				em.Emit(events.FileStart, path, map[string]interface{}{
					"agent_id": agentID, "path": path,
				})
				if err := ws.Write(path, []byte(content), agentID); err != nil {
					em.Emit(events.FileError, path, map[string]interface{}{
						"agent_id": agentID, "path": path, "error": err.Error(),
					})
					if errors.Is(err, workspace.ErrDenied) {
						root, _ := ws.WriteRootFor(agentID)
						return Fail("write_file %s: denied, your write-root is %s", path, root)
					}
					return Fail("write_file %s: %v", path, err)
				}
				em.Emit(events.FileComplete, path, map[string]interface{}{
					"agent_id": agentID, "path": path, "bytes": len(content),
				})
				return OK(map[string]any{"path": path, "bytes": len(content)})
			},
		},
		&funcTool{
			name:     "list_files",
			desc:     "List files under a workspace directory, recursively.",
			category: CategoryFilesystem,
			schema: objectSchema(nil, map[string]any{
				"dir": stringProp("Workspace-relative directory, defaults to the root"),
			}),
			fn: func(_ context.Context, args map[string]any) Result {
				dir := optionalString(args, "dir")
				if dir == "" {
					dir = "."
				}
				paths, err := ws.List(dir, agentID)
				if err != nil {
					return Fail("list_files %s: %v", dir, err)
				}
				return OK(map[string]any{"dir": dir, "files": paths})
			},
		},
	}
}
