// Package workspace provides role-scoped file access inside a single
// directory tree. Every agent may read anywhere under the root; writes are
// restricted to the agent's write-root subdirectory.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/websmith/websmith/internal/common/logger"
)

var (
	// ErrDenied is returned when an agent writes outside its write-root.
	ErrDenied = errors.New("write outside agent write-root denied")
	// ErrPathEscape is returned when a path escapes the workspace root
	// after normalization and symlink resolution.
	ErrPathEscape = errors.New("path escapes workspace root")
	// ErrNoWriteRoot is returned when an agent without write rights writes.
	ErrNoWriteRoot = errors.New("agent has no write-root")
)

// StandardLayout lists the subdirectories pre-created under every workspace.
var StandardLayout = []string{
	"design",
	"app/database",
	"app/backend/routes",
	"app/backend/middleware",
	"app/frontend/src/pages",
	"app/frontend/src/components",
	"app/frontend/src/services",
	"docker",
	"screenshots",
	".checkpoint",
}

// Manager serializes file access within one workspace root.
type Manager struct {
	baseDir string // canonical absolute path

	mu         sync.RWMutex
	writeRoots map[string]string // agent_id -> relative write-root
	logger     *logger.Logger
}

// NewManager creates the workspace root (and the standard layout) and
// returns a manager bound to its canonical path.
func NewManager(baseDir string, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	canonical, err = filepath.Abs(canonical)
	if err != nil {
		return nil, fmt.Errorf("absolutize workspace root: %w", err)
	}

	m := &Manager{
		baseDir:    canonical,
		writeRoots: make(map[string]string),
		logger:     log.WithFields(zap.String("component", "workspace")),
	}
	for _, dir := range StandardLayout {
		if err := os.MkdirAll(filepath.Join(canonical, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return m, nil
}

// Root returns the canonical workspace root. Used by the orchestrator for
// process working directories; agents go through Read/Write/List.
func (m *Manager) Root() string {
	return m.baseDir
}

// AssignWriteRoot grants the agent write access under the given relative
// subdirectory. An empty root means no write rights.
func (m *Manager) AssignWriteRoot(agentID, relRoot string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeRoots[agentID] = filepath.Clean(relRoot)
}

// WriteRootFor returns the agent's relative write-root. The boolean is
// false when the agent has no write rights.
func (m *Manager) WriteRootFor(agentID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	root, ok := m.writeRoots[agentID]
	if !ok || root == "" || root == "." {
		return "", false
	}
	return root, true
}

// Read returns the contents of a file anywhere under the workspace root.
func (m *Manager) Read(path, agentID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	abs, err := m.canonicalize(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Write stores data at the given path, creating intermediate directories.
// It succeeds only when the normalized target has the agent's write-root as
// a prefix. The write goes through a temp file and rename so a partial
// failure never leaves a truncated file behind.
func (m *Manager) Write(path string, data []byte, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	abs, err := m.canonicalize(path)
	if err != nil {
		return err
	}

	root, ok := m.writeRoots[agentID]
	if !ok || root == "" || root == "." {
		m.logger.Warn("write denied: agent has no write-root",
			zap.String("agent_id", agentID), zap.String("path", path))
		return fmt.Errorf("%s: %w", agentID, ErrNoWriteRoot)
	}
	allowedPrefix := filepath.Join(m.baseDir, root)
	if abs != allowedPrefix && !strings.HasPrefix(abs, allowedPrefix+string(filepath.Separator)) {
		m.logger.Warn("write denied: outside write-root",
			zap.String("agent_id", agentID),
			zap.String("path", path),
			zap.String("write_root", root))
		return fmt.Errorf("agent %s path %s: %w", agentID, path, ErrDenied)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".websmith-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	m.logger.Debug("file written",
		zap.String("agent_id", agentID),
		zap.String("path", path),
		zap.Int("bytes", len(data)))
	return nil
}

// List returns the relative paths of all entries under a directory.
// Reads are unrestricted.
func (m *Manager) List(dir, agentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	abs, err := m.canonicalize(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	rel, err := filepath.Rel(m.baseDir, abs)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += string(filepath.Separator)
		}
		if rel == "." {
			paths = append(paths, name)
		} else {
			paths = append(paths, filepath.Join(rel, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// canonicalize resolves a workspace path (relative to the root, or absolute)
// to a canonical absolute path and rejects anything outside the root. The
// target itself may not exist yet, so symlinks are resolved on its nearest
// existing ancestor.
func (m *Manager) canonicalize(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(m.baseDir, abs)
	}
	abs = filepath.Clean(abs)

	resolved, err := resolveExistingPrefix(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if resolved != m.baseDir && !strings.HasPrefix(resolved, m.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s: %w", path, ErrPathEscape)
	}
	return resolved, nil
}

// resolveExistingPrefix walks up from abs to the deepest existing ancestor,
// resolves its symlinks, then re-joins the non-existent remainder.
func resolveExistingPrefix(abs string) (string, error) {
	existing := abs
	var remainder []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		remainder = append([]string{filepath.Base(existing)}, remainder...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Clean(filepath.Join(append([]string{resolved}, remainder...)...)), nil
}
