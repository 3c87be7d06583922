package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
)

// Workspaces creates per-execution host directories under one root.
type Workspaces struct {
	root string
}

// NewWorkspaces prepares root, creating it if needed.
func NewWorkspaces(root string) (*Workspaces, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Workspaces{root: abs}, nil
}

func (w *Workspaces) Root() string { return w.root }

// Create makes a fresh directory for executionID. It fails if the directory
// already exists, so a workspace is never shared.
func (w *Workspaces) Create(executionID string) (*Workspace, error) {
	if executionID == "" || strings.ContainsAny(executionID, `/\`) || strings.Contains(executionID, "..") {
		return nil, fmt.Errorf("invalid execution id %q", executionID)
	}
	dir := filepath.Join(w.root, "exec-"+executionID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return &Workspace{Path: dir}, nil
}

// Reclaim removes a workspace left behind by a previous process. Paths
// outside the root are refused.
func (w *Workspaces) Reclaim(path string) error {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("refusing to remove %s: outside workspace root", path)
	}
	return os.RemoveAll(path)
}

// Workspace is the host directory bind-mounted into one sandbox.
type Workspace struct {
	Path string

	mu      sync.Mutex
	files   []string
	once    sync.Once
	removed error
}

// WriteSource writes content to name inside the workspace and returns the
// host path of the file.
func (ws *Workspace) WriteSource(name, content string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid source file name %q", name)
	}
	p := filepath.Join(ws.Path, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing source: %w", err)
	}
	ws.mu.Lock()
	ws.files = append(ws.files, name)
	ws.mu.Unlock()
	return p, nil
}

// Files returns the names written so far.
func (ws *Workspace) Files() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]string(nil), ws.files...)
}

// BindPath is the workspace path in the form the Docker daemon expects.
func (ws *Workspace) BindPath() string {
	return DockerPath(ws.Path, runtime.GOOS)
}

// Remove deletes the directory. Only the first call does any work; later
// calls return its result.
func (ws *Workspace) Remove() error {
	ws.once.Do(func() {
		if err := os.RemoveAll(ws.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			ws.removed = fmt.Errorf("removing workspace: %w", err)
		}
	})
	return ws.removed
}

var drivePath = regexp.MustCompile(`^([A-Za-z]):[\\/]`)

// DockerPath rewrites a Windows host path (C:\a\b) into the /C/a/b form used
// for bind mounts. Paths on other platforms are returned unchanged.
func DockerPath(p, goos string) string {
	if goos != "windows" {
		return p
	}
	p = drivePath.ReplaceAllString(p, "/$1/")
	return strings.ReplaceAll(p, `\`, "/")
}
