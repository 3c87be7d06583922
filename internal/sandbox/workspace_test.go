package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceLifecycle(t *testing.T) {
	ws, err := NewWorkspaces(t.TempDir())
	require.NoError(t, err)

	w, err := ws.Create("1700000000000-abcd")
	require.NoError(t, err)
	assert.DirExists(t, w.Path)
	assert.Equal(t, ws.Root(), filepath.Dir(w.Path))

	p, err := w.WriteSource("main.py", "print('hi')")
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(data))
	assert.Equal(t, []string{"main.py"}, w.Files())

	require.NoError(t, w.Remove())
	assert.NoDirExists(t, w.Path)
	assert.NoError(t, w.Remove(), "second remove must be a no-op")
}

func TestWorkspaceNeverShared(t *testing.T) {
	ws, err := NewWorkspaces(t.TempDir())
	require.NoError(t, err)

	_, err = ws.Create("same")
	require.NoError(t, err)
	_, err = ws.Create("same")
	assert.Error(t, err)
}

func TestWorkspaceRejectsBadNames(t *testing.T) {
	ws, err := NewWorkspaces(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../x", `a\b`, "a/b"} {
		_, err := ws.Create(id)
		assert.Error(t, err, "execution id %q", id)
	}

	w, err := ws.Create("ok")
	require.NoError(t, err)
	for _, name := range []string{"", "..", "../main.py", "sub/main.py"} {
		_, err := w.WriteSource(name, "x")
		assert.Error(t, err, "file name %q", name)
	}
}

func TestReclaim(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspaces(root)
	require.NoError(t, err)

	w, err := ws.Create("left-behind")
	require.NoError(t, err)
	require.NoError(t, ws.Reclaim(w.Path))
	assert.NoDirExists(t, w.Path)

	outside := t.TempDir()
	assert.Error(t, ws.Reclaim(outside))
	assert.DirExists(t, outside)
	assert.Error(t, ws.Reclaim(root), "the root itself is not a workspace")
}

func TestDockerPath(t *testing.T) {
	tests := []struct {
		in, goos, want string
	}{
		{`C:\Users\ada\AppData\Local\Temp\runbox\exec-1`, "windows", "/C/Users/ada/AppData/Local/Temp/runbox/exec-1"},
		{`d:\work\exec-2`, "windows", "/d/work/exec-2"},
		{"/tmp/runbox/exec-3", "linux", "/tmp/runbox/exec-3"},
		{"/private/var/folders/exec-4", "darwin", "/private/var/folders/exec-4"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DockerPath(tt.in, tt.goos), tt.in)
	}
}
