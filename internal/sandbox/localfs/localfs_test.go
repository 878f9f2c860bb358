package localfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obot-platform/previewbox/internal/sandbox"
)

func newFS(t *testing.T) *FS {
	t.Helper()
	f, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return f
}

func TestWriteThenReadBack(t *testing.T) {
	f := newFS(t)
	ctx := context.Background()

	require.NoError(t, f.WriteFile(ctx, "/src/a.js", []byte("x=1")))

	data, err := f.ReadFile(ctx, "/src/a.js")
	require.NoError(t, err)
	assert.Equal(t, "x=1", string(data))

	// Overwrite
	require.NoError(t, f.WriteFile(ctx, "/src/a.js", []byte("x=2")))
	data, err = f.ReadFile(ctx, "src/a.js")
	require.NoError(t, err)
	assert.Equal(t, "x=2", string(data))
}

func TestReadFile_NotFound(t *testing.T) {
	f := newFS(t)
	_, err := f.ReadFile(context.Background(), "/missing.txt")
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
}

func TestResolve_StaysInsideRoot(t *testing.T) {
	f := newFS(t)

	hostPath, err := f.Resolve("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.Root(), "etc", "passwd"), hostPath)

	// A symlink pointing outside the root is resolved relative to the root.
	require.NoError(t, os.Symlink("/etc", filepath.Join(f.Root(), "escape")))
	hostPath, err = f.Resolve("/escape/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.Root(), "etc", "passwd"), hostPath)
}

func TestMount(t *testing.T) {
	f := newFS(t)
	ctx := context.Background()

	tree := sandbox.FileTree{
		"/package.json":  `{"name":"demo"}`,
		"src/index.js":   "console.log(1)",
		"/src/lib/u.js":  "",
		"/public/a.html": "<p>hi</p>",
	}
	require.NoError(t, f.Mount(ctx, tree))

	for p, want := range map[string]string{
		"/package.json":  `{"name":"demo"}`,
		"/src/index.js":  "console.log(1)",
		"/src/lib/u.js":  "",
		"/public/a.html": "<p>hi</p>",
	} {
		data, err := f.ReadFile(ctx, p)
		require.NoError(t, err, p)
		assert.Equal(t, want, string(data), p)
	}
}

func TestMount_InvalidPathWritesNothing(t *testing.T) {
	f := newFS(t)
	err := f.Mount(context.Background(), sandbox.FileTree{"/ok.txt": "ok", "/": "root"})
	require.ErrorIs(t, err, sandbox.ErrInvalidPath)

	_, err = os.Stat(filepath.Join(f.Root(), "ok.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestWatch_ReportsChanges(t *testing.T) {
	f := newFS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := f.Watch(ctx, "/")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(f.Root(), "hello.txt"), []byte("hi"), 0644))

	select {
	case ev := <-events:
		assert.Equal(t, "/hello.txt", ev.Path)
		assert.Contains(t, []sandbox.EventKind{sandbox.EventCreate, sandbox.EventChange}, ev.Kind)
	case <-ctx.Done():
		t.Fatal("no watch event received")
	}
}

func TestWatch_FollowsNewDirectories(t *testing.T) {
	f := newFS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := f.Watch(ctx, "/")
	require.NoError(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(f.Root(), "src"), 0755))
	waitFor(t, ctx, events, "/src")

	// Give the watcher a moment to register the new directory.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(f.Root(), "src", "a.js"), []byte("x"), 0644))
	waitFor(t, ctx, events, "/src/a.js")
}

func TestWatch_StopsOnCancel(t *testing.T) {
	f := newFS(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := f.Watch(ctx, "/")
	require.NoError(t, err)
	cancel()

	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("watch channel not closed after cancel")
		}
	}
}

func waitFor(t *testing.T, ctx context.Context, events <-chan sandbox.FSEvent, path string) {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Path == path {
				return
			}
		case <-ctx.Done():
			t.Fatalf("no event for %s", path)
		}
	}
}
