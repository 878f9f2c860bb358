// Package localfs implements the sandbox filesystem capabilities on top of a
// host directory. Both the local and the docker providers keep the sandbox
// workspace on the host, so they share this implementation.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/fsnotify/fsnotify"

	"github.com/obot-platform/previewbox/internal/logger"
	"github.com/obot-platform/previewbox/internal/sandbox"
)

// FS is a sandbox filesystem rooted at a host directory. Sandbox paths are
// resolved with SecureJoin so nothing (including symlinks written by the
// sandboxed project) can escape the root.
type FS struct {
	root string
	log  *logger.Logger
}

// New returns an FS rooted at root, creating the directory if needed.
func New(root string, log *logger.Logger) (*FS, error) {
	if log == nil {
		log = logger.Nop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	return &FS{root: abs, log: log}, nil
}

// Root returns the host directory backing the sandbox.
func (f *FS) Root() string {
	return f.root
}

// Resolve maps a sandbox path to a host path inside the root.
func (f *FS) Resolve(p string) (string, error) {
	clean, err := sandbox.CleanPath(p)
	if err != nil {
		return "", err
	}
	hostPath, err := securejoin.SecureJoin(f.root, clean)
	if err != nil {
		return "", fmt.Errorf("%w: %v", sandbox.ErrInvalidPath, err)
	}
	return hostPath, nil
}

// WriteFile writes content to the sandbox path, creating parent directories.
func (f *FS) WriteFile(ctx context.Context, p string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hostPath, err := f.Resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hostPath), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return os.WriteFile(hostPath, content, 0644)
}

// ReadFile reads the file at the sandbox path.
func (f *FS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hostPath, err := f.Resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(hostPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, sandbox.ErrNotFound)
	}
	return data, err
}

// Mount writes every file of the tree. All paths are validated before the
// first write so a bad path never leaves a half-mounted tree behind.
func (f *FS) Mount(ctx context.Context, tree sandbox.FileTree) error {
	normalized, err := tree.Normalize()
	if err != nil {
		return err
	}

	resolved := make(map[string]string, len(normalized))
	for p := range normalized {
		hostPath, err := f.Resolve(p)
		if err != nil {
			return err
		}
		resolved[p] = hostPath
	}

	for _, node := range normalized.Nodes() {
		if err := ctx.Err(); err != nil {
			return err
		}
		hostPath := resolved[node.Path]
		if err := os.MkdirAll(filepath.Dir(hostPath), 0755); err != nil {
			return fmt.Errorf("create parent directory for %s: %w", node.Path, err)
		}
		if err := os.WriteFile(hostPath, []byte(node.Content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", node.Path, err)
		}
	}

	f.log.Debug("mounted file tree", "root", f.root, "files", len(normalized))
	return nil
}

// Watch registers a recursive fsnotify watch below the sandbox root path and
// streams translated events until ctx is done.
func (f *FS) Watch(ctx context.Context, root string) (<-chan sandbox.FSEvent, error) {
	hostRoot := f.root
	if root != "" && root != "/" {
		var err error
		if hostRoot, err = f.Resolve(root); err != nil {
			return nil, err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := addRecursive(watcher, hostRoot); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	out := make(chan sandbox.FSEvent, 256)
	go func() {
		defer close(out)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.log.Warn("watch error", "root", hostRoot, "error", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				translated, ok := f.translate(ev)
				if !ok {
					continue
				}
				if translated.Kind == sandbox.EventCreate {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						if err := addRecursive(watcher, ev.Name); err != nil {
							f.log.Warn("failed to watch new directory", "path", translated.Path, "error", err)
						}
					}
				}
				select {
				case out <- translated:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (f *FS) translate(ev fsnotify.Event) (sandbox.FSEvent, bool) {
	var kind sandbox.EventKind
	switch {
	case ev.Has(fsnotify.Create):
		kind = sandbox.EventCreate
	case ev.Has(fsnotify.Write):
		kind = sandbox.EventChange
	case ev.Has(fsnotify.Remove):
		kind = sandbox.EventRemove
	case ev.Has(fsnotify.Rename):
		kind = sandbox.EventRename
	default:
		// Chmod only
		return sandbox.FSEvent{}, false
	}

	rel, err := filepath.Rel(f.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return sandbox.FSEvent{}, false
	}

	return sandbox.FSEvent{
		Kind:      kind,
		Path:      "/" + filepath.ToSlash(rel),
		Timestamp: time.Now(),
	}, true
}

func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

// RemoveAll deletes the whole sandbox root.
func (f *FS) RemoveAll() error {
	return os.RemoveAll(f.root)
}
