package store

import (
	"context"
	"errors"

	"github.com/obot-platform/previewbox/internal/logger"
	"github.com/obot-platform/previewbox/internal/sandbox"
)

// Reconciler keeps the stored tree in line with changes made inside the
// sandbox, such as files written by the shell or a build.
type Reconciler struct {
	store *Store
	log   *logger.Logger
}

// NewReconciler returns a Reconciler writing to s.
func NewReconciler(s *Store, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Nop()
	}
	return &Reconciler{store: s, log: log.Named("reconcile")}
}

// HandleFSEvent applies one watch notification. Created and changed files
// are read back from fs; removed and renamed paths are deleted along with
// anything below them. Directories and files that vanished before they
// could be read are skipped.
func (r *Reconciler) HandleFSEvent(ctx context.Context, fs sandbox.FileReader, ev sandbox.FSEvent) {
	switch ev.Kind {
	case sandbox.EventCreate, sandbox.EventChange:
		data, err := fs.ReadFile(ctx, ev.Path)
		if err != nil {
			if !errors.Is(err, sandbox.ErrNotFound) {
				r.log.Debug("skipping unreadable path", "path", ev.Path, "error", err)
			}
			return
		}
		if err := r.store.PutFile(ctx, ev.Path, string(data)); err != nil {
			r.log.Warn("failed to store file", "path", ev.Path, "error", err)
		}
	case sandbox.EventRemove, sandbox.EventRename:
		n, err := r.store.DeletePath(ctx, ev.Path)
		if err != nil {
			r.log.Warn("failed to delete file", "path", ev.Path, "error", err)
			return
		}
		r.log.Debug("deleted stored path", "path", ev.Path, "files", n)
	}
}
