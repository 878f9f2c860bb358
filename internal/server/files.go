package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/obot-platform/previewbox/internal/events"
	"github.com/obot-platform/previewbox/internal/filesync"
	"github.com/obot-platform/previewbox/internal/orchestrator"
	"github.com/obot-platform/previewbox/internal/sandbox"
	"github.com/obot-platform/previewbox/internal/store"
)

// PushResponse reports what happened to a pushed edit.
type PushResponse struct {
	Outcome string `json:"outcome"`
}

// PushFile applies one editor change to the sandbox and records it.
// PUT /api/files
func (h *Handler) PushFile(w http.ResponseWriter, r *http.Request) {
	var ev filesync.FileChangeEvent
	if err := h.DecodeJSON(r, &ev); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := h.orch.Push(r.Context(), ev)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrInvalidPath):
			h.Error(w, http.StatusBadRequest, err.Error())
		default:
			h.Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if outcome != filesync.Ignored {
		if h.store != nil {
			if err := h.store.PutFile(r.Context(), ev.Filename, ev.Content); err != nil {
				if errors.Is(err, sandbox.ErrInvalidPath) {
					h.Error(w, http.StatusBadRequest, err.Error())
					return
				}
				h.log.Warn("failed to record file", "path", ev.Filename, "error", err)
			}
		}
		if h.broker != nil {
			if path, err := sandbox.CleanPath(ev.Filename); err == nil {
				if err := h.broker.PublishFileChanged(r.Context(), path, string(sandbox.EventChange), events.SourcePush); err != nil {
					h.log.Warn("failed to publish file change", "path", path, "error", err)
				}
			}
		}
	}

	h.JSON(w, http.StatusOK, PushResponse{Outcome: outcome.String()})
}

// FileResponse is one file's content.
type FileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// GetFile reads a file back from the sandbox. Without a path it lists the
// stored tree.
// GET /api/files?path=
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		h.listFiles(w, r)
		return
	}

	data, err := h.orch.ReadFile(r.Context(), p)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNotBooted):
			h.Error(w, http.StatusConflict, err.Error())
		case errors.Is(err, sandbox.ErrNotFound):
			h.Error(w, http.StatusNotFound, "file not found")
		case errors.Is(err, sandbox.ErrInvalidPath):
			h.Error(w, http.StatusBadRequest, err.Error())
		default:
			h.Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	clean, _ := sandbox.CleanPath(p)
	h.JSON(w, http.StatusOK, FileResponse{Path: clean, Content: string(data)})
}

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.Error(w, http.StatusBadRequest, "missing path")
		return
	}
	files, err := h.store.ListFiles(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []store.File{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"files": files})
}

// MountRequest is the body of POST /api/files/mount.
type MountRequest struct {
	Files json.RawMessage `json:"files"`
}

// MountFiles replaces the file tree with a new snapshot.
// POST /api/files/mount
func (h *Handler) MountFiles(w http.ResponseWriter, r *http.Request) {
	var req MountRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tree, err := parseTree(req.Files)
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if tree == nil {
		h.Error(w, http.StatusBadRequest, "missing files")
		return
	}

	if h.store != nil {
		if err := h.store.ReplaceAll(r.Context(), tree); err != nil {
			h.log.Warn("failed to record snapshot", "error", err)
		}
	}

	mounted, err := h.orch.Remount(r.Context(), tree)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"mounted": mounted, "files": len(tree)})
}
