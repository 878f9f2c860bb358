package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/obot-platform/previewbox/internal/orchestrator"
	"github.com/obot-platform/previewbox/internal/sandbox"
)

// BootRequest is the body of POST /api/sandbox/boot. Files may be a flat
// {"path": "content"} object or the nested directory form.
type BootRequest struct {
	Files json.RawMessage `json:"files,omitempty"`
}

// BootResponse reports the lifecycle after a boot.
type BootResponse struct {
	orchestrator.Status
	Warnings []string `json:"warnings,omitempty"`
}

// BootSandbox boots the sandbox, or returns the current one.
// POST /api/sandbox/boot
func (h *Handler) BootSandbox(w http.ResponseWriter, r *http.Request) {
	var req BootRequest
	if err := h.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tree, err := parseTree(req.Files)
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if tree, err = h.bootTree(r.Context(), tree); err != nil {
		h.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Boot outlives the request; a client that goes away mid-boot still
	// leaves a usable sandbox behind.
	_, err = h.orch.Boot(context.WithoutCancel(r.Context()), tree, h.surface())
	var bootErr *sandbox.BootError
	if errors.As(err, &bootErr) {
		h.Error(w, http.StatusBadGateway, err.Error())
		return
	}

	h.JSON(w, http.StatusOK, BootResponse{
		Status:   h.orch.Status(),
		Warnings: errorMessages(err),
	})
}

// parseTree decodes and normalizes a file tree. An absent tree is nil.
func parseTree(raw json.RawMessage) (sandbox.FileTree, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	tree, err := sandbox.ParseFileTree(raw)
	if err != nil {
		return nil, err
	}
	return tree.Normalize()
}

// bootTree resolves the initial tree: the request's files if present
// (recorded in the store), otherwise the stored snapshot.
func (h *Handler) bootTree(ctx context.Context, tree sandbox.FileTree) (sandbox.FileTree, error) {
	if h.store == nil {
		return tree, nil
	}
	if tree == nil {
		return h.store.Snapshot(ctx)
	}
	if err := h.store.ReplaceAll(ctx, tree); err != nil {
		h.log.Warn("failed to record boot snapshot", "error", err)
	}
	return tree, nil
}

// ShutdownSandbox tears down the current sandbox.
// DELETE /api/sandbox
func (h *Handler) ShutdownSandbox(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Shutdown(context.WithoutCancel(r.Context())); err != nil {
		h.log.Warn("shutdown reported errors", "error", err)
	}
	h.JSON(w, http.StatusOK, h.orch.Status())
}

// GetSandbox returns the lifecycle status.
// GET /api/sandbox
func (h *Handler) GetSandbox(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, h.orch.Status())
}

// errorMessages flattens a possibly joined error.
func errorMessages(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var msgs []string
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}
