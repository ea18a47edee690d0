package branching

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/gridplane/gridplane/internal/config"
	"github.com/gridplane/gridplane/pkg/apperror"
)

// Handler handles branch HTTP requests
type Handler struct {
	svc *Service
	cfg *config.Config
}

// NewHandler creates a new branching handler
func NewHandler(svc *Service, cfg *config.Config) *Handler {
	return &Handler{svc: svc, cfg: cfg}
}

func (h *Handler) respond(c echo.Context, status int, branch *Branch) error {
	return c.JSON(status, toBranchResponse(branch, h.cfg.Branching.SchemaPrefix))
}

// List handles GET /api/branches
func (h *Handler) List(c echo.Context) error {
	var status *Status
	if s := c.QueryParam("status"); s != "" {
		st := Status(s)
		status = &st
	}

	branches, err := h.svc.List(c.Request().Context(), status)
	if err != nil {
		return err
	}

	out := make([]*BranchResponse, 0, len(branches))
	for _, b := range branches {
		out = append(out, toBranchResponse(b, h.cfg.Branching.SchemaPrefix))
	}
	return c.JSON(http.StatusOK, out)
}

// GetByID handles GET /api/branches/:id
func (h *Handler) GetByID(c echo.Context) error {
	id, err := branchID(c)
	if err != nil {
		return err
	}

	branch, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return h.respond(c, http.StatusOK, branch)
}

// Create handles POST /api/branches
func (h *Handler) Create(c echo.Context) error {
	var req CreateBranchRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	branch, err := h.svc.Create(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return h.respond(c, http.StatusCreated, branch)
}

// Update handles PATCH /api/branches/:id
func (h *Handler) Update(c echo.Context) error {
	id, err := branchID(c)
	if err != nil {
		return err
	}

	var req UpdateBranchRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	branch, err := h.svc.Rename(c.Request().Context(), id, &req)
	if err != nil {
		return err
	}
	return h.respond(c, http.StatusOK, branch)
}

// Delete handles DELETE /api/branches/:id
func (h *Handler) Delete(c echo.Context) error {
	id, err := branchID(c)
	if err != nil {
		return err
	}

	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Sync handles POST /api/branches/:id/sync
func (h *Handler) Sync(c echo.Context) error {
	id, err := branchID(c)
	if err != nil {
		return err
	}

	var req MergeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	branch, err := h.svc.Sync(c.Request().Context(), id, !req.DryRun)
	if err != nil {
		return err
	}
	return h.respond(c, http.StatusOK, branch)
}

// Merge handles POST /api/branches/:id/merge
func (h *Handler) Merge(c echo.Context) error {
	id, err := branchID(c)
	if err != nil {
		return err
	}

	var req MergeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	branch, err := h.svc.Merge(c.Request().Context(), id, !req.DryRun)
	if err != nil {
		return err
	}
	return h.respond(c, http.StatusOK, branch)
}

// Deprovision handles POST /api/branches/:id/deprovision
func (h *Handler) Deprovision(c echo.Context) error {
	id, err := branchID(c)
	if err != nil {
		return err
	}

	if err := h.svc.Deprovision(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Changes handles GET /api/branches/:id/changes
func (h *Handler) Changes(c echo.Context) error {
	id, err := branchID(c)
	if err != nil {
		return err
	}

	changes, err := h.svc.Changes(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &ChangesResponse{
		BranchID: id,
		Count:    len(changes),
		Changes:  changes,
	})
}

// Provenance handles GET /api/changes/:table/:record_id/branches: the
// branches whose merged changes touched a main-schema record.
func (h *Handler) Provenance(c echo.Context) error {
	table := c.Param("table")
	recordID, err := strconv.ParseInt(c.Param("record_id"), 10, 64)
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid record id")
	}

	branches, err := h.svc.Provenance(c.Request().Context(), table, recordID)
	if err != nil {
		return err
	}

	out := make([]*BranchResponse, 0, len(branches))
	for _, b := range branches {
		out = append(out, toBranchResponse(b, h.cfg.Branching.SchemaPrefix))
	}
	return c.JSON(http.StatusOK, out)
}

// Events handles GET /api/branches/:id/events
func (h *Handler) Events(c echo.Context) error {
	id, err := branchID(c)
	if err != nil {
		return err
	}

	entries, err := h.svc.EventHistory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

// Activate handles POST /api/branches/:id/activate: sets the sticky
// cookie so subsequent requests from this client run inside the branch.
func (h *Handler) Activate(c echo.Context) error {
	id, err := branchID(c)
	if err != nil {
		return err
	}

	branch, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if branch.Status != StatusReady {
		return apperror.ErrBranchNotReady.WithMessage("only a ready branch can be activated")
	}

	SetBranchCookie(c, branch.SchemaID)
	return h.respond(c, http.StatusOK, branch)
}

// Deactivate handles POST /api/branches/deactivate: clears the sticky
// cookie, returning the client to main.
func (h *Handler) Deactivate(c echo.Context) error {
	SetBranchCookie(c, "")
	return c.NoContent(http.StatusNoContent)
}

func branchID(c echo.Context) (string, error) {
	id := c.Param("id")
	if id == "" {
		return "", apperror.ErrBadRequest.WithMessage("branch id required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", apperror.ErrBadRequest.WithMessage("invalid branch id format")
	}
	return id, nil
}
