package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/GriffinCanCode/simlab/backend/internal/api/middleware"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/simulation"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/workspace"
	"github.com/GriffinCanCode/simlab/backend/internal/sandbox"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/id"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RunRequest starts a simulation.
type RunRequest struct {
	Prompt  string `json:"prompt"`
	Subject string `json:"subject"`
}

// FollowUpRequest refines the mounted simulation.
type FollowUpRequest struct {
	Prompt string `json:"prompt"`
}

// CreateWorkspace signs in and opens a workspace
func (h *Handlers) CreateWorkspace(c *gin.Context) {
	var creds workspace.Credentials
	if !bind(c, &creds) {
		return
	}

	ws, err := h.workspaces.Create(c.Request.Context(), creds)
	if err != nil {
		h.signInError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":        ws.ID(),
		"workspace": ws.Info(c.Request.Context()),
	})
}

// GetWorkspace returns a workspace snapshot
func (h *Handlers) GetWorkspace(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ws.Info(c.Request.Context()))
}

// DeleteWorkspace signs out and tears the workspace down
func (h *Handlers) DeleteWorkspace(c *gin.Context) {
	wsID, ok := workspaceID(c)
	if !ok {
		return
	}

	revoke, err := h.workspaces.SignOut(wsID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	revoked := true
	select {
	case err := <-revoke:
		if err != nil {
			revoked = false
			h.log.Warn("session revocation failed",
				zap.String("workspace_id", wsID.String()),
				zap.String("request_id", middleware.GetRequestID(c)),
				zap.Error(err))
		}
	case <-c.Request.Context().Done():
		revoked = false
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"id":      wsID,
		"revoked": revoked,
	})
}

// Authenticate signs an existing workspace in again
func (h *Handlers) Authenticate(c *gin.Context) {
	wsID, ok := workspaceID(c)
	if !ok {
		return
	}
	var creds workspace.Credentials
	if !bind(c, &creds) {
		return
	}

	ws, err := h.workspaces.Authenticate(c.Request.Context(), wsID, creds)
	if err != nil {
		h.signInError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws.Info(c.Request.Context()))
}

// Run starts a simulation and returns the resulting state
func (h *Handlers) Run(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	var req RunRequest
	if !bind(c, &req) {
		return
	}
	subject, err := types.ParseSubject(req.Subject)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	respond(c, ws.Controller().Run(c.Request.Context(), req.Prompt, subject))
}

// FollowUp refines the mounted simulation
func (h *Handlers) FollowUp(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	var req FollowUpRequest
	if !bind(c, &req) {
		return
	}

	respond(c, ws.Controller().RunFollowUp(c.Request.Context(), req.Prompt))
}

// Reset unmounts the simulation
func (h *Handlers) Reset(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ws.Controller().Reset())
}

// Quota returns usage for the signed-in identity
func (h *Handlers) Quota(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}

	rec, err := ws.Controller().Quota(c.Request.Context())
	switch {
	case errors.Is(err, simulation.ErrNoIdentity):
		reauth(c, "Please sign in to view usage")
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"limit":          rec.Limit,
		"units_consumed": rec.UnitsConsumed,
		"remaining":      rec.Remaining(),
		"exhausted":      rec.Exhausted(),
	})
}

// Frame serves the mounted simulation as a standalone sandboxed document
func (h *Handlers) Frame(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}

	doc, err := ws.Renderer().Document()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Security-Policy", sandbox.DocumentCSP)
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(doc))
}

// Sandbox returns the mounted instance's observable state
func (h *Handlers) Sandbox(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ws.Renderer().Snapshot())
}

// Events forwards an input event into the mounted simulation
func (h *Handlers) Events(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	var ev sandbox.HostEvent
	if !bind(c, &ev) {
		return
	}
	if err := validateEvent(ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := ws.Renderer().Dispatch(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// validateEvent checks a host event before it reaches a sandbox.
func validateEvent(ev sandbox.HostEvent) error {
	if err := utils.ValidateString(ev.Selector, "selector", 1, utils.MaxIDLength, true); err != nil {
		return err
	}
	if err := utils.ValidateString(ev.Type, "type", 1, 32, true); err != nil {
		return err
	}
	if strings.HasPrefix(strings.ToLower(ev.Type), "on") {
		return errors.New("type must be an event name without the on prefix")
	}
	return utils.ValidateString(ev.Value, "value", 0, utils.MaxPromptLength, false)
}

func (h *Handlers) lookup(c *gin.Context) (*workspace.Workspace, bool) {
	wsID, ok := workspaceID(c)
	if !ok {
		return nil, false
	}
	ws, ok := h.workspaces.Get(wsID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": workspace.ErrNotFound.Error()})
		return nil, false
	}
	return ws, true
}

func (h *Handlers) signInError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workspace.ErrNoCredentials):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, workspace.ErrUnauthenticated):
		reauth(c, err.Error())
	case errors.Is(err, workspace.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, workspace.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.log.Error("sign-in failed", zap.String("request_id", middleware.GetRequestID(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func workspaceID(c *gin.Context) (id.WorkspaceID, bool) {
	raw := c.Param("id")
	if !id.Valid(raw, id.WorkspacePrefix) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace id"})
		return "", false
	}
	return id.WorkspaceID(raw), true
}

// bind decodes a bounded JSON body into v, answering 400 on failure.
func bind(c *gin.Context, v interface{}) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, utils.MaxJSONSize)
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// respond writes a simulation state, as 401 when the user must sign in again.
func respond(c *gin.Context, st simulation.State) {
	if st.Reauthenticate {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":    st.Message,
			"redirect": AuthRedirect,
			"state":    st,
		})
		return
	}
	c.JSON(http.StatusOK, st)
}

func reauth(c *gin.Context, msg string) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": msg, "redirect": AuthRedirect})
}
