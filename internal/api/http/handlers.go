package http

import (
	"net/http"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/domain/workspace"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/simlab/backend/internal/sandbox"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthRedirect is where clients send users who must sign in again.
const AuthRedirect = "/auth"

// Options configures Handlers.
type Options struct {
	Version string
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
}

// Handlers contains all HTTP handlers
type Handlers struct {
	workspaces *workspace.Manager
	metrics    *monitoring.Metrics
	version    string
	started    time.Time
	log        *zap.Logger
}

// NewHandlers creates a new handler set
func NewHandlers(workspaces *workspace.Manager, opts Options) *Handlers {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Handlers{
		workspaces: workspaces,
		metrics:    opts.Metrics,
		version:    opts.Version,
		started:    time.Now(),
		log:        log.With(zap.String("component", "api")),
	}
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	ws := r.Group("/workspaces")
	ws.POST("", h.CreateWorkspace)
	ws.GET("/:id", h.GetWorkspace)
	ws.DELETE("/:id", h.DeleteWorkspace)
	ws.POST("/:id/session", h.Authenticate)
	ws.POST("/:id/run", h.Run)
	ws.POST("/:id/follow-up", h.FollowUp)
	ws.POST("/:id/reset", h.Reset)
	ws.GET("/:id/quota", h.Quota)
	ws.GET("/:id/frame", h.Frame)
	ws.GET("/:id/sandbox", h.Sandbox)
	ws.POST("/:id/events", h.Events)
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "SimLab Service (Go)",
		"version": h.version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"workspaces":     h.workspaces.Stats(),
		"sandboxes_live": sandbox.LiveTotal(),
	})
}
