package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/domain/simulation"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/workspace"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/simlab/backend/internal/sandbox"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/id"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	outboundSize = 16
)

// Message is a client frame.
type Message struct {
	Type  string             `json:"type"`
	Event *sandbox.HostEvent `json:"event,omitempty"`
}

// Options configures a Handler.
type Options struct {
	// AllowOrigins restricts the upgrade; empty or "*" allows any origin.
	AllowOrigins []string
	Metrics      *monitoring.Metrics
	Logger       *zap.Logger
}

// Handler streams workspace state over WebSocket connections
type Handler struct {
	workspaces *workspace.Manager
	upgrader   websocket.Upgrader
	metrics    *monitoring.Metrics
	log        *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(workspaces *workspace.Manager, opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		workspaces: workspaces,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(opts.AllowOrigins),
		},
		metrics: opts.Metrics,
		log:     log.With(zap.String("component", "stream")),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			allowed = nil
			break
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleConnection upgrades the request and streams the workspace's
// simulation state until either side hangs up.
func (h *Handler) HandleConnection(c *gin.Context) {
	raw := c.Param("id")
	if !id.Valid(raw, id.WorkspacePrefix) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace id"})
		return
	}
	wsID := id.WorkspaceID(raw)
	ws, ok := h.workspaces.Get(wsID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": workspace.ErrNotFound.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	s := newStream(h, conn, wsID)
	unsubscribe := ws.Controller().Subscribe(s.states.put)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	if err := s.send(map[string]interface{}{
		"type":         "system",
		"message":      "Connected to SimLab Service (Go)",
		"workspace_id": wsID,
	}); err != nil {
		return
	}
	s.states.put(ws.Controller().State())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
		// Unblock the reader when the writer gives up.
		conn.Close()
	}()

	s.readLoop(ctx, ws)
	cancel()
	wg.Wait()
}

// stream is one connection. Once writeLoop runs, only it writes to conn.
type stream struct {
	h      *Handler
	conn   *websocket.Conn
	wsID   id.WorkspaceID
	out    chan interface{}
	states *mailbox
	log    *zap.Logger
}

func newStream(h *Handler, conn *websocket.Conn, wsID id.WorkspaceID) *stream {
	return &stream{
		h:      h,
		conn:   conn,
		wsID:   wsID,
		out:    make(chan interface{}, outboundSize),
		states: newMailbox(),
		log:    h.log.With(zap.String("workspace_id", wsID.String())),
	}
}

func (s *stream) readLoop(ctx context.Context, ws *workspace.Workspace) {
	s.conn.SetReadLimit(utils.MaxJSONSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		s.h.metrics.RecordWSMessage("in")
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if _, ok := s.h.workspaces.Get(s.wsID); !ok {
			s.sendError(ctx, "workspace closed")
			return
		}

		switch msg.Type {
		case "ping":
			s.reply(ctx, map[string]interface{}{"type": "pong"})
		case "state":
			s.reply(ctx, map[string]interface{}{"type": "state", "state": ws.Controller().State()})
		case "snapshot":
			s.reply(ctx, map[string]interface{}{
				"type":      "snapshot",
				"sandbox":   ws.Renderer().Snapshot(),
				"timestamp": time.Now().Unix(),
			})
		case "event":
			s.handleEvent(ctx, ws, msg.Event)
		default:
			s.sendError(ctx, "unknown message type")
		}
	}
}

func (s *stream) handleEvent(ctx context.Context, ws *workspace.Workspace, ev *sandbox.HostEvent) {
	if ev == nil || ev.Selector == "" || ev.Type == "" {
		s.sendError(ctx, "event requires selector and type")
		return
	}
	if err := ws.Renderer().Dispatch(ctx, *ev); err != nil {
		s.sendError(ctx, err.Error())
		return
	}
	s.reply(ctx, map[string]interface{}{
		"type":      "event_ack",
		"selector":  ev.Selector,
		"event":     ev.Type,
		"timestamp": time.Now().Unix(),
	})
}

func (s *stream) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-s.out:
			if err := s.send(msg); err != nil {
				return
			}
		case <-s.states.ready:
			st, ok := s.states.take()
			if !ok {
				continue
			}
			if err := s.send(map[string]interface{}{"type": "state", "state": st}); err != nil {
				return
			}
		case <-ticker.C:
			if _, ok := s.h.workspaces.Get(s.wsID); !ok {
				_ = s.send(map[string]interface{}{"type": "error", "message": "workspace closed", "timestamp": time.Now().Unix()})
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// drain flushes queued replies without blocking.
func (s *stream) drain() {
	for {
		select {
		case msg := <-s.out:
			if s.send(msg) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *stream) send(data interface{}) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(data); err != nil {
		s.log.Debug("websocket write error", zap.Error(err))
		return err
	}
	s.h.metrics.RecordWSMessage("out")
	return nil
}

// reply queues a frame for the writer.
func (s *stream) reply(ctx context.Context, data interface{}) {
	select {
	case s.out <- data:
	case <-ctx.Done():
	}
}

func (s *stream) sendError(ctx context.Context, msg string) {
	s.reply(ctx, map[string]interface{}{
		"type":      "error",
		"message":   msg,
		"timestamp": time.Now().Unix(),
	})
}

// mailbox keeps the newest undelivered state. put never blocks; states
// older than one already seen are dropped.
type mailbox struct {
	mu      sync.Mutex
	latest  simulation.State
	seen    bool
	pending bool
	ready   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) put(st simulation.State) {
	m.mu.Lock()
	if m.seen && st.Version <= m.latest.Version {
		m.mu.Unlock()
		return
	}
	m.latest = st
	m.seen = true
	m.pending = true
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (simulation.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending {
		return simulation.State{}, false
	}
	m.pending = false
	return m.latest, true
}
