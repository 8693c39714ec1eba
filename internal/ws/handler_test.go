package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/domain/generation"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/session"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/simulation"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/workspace"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/simlab/backend/internal/sandbox"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/id"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"github.com/GriffinCanCode/simlab/backend/internal/testutil"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type generator struct{}

func (generator) Generate(context.Context, generation.Request, session.Session) generation.Outcome {
	return &generation.ArtifactOutcome{
		Artifact: types.Artifact{
			Markup: `<canvas id="c"></canvas><button id="b">Go</button>`,
			Script: `document.getElementById('b').onclick = function () { console.log('pressed'); };`,
		},
		Usage: generation.Usage{Units: 5, Reported: true},
	}
}

// frame is the union of server messages.
type frame struct {
	Type        string           `json:"type"`
	Message     string           `json:"message"`
	WorkspaceID string           `json:"workspace_id"`
	State       simulation.State `json:"state"`
	Sandbox     sandbox.Snapshot `json:"sandbox"`
}

type fixture struct {
	mgr     *workspace.Manager
	metrics *monitoring.Metrics
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{metrics: monitoring.NewMetrics()}
	f.mgr = workspace.NewManager(workspace.Options{
		Backends:  func() workspace.Backend { return &testutil.Backend{} },
		Generator: generator{},
	})

	router := gin.New()
	router.GET("/workspaces/:id/stream", NewHandler(f.mgr, Options{Metrics: f.metrics}).HandleConnection)
	f.server = httptest.NewServer(router)

	t.Cleanup(func() {
		f.server.Close()
		f.mgr.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T, wsID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/workspaces/" + wsID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var fr frame
	require.NoError(t, conn.ReadJSON(&fr))
	return fr
}

// readUntil skips frames until one matches.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if fr := read(t, conn); match(fr) {
			return fr
		}
	}
	t.Fatal("expected frame never arrived")
	return frame{}
}

func TestStreamDeliversState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ws, err := f.mgr.Create(ctx, workspace.Credentials{AccessToken: "abc"})
	require.NoError(t, err)

	conn := f.dial(t, ws.ID().String())

	hello := read(t, conn)
	assert.Equal(t, "system", hello.Type)
	assert.Equal(t, ws.ID().String(), hello.WorkspaceID)

	initial := read(t, conn)
	assert.Equal(t, "state", initial.Type)
	assert.Equal(t, simulation.PhaseIdle, initial.State.Phase)

	ws.Controller().Run(ctx, "Show gravity", types.SubjectPhysics)

	ready := readUntil(t, conn, func(fr frame) bool {
		return fr.Type == "state" && fr.State.Phase == simulation.PhaseReady
	})
	assert.Equal(t, int64(5), ready.State.UnitsCharged)
	assert.Greater(t, ready.State.Version, initial.State.Version)
}

func TestStreamClientMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ws, err := f.mgr.Create(ctx, workspace.Credentials{AccessToken: "abc"})
	require.NoError(t, err)
	ws.Controller().Run(ctx, "Show gravity", types.SubjectPhysics)

	conn := f.dial(t, ws.ID().String())
	read(t, conn) // system
	read(t, conn) // state

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	assert.Equal(t, "pong", read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "state"}))
	st := read(t, conn)
	assert.Equal(t, "state", st.Type)
	assert.Equal(t, simulation.PhaseReady, st.State.Phase)

	require.NoError(t, conn.WriteJSON(Message{Type: "event", Event: &sandbox.HostEvent{Selector: "#b", Type: "click"}}))
	assert.Equal(t, "event_ack", read(t, conn).Type)

	require.NoError(t, ws.Renderer().Settle(ctx))
	require.NoError(t, conn.WriteJSON(Message{Type: "snapshot"}))
	snap := read(t, conn)
	require.Equal(t, "snapshot", snap.Type)
	var logged []string
	for _, entry := range snap.Sandbox.Console {
		logged = append(logged, entry.Message)
	}
	assert.Contains(t, logged, "pressed")

	require.NoError(t, conn.WriteJSON(Message{Type: "event"}))
	assert.Equal(t, "error", read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "bogus"}))
	bad := read(t, conn)
	assert.Equal(t, "error", bad.Type)
	assert.Equal(t, "unknown message type", bad.Message)

	assert.Equal(t, float64(1), promtestutil.ToFloat64(f.metrics.WSConnections))
}

func TestStreamRejectsUnknownWorkspace(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		id   string
		want int
	}{
		{"malformed id", "nope", http.StatusBadRequest},
		{"unknown workspace", id.NewWorkspaceID().String(), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/workspaces/" + tt.id + "/stream"
			_, resp, err := websocket.DefaultDialer.Dial(url, nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestStreamEndsWhenWorkspaceSignsOut(t *testing.T) {
	f := newFixture(t)
	ws, err := f.mgr.Create(context.Background(), workspace.Credentials{AccessToken: "abc"})
	require.NoError(t, err)

	conn := f.dial(t, ws.ID().String())
	read(t, conn)
	read(t, conn)

	revoke, err := f.mgr.SignOut(ws.ID())
	require.NoError(t, err)
	<-revoke

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	fr := read(t, conn)
	assert.Equal(t, "error", fr.Type)
	assert.Equal(t, "workspace closed", fr.Message)
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest("GET", "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	open := originChecker([]string{"*"})
	assert.True(t, open(req("https://anywhere.example")))

	restricted := originChecker([]string{"https://app.example.com"})
	assert.True(t, restricted(req("https://app.example.com")))
	assert.True(t, restricted(req("")))
	assert.False(t, restricted(req("https://evil.example.com")))
}

func TestMailboxKeepsNewest(t *testing.T) {
	m := newMailbox()
	m.put(simulation.State{Phase: simulation.PhaseLoading, Version: 2})
	m.put(simulation.State{Phase: simulation.PhaseReady, Version: 3})
	m.put(simulation.State{Phase: simulation.PhaseIdle, Version: 1})

	st, ok := m.take()
	require.True(t, ok)
	assert.Equal(t, simulation.PhaseReady, st.Phase)

	_, ok = m.take()
	assert.False(t, ok)
}
