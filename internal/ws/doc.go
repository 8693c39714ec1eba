// Package ws streams workspace simulation state over WebSocket.
//
// A connection subscribes to the workspace's controller and receives every
// transition as it happens. Slow clients see only the newest state; each
// carries a version so gaps are visible.
//
// Message Types (Client → Server):
//   - ping: Keep-alive ping
//   - state: Request the current simulation state
//   - snapshot: Request the mounted sandbox snapshot
//   - event: Forward {selector, type, value} into the simulation
//
// Message Types (Server → Client):
//   - system: Connected to a workspace
//   - state: Simulation state
//   - snapshot: Sandbox snapshot
//   - event_ack: Event queued in the simulation
//   - pong: Reply to ping
//   - error: Error occurred
//
// Example Usage:
//
//	handler := ws.NewHandler(manager, ws.Options{Metrics: metrics})
//	router.GET("/workspaces/:id/stream", handler.HandleConnection)
package ws
