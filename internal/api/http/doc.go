// Package http exposes signed-in simulation workspaces over a JSON API.
//
// Routes:
//   - POST   /workspaces                 sign in, open a workspace
//   - GET    /workspaces/:id             workspace snapshot
//   - POST   /workspaces/:id/session     sign in again
//   - POST   /workspaces/:id/run         {prompt, subject}
//   - POST   /workspaces/:id/follow-up   {prompt}
//   - POST   /workspaces/:id/reset
//   - GET    /workspaces/:id/quota
//   - GET    /workspaces/:id/frame       isolated document, CSP sandboxed
//   - GET    /workspaces/:id/sandbox     mounted instance snapshot
//   - POST   /workspaces/:id/events      input event for the simulation
//   - DELETE /workspaces/:id             sign out
//
// A user who must sign in again gets 401 with {"error", "redirect"}.
package http
