// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Components take a *zap.Logger; use Component to derive a named child and
// OrNop when a caller may pass nil.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	guard := session.NewGuard(store, session.Options{Logger: logger.Component("session")})
//	logger.Info("Server starting", zap.String("port", "8000"))
package logging
