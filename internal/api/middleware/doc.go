// Package middleware provides the HTTP middleware for the workspace API.
//
// Middleware stack includes:
//   - RequestID: X-Request-ID assignment and propagation
//   - CORS: Cross-origin resource sharing with configurable origins
//   - RateLimit: Per-IP token bucket rate limiting with idle client cleanup
//   - GlobalRateLimit: One bucket shared by every client
//
// Example Usage:
//
//	router.Use(middleware.RequestID())
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
