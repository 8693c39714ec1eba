// Package config provides 12-factor configuration management for the
// simulation backend.
//
// Precedence, lowest first: Default(), optional YAML file, environment.
//
// Configuration Sections:
//   - Server: HTTP listener, CORS origins, shutdown timeout
//   - Logging: Log level and output format
//   - RateLimit: Per-IP inbound rate limiting
//   - Generation: Remote generation endpoint, timeout, outbound rps
//   - Auth: Credential store URL/key, refresh threshold, monitor interval
//   - Quota: Per-identity unit limit and optional SQLite path
//   - Sandbox: Script budget, animation frame interval, console cap
//   - Workspace: Idle TTL and sweep interval
//
// Environment Variables:
//   - PORT, HOST, CORS_ORIGINS, SHUTDOWN_TIMEOUT
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - GENERATION_ENDPOINT, GENERATION_TIMEOUT, GENERATION_RPS
//   - AUTH_URL, AUTH_API_KEY, AUTH_REFRESH_THRESHOLD, AUTH_MONITOR_INTERVAL
//   - QUOTA_LIMIT, QUOTA_DB_PATH
//   - SANDBOX_SCRIPT_BUDGET, SANDBOX_FRAME_INTERVAL, SANDBOX_MAX_CONSOLE
//   - WORKSPACE_IDLE_TTL, WORKSPACE_SWEEP_INTERVAL
package config
