// Package paths resolves where the backend keeps durable state.
//
// # Directory Structure
//
//	$SIMLAB_DATA_DIR/    (default: <user config dir>/simlab)
//	  └── quota.db       (per-identity usage ledger)
//
// # Usage
//
//	store, err := storage.OpenQuotaStore(ctx, paths.Resolve(cfg.Quota.DBPath)) // relative paths land in DataDir
//
// serve --persist falls back to QuotaDB() when no path is configured; an empty
// path keeps quota in memory.
package paths
