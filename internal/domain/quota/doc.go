// Package quota meters generation usage per identity.
//
// TryReserve is a cheap admission check taken before a request starts; Commit
// records the units a finished request consumed. A burst of concurrent
// requests can overshoot the limit by at most the number in flight. Consumption never decreases.
//
//	ledger := quota.NewLedger(quota.Options{Limit: 2000, Store: sqliteStore})
//	if ledger.TryReserve(ctx, identity) {
//		// ... run ...
//		_ = ledger.Commit(ctx, identity, requestID, units)
//	}
package quota
