// Package storage provides durable stores backed by SQLite (modernc.org/sqlite,
// pure Go, no cgo).
//
// QuotaStore keeps one row per identity and only ever raises the stored
// consumption, so concurrent writers and replays cannot lower usage.
package storage
