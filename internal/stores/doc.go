// Package stores provides the persistent backends behind the policy, token
// and challenge stores.
//
// # Design
//
// The relational stores share one *DB (SQLite through modernc.org/sqlite or
// Postgres through pgx) with an idempotent schema. Token updates are a
// compare-and-swap on the version column; challenge consumption runs in a
// transaction and claims only the rows its own UPDATE flipped.
//
// RedisChallengeStore keeps every record of a transaction under one key in a
// versioned binary encoding. Consume deletes that key inside a WATCH
// transaction with bounded retry on contention.
//
// # What this package must NOT do
//
//   - Import goMFA or internal/flows.
//   - Decide authentication outcomes. Callers interpret the records.
package stores
