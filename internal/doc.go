// Package internal contains helper utilities that are intentionally private to goMFA,
// including secure random generation for transaction ids, serials and PINs.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - flows: token check and challenge-response orchestration
//   - rate: Redis-backed authorization counters (auth_max_fail / auth_max_success)
//   - stores: SQL and Redis implementations of the token, policy and challenge stores
//
// # What this package must NOT do
//
//   - Export types that appear in the public goMFA API.
//   - Be imported by any package outside the goMFA module.
package internal
