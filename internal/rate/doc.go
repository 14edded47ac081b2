// Package rate provides the fixed-window counters behind the auth_max_fail
// and auth_max_success authorization policies.
//
// # Window semantics
//
// INCR + conditional EXPIRE on first hit. Keys are "<prefix>:<kind>:<user>"
// where kind is "fail" or "success" and user is a hashed user@realm.
//
// # What this package must NOT do
//
//   - Decide budgets (those come from policy).
//   - Be imported outside the goMFA module.
package rate
