// Package policy evaluates goMFA policies against a request.
//
// A [Policy] carries a scope, typed action values, identity and client
// restrictions, a time window, a priority and structured conditions. For each
// request the caller loads a [Snapshot] of the active policies and calls
// [Snapshot.Match] with a [Context]; the resulting [Set] is ordered by
// priority and resolved with [Set.ActionValues] or [Resolve].
//
// # Precedence
//
// Lower priority numbers win. When a unique value is required and the best
// priority holds more than one distinct value, a *[ConflictError] naming the
// contending policies is returned.
//
// # Architecture boundaries
//
// Evaluation is a pure function of (snapshot, context). Nothing in this
// package writes a policy; which policies fired is returned as data for the
// caller to audit. Snapshots are never reused across requests, so a policy
// write is visible to the next request without invalidation.
package policy
