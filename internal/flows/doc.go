// Package flows contains pure-function orchestrators for every token
// operation of the Engine.
//
// Each flow function (RunCheck, RunAnswer, RunEnroll, RunResync, etc.)
// accepts a typed dependency struct and returns results without side
// effects beyond those dependencies. Token mutations go through a
// load-mutate-compare-and-swap loop, so a counter or fail counter is never
// advanced from a stale read.
//
// # Architecture boundaries
//
// Flow functions coordinate the token store, challenge store, secret keeper,
// delivery sender, audit and metrics. They do NOT own any of these
// resources. Policy resolution happens in the root package; flows receive
// already-resolved parameters.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import goMFA (to avoid import cycles) or the policy package.
//   - Perform I/O directly. All I/O is mediated through dependency funcs.
package flows
