// Package token defines token records, their persistence contract and the
// per-type capabilities.
//
// Token types are a closed set of variants selected with [For]. Each
// variant implements only the capabilities it has: [Verifiable] for OTP
// checking, [ChallengeCapable] for challenge-response, [Deliverable] for
// out-of-band delivery and [AttestationCapable] for key registration.
// Callers type-assert the variant for the capability they need.
//
// Records are mutated only through [Store.Update], a compare-and-swap on the
// record version. Two requests verifying the same OTP concurrently cannot
// both succeed: the slower one fails the swap, reloads and sees the advanced
// counter.
package token
