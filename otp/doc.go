// Package otp implements HOTP (RFC 4226) and TOTP (RFC 6238) code generation
// and the counter-window search used to verify presented one-time passwords.
//
// # Verification model
//
// Verification never reads a raw secret directly. Callers hand in a
// [Generator] that computes the code for a given counter; the secret store
// owns the key material behind it. [CheckHOTP] walks counter, counter+1, …,
// counter+window and returns the first matching counter. [CheckTOTP] derives
// the time step from the wall clock and tries offsets 0, -1, +1, -2, +2, …
// within the configured drift window.
//
// # Resynchronization
//
// [AutoSync] implements one step of the two-call auto-resync protocol and
// [Resync] the single-call administrative variant. Both are pure functions:
// the caller persists whatever pending state they return.
//
// # What this package must NOT do
//
//   - Persist counters or pending resync state.
//   - Import any other goMFA package.
//   - Log secrets or presented codes.
package otp
