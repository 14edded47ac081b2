// Package audit implements async event dispatching for policy decisions,
// token verification outcomes, challenge lifecycle transitions and
// administrative actions.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON lines, slog, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full or block-if-full semantics.
//   - [Event]: structured record with a ULID id, serial, user, realm, transaction id and fired policies.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does NOT decide which events
// to emit; the Engine and flow functions do.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import goMFA or any sibling internal package.
//   - Carry OTP values, PINs or secret material in events.
package audit
