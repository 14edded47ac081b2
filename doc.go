// Package goMFA is a multi-factor authentication engine: it enrolls and
// verifies HOTP, TOTP, SMS, email and WebAuthn tokens and gates every
// administrative and end-user action through a prioritized policy layer.
//
// Engine methods are safe to call from multiple goroutines once
// [Builder.Build] has returned.
//
// # Architecture boundaries
//
// goMFA is the public surface. It exposes [Engine], [Builder], [Config] and
// the request and result value types. Flow orchestration, persistence,
// authorization counters and audit dispatch live under internal/ and are
// not exported. The policy, token, challenge, otp, pin, secrets,
// attestation, credential and delivery packages hold the domain types and
// may be used on their own.
//
// # Request pipeline
//
// Every call loads one policy snapshot, builds the match context from the
// user, the token and the request metadata attached with [WithClientIP],
// [WithUserAgent], [WithNode], [WithHeaders] and [WithAdmin], and runs a
// fixed list of stages before the flow. No policy state outlives the
// request.
//
// # Errors
//
// Failures are returned as wrapped sentinels such as
// [ErrAuthenticationFailed] or [ErrPolicyDenied]. [HTTPStatus] maps them to
// the status a transport should answer with. Policy conflicts carry the
// conflicting policies as a *policy.ConflictError.
package goMFA
