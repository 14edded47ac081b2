// Package attestation verifies WebAuthn registrations and assertions.
//
// Registration parsing decodes the CBOR attestation object, checks the
// client data and the attestation statement signature for the none,
// packed and fido-u2f formats. Trust is a separate step: a Verifier checks
// the certificate chain against a TrustStore and applies the allow-list
// derived from enrollment policy (subject, issuer, serial regexes and
// permitted AAGUIDs).
//
// Once a TrustStore has any root configured, every attestation must chain
// to it. An allow-list mismatch always fails with an error wrapping
// ErrRejected; callers must not enroll the credential in that case.
package attestation
