package attestation

import "errors"

// Common errors. Every trust or allow-list failure wraps ErrRejected.
var (
	ErrRejected           = errors.New("attestation rejected")
	ErrUntrusted          = errors.New("attestation chain not trusted")
	ErrNotAllowed         = errors.New("attestation not in allow-list")
	ErrMissingAttestation = errors.New("attestation certificate required")
	ErrInvalidAttestation = errors.New("invalid attestation")
	ErrUnsupportedFormat  = errors.New("unsupported attestation format")
	ErrInvalidAssertion   = errors.New("invalid assertion")
	ErrInvalidClientData  = errors.New("invalid client data")
	ErrSignCountReplay    = errors.New("authenticator sign count replay detected")
	ErrInvalidAllowList   = errors.New("invalid attestation allow-list entry")
	ErrNoCredential       = errors.New("no credential id")
)

type rejection struct {
	reason error
	detail string
}

func (r *rejection) Error() string {
	if r.detail == "" {
		return ErrRejected.Error() + ": " + r.reason.Error()
	}
	return ErrRejected.Error() + ": " + r.reason.Error() + ": " + r.detail
}

func (r *rejection) Is(target error) bool {
	return target == ErrRejected || target == r.reason
}

func reject(reason error, detail string) error {
	return &rejection{reason: reason, detail: detail}
}
