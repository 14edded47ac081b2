package goMFA

import (
	"errors"
	"net/http"

	"github.com/MrEthical07/goMFA/policy"
)

var (
	// ErrPolicyConflict is matched by every *policy.ConflictError.
	ErrPolicyConflict = policy.ErrConflict
	// ErrPolicyDenied is returned when no policy allows the requested action.
	ErrPolicyDenied = errors.New("policy denied")
	// ErrAuthenticationFailed is returned for a wrong PIN, OTP or response.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrChallengeNotFound is returned for an unknown or already answered transaction.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeExpired is returned when every challenge of a transaction has expired.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrTokenLocked is returned when the fail counter blocks every candidate token.
	ErrTokenLocked = errors.New("token locked")
	// ErrAttestationRejected is returned when a key registration fails attestation or the allow-list.
	ErrAttestationRejected = errors.New("attestation rejected")
	// ErrInvalidParameter is returned for malformed requests.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrEngineNotReady is returned by a zero or closed engine.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrTokenNotFound is returned for an unknown serial.
	ErrTokenNotFound = errors.New("token not found")
	// ErrUserNotFound is returned when the directory does not know the user.
	ErrUserNotFound = errors.New("user not found")
	// ErrDeliveryFailed is returned when no challenge could be delivered.
	ErrDeliveryFailed = errors.New("challenge delivery failed")
	// ErrBackendUnavailable is returned when a store or counter backend fails.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrRateLimited is returned when an auth_max_fail or auth_max_success budget is used up.
	ErrRateLimited = errors.New("rate limited")
	// ErrCredentialDisabled is returned by Login when no credential signer is configured.
	ErrCredentialDisabled = errors.New("credential issuing disabled")
)

// HTTPStatus maps an engine error to the HTTP status a transport should
// answer with. nil maps to 200.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrChallengeExpired),
		errors.Is(err, ErrTokenLocked),
		errors.Is(err, ErrDeliveryFailed):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPolicyConflict),
		errors.Is(err, ErrPolicyDenied),
		errors.Is(err, ErrAttestationRejected):
		return http.StatusForbidden
	case errors.Is(err, ErrTokenNotFound),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrChallengeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrEngineNotReady),
		errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, ErrCredentialDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
