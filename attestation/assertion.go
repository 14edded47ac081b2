package attestation

import (
	"bytes"
	"crypto/sha256"
	"fmt"
)

// Assertion is the client response to a get() ceremony.
type Assertion struct {
	CredentialID      []byte
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
	UserHandle        []byte
}

// VerifyAssertion checks an assertion against the stored credential and
// returns the new signature counter. A counter that does not advance is
// treated as a cloned authenticator unless both values are zero.
func VerifyAssertion(a Assertion, credentialID, publicKey []byte, storedCount uint32, exp Expectation) (uint32, error) {
	if len(a.CredentialID) == 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAssertion, ErrNoCredential)
	}
	if len(credentialID) > 0 && !bytes.Equal(a.CredentialID, credentialID) {
		return 0, fmt.Errorf("%w: unknown credential", ErrInvalidAssertion)
	}
	if _, err := parseClientData(a.ClientDataJSON, "webauthn.get", exp); err != nil {
		return 0, err
	}
	ad, err := ParseAuthData(a.AuthenticatorData)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	if err := checkAuthData(ad, exp); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	pub, alg, err := ParsePublicKey(publicKey)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	clientHash := sha256.Sum256(a.ClientDataJSON)
	signed := make([]byte, 0, len(a.AuthenticatorData)+len(clientHash))
	signed = append(signed, a.AuthenticatorData...)
	signed = append(signed, clientHash[:]...)
	if err := VerifySignature(pub, alg, signed, a.Signature); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	if (ad.SignCount != 0 || storedCount != 0) && ad.SignCount <= storedCount {
		return 0, ErrSignCountReplay
	}
	return ad.SignCount, nil
}
