package attestation

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Attestation statement formats.
const (
	FormatNone    = "none"
	FormatPacked  = "packed"
	FormatFIDOU2F = "fido-u2f"
)

// Registration is the client response to a create() ceremony.
type Registration struct {
	ClientDataJSON    []byte
	AttestationObject []byte
}

// RegistrationResult is the verified credential extracted from a registration.
type RegistrationResult struct {
	CredentialID []byte
	PublicKey    []byte
	AAGUID       string
	SignCount    uint32
	Format       string
	Chain        []*x509.Certificate
	UserVerified bool
}

type attestationObject struct {
	Format   string          `cbor:"fmt"`
	AttStmt  cbor.RawMessage `cbor:"attStmt"`
	AuthData []byte          `cbor:"authData"`
}

type attStmt struct {
	Alg int64    `cbor:"alg,omitempty"`
	Sig []byte   `cbor:"sig"`
	X5C [][]byte `cbor:"x5c,omitempty"`
}

// ParseRegistration validates the client data and the attestation
// statement signature. It does not apply trust or allow-list decisions;
// pass the result chain to Verifier for that.
func ParseRegistration(r Registration, exp Expectation) (*RegistrationResult, error) {
	if _, err := parseClientData(r.ClientDataJSON, "webauthn.create", exp); err != nil {
		return nil, err
	}
	var obj attestationObject
	if err := cbor.Unmarshal(r.AttestationObject, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	ad, err := ParseAuthData(obj.AuthData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	if err := checkAuthData(ad, exp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	if len(ad.CredentialID) == 0 || len(ad.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: no attested credential", ErrInvalidAttestation)
	}
	credKey, credAlg, err := ParsePublicKey(ad.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}

	clientHash := sha256.Sum256(r.ClientDataJSON)
	res := &RegistrationResult{
		CredentialID: ad.CredentialID,
		PublicKey:    ad.PublicKey,
		AAGUID:       ad.AAGUIDString(),
		SignCount:    ad.SignCount,
		Format:       obj.Format,
		UserVerified: ad.UserVerified(),
	}

	switch obj.Format {
	case FormatNone:
		return res, nil
	case FormatPacked, FormatFIDOU2F:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, obj.Format)
	}

	var stmt attStmt
	if err := cbor.Unmarshal(obj.AttStmt, &stmt); err != nil {
		return nil, fmt.Errorf("%w: attStmt: %v", ErrInvalidAttestation, err)
	}
	chain, err := parseChain(stmt.X5C)
	if err != nil {
		return nil, err
	}
	res.Chain = chain

	if obj.Format == FormatFIDOU2F {
		if err := verifyU2F(ad, clientHash[:], chain, stmt.Sig); err != nil {
			return nil, err
		}
		return res, nil
	}

	signed := make([]byte, 0, len(obj.AuthData)+len(clientHash))
	signed = append(signed, obj.AuthData...)
	signed = append(signed, clientHash[:]...)
	if len(chain) == 0 {
		// self attestation
		if stmt.Alg != credAlg {
			return nil, fmt.Errorf("%w: self attestation alg mismatch", ErrInvalidAttestation)
		}
		if err := VerifySignature(credKey, credAlg, signed, stmt.Sig); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
		}
		return res, nil
	}
	if err := chain[0].CheckSignature(x509SigAlg(stmt.Alg), signed, stmt.Sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	return res, nil
}

func verifyU2F(ad *AuthData, clientHash []byte, chain []*x509.Certificate, sig []byte) error {
	if len(chain) != 1 {
		return fmt.Errorf("%w: fido-u2f requires exactly one certificate", ErrInvalidAttestation)
	}
	pub, _, err := ParsePublicKey(ad.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: fido-u2f requires a P-256 key", ErrInvalidAttestation)
	}
	var signed bytes.Buffer
	signed.WriteByte(0x00)
	signed.Write(ad.RPIDHash)
	signed.Write(clientHash)
	signed.Write(ad.CredentialID)
	point, err := ec.ECDH()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	signed.Write(point.Bytes())
	if err := chain[0].CheckSignature(x509.ECDSAWithSHA256, signed.Bytes(), sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	return nil
}

func parseChain(x5c [][]byte) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(x5c))
	for _, der := range x5c {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: x5c: %v", ErrInvalidAttestation, err)
		}
		chain = append(chain, c)
	}
	return chain, nil
}

func x509SigAlg(alg int64) x509.SignatureAlgorithm {
	switch alg {
	case AlgES256:
		return x509.ECDSAWithSHA256
	case AlgEdDSA:
		return x509.PureEd25519
	case AlgRS256:
		return x509.SHA256WithRSA
	}
	return x509.UnknownSignatureAlgorithm
}
