package attestation

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Authenticator data flags.
const (
	FlagUserPresent   byte = 0x01
	FlagUserVerified  byte = 0x04
	FlagAttestedCred  byte = 0x40
	FlagExtensionData byte = 0x80
)

// COSE algorithm identifiers.
const (
	AlgES256 int64 = -7
	AlgEdDSA int64 = -8
	AlgRS256 int64 = -257
)

// User verification requirements.
const (
	UVRequired    = "required"
	UVPreferred   = "preferred"
	UVDiscouraged = "discouraged"
)

const minAuthDataLen = 37

// Expectation is what the relying party expects in a ceremony.
type Expectation struct {
	RPID             string
	Origins          []string
	Challenge        string
	UserVerification string
}

// ClientData is the parsed clientDataJSON.
type ClientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin,omitempty"`
}

// AuthData is parsed authenticator data.
type AuthData struct {
	RPIDHash     []byte
	Flags        byte
	SignCount    uint32
	AAGUID       []byte
	CredentialID []byte
	PublicKey    []byte
}

// UserVerified reports the UV flag.
func (a *AuthData) UserVerified() bool { return a.Flags&FlagUserVerified != 0 }

// AAGUIDString formats the AAGUID as a UUID.
func (a *AuthData) AAGUIDString() string {
	if len(a.AAGUID) != 16 {
		return ""
	}
	id, err := uuid.FromBytes(a.AAGUID)
	if err != nil {
		return ""
	}
	return id.String()
}

// ParseAuthData decodes authenticator data, including attested credential
// data when the AT flag is set.
func ParseAuthData(b []byte) (*AuthData, error) {
	if len(b) < minAuthDataLen {
		return nil, errors.New("authenticator data too short")
	}
	ad := &AuthData{
		RPIDHash:  append([]byte(nil), b[:32]...),
		Flags:     b[32],
		SignCount: binary.BigEndian.Uint32(b[33:37]),
	}
	if ad.Flags&FlagAttestedCred == 0 {
		return ad, nil
	}

	rest := b[minAuthDataLen:]
	if len(rest) < 18 {
		return nil, errors.New("attested credential data too short")
	}
	ad.AAGUID = append([]byte(nil), rest[:16]...)
	idLen := int(binary.BigEndian.Uint16(rest[16:18]))
	rest = rest[18:]
	if len(rest) < idLen {
		return nil, errors.New("credential id truncated")
	}
	ad.CredentialID = append([]byte(nil), rest[:idLen]...)
	rest = rest[idLen:]

	var key cbor.RawMessage
	if err := cbor.NewDecoder(bytes.NewReader(rest)).Decode(&key); err != nil {
		return nil, fmt.Errorf("credential public key: %w", err)
	}
	ad.PublicKey = append([]byte(nil), key...)
	return ad, nil
}

// ParsePublicKey decodes a COSE_Key into a crypto public key and its algorithm.
func ParsePublicKey(cose []byte) (crypto.PublicKey, int64, error) {
	var m map[int]cbor.RawMessage
	if err := cbor.Unmarshal(cose, &m); err != nil {
		return nil, 0, fmt.Errorf("cose key: %w", err)
	}
	var kty, alg int64
	if err := decodeField(m, 1, &kty); err != nil {
		return nil, 0, err
	}
	if err := decodeField(m, 3, &alg); err != nil {
		return nil, 0, err
	}

	switch kty {
	case 2: // EC2
		var crv int64
		var x, y []byte
		if err := decodeField(m, -1, &crv); err != nil {
			return nil, 0, err
		}
		if err := decodeField(m, -2, &x); err != nil {
			return nil, 0, err
		}
		if err := decodeField(m, -3, &y); err != nil {
			return nil, 0, err
		}
		if crv != 1 || alg != AlgES256 {
			return nil, 0, fmt.Errorf("unsupported EC2 key crv=%d alg=%d", crv, alg)
		}
		pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
		if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
			return nil, 0, errors.New("EC2 point not on curve")
		}
		return pub, alg, nil
	case 1: // OKP
		var crv int64
		var x []byte
		if err := decodeField(m, -1, &crv); err != nil {
			return nil, 0, err
		}
		if err := decodeField(m, -2, &x); err != nil {
			return nil, 0, err
		}
		if crv != 6 || len(x) != ed25519.PublicKeySize {
			return nil, 0, fmt.Errorf("unsupported OKP key crv=%d", crv)
		}
		return ed25519.PublicKey(x), AlgEdDSA, nil
	case 3: // RSA
		var n, e []byte
		if err := decodeField(m, -1, &n); err != nil {
			return nil, 0, err
		}
		if err := decodeField(m, -2, &e); err != nil {
			return nil, 0, err
		}
		if alg != AlgRS256 {
			return nil, 0, fmt.Errorf("unsupported RSA alg %d", alg)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, alg, nil
	}
	return nil, 0, fmt.Errorf("unsupported COSE key type %d", kty)
}

func decodeField(m map[int]cbor.RawMessage, label int, out any) error {
	raw, ok := m[label]
	if !ok {
		return fmt.Errorf("cose key: missing label %d", label)
	}
	if err := cbor.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cose key label %d: %w", label, err)
	}
	return nil
}

// VerifySignature checks sig over data with a COSE-described key.
func VerifySignature(pub crypto.PublicKey, alg int64, data, sig []byte) error {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(data)
		if !ecdsa.VerifyASN1(k, digest[:], sig) {
			return errors.New("ecdsa signature mismatch")
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(k, data, sig) {
			return errors.New("ed25519 signature mismatch")
		}
		return nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(data)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig)
	}
	return fmt.Errorf("unsupported key for alg %d", alg)
}

func parseClientData(raw []byte, wantType string, exp Expectation) (*ClientData, error) {
	var cd ClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientData, err)
	}
	if cd.Type != wantType {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidClientData, cd.Type)
	}
	want := strings.TrimRight(exp.Challenge, "=")
	got := strings.TrimRight(cd.Challenge, "=")
	if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return nil, fmt.Errorf("%w: challenge mismatch", ErrInvalidClientData)
	}
	if len(exp.Origins) > 0 {
		ok := false
		for _, o := range exp.Origins {
			if strings.EqualFold(strings.TrimRight(o, "/"), strings.TrimRight(cd.Origin, "/")) {
				ok = true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("%w: origin %q", ErrInvalidClientData, cd.Origin)
		}
	}
	return &cd, nil
}

func checkAuthData(ad *AuthData, exp Expectation) error {
	rp := sha256.Sum256([]byte(exp.RPID))
	if subtle.ConstantTimeCompare(ad.RPIDHash, rp[:]) != 1 {
		return errors.New("rp id hash mismatch")
	}
	if ad.Flags&FlagUserPresent == 0 {
		return errors.New("user present flag not set")
	}
	if exp.UserVerification == UVRequired && !ad.UserVerified() {
		return errors.New("user verification required")
	}
	return nil
}

// NewChallenge encodes raw challenge bytes the way clients echo them.
func NewChallenge(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
