// Package webauthntest provides a software authenticator that produces
// registration and assertion responses for tests.
package webauthntest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/MrEthical07/goMFA/attestation"
)

// CA is a self-signed attestation root.
type CA struct {
	Cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// NewCA creates a root named cn.
func NewCA(cn string) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &CA{Cert: cert, key: key}, nil
}

// Issue signs an attestation leaf with the given subject common name and serial.
func (ca *CA) Issue(cn string, serial int64) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Test Authenticators"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// Authenticator is a P-256 software authenticator.
type Authenticator struct {
	AAGUID       [16]byte
	CredentialID []byte
	SignCount    uint32
	UserVerified bool

	key      *ecdsa.PrivateKey
	attCert  *x509.Certificate
	attKey   *ecdsa.PrivateKey
	selfOnly bool
}

// New creates an authenticator attested by ca under leaf name cn. A nil ca
// produces self attestation.
func New(ca *CA, cn string, aaguid [16]byte) (*Authenticator, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	id := make([]byte, 32)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	a := &Authenticator{AAGUID: aaguid, CredentialID: id, key: key, UserVerified: true}
	if ca == nil {
		a.selfOnly = true
		return a, nil
	}
	a.attCert, a.attKey, err = ca.Issue(cn, 4242)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// AttestationCert returns the leaf certificate, or nil for self attestation.
func (a *Authenticator) AttestationCert() *x509.Certificate { return a.attCert }

// COSEKey returns the credential public key in COSE form.
func (a *Authenticator) COSEKey() []byte {
	x := make([]byte, 32)
	y := make([]byte, 32)
	a.key.PublicKey.X.FillBytes(x)
	a.key.PublicKey.Y.FillBytes(y)
	b, _ := cbor.Marshal(map[int]any{1: 2, 3: attestation.AlgES256, -1: 1, -2: x, -3: y})
	return b
}

// Register answers a create() ceremony with a packed attestation, or
// "none" when format is attestation.FormatNone.
func (a *Authenticator) Register(exp attestation.Expectation, format string) (attestation.Registration, error) {
	clientData, err := clientDataJSON("webauthn.create", exp)
	if err != nil {
		return attestation.Registration{}, err
	}
	authData := a.authData(exp.RPID, true)

	stmt := map[string]any{}
	if format != attestation.FormatNone {
		format = attestation.FormatPacked
		clientHash := sha256.Sum256(clientData)
		digest := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))
		signer := a.attKey
		if a.selfOnly {
			signer = a.key
		}
		sig, err := ecdsa.SignASN1(rand.Reader, signer, digest[:])
		if err != nil {
			return attestation.Registration{}, err
		}
		stmt["alg"] = attestation.AlgES256
		stmt["sig"] = sig
		if !a.selfOnly {
			stmt["x5c"] = [][]byte{a.attCert.Raw}
		}
	}
	obj, err := cbor.Marshal(map[string]any{"fmt": format, "attStmt": stmt, "authData": authData})
	if err != nil {
		return attestation.Registration{}, err
	}
	return attestation.Registration{ClientDataJSON: clientData, AttestationObject: obj}, nil
}

// Assert answers a get() ceremony and advances the signature counter.
func (a *Authenticator) Assert(exp attestation.Expectation) (attestation.Assertion, error) {
	clientData, err := clientDataJSON("webauthn.get", exp)
	if err != nil {
		return attestation.Assertion{}, err
	}
	a.SignCount++
	authData := a.authData(exp.RPID, false)
	clientHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	if err != nil {
		return attestation.Assertion{}, err
	}
	return attestation.Assertion{
		CredentialID:      a.CredentialID,
		ClientDataJSON:    clientData,
		AuthenticatorData: authData,
		Signature:         sig,
	}, nil
}

func (a *Authenticator) authData(rpID string, attested bool) []byte {
	rp := sha256.Sum256([]byte(rpID))
	flags := attestation.FlagUserPresent
	if a.UserVerified {
		flags |= attestation.FlagUserVerified
	}
	if attested {
		flags |= attestation.FlagAttestedCred
	}
	out := append([]byte{}, rp[:]...)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, a.SignCount)
	if !attested {
		return out
	}
	out = append(out, a.AAGUID[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(a.CredentialID)))
	out = append(out, a.CredentialID...)
	return append(out, a.COSEKey()...)
}

func clientDataJSON(typ string, exp attestation.Expectation) ([]byte, error) {
	origin := ""
	if len(exp.Origins) > 0 {
		origin = exp.Origins[0]
	}
	return json.Marshal(attestation.ClientData{Type: typ, Challenge: exp.Challenge, Origin: origin})
}
