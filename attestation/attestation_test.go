package attestation_test

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/goMFA/attestation"
	"github.com/MrEthical07/goMFA/attestation/webauthntest"
)

var testAAGUID = [16]byte{0xcb, 0x69, 0x48, 0x1e, 0x8f, 0xf7, 0x40, 0x39, 0x93, 0xec, 0x0a, 0x27, 0x29, 0xa1, 0x54, 0xa8}

func expectation() attestation.Expectation {
	return attestation.Expectation{
		RPID:      "mfa.example.com",
		Origins:   []string{"https://mfa.example.com"},
		Challenge: attestation.NewChallenge([]byte("0123456789abcdef0123456789abcdef")),
	}
}

func newAuthenticator(t *testing.T) (*webauthntest.CA, *webauthntest.Authenticator) {
	t.Helper()
	ca, err := webauthntest.NewCA("Test Attestation Root")
	require.NoError(t, err)
	a, err := webauthntest.New(ca, "Yubico U2F EE Serial 23925734811456", testAAGUID)
	require.NoError(t, err)
	return ca, a
}

func TestParseRegistrationPacked(t *testing.T) {
	_, a := newAuthenticator(t)
	reg, err := a.Register(expectation(), attestation.FormatPacked)
	require.NoError(t, err)

	res, err := attestation.ParseRegistration(reg, expectation())
	require.NoError(t, err)
	assert.Equal(t, attestation.FormatPacked, res.Format)
	assert.Equal(t, a.CredentialID, res.CredentialID)
	assert.Equal(t, "cb69481e-8ff7-4039-93ec-0a2729a154a8", res.AAGUID)
	require.Len(t, res.Chain, 1)
	assert.True(t, res.UserVerified)
}

func TestParseRegistrationNoneAndSelf(t *testing.T) {
	_, a := newAuthenticator(t)
	reg, err := a.Register(expectation(), attestation.FormatNone)
	require.NoError(t, err)
	res, err := attestation.ParseRegistration(reg, expectation())
	require.NoError(t, err)
	assert.Empty(t, res.Chain)

	self, err := webauthntest.New(nil, "", testAAGUID)
	require.NoError(t, err)
	reg, err = self.Register(expectation(), attestation.FormatPacked)
	require.NoError(t, err)
	res, err = attestation.ParseRegistration(reg, expectation())
	require.NoError(t, err)
	assert.Empty(t, res.Chain)
}

func TestParseRegistrationRejectsWrongChallengeAndOrigin(t *testing.T) {
	_, a := newAuthenticator(t)
	reg, err := a.Register(expectation(), attestation.FormatPacked)
	require.NoError(t, err)

	exp := expectation()
	exp.Challenge = attestation.NewChallenge([]byte("another challenge"))
	_, err = attestation.ParseRegistration(reg, exp)
	assert.ErrorIs(t, err, attestation.ErrInvalidClientData)

	exp = expectation()
	exp.Origins = []string{"https://evil.example.net"}
	_, err = attestation.ParseRegistration(reg, exp)
	assert.ErrorIs(t, err, attestation.ErrInvalidClientData)

	exp = expectation()
	exp.RPID = "other.example.com"
	_, err = attestation.ParseRegistration(reg, exp)
	assert.ErrorIs(t, err, attestation.ErrInvalidAttestation)
}

func TestParseRegistrationUserVerificationRequired(t *testing.T) {
	_, a := newAuthenticator(t)
	a.UserVerified = false
	exp := expectation()
	exp.UserVerification = attestation.UVRequired
	reg, err := a.Register(exp, attestation.FormatPacked)
	require.NoError(t, err)
	_, err = attestation.ParseRegistration(reg, exp)
	assert.ErrorIs(t, err, attestation.ErrInvalidAttestation)
}

func TestVerifierTrustedChain(t *testing.T) {
	ca, a := newAuthenticator(t)
	trust, err := attestation.NewTrustStore()
	require.NoError(t, err)
	v := attestation.NewVerifier(trust)
	assert.False(t, v.TrustConfigured())

	chain := []*x509.Certificate{a.AttestationCert()}
	require.NoError(t, v.Verify(chain, nil, ""))

	trust.AddCert(ca.Cert)
	assert.True(t, v.TrustConfigured())
	require.NoError(t, v.Verify(chain, nil, ""))

	other, err := webauthntest.NewCA("Other Root")
	require.NoError(t, err)
	foreign, _, err := other.Issue("Foreign Key", 7)
	require.NoError(t, err)
	err = v.Verify([]*x509.Certificate{foreign}, nil, "")
	assert.ErrorIs(t, err, attestation.ErrRejected)
	assert.ErrorIs(t, err, attestation.ErrUntrusted)

	err = v.Verify(nil, nil, "")
	assert.ErrorIs(t, err, attestation.ErrMissingAttestation)
}

func TestVerifierAllowListMismatchRejected(t *testing.T) {
	_, a := newAuthenticator(t)
	v := attestation.NewVerifier(nil)
	chain := []*x509.Certificate{a.AttestationCert()}

	allow, err := attestation.ParseAllowList([]string{"subject/.*Yubico.*/"}, nil)
	require.NoError(t, err)
	require.NoError(t, v.Verify(chain, allow, ""))

	allow, err = attestation.ParseAllowList([]string{"subject/.*Feitian.*/"}, nil)
	require.NoError(t, err)
	err = v.Verify(chain, allow, "")
	assert.ErrorIs(t, err, attestation.ErrRejected)
	assert.ErrorIs(t, err, attestation.ErrNotAllowed)

	allow, err = attestation.ParseAllowList([]string{"issuer/.*Attestation Root.*/", "serial/^1092$/"}, nil)
	require.NoError(t, err)
	require.NoError(t, v.Verify(chain, allow, ""), "serial 4242 is 0x1092")

	allow, err = attestation.ParseAllowList(nil, []string{"CB69481E-8FF7-4039-93EC-0A2729A154A8"})
	require.NoError(t, err)
	require.NoError(t, v.Verify(nil, allow, "cb69481e-8ff7-4039-93ec-0a2729a154a8"))
	assert.ErrorIs(t, v.Verify(nil, allow, "00000000-0000-0000-0000-000000000000"), attestation.ErrRejected)

	allow, err = attestation.ParseAllowList([]string{"subject/.*/"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify(nil, allow, ""), attestation.ErrMissingAttestation)
}

func TestParseAllowListInvalid(t *testing.T) {
	_, err := attestation.ParseAllowList([]string{"subject/no-trailing"}, nil)
	assert.ErrorIs(t, err, attestation.ErrInvalidAllowList)
	_, err = attestation.ParseAllowList([]string{"owner/.*/"}, nil)
	assert.ErrorIs(t, err, attestation.ErrInvalidAllowList)
	_, err = attestation.ParseAllowList([]string{"subject/(/"}, nil)
	assert.ErrorIs(t, err, attestation.ErrInvalidAllowList)
}

func TestVerifyLevel(t *testing.T) {
	ca, a := newAuthenticator(t)
	chain := []*x509.Certificate{a.AttestationCert()}

	v := attestation.NewVerifier(nil)
	require.NoError(t, v.VerifyLevel(nil, nil, "", attestation.LevelNone))
	assert.ErrorIs(t, v.VerifyLevel(nil, nil, "", attestation.LevelUntrusted), attestation.ErrMissingAttestation)
	require.NoError(t, v.VerifyLevel(chain, nil, "", attestation.LevelUntrusted))
	assert.ErrorIs(t, v.VerifyLevel(chain, nil, "", attestation.LevelTrusted), attestation.ErrUntrusted)

	trust, err := attestation.NewTrustStore()
	require.NoError(t, err)
	trust.AddCert(ca.Cert)
	v = attestation.NewVerifier(trust)
	require.NoError(t, v.VerifyLevel(chain, nil, "", attestation.LevelTrusted))
}

func TestTrustStoreLoadsDirectory(t *testing.T) {
	ca, a := newAuthenticator(t)
	dir := t.TempDir()
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.pem"), pemBytes, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o600))

	trust, err := attestation.NewTrustStore(dir)
	require.NoError(t, err)
	assert.True(t, trust.Configured())
	assert.Equal(t, 1, trust.Len())
	require.NoError(t, attestation.NewVerifier(trust).Verify([]*x509.Certificate{a.AttestationCert()}, nil, ""))

	// An empty configured directory still forces chain verification.
	empty, err := attestation.NewTrustStore(t.TempDir())
	require.NoError(t, err)
	assert.ErrorIs(t, attestation.NewVerifier(empty).Verify([]*x509.Certificate{a.AttestationCert()}, nil, ""), attestation.ErrUntrusted)

	_, err = attestation.NewTrustStore(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestVerifyAssertion(t *testing.T) {
	_, a := newAuthenticator(t)
	reg, err := a.Register(expectation(), attestation.FormatNone)
	require.NoError(t, err)
	res, err := attestation.ParseRegistration(reg, expectation())
	require.NoError(t, err)

	as, err := a.Assert(expectation())
	require.NoError(t, err)
	count, err := attestation.VerifyAssertion(as, res.CredentialID, res.PublicKey, res.SignCount, expectation())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)

	_, err = attestation.VerifyAssertion(as, res.CredentialID, res.PublicKey, count, expectation())
	assert.ErrorIs(t, err, attestation.ErrSignCountReplay)

	as.Signature[len(as.Signature)-1] ^= 0xff
	_, err = attestation.VerifyAssertion(as, res.CredentialID, res.PublicKey, 0, expectation())
	assert.ErrorIs(t, err, attestation.ErrInvalidAssertion)

	as, err = a.Assert(expectation())
	require.NoError(t, err)
	_, err = attestation.VerifyAssertion(as, []byte("other"), res.PublicKey, 0, expectation())
	assert.ErrorIs(t, err, attestation.ErrInvalidAssertion)

	reg2, err := a.Register(expectation(), attestation.FormatNone)
	require.NoError(t, err)
	_, err = attestation.VerifyAssertion(attestation.Assertion{
		CredentialID:      a.CredentialID,
		ClientDataJSON:    reg2.ClientDataJSON,
		AuthenticatorData: as.AuthenticatorData,
		Signature:         as.Signature,
	}, res.CredentialID, res.PublicKey, 0, expectation())
	assert.ErrorIs(t, err, attestation.ErrInvalidClientData)
}

func TestParseAuthDataTooShort(t *testing.T) {
	_, err := attestation.ParseAuthData(make([]byte, 10))
	assert.Error(t, err)
}
