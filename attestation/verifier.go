package attestation

import (
	"crypto/x509"
	"time"
)

// Attestation levels accepted at WebAuthn enrollment.
const (
	LevelNone      = "none"
	LevelUntrusted = "untrusted"
	LevelTrusted   = "trusted"
)

// Verifier checks attestation chains against the trust store and policy
// allow-lists.
type Verifier struct {
	trust *TrustStore
	now   func() time.Time
}

// NewVerifier returns a Verifier. trust may be nil when no roots are configured.
func NewVerifier(trust *TrustStore) *Verifier {
	return &Verifier{trust: trust, now: time.Now}
}

// WithClock overrides the verification time; used by tests with fixed certificates.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	out := *v
	out.now = now
	return &out
}

// TrustConfigured reports whether chain verification is mandatory.
func (v *Verifier) TrustConfigured() bool {
	return v.trust.Configured()
}

// Verify checks chain (leaf first) and the allow-list. Chain trust is
// enforced whenever roots are configured; the allow-list is enforced only
// when non-empty.
func (v *Verifier) Verify(chain []*x509.Certificate, allow *AllowList, aaguid string) error {
	var leaf *x509.Certificate
	if len(chain) > 0 {
		leaf = chain[0]
	}
	if v.trust.Configured() {
		if leaf == nil {
			return reject(ErrMissingAttestation, "trusted roots configured")
		}
		if err := v.verifyChain(chain); err != nil {
			return err
		}
	}
	return allow.Check(leaf, aaguid)
}

// VerifyLevel is Verify with the enrollment attestation level applied on
// top: untrusted requires a certificate, trusted additionally requires a
// configured and verified chain.
func (v *Verifier) VerifyLevel(chain []*x509.Certificate, allow *AllowList, aaguid, level string) error {
	switch level {
	case LevelTrusted:
		if !v.trust.Configured() {
			return reject(ErrUntrusted, "no trusted roots configured")
		}
		if len(chain) == 0 {
			return reject(ErrMissingAttestation, "level trusted")
		}
	case LevelUntrusted:
		if len(chain) == 0 {
			return reject(ErrMissingAttestation, "level untrusted")
		}
	}
	return v.Verify(chain, allow, aaguid)
}

func (v *Verifier) verifyChain(chain []*x509.Certificate) error {
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         v.trust.Pool(),
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return reject(ErrUntrusted, err.Error())
	}
	return nil
}
