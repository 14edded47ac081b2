package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/goMFA/attestation"
	"github.com/MrEthical07/goMFA/otp"
	"github.com/MrEthical07/goMFA/secrets"
)

// Keys derives code generators from sealed secrets. *secrets.Keeper
// satisfies it.
type Keys interface {
	Generator(s secrets.Sealed, digits int, algorithm string) (otp.Generator, error)
}

// Variant is the behavior shared by every token type. The capability
// interfaces below are implemented per type and selected with For.
type Variant interface {
	Type() Type
}

// VerifyInput carries one OTP verification.
type VerifyInput struct {
	Record        *Record
	Generator     otp.Generator
	Presented     string
	Now           time.Time
	AutoResync    bool
	ResyncTimeout time.Duration
}

// VerifyResult is the counter state after a verification. Matched is
// otp.NotFound on a miss. Counter and Pending replace the record's values.
type VerifyResult struct {
	Matched int64
	Counter int64
	Pending *otp.Pending
}

// OK reports whether the value matched.
func (v VerifyResult) OK() bool { return v.Matched != otp.NotFound }

// Verifiable tokens check OTP values against their counter state.
type Verifiable interface {
	Variant
	Verify(in VerifyInput) (VerifyResult, error)
}

// ChallengeInput carries one challenge creation.
type ChallengeInput struct {
	Record      *Record
	Generator   otp.Generator
	Text        string
	Nonce       []byte
	Expectation attestation.Expectation
}

// ChallengeData is the type-specific challenge. Payload is persisted with the
// challenge record; Code is the value to deliver and is never persisted.
type ChallengeData struct {
	Payload string
	Message string
	Code    string
}

// AnswerInput carries the response to a stored challenge.
type AnswerInput struct {
	Record      *Record
	Generator   otp.Generator
	Payload     string
	Presented   string
	Now         time.Time
	Expectation attestation.Expectation
}

// ChallengeCapable tokens take part in challenge-response.
type ChallengeCapable interface {
	Variant
	NewChallenge(in ChallengeInput) (ChallengeData, error)
	Answer(in AnswerInput) (VerifyResult, error)
}

// Deliverable tokens send their challenge through a delivery channel.
type Deliverable interface {
	Variant
	Destination(r *Record) (channel, address string, err error)
}

// AttestationCapable tokens enroll through a verified key registration.
type AttestationCapable interface {
	Variant
	Register(r *Record, reg attestation.Registration, exp attestation.Expectation) (*attestation.RegistrationResult, error)
}

// For returns the variant implementing t.
func For(t Type) (Variant, error) {
	switch t {
	case TypeHOTP:
		return hotpVariant{}, nil
	case TypeTOTP:
		return totpVariant{}, nil
	case TypeSMS:
		return smsVariant{}, nil
	case TypeEmail:
		return emailVariant{}, nil
	case TypeWebAuthn:
		return webauthnVariant{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// UsesSecret reports whether tokens of type t carry an OTP secret.
func UsesSecret(t Type) bool {
	return t != TypeWebAuthn
}

type hotpVariant struct{}

func (hotpVariant) Type() Type { return TypeHOTP }

func (hotpVariant) Verify(in VerifyInput) (VerifyResult, error) {
	r := in.Record
	res := VerifyResult{Matched: otp.NotFound, Counter: r.Counter, Pending: r.Pending}
	matched, err := otp.CheckHOTP(in.Generator, in.Presented, r.Counter, r.CountWindow)
	if err != nil {
		return res, err
	}
	if matched != otp.NotFound {
		return VerifyResult{Matched: matched, Counter: matched + 1}, nil
	}
	if !in.AutoResync {
		return res, nil
	}

	matched, pending, err := otp.AutoSync(in.Generator, in.Presented, r.Counter, r.CountWindow, r.SyncWindow, r.Pending, in.Now, in.ResyncTimeout)
	if err != nil {
		return res, err
	}
	if matched != otp.NotFound {
		return VerifyResult{Matched: matched, Counter: matched + 1}, nil
	}
	return VerifyResult{Matched: otp.NotFound, Counter: r.Counter, Pending: pending}, nil
}

type totpVariant struct{}

func (totpVariant) Type() Type { return TypeTOTP }

// Verify checks the value around now shifted by the token's recorded clock
// offset. Counter holds the next acceptable time step, so a value is never
// accepted twice.
func (totpVariant) Verify(in VerifyInput) (VerifyResult, error) {
	r := in.Record
	res := VerifyResult{Matched: otp.NotFound, Counter: r.Counter, Pending: r.Pending}
	now := in.Now.Add(time.Duration(r.TimeShift) * time.Second)
	matched, err := otp.CheckTOTP(in.Generator, in.Presented, now, r.TimeStep, r.CountWindow, r.Counter)
	if err != nil || matched == otp.NotFound {
		return res, err
	}
	return VerifyResult{Matched: matched, Counter: matched + 1}, nil
}

// smsVariant and emailVariant deliver the HOTP value at the current counter.
type smsVariant struct{ hotpVariant }

func (smsVariant) Type() Type { return TypeSMS }

func (smsVariant) NewChallenge(in ChallengeInput) (ChallengeData, error) {
	return deliveredChallenge(in)
}

func (v smsVariant) Answer(in AnswerInput) (VerifyResult, error) {
	return v.Verify(VerifyInput{Record: in.Record, Generator: in.Generator, Presented: in.Presented, Now: in.Now})
}

func (smsVariant) Destination(r *Record) (string, string, error) {
	return destination(r, "sms", InfoPhone)
}

type emailVariant struct{ hotpVariant }

func (emailVariant) Type() Type { return TypeEmail }

func (emailVariant) NewChallenge(in ChallengeInput) (ChallengeData, error) {
	return deliveredChallenge(in)
}

func (v emailVariant) Answer(in AnswerInput) (VerifyResult, error) {
	return v.Verify(VerifyInput{Record: in.Record, Generator: in.Generator, Presented: in.Presented, Now: in.Now})
}

func (emailVariant) Destination(r *Record) (string, string, error) {
	return destination(r, "email", InfoEmail)
}

func deliveredChallenge(in ChallengeInput) (ChallengeData, error) {
	code, err := in.Generator.At(in.Record.Counter)
	if err != nil {
		return ChallengeData{}, err
	}
	text := in.Text
	if text == "" {
		text = "please enter otp: "
	}
	return ChallengeData{Payload: strconv.FormatInt(in.Record.Counter, 10), Message: text, Code: code}, nil
}

func destination(r *Record, channel, key string) (string, string, error) {
	addr := r.Info[key]
	if addr == "" {
		return "", "", fmt.Errorf("%w: %s", ErrNoDestination, r.Serial)
	}
	return channel, addr, nil
}

type webauthnVariant struct{}

func (webauthnVariant) Type() Type { return TypeWebAuthn }

// WebAuthnRequest is the challenge message handed to the client for get().
type WebAuthnRequest struct {
	Challenge        string   `json:"challenge"`
	AllowCredentials []string `json:"allowCredentials"`
	RPID             string   `json:"rpId,omitempty"`
	UserVerification string   `json:"userVerification,omitempty"`
}

func (webauthnVariant) NewChallenge(in ChallengeInput) (ChallengeData, error) {
	if len(in.Nonce) == 0 {
		return ChallengeData{}, fmt.Errorf("webauthn challenge requires a nonce")
	}
	ch := attestation.NewChallenge(in.Nonce)
	msg, err := json.Marshal(WebAuthnRequest{
		Challenge:        ch,
		AllowCredentials: []string{in.Record.Info[InfoCredentialID]},
		RPID:             in.Expectation.RPID,
		UserVerification: in.Expectation.UserVerification,
	})
	if err != nil {
		return ChallengeData{}, err
	}
	return ChallengeData{Payload: ch, Message: string(msg)}, nil
}

// Answer verifies an encoded assertion against the stored credential. The
// record counter holds the authenticator signature count.
func (webauthnVariant) Answer(in AnswerInput) (VerifyResult, error) {
	r := in.Record
	res := VerifyResult{Matched: otp.NotFound, Counter: r.Counter}
	as, err := DecodeAssertion(in.Presented)
	if err != nil {
		return res, err
	}
	credID, err := base64.RawURLEncoding.DecodeString(r.Info[InfoCredentialID])
	if err != nil {
		return res, fmt.Errorf("%w: stored credential id", attestation.ErrInvalidAssertion)
	}
	pub, err := base64.RawURLEncoding.DecodeString(r.Info[InfoPublicKey])
	if err != nil {
		return res, fmt.Errorf("%w: stored public key", attestation.ErrInvalidAssertion)
	}
	exp := in.Expectation
	exp.Challenge = in.Payload
	count, err := attestation.VerifyAssertion(as, credID, pub, uint32(r.Counter), exp)
	if err != nil {
		return res, err
	}
	return VerifyResult{Matched: int64(count), Counter: int64(count)}, nil
}

func (webauthnVariant) Register(r *Record, reg attestation.Registration, exp attestation.Expectation) (*attestation.RegistrationResult, error) {
	res, err := attestation.ParseRegistration(reg, exp)
	if err != nil {
		return nil, err
	}
	r.SetInfo(InfoCredentialID, base64.RawURLEncoding.EncodeToString(res.CredentialID))
	r.SetInfo(InfoPublicKey, base64.RawURLEncoding.EncodeToString(res.PublicKey))
	r.SetInfo(InfoAAGUID, res.AAGUID)
	r.SetInfo(InfoAttestationFmt, res.Format)
	if len(res.Chain) > 0 {
		r.SetInfo(InfoAttestationCN, res.Chain[0].Subject.String())
	}
	r.Counter = int64(res.SignCount)
	return res, nil
}

type wireAssertion struct {
	CredentialID      string `json:"credentialId"`
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature"`
	UserHandle        string `json:"userHandle,omitempty"`
}

// EncodeAssertion renders an assertion as the JSON response string accepted
// by Answer. Binary fields are unpadded base64url.
func EncodeAssertion(a attestation.Assertion) (string, error) {
	enc := base64.RawURLEncoding
	b, err := json.Marshal(wireAssertion{
		CredentialID:      enc.EncodeToString(a.CredentialID),
		ClientDataJSON:    enc.EncodeToString(a.ClientDataJSON),
		AuthenticatorData: enc.EncodeToString(a.AuthenticatorData),
		Signature:         enc.EncodeToString(a.Signature),
		UserHandle:        enc.EncodeToString(a.UserHandle),
	})
	return string(b), err
}

// DecodeAssertion parses the JSON response string.
func DecodeAssertion(s string) (attestation.Assertion, error) {
	var w wireAssertion
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return attestation.Assertion{}, fmt.Errorf("%w: %v", attestation.ErrInvalidAssertion, err)
	}
	var out attestation.Assertion
	fields := []struct {
		src string
		dst *[]byte
	}{
		{w.CredentialID, &out.CredentialID},
		{w.ClientDataJSON, &out.ClientDataJSON},
		{w.AuthenticatorData, &out.AuthenticatorData},
		{w.Signature, &out.Signature},
		{w.UserHandle, &out.UserHandle},
	}
	for _, f := range fields {
		b, err := base64.RawURLEncoding.DecodeString(f.src)
		if err != nil {
			return attestation.Assertion{}, fmt.Errorf("%w: %v", attestation.ErrInvalidAssertion, err)
		}
		*f.dst = b
	}
	return out, nil
}
