package flows

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goMFA/attestation"
	"github.com/MrEthical07/goMFA/challenge"
	"github.com/MrEthical07/goMFA/otp"
	"github.com/MrEthical07/goMFA/pin"
	"github.com/MrEthical07/goMFA/secrets"
	"github.com/MrEthical07/goMFA/token"
)

// EnrollParams are the enroll-scope settings resolved from policy plus the
// configured token defaults.
type EnrollParams struct {
	OTPLen           int
	HashAlgo         string
	TimeStep         int
	CountWindow      int
	SyncWindow       int
	MaxFail          int
	RandomPINLength  int
	RandomPINContent string
	PINRules         PINRules
	VerifyEnrollment bool
	MaxTokensPerUser int
	Issuer           string

	Expectation          attestation.Expectation
	RegistrationValidity time.Duration
}

// EnrollRequest creates one token. Secret is optional key material for
// HOTP/TOTP; a random key is generated when empty.
type EnrollRequest struct {
	Type        token.Type
	Owner       token.Owner
	Description string
	PIN         string
	Secret      []byte
	Phone       string
	Email       string
	Params      EnrollParams
}

// EnrollResult is handed back to the enrolling client. PIN is only set when
// a random PIN was generated. URI and Secret are only set for OTP tokens.
type EnrollResult struct {
	Serial        string
	Type          token.Type
	Rollout       token.RolloutState
	URI           string
	Secret        string
	PIN           string
	TransactionID string
	Registration  *RegistrationRequest
}

// RegistrationRequest is the WebAuthn create() options handed to the client.
type RegistrationRequest struct {
	Challenge        string  `json:"challenge"`
	RPID             string  `json:"rpId"`
	UserID           string  `json:"userId"`
	UserName         string  `json:"userName"`
	Algorithms       []int64 `json:"pubKeyCredParams"`
	Attestation      string  `json:"attestation"`
	UserVerification string  `json:"userVerification,omitempty"`
}

type EnrollEvents struct {
	Enrolled            string
	AttestationRejected string
}

type EnrollMetrics struct {
	Enrolled            int
	AttestationRejected int
}

// EnrollDeps wires token creation and the two-step rollouts.
type EnrollDeps struct {
	Token TokenDeps

	CreateToken func(context.Context, *token.Record) error
	NewSerial   func(prefix string) (string, error)
	NewKey      func(otp.KeyOptions) (*otp.Key, error)
	Seal        func([]byte) (secrets.Sealed, error)
	EncodePIN   func(pin string, reversible bool) (string, error)
	RandomPIN   func(length int, content string) (string, error)

	CreateChallenge  func(context.Context, *challenge.Record) error
	ConsumeChallenge func(context.Context, string, time.Time) ([]*challenge.Record, error)
	NewTransactionID func() (string, error)
	NewNonce         func() ([]byte, error)

	// VerifyAttestation applies trust-chain and allow-list checks to a parsed
	// registration of r.
	VerifyAttestation func(context.Context, *token.Record, *attestation.RegistrationResult) error

	Metrics EnrollMetrics
	Events  EnrollEvents
}

func normalizeEnrollDeps(deps *EnrollDeps) {
	normalizeTokenDeps(&deps.Token)
}

// RunEnroll creates a token in its initial rollout state.
func RunEnroll(ctx context.Context, req EnrollRequest, deps EnrollDeps) (*EnrollResult, error) {
	normalizeEnrollDeps(&deps)
	errs := deps.Token.Errors
	if deps.CreateToken == nil || deps.NewSerial == nil || deps.EncodePIN == nil {
		return nil, errs.EngineNotReady
	}
	if _, err := token.For(req.Type); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.InvalidParameter, err)
	}
	p := req.Params

	if p.MaxTokensPerUser > 0 && !req.Owner.Empty() && deps.Token.ListTokens != nil {
		existing, err := deps.Token.ListTokens(ctx, req.Owner)
		if err != nil {
			return nil, errs.BackendUnavailable
		}
		if len(existing) >= p.MaxTokensPerUser {
			return nil, fmt.Errorf("%w: max_token_per_user %d reached", errs.PolicyDenied, p.MaxTokensPerUser)
		}
	}

	serial, err := deps.NewSerial(req.Type.Prefix())
	if err != nil {
		return nil, errs.BackendUnavailable
	}
	now := deps.Token.Now()
	r := &token.Record{
		Serial:      serial,
		Type:        req.Type,
		Description: req.Description,
		OTPLen:      p.OTPLen,
		HashAlgo:    p.HashAlgo,
		CountWindow: p.CountWindow,
		SyncWindow:  p.SyncWindow,
		MaxFail:     p.MaxFail,
		Active:      true,
		Rollout:     token.RolloutEnrolled,
		Owner:       req.Owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res := &EnrollResult{Serial: serial, Type: req.Type}

	plainPIN := req.PIN
	if p.RandomPINLength > 0 {
		if deps.RandomPIN == nil {
			return nil, errs.EngineNotReady
		}
		if plainPIN, err = deps.RandomPIN(p.RandomPINLength, p.RandomPINContent); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.InvalidParameter, err)
		}
		res.PIN = plainPIN
	} else if plainPIN != "" && !pin.CheckLength(plainPIN, p.PINRules.MinLength, p.PINRules.MaxLength) {
		return nil, fmt.Errorf("%w: pin length", errs.InvalidParameter)
	}
	if r.PinHash, err = deps.EncodePIN(plainPIN, p.PINRules.Encrypt); err != nil {
		return nil, errs.BackendUnavailable
	}

	switch req.Type {
	case token.TypeHOTP, token.TypeTOTP, token.TypeSMS, token.TypeEmail:
		if err := enrollSecret(r, req, res, deps); err != nil {
			return nil, err
		}
		if req.Type == token.TypeTOTP {
			r.TimeStep = p.TimeStep
			if r.TimeStep <= 0 {
				r.TimeStep = otp.DefaultTimeStep
			}
		}
		switch req.Type {
		case token.TypeSMS:
			if req.Phone == "" {
				return nil, fmt.Errorf("%w: phone required", errs.InvalidParameter)
			}
			r.SetInfo(token.InfoPhone, req.Phone)
		case token.TypeEmail:
			if req.Email == "" {
				return nil, fmt.Errorf("%w: email required", errs.InvalidParameter)
			}
			r.SetInfo(token.InfoEmail, req.Email)
		}
		if p.VerifyEnrollment && (req.Type == token.TypeHOTP || req.Type == token.TypeTOTP) {
			r.Rollout = token.RolloutVerifyPending
		}
	case token.TypeWebAuthn:
		r.Rollout = token.RolloutClientWait
		if err := deps.CreateToken(ctx, r); err != nil {
			return nil, createError(errs, err)
		}
		reg, txid, err := registrationChallenge(ctx, r, p, deps)
		if err != nil {
			return nil, err
		}
		res.Rollout, res.Registration, res.TransactionID = r.Rollout, reg, txid
		return res, nil
	}

	if err := deps.CreateToken(ctx, r); err != nil {
		return nil, createError(errs, err)
	}
	res.Rollout = r.Rollout
	if r.Rollout == token.RolloutEnrolled {
		deps.Token.MetricInc(deps.Metrics.Enrolled)
		deps.Token.EmitAudit(ctx, auditFor(r, deps.Events.Enrolled, true, nil))
	}
	return res, nil
}

func createError(errs TokenErrors, err error) error {
	if errors.Is(err, token.ErrExists) {
		return fmt.Errorf("%w: serial collision", errs.BackendUnavailable)
	}
	return errs.BackendUnavailable
}

func enrollSecret(r *token.Record, req EnrollRequest, res *EnrollResult, deps EnrollDeps) error {
	errs := deps.Token.Errors
	if deps.NewKey == nil || deps.Seal == nil {
		return errs.EngineNotReady
	}
	kind := otp.KindHOTP
	if req.Type == token.TypeTOTP {
		kind = otp.KindTOTP
	}
	account := req.Owner.UserID
	if account == "" {
		account = r.Serial
	}
	key, err := deps.NewKey(otp.KeyOptions{
		Kind:      kind,
		Issuer:    req.Params.Issuer,
		Account:   account,
		Digits:    r.OTPLen,
		Algorithm: r.HashAlgo,
		Period:    req.Params.TimeStep,
		Secret:    req.Secret,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.InvalidParameter, err)
	}
	if r.Secret, err = deps.Seal(key.Secret); err != nil {
		return errs.BackendUnavailable
	}
	if req.Type == token.TypeHOTP || req.Type == token.TypeTOTP {
		res.URI = key.URI
		res.Secret = otp.EncodeSecret(key.Secret)
	}
	return nil
}

func registrationChallenge(ctx context.Context, r *token.Record, p EnrollParams, deps EnrollDeps) (*RegistrationRequest, string, error) {
	errs := deps.Token.Errors
	if deps.CreateChallenge == nil || deps.NewTransactionID == nil || deps.NewNonce == nil {
		return nil, "", errs.EngineNotReady
	}
	nonce, err := deps.NewNonce()
	if err != nil {
		return nil, "", errs.BackendUnavailable
	}
	txid, err := deps.NewTransactionID()
	if err != nil {
		return nil, "", errs.BackendUnavailable
	}
	now := deps.Token.Now()
	ch := attestation.NewChallenge(nonce)
	validity := p.RegistrationValidity
	if validity <= 0 {
		validity = 5 * time.Minute
	}
	if err := deps.CreateChallenge(ctx, &challenge.Record{
		TransactionID: txid,
		Serial:        r.Serial,
		Payload:       ch,
		CreatedAt:     now,
		ExpiresAt:     now.Add(validity),
	}); err != nil {
		deps.Token.LogError(ctx, "registration challenge create failed", err, "serial", r.Serial)
		return nil, "", errs.BackendUnavailable
	}
	return &RegistrationRequest{
		Challenge:        ch,
		RPID:             p.Expectation.RPID,
		UserID:           base64.RawURLEncoding.EncodeToString([]byte(r.Owner.UserID)),
		UserName:         r.Owner.UserID,
		Algorithms:       []int64{attestation.AlgES256, attestation.AlgEdDSA, attestation.AlgRS256},
		Attestation:      "direct",
		UserVerification: p.Expectation.UserVerification,
	}, txid, nil
}

// CompleteRequest is the client's answer to a registration challenge.
type CompleteRequest struct {
	Serial        string
	TransactionID string
	Registration  attestation.Registration
	Params        EnrollParams
}

// RunCompleteWebAuthn verifies the registration and moves the token from
// clientwait to enrolled. On any rejection the token is left untouched.
func RunCompleteWebAuthn(ctx context.Context, req CompleteRequest, deps EnrollDeps) (*token.Record, error) {
	normalizeEnrollDeps(&deps)
	errs := deps.Token.Errors
	if deps.Token.GetToken == nil || deps.Token.UpdateToken == nil || deps.ConsumeChallenge == nil {
		return nil, errs.EngineNotReady
	}

	records, err := deps.ConsumeChallenge(ctx, req.TransactionID, deps.Token.Now())
	switch {
	case errors.Is(err, challenge.ErrNotFound):
		return nil, errs.ChallengeNotFound
	case errors.Is(err, challenge.ErrExpired):
		return nil, errs.ChallengeExpired
	case err != nil:
		return nil, errs.BackendUnavailable
	}
	var payload string
	for _, rec := range records {
		if rec.Serial == req.Serial {
			payload = rec.Payload
		}
	}
	if payload == "" {
		return nil, errs.ChallengeNotFound
	}

	var rejected error
	r, err := mutateToken(ctx, deps.Token, req.Serial, func(r *token.Record) error {
		rejected = nil
		if r.Rollout != token.RolloutClientWait {
			return fmt.Errorf("%w: token is not awaiting registration", errs.InvalidParameter)
		}
		v, err := token.For(r.Type)
		if err != nil {
			return errs.InvalidParameter
		}
		capable, ok := v.(token.AttestationCapable)
		if !ok {
			return fmt.Errorf("%w: token type does not register keys", errs.InvalidParameter)
		}
		exp := req.Params.Expectation
		exp.Challenge = payload
		parsed, err := capable.Register(r, req.Registration, exp)
		if err != nil {
			rejected = fmt.Errorf("%w: %v", errs.AttestationRejected, err)
			return rejected
		}
		if deps.VerifyAttestation != nil {
			if err := deps.VerifyAttestation(ctx, r, parsed); err != nil {
				rejected = fmt.Errorf("%w: %v", errs.AttestationRejected, err)
				return rejected
			}
		}
		r.Rollout = token.RolloutEnrolled
		return nil
	})
	if rejected != nil {
		deps.Token.MetricInc(deps.Metrics.AttestationRejected)
		ev := AuditRecord{Event: deps.Events.AttestationRejected, Serial: req.Serial, TokenType: string(token.TypeWebAuthn), TransactionID: req.TransactionID, Err: rejected}
		if r != nil {
			ev.UserID, ev.Realm = r.Owner.UserID, r.Owner.Realm
		}
		deps.Token.EmitAudit(ctx, ev)
		return nil, rejected
	}
	if err != nil {
		return nil, err
	}
	deps.Token.MetricInc(deps.Metrics.Enrolled)
	deps.Token.EmitAudit(ctx, auditFor(r, deps.Events.Enrolled, true, nil))
	return r, nil
}

// RunVerifyEnrollment completes the verify rollout of an OTP token with one
// valid value.
func RunVerifyEnrollment(ctx context.Context, serial, value string, deps EnrollDeps) error {
	normalizeEnrollDeps(&deps)
	errs := deps.Token.Errors
	if !deps.Token.ready() {
		return errs.EngineNotReady
	}
	ok := false
	r, err := mutateToken(ctx, deps.Token, serial, func(r *token.Record) error {
		ok = false
		if r.Rollout != token.RolloutVerifyPending {
			return fmt.Errorf("%w: token is not awaiting verification", errs.InvalidParameter)
		}
		v, err := token.For(r.Type)
		if err != nil {
			return errs.InvalidParameter
		}
		verifier, isOTP := v.(token.Verifiable)
		if !isOTP {
			return errs.InvalidParameter
		}
		gen, err := deps.Token.Generator(r)
		if err != nil {
			return errs.BackendUnavailable
		}
		now := deps.Token.Now()
		res, err := verifier.Verify(token.VerifyInput{Record: r, Generator: gen, Presented: value, Now: now})
		if err != nil || !res.OK() {
			r.RecordFailure(now)
			return nil
		}
		ok = true
		r.Counter = res.Counter
		r.Rollout = token.RolloutEnrolled
		r.ResetFailCount()
		return nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return errs.AuthenticationFailed
	}
	deps.Token.MetricInc(deps.Metrics.Enrolled)
	deps.Token.EmitAudit(ctx, auditFor(r, deps.Events.Enrolled, true, nil))
	return nil
}
