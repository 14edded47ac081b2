package goMFA

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrEthical07/goMFA/attestation"
	"github.com/MrEthical07/goMFA/internal/flows"
	"github.com/MrEthical07/goMFA/policy"
	"github.com/MrEthical07/goMFA/token"
)

// Token management. Every call runs the admin pipeline: the admin scope is
// checked when ctx carries WithAdmin, the user scope otherwise.

// Enroll creates a token of in.Type for in.User. The enrollN right for the
// type is required; the enroll scope supplies PIN rules, key parameters and
// the WebAuthn allow-list.
func (e *Engine) Enroll(ctx context.Context, in EnrollInput) (*Enrollment, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	typ, err := token.ParseType(in.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if strings.TrimSpace(in.User) == "" {
		return nil, ErrInvalidParameter
	}
	owner, err := e.resolveOwner(ctx, in.User, in.Realm)
	if err != nil {
		return nil, err
	}
	if e.directory != nil && owner.Resolver == "" {
		return nil, ErrUserNotFound
	}

	r := &request{ctx: ctx, owner: owner, action: policy.EnrollAction(string(typ))}
	if err := e.admin.before(e, r); err != nil {
		return nil, err
	}
	params, rules, err := e.enrollParams(r, typ)
	if err != nil {
		return nil, err
	}
	res, err := e.flow.Enroll(withAttestationRules(r.ctx, rules), flows.EnrollRequest{
		Type:        typ,
		Owner:       owner,
		Description: in.Description,
		PIN:         in.PIN,
		Secret:      in.Secret,
		Phone:       in.Phone,
		Email:       in.Email,
		Params:      params,
	})
	if err != nil {
		return nil, err
	}
	return enrollmentFrom(res), nil
}

// VerifyEnrollment moves a token out of the verify_enrollment state when
// value is a valid OTP.
func (e *Engine) VerifyEnrollment(ctx context.Context, serial, value string) error {
	r, err := e.gateToken(ctx, serial, "")
	if err != nil {
		return err
	}
	return e.flow.VerifyEnrollment(r.ctx, serial, value)
}

// CompleteWebAuthn finishes the second step of a WebAuthn enrollment. The
// attestation statement is checked against the trusted roots and the
// enroll scope allow-list before the token becomes usable.
func (e *Engine) CompleteWebAuthn(ctx context.Context, in CompleteInput) error {
	r, err := e.gateToken(ctx, in.Serial, "")
	if err != nil {
		return err
	}
	if r.record.Type != token.TypeWebAuthn {
		return ErrInvalidParameter
	}
	params, rules, err := e.enrollParams(r, token.TypeWebAuthn)
	if err != nil {
		return err
	}
	return e.flow.CompleteWebAuthn(withAttestationRules(r.ctx, rules), flows.CompleteRequest{
		Serial:        in.Serial,
		TransactionID: in.TransactionID,
		Registration: attestation.Registration{
			ClientDataJSON:    in.ClientDataJSON,
			AttestationObject: in.AttestationObject,
		},
		Params: params,
	})
}

// SetPIN replaces the PIN of serial, checking the enroll scope length
// rules.
func (e *Engine) SetPIN(ctx context.Context, serial, newPIN string) error {
	r, err := e.gateToken(ctx, serial, policy.ActionSetPin)
	if err != nil {
		return err
	}
	enroll := e.matchScope(r, policy.ScopeEnroll)
	rules := e.pinRules(enroll)
	if enroll.err != nil {
		return e.policyError(r, enroll.err)
	}
	return e.flow.SetPIN(r.ctx, serial, newPIN, rules)
}

// ResetFailCount clears the fail counter of serial.
func (e *Engine) ResetFailCount(ctx context.Context, serial string) error {
	r, err := e.gateToken(ctx, serial, policy.ActionReset)
	if err != nil {
		return err
	}
	return e.flow.ResetFailCount(r.ctx, serial)
}

// Resync realigns the counter of serial from two consecutive OTP values.
func (e *Engine) Resync(ctx context.Context, serial, otp1, otp2 string) error {
	r, err := e.gateToken(ctx, serial, policy.ActionResync)
	if err != nil {
		return err
	}
	return e.flow.Resync(r.ctx, serial, otp1, otp2)
}

// Enable makes serial usable for authentication again.
func (e *Engine) Enable(ctx context.Context, serial string) error {
	r, err := e.gateToken(ctx, serial, policy.ActionEnable)
	if err != nil {
		return err
	}
	return e.flow.SetActive(r.ctx, serial, true)
}

// Disable stops serial from authenticating without deleting it.
func (e *Engine) Disable(ctx context.Context, serial string) error {
	r, err := e.gateToken(ctx, serial, policy.ActionDisable)
	if err != nil {
		return err
	}
	return e.flow.SetActive(r.ctx, serial, false)
}

// Delete removes serial and its state.
func (e *Engine) Delete(ctx context.Context, serial string) error {
	r, err := e.gateToken(ctx, serial, policy.ActionDelete)
	if err != nil {
		return err
	}
	return e.flow.Delete(r.ctx, serial)
}

// gateToken loads serial and checks the right to perform action on it. An
// empty action means the enroll right for the token's type.
func (e *Engine) gateToken(ctx context.Context, serial, action string) (*request, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if strings.TrimSpace(serial) == "" {
		return nil, ErrInvalidParameter
	}
	r := &request{ctx: ctx, serial: serial, action: action}
	if err := e.admin.before(e, r); err != nil {
		return nil, err
	}
	if r.record == nil {
		return nil, ErrTokenNotFound
	}
	return r, nil
}

func enrollmentFrom(res *flows.EnrollResult) *Enrollment {
	out := &Enrollment{
		Serial:        res.Serial,
		Type:          string(res.Type),
		Rollout:       string(res.Rollout),
		URI:           res.URI,
		Secret:        res.Secret,
		PIN:           res.PIN,
		TransactionID: res.TransactionID,
	}
	if reg := res.Registration; reg != nil {
		out.Registration = &RegistrationOptions{
			Challenge:        reg.Challenge,
			RPID:             reg.RPID,
			UserID:           reg.UserID,
			UserName:         reg.UserName,
			Algorithms:       append([]int64(nil), reg.Algorithms...),
			Attestation:      reg.Attestation,
			UserVerification: reg.UserVerification,
		}
	}
	return out
}
