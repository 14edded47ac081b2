package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/goMFA/otp"
	"github.com/MrEthical07/goMFA/secrets"
)

// Type names a token variant.
type Type string

// Supported token types.
const (
	TypeHOTP     Type = "hotp"
	TypeTOTP     Type = "totp"
	TypeSMS      Type = "sms"
	TypeEmail    Type = "email"
	TypeWebAuthn Type = "webauthn"
)

// RolloutState is the enrollment lifecycle stage of a token.
type RolloutState string

// Rollout states.
const (
	RolloutClientWait    RolloutState = "clientwait"
	RolloutVerifyPending RolloutState = "verify"
	RolloutEnrolled      RolloutState = "enrolled"
	RolloutDenied        RolloutState = "denied"
	RolloutPending       RolloutState = "pending"
)

// Info keys used by the built-in variants.
const (
	InfoPhone          = "phone"
	InfoEmail          = "email"
	InfoCredentialID   = "webauthn.credential_id"
	InfoPublicKey      = "webauthn.public_key"
	InfoAAGUID         = "webauthn.aaguid"
	InfoAttestationFmt = "webauthn.fmt"
	InfoAttestationCN  = "webauthn.attestation_subject"
)

var (
	ErrNotFound        = errors.New("token not found")
	ErrExists          = errors.New("token already exists")
	ErrVersionConflict = errors.New("token version conflict")
	ErrUnknownType     = errors.New("unknown token type")
	ErrNoDestination   = errors.New("token has no delivery destination")
	ErrBackend         = errors.New("token store backend unavailable")
)

// Types returns every supported token type.
func Types() []Type {
	return []Type{TypeHOTP, TypeTOTP, TypeSMS, TypeEmail, TypeWebAuthn}
}

// ParseType validates a token type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeHOTP, TypeTOTP, TypeSMS, TypeEmail, TypeWebAuthn:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Prefix is the serial prefix for newly enrolled tokens of this type.
func (t Type) Prefix() string {
	switch t {
	case TypeHOTP:
		return "OATH"
	case TypeTOTP:
		return "TOTP"
	case TypeSMS:
		return "PISM"
	case TypeEmail:
		return "PIEM"
	case TypeWebAuthn:
		return "WAN"
	}
	return "TOK"
}

// Owner is a weak reference to the user a token is assigned to.
type Owner struct {
	UserID   string `json:"user_id"`
	Resolver string `json:"resolver,omitempty"`
	Realm    string `json:"realm,omitempty"`
}

// Empty reports whether the token is unassigned.
func (o Owner) Empty() bool { return o.UserID == "" }

// Record is the persisted state of one token. Secret is sealed; only the
// secret keeper can derive codes from it.
type Record struct {
	Serial      string            `json:"serial"`
	Type        Type              `json:"type"`
	Description string            `json:"description,omitempty"`
	Secret      secrets.Sealed    `json:"secret,omitempty"`
	OTPLen      int               `json:"otplen"`
	HashAlgo    string            `json:"hashlib,omitempty"`
	TimeStep    int               `json:"timestep,omitempty"`
	TimeShift   int64             `json:"timeshift,omitempty"`
	Counter     int64             `json:"counter"`
	SyncWindow  int               `json:"sync_window"`
	CountWindow int               `json:"count_window"`
	FailCount   int               `json:"fail_count"`
	MaxFail     int               `json:"max_fail"`
	FailedAt    time.Time         `json:"failcounter_exceeded,omitempty"`
	Rollout     RolloutState      `json:"rollout_state,omitempty"`
	PinHash     string            `json:"pin,omitempty"`
	Active      bool              `json:"active"`
	ValidFrom   time.Time         `json:"validity_start,omitempty"`
	ValidUntil  time.Time         `json:"validity_end,omitempty"`
	Owner       Owner             `json:"owner"`
	Info        map[string]string `json:"info,omitempty"`
	Pending     *otp.Pending      `json:"pending_resync,omitempty"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Secret = append(secrets.Sealed(nil), r.Secret...)
	if r.Info != nil {
		out.Info = make(map[string]string, len(r.Info))
		for k, v := range r.Info {
			out.Info[k] = v
		}
	}
	if r.Pending != nil {
		p := *r.Pending
		out.Pending = &p
	}
	return &out
}

// Locked reports whether the fail counter blocks verification at now. A
// positive clearAfter lifts the lock once that much time has passed since
// the maximum was reached.
func (r *Record) Locked(now time.Time, clearAfter time.Duration) bool {
	if r.MaxFail <= 0 || r.FailCount < r.MaxFail {
		return false
	}
	return !r.CoolDownElapsed(now, clearAfter)
}

// CoolDownElapsed reports whether an exceeded fail counter may be cleared
// automatically.
func (r *Record) CoolDownElapsed(now time.Time, clearAfter time.Duration) bool {
	if clearAfter <= 0 || r.FailedAt.IsZero() {
		return false
	}
	return !now.Before(r.FailedAt.Add(clearAfter))
}

// RecordFailure increments the fail counter up to MaxFail and stamps the
// time the maximum was reached.
func (r *Record) RecordFailure(now time.Time) {
	if r.MaxFail > 0 && r.FailCount >= r.MaxFail {
		return
	}
	r.FailCount++
	if r.MaxFail > 0 && r.FailCount >= r.MaxFail {
		r.FailedAt = now
	}
}

// ResetFailCount clears the fail counter and its timestamp.
func (r *Record) ResetFailCount() {
	r.FailCount = 0
	r.FailedAt = time.Time{}
}

// InValidity reports whether now lies inside the validity period.
func (r *Record) InValidity(now time.Time) bool {
	if !r.ValidFrom.IsZero() && now.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidUntil.IsZero() && now.After(r.ValidUntil) {
		return false
	}
	return true
}

// Usable reports whether the token may authenticate at all.
func (r *Record) Usable(now time.Time) bool {
	if !r.Active || !r.InValidity(now) {
		return false
	}
	switch r.Rollout {
	case RolloutClientWait, RolloutVerifyPending, RolloutDenied, RolloutPending:
		return false
	}
	return true
}

// SetInfo sets one info key.
func (r *Record) SetInfo(key, value string) {
	if r.Info == nil {
		r.Info = map[string]string{}
	}
	r.Info[key] = value
}
