package goMFA

import (
	"time"

	"github.com/MrEthical07/goMFA/credential"
)

// Decision is the outcome of a validate call.
type Decision string

const (
	DecisionAccept    Decision = "accept"
	DecisionReject    Decision = "reject"
	DecisionChallenge Decision = "challenge"
)

// CheckInput is one validate call. Pass carries PIN and OTP together, or
// the answer to TransactionID. Serial restricts the check to one token.
type CheckInput struct {
	User          string
	Realm         string
	Serial        string
	Pass          string
	TransactionID string
}

// TriggerInput opens challenges for a user or one serial without a PIN.
type TriggerInput struct {
	User   string
	Realm  string
	Serial string
}

// Result is the outcome of Check, CheckSerial or TriggerChallenge.
type Result struct {
	Decision      Decision
	Serial        string
	TokenType     string
	TransactionID string
	Challenges    []Challenge
	// Passed is set when passOnNoToken or passOnNoUser accepted the call.
	Passed bool
	// Policies lists the policies that shaped the decision.
	Policies []string
}

// Accepted reports whether the call authenticated the user.
func (r *Result) Accepted() bool {
	return r != nil && r.Decision == DecisionAccept
}

// Challenge is one open challenge handed back to the client. For WebAuthn
// tokens Message is the JSON request options for get().
type Challenge struct {
	Serial        string
	TokenType     string
	TransactionID string
	Message       string
	ExpiresAt     time.Time
	Delivered     bool
}

// LoginInput authenticates a user for the web UI.
type LoginInput struct {
	User          string
	Realm         string
	Pass          string
	TransactionID string
}

// LoginResult carries the credential on acceptance. When the check opened
// a challenge, Credential is empty and Result lists the challenges.
type LoginResult struct {
	Result     *Result
	Credential string
	Claims     *credential.Claims
}

// EnrollInput creates a token. Secret is optional HOTP/TOTP key material.
type EnrollInput struct {
	Type        string
	User        string
	Realm       string
	Description string
	PIN         string
	Secret      []byte
	Phone       string
	Email       string
}

// Enrollment is returned to the enrolling client. PIN is only set when a
// random PIN was generated; URI and Secret only for HOTP and TOTP.
type Enrollment struct {
	Serial        string
	Type          string
	Rollout       string
	URI           string
	Secret        string
	PIN           string
	TransactionID string
	Registration  *RegistrationOptions
}

// RegistrationOptions are the WebAuthn create() options of a new token.
type RegistrationOptions struct {
	Challenge        string  `json:"challenge"`
	RPID             string  `json:"rpId"`
	UserID           string  `json:"userId"`
	UserName         string  `json:"userName"`
	Algorithms       []int64 `json:"pubKeyCredParams"`
	Attestation      string  `json:"attestation"`
	UserVerification string  `json:"userVerification,omitempty"`
}

// CompleteInput is the client's answer to a WebAuthn registration.
type CompleteInput struct {
	Serial            string
	TransactionID     string
	ClientDataJSON    []byte
	AttestationObject []byte
}
