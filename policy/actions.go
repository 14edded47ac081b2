package policy

import "strings"

// Scope is the policy namespace an action belongs to.
type Scope string

// Policy scopes.
const (
	ScopeAdmin    Scope = "admin"
	ScopeUser     Scope = "user"
	ScopeEnroll   Scope = "enroll"
	ScopeAuth     Scope = "auth"
	ScopeAuthz    Scope = "authz"
	ScopeWebUI    Scope = "webui"
	ScopeAudit    Scope = "audit"
	ScopeRegister Scope = "register"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAdmin, ScopeUser, ScopeEnroll, ScopeAuth, ScopeAuthz, ScopeWebUI, ScopeAudit, ScopeRegister:
		return true
	}
	return false
}

// Authentication scope actions.
const (
	ActionOTPPin                  = "otppin"
	ActionPassOnNoToken           = "passOnNoToken"
	ActionPassOnNoUser            = "passOnNoUser"
	ActionChallengeResponse       = "challenge_response"
	ActionChallengeText           = "challenge_text"
	ActionChallengeValidityTime   = "challenge_validity_time"
	ActionAutoResync              = "auto_resync"
	ActionAutoResyncTimeout       = "auto_resync_timeout"
	ActionFailCounterClearTimeout = "failcounter_clear_timeout"
	ActionNoFailCounterReset      = "no_failcounter_reset"
	ActionPrependPin              = "prepend_pin"
	ActionWebAuthnUserVerify      = "webauthn_user_verification_requirement"
)

// Enrollment scope actions.
const (
	ActionOTPPinRandom        = "otp_pin_random"
	ActionOTPPinRandomContent = "otp_pin_random_content"
	ActionOTPPinMinLength     = "otp_pin_minlength"
	ActionOTPPinMaxLength     = "otp_pin_maxlength"
	ActionEncryptPin          = "encrypt_pin"
	ActionVerifyEnrollment    = "verify_enrollment"
	ActionWebAuthnReq         = "webauthn_req"
	ActionWebAuthnAAGUIDs     = "webauthn_allowed_aaguids"
	ActionWebAuthnAttestLevel = "webauthn_authenticator_attestation_level"
	ActionHOTPOTPLen          = "hotp_otplen"
	ActionHOTPHashLib         = "hotp_hashlib"
	ActionTOTPOTPLen          = "totp_otplen"
	ActionTOTPHashLib         = "totp_hashlib"
	ActionTOTPTimeStep        = "totp_timestep"
	ActionMaxTokensPerUser    = "max_token_per_user"
)

// Authorization scope actions.
const (
	ActionAuthMaxFail    = "auth_max_fail"
	ActionAuthMaxSuccess = "auth_max_success"
	ActionTokenType      = "tokentype"
)

// WebUI scope actions.
const (
	ActionLogoutTime = "logout_time"
	ActionShowMenus  = "show_menus"
)

// Admin and user scope actions.
const (
	ActionSetPin  = "setpin"
	ActionResync  = "resync"
	ActionReset   = "reset"
	ActionEnable  = "enable"
	ActionDisable = "disable"
	ActionDelete  = "delete"

	ActionTriggerChallenge = "triggerchallenge"
)

// OTPPin modes.
const (
	OTPPinToken     = "tokenpin"
	OTPPinUserStore = "userstore"
	OTPPinNone      = "none"
)

// EnrollAction names the admin/user action that permits enrolling tokenType.
func EnrollAction(tokenType string) string {
	return "enroll" + strings.ToUpper(tokenType)
}

var actionKinds = map[string]Kind{
	ActionOTPPin:                  KindText,
	ActionPassOnNoToken:           KindBool,
	ActionPassOnNoUser:            KindBool,
	ActionChallengeResponse:       KindList,
	ActionChallengeText:           KindText,
	ActionChallengeValidityTime:   KindInt,
	ActionAutoResync:              KindBool,
	ActionAutoResyncTimeout:       KindInt,
	ActionFailCounterClearTimeout: KindInt,
	ActionNoFailCounterReset:      KindBool,
	ActionPrependPin:              KindBool,
	ActionWebAuthnUserVerify:      KindText,

	ActionOTPPinRandom:        KindInt,
	ActionOTPPinRandomContent: KindText,
	ActionOTPPinMinLength:     KindInt,
	ActionOTPPinMaxLength:     KindInt,
	ActionEncryptPin:          KindBool,
	ActionVerifyEnrollment:    KindList,
	ActionWebAuthnReq:         KindList,
	ActionWebAuthnAAGUIDs:     KindList,
	ActionWebAuthnAttestLevel: KindText,
	ActionHOTPOTPLen:          KindInt,
	ActionHOTPHashLib:         KindText,
	ActionTOTPOTPLen:          KindInt,
	ActionTOTPHashLib:         KindText,
	ActionTOTPTimeStep:        KindInt,
	ActionMaxTokensPerUser:    KindInt,

	ActionAuthMaxFail:    KindText,
	ActionAuthMaxSuccess: KindText,
	ActionTokenType:      KindList,

	ActionLogoutTime: KindInt,
	ActionShowMenus:  KindList,

	ActionSetPin:  KindBool,
	ActionResync:  KindBool,
	ActionReset:   KindBool,
	ActionEnable:  KindBool,
	ActionDisable: KindBool,
	ActionDelete:  KindBool,

	ActionTriggerChallenge: KindBool,
}

// KindOf returns the registered kind of action. Enroll actions of any token
// type are boolean.
func KindOf(action string) (Kind, bool) {
	if k, ok := actionKinds[action]; ok {
		return k, true
	}
	if strings.HasPrefix(action, "enroll") && len(action) > len("enroll") {
		return KindBool, true
	}
	return 0, false
}
