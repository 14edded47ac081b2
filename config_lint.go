package goMFA

import (
	"fmt"
	"time"
)

// LintWarning is a setting that is valid but weak for production use.
type LintWarning struct {
	Code    string
	Message string
}

// LintWarnings is the result of Config.Lint.
type LintWarnings []LintWarning

// Codes returns the warning codes in order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Code
	}
	return out
}

const (
	lintMinPINMemory         = 64 * 1024
	lintMaxChallengeValidity = 10 * time.Minute
	lintMaxResyncTimeout     = 10 * time.Minute
	lintMaxSyncWindow        = 1000
	lintMaxLogoutTime        = time.Hour
)

// Lint reports settings Validate accepts that weaken the deployment. It
// never fails; callers decide which codes to treat as fatal.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	add := func(code, format string, args ...any) {
		ws = append(ws, LintWarning{Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if c.FailCounter.MaxFail == 0 {
		add("fail_counter_disabled", "FailCounter MaxFail is 0; tokens never lock")
	}
	if c.FailCounter.MaxFail > 0 && c.FailCounter.ClearTimeout == 0 {
		add("lockout_manual_reset", "locked tokens stay locked until an administrator resets them")
	}
	if c.PIN.Memory < lintMinPINMemory {
		add("pin_memory_low", "PIN Memory %d KB is below %d KB", c.PIN.Memory, lintMinPINMemory)
	}
	if c.Challenge.Validity > lintMaxChallengeValidity {
		add("challenge_validity_long", "Challenge Validity %s exceeds %s", c.Challenge.Validity, lintMaxChallengeValidity)
	}
	if c.AutoResync.Enabled && c.AutoResync.Timeout > lintMaxResyncTimeout {
		add("auto_resync_timeout_long", "AutoResync Timeout %s exceeds %s", c.AutoResync.Timeout, lintMaxResyncTimeout)
	}
	if c.OTP.SyncWindow > lintMaxSyncWindow {
		add("sync_window_wide", "OTP SyncWindow %d exceeds %d", c.OTP.SyncWindow, lintMaxSyncWindow)
	}
	if c.Credential.Enabled && c.Credential.SigningMethod == "hs256" {
		add("credential_shared_secret", "Credential uses a shared HS256 secret")
	}
	if c.Credential.Enabled && c.Credential.LogoutTime > lintMaxLogoutTime {
		add("credential_logout_long", "Credential LogoutTime %s exceeds %s", c.Credential.LogoutTime, lintMaxLogoutTime)
	}
	if c.Delivery.Every == 0 {
		add("delivery_unthrottled", "challenge deliveries are not rate limited")
	}
	if c.Attestation.RPID != "" && len(c.Attestation.TrustedRoots) == 0 {
		add("attestation_untrusted", "WebAuthn registrations are accepted without trusted roots")
	}
	if !c.Audit.Enabled {
		add("audit_disabled", "audit events are discarded")
	}
	if !c.Policy.DenyWhenUndefined {
		add("policy_default_allow", "admin and user actions are allowed while their scope has no policy")
	}
	return ws
}
