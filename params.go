package goMFA

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/goMFA/attestation"
	"github.com/MrEthical07/goMFA/internal/flows"
	"github.com/MrEthical07/goMFA/policy"
	"github.com/MrEthical07/goMFA/token"
)

// policyContext builds the match context for one request. r is the token
// the request names, nil when it names none.
func (e *Engine) policyContext(ctx context.Context, owner token.Owner, r *token.Record) policy.Context {
	pctx := policy.Context{
		Realm:     owner.Realm,
		Resolver:  owner.Resolver,
		User:      owner.UserID,
		Client:    clientAddrFromContext(ctx),
		Node:      nodeFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Time:      e.now(),
	}
	if admin, ok := adminFromContext(ctx); ok {
		pctx.AdminUser, pctx.AdminRealm = admin.User, admin.Realm
	}

	data := &policy.ConditionData{
		Headers: headersFromContext(ctx),
		Request: map[string]string{
			"user":       owner.UserID,
			"realm":      owner.Realm,
			"resolver":   owner.Resolver,
			"client":     clientIPFromContext(ctx),
			"user_agent": userAgentFromContext(ctx),
		},
	}
	if e.directory != nil && !owner.Empty() {
		user := DirectoryUser{Login: owner.UserID, Realm: owner.Realm, Resolver: owner.Resolver}
		data.UserInfo = func(ctx context.Context) (map[string]string, error) {
			return e.directory.Attributes(ctx, user)
		}
	}
	if r != nil {
		data.Request["serial"] = r.Serial
		data.TokenInfo = r.Info
		data.Token = map[string]string{
			"serial":        r.Serial,
			"tokentype":     string(r.Type),
			"count":         strconv.FormatInt(r.Counter, 10),
			"failcount":     strconv.Itoa(r.FailCount),
			"maxfail":       strconv.Itoa(r.MaxFail),
			"rollout_state": string(r.Rollout),
			"active":        strconv.FormatBool(r.Active),
			"description":   r.Description,
		}
	}
	pctx.Data = data
	return pctx
}

// actionValues reads unique action values out of one matched set and
// records which policies contributed. The first evaluation error sticks.
type actionValues struct {
	set   policy.Set
	fired []string
	err   error
}

func (e *Engine) matchScope(r *request, scope policy.Scope) *actionValues {
	set, err := r.snapshot.Match(r.ctx, r.pctx, policy.Filter{Scope: scope})
	return &actionValues{set: set, err: err}
}

func (v *actionValues) value(action string) (policy.Value, bool) {
	if v.err != nil {
		return policy.Value{}, false
	}
	groups, err := v.set.ActionValues(action, true)
	if err != nil {
		v.err = err
		return policy.Value{}, false
	}
	if len(groups) == 0 {
		return policy.Value{}, false
	}
	v.fired = append(v.fired, groups[0].Policies...)
	return groups[0].Value, true
}

func (v *actionValues) boolean(action string, def bool) bool {
	val, ok := v.value(action)
	if !ok {
		return def
	}
	b, isBool := val.AsBool()
	if !isBool {
		return def
	}
	return b
}

func (v *actionValues) integer(action string, def int) int {
	val, ok := v.value(action)
	if !ok {
		return def
	}
	n, isInt := val.AsInt()
	if !isInt {
		return def
	}
	return int(n)
}

func (v *actionValues) text(action, def string) string {
	val, ok := v.value(action)
	if !ok {
		return def
	}
	if s, isText := val.AsText(); isText && s != "" {
		return s
	}
	return def
}

func (v *actionValues) list(action string) []string {
	val, ok := v.value(action)
	if !ok {
		return nil
	}
	items, _ := val.AsList()
	return items
}

// checkParams resolves the auth and authz scope settings of a validate call.
func (e *Engine) checkParams(r *request) (flows.CheckParams, error) {
	auth := e.matchScope(r, policy.ScopeAuth)
	cfg := e.config

	p := flows.CheckParams{
		PINMode:            strings.ToLower(auth.text(policy.ActionOTPPin, policy.OTPPinToken)),
		PrependPIN:         auth.boolean(policy.ActionPrependPin, true),
		PassOnNoToken:      auth.boolean(policy.ActionPassOnNoToken, false),
		PassOnNoUser:       auth.boolean(policy.ActionPassOnNoUser, false),
		ChallengeTypes:     auth.list(policy.ActionChallengeResponse),
		ChallengeText:      auth.text(policy.ActionChallengeText, ""),
		ChallengeValidity:  seconds(auth.integer(policy.ActionChallengeValidityTime, 0), cfg.Challenge.Validity),
		AutoResync:         auth.boolean(policy.ActionAutoResync, cfg.AutoResync.Enabled),
		AutoResyncTimeout:  seconds(auth.integer(policy.ActionAutoResyncTimeout, 0), cfg.AutoResync.Timeout),
		FailClearTimeout:   minutes(auth.integer(policy.ActionFailCounterClearTimeout, -1), cfg.FailCounter.ClearTimeout),
		NoFailCounterReset: auth.boolean(policy.ActionNoFailCounterReset, false),
		Expectation: attestation.Expectation{
			RPID:             cfg.Attestation.RPID,
			Origins:          append([]string(nil), cfg.Attestation.Origins...),
			UserVerification: auth.text(policy.ActionWebAuthnUserVerify, attestation.UVPreferred),
		},
	}
	if auth.err != nil {
		return p, e.policyError(r, auth.err)
	}

	authz := e.matchScope(r, policy.ScopeAuthz)
	p.AllowedTypes = authz.list(policy.ActionTokenType)
	if authz.err != nil {
		return p, e.policyError(r, authz.err)
	}

	r.fired = appendUnique(r.fired, auth.fired...)
	r.fired = appendUnique(r.fired, authz.fired...)
	r.ctx = withPolicies(r.ctx, r.fired)
	return p, nil
}

// enrollParams resolves the enroll scope settings for a new token of typ.
func (e *Engine) enrollParams(r *request, typ token.Type) (flows.EnrollParams, attestationRules, error) {
	enroll := e.matchScope(r, policy.ScopeEnroll)
	cfg := e.config

	p := flows.EnrollParams{
		OTPLen:               cfg.OTP.Digits,
		HashAlgo:             cfg.OTP.Algorithm,
		TimeStep:             cfg.OTP.TimeStep,
		CountWindow:          cfg.OTP.CountWindow,
		SyncWindow:           cfg.OTP.SyncWindow,
		MaxFail:              cfg.FailCounter.MaxFail,
		RandomPINLength:      enroll.integer(policy.ActionOTPPinRandom, cfg.PIN.RandomLength),
		RandomPINContent:     enroll.text(policy.ActionOTPPinRandomContent, cfg.PIN.RandomContent),
		PINRules:             e.pinRules(enroll),
		MaxTokensPerUser:     enroll.integer(policy.ActionMaxTokensPerUser, 0),
		Issuer:               cfg.OTP.Issuer,
		RegistrationValidity: cfg.Challenge.RegistrationValidity,
		Expectation: attestation.Expectation{
			RPID:             cfg.Attestation.RPID,
			Origins:          append([]string(nil), cfg.Attestation.Origins...),
			UserVerification: enroll.text(policy.ActionWebAuthnUserVerify, attestation.UVPreferred),
		},
	}
	switch typ {
	case token.TypeHOTP, token.TypeSMS, token.TypeEmail:
		p.OTPLen = enroll.integer(policy.ActionHOTPOTPLen, p.OTPLen)
		p.HashAlgo = enroll.text(policy.ActionHOTPHashLib, p.HashAlgo)
	case token.TypeTOTP:
		p.OTPLen = enroll.integer(policy.ActionTOTPOTPLen, p.OTPLen)
		p.HashAlgo = enroll.text(policy.ActionTOTPHashLib, p.HashAlgo)
		p.TimeStep = enroll.integer(policy.ActionTOTPTimeStep, p.TimeStep)
		p.CountWindow = cfg.OTP.DriftWindow
	}
	if verify := enroll.list(policy.ActionVerifyEnrollment); len(verify) > 0 {
		p.VerifyEnrollment = containsFold(verify, string(typ))
	}

	rules := attestationRules{
		requirements: enroll.list(policy.ActionWebAuthnReq),
		aaguids:      enroll.list(policy.ActionWebAuthnAAGUIDs),
		level:        strings.ToLower(enroll.text(policy.ActionWebAuthnAttestLevel, attestation.LevelNone)),
	}
	if enroll.err != nil {
		return p, rules, e.policyError(r, enroll.err)
	}
	r.fired = appendUnique(r.fired, enroll.fired...)
	r.ctx = withPolicies(r.ctx, r.fired)
	return p, rules, nil
}

func (e *Engine) pinRules(enroll *actionValues) flows.PINRules {
	return flows.PINRules{
		MinLength: enroll.integer(policy.ActionOTPPinMinLength, 0),
		MaxLength: enroll.integer(policy.ActionOTPPinMaxLength, 0),
		Encrypt:   enroll.boolean(policy.ActionEncryptPin, false),
	}
}

// attestationRules are the enroll scope WebAuthn requirements. They travel
// in ctx to the attestation hook of the enrollment flow.
type attestationRules struct {
	requirements []string
	aaguids      []string
	level        string
}

type attestationRulesKey struct{}

func withAttestationRules(ctx context.Context, rules attestationRules) context.Context {
	return context.WithValue(ctx, attestationRulesKey{}, rules)
}

func attestationRulesFromContext(ctx context.Context) attestationRules {
	rules, _ := ctx.Value(attestationRulesKey{}).(attestationRules)
	return rules
}

// verifyAttestation applies trust-chain and allow-list checks to a parsed
// registration.
func (e *Engine) verifyAttestation(ctx context.Context, _ *token.Record, res *attestation.RegistrationResult) error {
	rules := attestationRulesFromContext(ctx)
	allow, err := attestation.ParseAllowList(rules.requirements, rules.aaguids)
	if err != nil {
		e.logError(ctx, "invalid webauthn allow-list policy", err)
		return err
	}
	return e.verifier.VerifyLevel(res.Chain, allow, res.AAGUID, rules.level)
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func minutes(n int, def time.Duration) time.Duration {
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Minute
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		if !containsFold(dst, it) {
			dst = append(dst, it)
		}
	}
	return dst
}
