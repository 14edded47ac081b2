package goMFA

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goMFA/internal/flows"
	"github.com/MrEthical07/goMFA/internal/rate"
	"github.com/MrEthical07/goMFA/policy"
	"github.com/MrEthical07/goMFA/token"
)

// request is the state one engine call threads through its pipeline. Stages
// replace ctx instead of reaching for ambient request state.
type request struct {
	ctx      context.Context
	snapshot *policy.Snapshot
	pctx     policy.Context
	owner    token.Owner
	serial   string

	// gated admin or user action, empty for validate calls
	action string
	record *token.Record

	check   flows.CheckParams
	budgets authzBudgets
	fired   []string
}

// authzBudgets are the auth_max_fail and auth_max_success windows in effect
// for the user of a validate call.
type authzBudgets struct {
	maxFail    *rate.Budget
	maxSuccess *rate.Budget
}

// stage is one pre-dispatch step. reads declares the policy actions the
// stage consults.
type stage struct {
	name  string
	reads []string
	run   func(e *Engine, r *request) error
}

// postStage runs after dispatch with the call's error, nil on success.
type postStage struct {
	name  string
	reads []string
	run   func(e *Engine, r *request, outcome error)
}

// pipeline is an ordered list of stages composed once at Build.
type pipeline struct {
	pre  []stage
	post []postStage
}

func (p pipeline) before(e *Engine, r *request) error {
	for _, s := range p.pre {
		if err := s.run(e, r); err != nil {
			return err
		}
	}
	return nil
}

func (p pipeline) after(e *Engine, r *request, outcome error) {
	for _, s := range p.post {
		s.run(e, r, outcome)
	}
}

// Reads lists every policy action the pipeline consults, in stage order.
func (p pipeline) Reads() []string {
	var out []string
	seen := map[string]bool{}
	add := func(actions []string) {
		for _, a := range actions {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	for _, s := range p.pre {
		add(s.reads)
	}
	for _, s := range p.post {
		add(s.reads)
	}
	return out
}

// validatePipeline wraps Check, CheckSerial, TriggerChallenge and Login.
func validatePipeline() pipeline {
	return pipeline{
		pre: []stage{
			{name: "snapshot", run: (*Engine).stageSnapshot},
			{name: "identity", run: (*Engine).stageIdentity},
			{name: "authz_budget", reads: []string{policy.ActionAuthMaxFail, policy.ActionAuthMaxSuccess}, run: (*Engine).stageAuthzBudget},
			{name: "auth_params", reads: authActions(), run: (*Engine).stageCheckParams},
		},
		post: []postStage{
			{name: "authz_record", reads: []string{policy.ActionAuthMaxFail, policy.ActionAuthMaxSuccess}, run: (*Engine).postAuthzRecord},
			{name: "sweep", run: (*Engine).postSweep},
		},
	}
}

// triggerPipeline wraps TriggerChallenge: an admin right plus the auth
// settings the challenges are created with.
func triggerPipeline() pipeline {
	return pipeline{
		pre: []stage{
			{name: "snapshot", run: (*Engine).stageSnapshot},
			{name: "identity", run: (*Engine).stageIdentity},
			{name: "right", reads: []string{policy.ActionTriggerChallenge}, run: (*Engine).stageRight},
			{name: "auth_params", reads: authActions(), run: (*Engine).stageCheckParams},
		},
		post: []postStage{
			{name: "sweep", run: (*Engine).postSweep},
		},
	}
}

// adminPipeline wraps the token management calls. Each call names its
// action on the request before the pipeline runs.
func adminPipeline() pipeline {
	return pipeline{
		pre: []stage{
			{name: "snapshot", run: (*Engine).stageSnapshot},
			{name: "identity", run: (*Engine).stageIdentity},
			{name: "right", reads: adminActions(), run: (*Engine).stageRight},
		},
	}
}

func authActions() []string {
	return []string{
		policy.ActionOTPPin, policy.ActionPrependPin, policy.ActionPassOnNoToken,
		policy.ActionPassOnNoUser, policy.ActionChallengeResponse, policy.ActionChallengeText,
		policy.ActionChallengeValidityTime, policy.ActionAutoResync, policy.ActionAutoResyncTimeout,
		policy.ActionFailCounterClearTimeout, policy.ActionNoFailCounterReset,
		policy.ActionWebAuthnUserVerify, policy.ActionTokenType,
	}
}

func adminActions() []string {
	out := []string{
		policy.ActionSetPin, policy.ActionResync, policy.ActionReset,
		policy.ActionEnable, policy.ActionDisable, policy.ActionDelete,
	}
	for _, t := range token.Types() {
		out = append(out, policy.EnrollAction(string(t)))
	}
	return out
}

// stageSnapshot loads the policies for this request. No snapshot outlives
// the request.
func (e *Engine) stageSnapshot(r *request) error {
	snap, err := policy.Load(r.ctx, e.policies)
	if err != nil {
		e.logError(r.ctx, "policy load failed", err)
		return ErrBackendUnavailable
	}
	r.snapshot = snap
	return nil
}

// stageIdentity loads the named token, if any, and builds the policy match
// context from the owner and the request metadata in ctx. A request that
// names only a serial takes the token owner as its user.
func (e *Engine) stageIdentity(r *request) error {
	if r.serial != "" && r.record == nil {
		rec, err := e.tokens.Get(r.ctx, r.serial)
		switch {
		case err == nil:
			r.record = rec
		case errors.Is(err, token.ErrNotFound):
		default:
			e.logError(r.ctx, "token load failed", err, "serial", r.serial)
			return ErrBackendUnavailable
		}
	}
	if r.owner.Empty() && r.record != nil {
		r.owner = r.record.Owner
	}
	r.pctx = e.policyContext(r.ctx, r.owner, r.record)
	return nil
}

func (e *Engine) stageCheckParams(r *request) error {
	params, err := e.checkParams(r)
	if err != nil {
		return err
	}
	r.check = params
	return nil
}

// stageRight checks the admin or user scope for the request action. An
// empty action stands for the enroll right of the loaded token's type.
func (e *Engine) stageRight(r *request) error {
	if r.action == "" {
		if r.record == nil {
			return ErrTokenNotFound
		}
		r.action = policy.EnrollAction(string(r.record.Type))
	}
	scope := policy.ScopeUser
	if _, ok := adminFromContext(r.ctx); ok {
		scope = policy.ScopeAdmin
	}
	if !r.snapshot.ScopeDefined(scope) {
		if e.config.Policy.DenyWhenUndefined {
			return e.denied(r, scope, nil)
		}
		return nil
	}
	set, err := r.snapshot.Match(r.ctx, r.pctx, policy.Filter{Scope: scope, Action: r.action})
	if err != nil {
		return e.policyError(r, err)
	}
	decision, err := policy.Resolve(set, r.action, false)
	if err != nil {
		return e.policyError(r, err)
	}
	if !decision.Allowed {
		return e.denied(r, scope, nil)
	}
	r.fired = append(r.fired, decision.Fired...)
	r.ctx = withPolicies(r.ctx, r.fired)
	e.emitAudit(r.ctx, AuditEvent{
		EventType: AuditPolicyDecision,
		Serial:    r.serial,
		UserID:    r.owner.UserID,
		Realm:     r.owner.Realm,
		Success:   true,
		Policies:  decision.Fired,
		Metadata:  map[string]string{"scope": string(scope), "action": r.action},
	})
	return nil
}

func (e *Engine) denied(r *request, scope policy.Scope, policies []string) error {
	e.metricInc(MetricPolicyDenied)
	e.emitAudit(r.ctx, AuditEvent{
		EventType: AuditPolicyDecision,
		Serial:    r.serial,
		UserID:    r.owner.UserID,
		Realm:     r.owner.Realm,
		Success:   false,
		Error:     ErrPolicyDenied.Error(),
		Policies:  policies,
		Metadata:  map[string]string{"scope": string(scope), "action": r.action},
	})
	return fmt.Errorf("%w: %s action %q", ErrPolicyDenied, scope, r.action)
}

// policyError passes conflicts through with their detail and maps missing
// condition data and other evaluation failures to a denial.
func (e *Engine) policyError(r *request, err error) error {
	var conflict *policy.ConflictError
	if errors.As(err, &conflict) {
		e.metricInc(MetricPolicyConflict)
		e.emitAudit(r.ctx, AuditEvent{
			EventType: AuditPolicyDecision,
			UserID:    r.owner.UserID,
			Realm:     r.owner.Realm,
			Error:     ErrPolicyConflict.Error(),
			Policies:  conflict.Policies,
			Metadata:  map[string]string{"action": conflict.Action},
		})
		return err
	}
	if errors.Is(err, policy.ErrMissingData) {
		return fmt.Errorf("%w: %v", ErrPolicyDenied, err)
	}
	e.logError(r.ctx, "policy evaluation failed", err)
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// stageAuthzBudget refuses a validate call whose user has used up the
// auth_max_fail or auth_max_success window.
func (e *Engine) stageAuthzBudget(r *request) error {
	if r.owner.Empty() {
		return nil
	}
	set, err := r.snapshot.Match(r.ctx, r.pctx, policy.Filter{Scope: policy.ScopeAuthz})
	if err != nil {
		return e.policyError(r, err)
	}
	for _, item := range []struct {
		action string
		kind   string
		dst    **rate.Budget
	}{
		{policy.ActionAuthMaxFail, rateKindFail, &r.budgets.maxFail},
		{policy.ActionAuthMaxSuccess, rateKindSuccess, &r.budgets.maxSuccess},
	} {
		v, ok, err := set.Value(item.action)
		if err != nil {
			return e.policyError(r, err)
		}
		if !ok {
			continue
		}
		text, _ := v.AsText()
		b, err := rate.ParseBudget(text)
		if err != nil {
			e.logError(r.ctx, "invalid authz budget", err, "action", item.action)
			continue
		}
		*item.dst = &b
		if err := e.limiter.Check(r.ctx, item.kind, budgetKey(r.owner), b); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				e.metricInc(MetricRateLimited)
				e.emitAudit(r.ctx, AuditEvent{
					EventType: AuditPolicyDecision,
					UserID:    r.owner.UserID,
					Realm:     r.owner.Realm,
					Error:     ErrRateLimited.Error(),
					Metadata:  map[string]string{"action": item.action},
				})
				return ErrRateLimited
			}
			e.logError(r.ctx, "authz counter unavailable", err)
			return ErrBackendUnavailable
		}
	}
	return nil
}

// postAuthzRecord counts the finished validate call against the user's
// windows.
func (e *Engine) postAuthzRecord(r *request, outcome error) {
	if r.owner.Empty() {
		return
	}
	var (
		b    *rate.Budget
		kind string
	)
	switch {
	case outcome == nil:
		b, kind = r.budgets.maxSuccess, rateKindSuccess
	case errors.Is(outcome, ErrAuthenticationFailed), errors.Is(outcome, ErrTokenLocked):
		b, kind = r.budgets.maxFail, rateKindFail
	}
	if b == nil {
		return
	}
	if err := e.limiter.Record(r.ctx, kind, budgetKey(r.owner), *b); err != nil {
		e.logError(r.ctx, "authz counter update failed", err)
	}
}

// postSweep runs the challenge janitor every SweepEvery validate calls.
func (e *Engine) postSweep(r *request, _ error) {
	every := e.config.Challenge.SweepEvery
	if every <= 0 {
		return
	}
	if e.checks.Add(1)%uint64(every) != 0 {
		return
	}
	if _, err := e.Sweep(context.WithoutCancel(r.ctx)); err != nil {
		e.logError(r.ctx, "challenge sweep failed", err)
	}
}

const (
	rateKindFail    = "authfail"
	rateKindSuccess = "authok"
)

func budgetKey(o token.Owner) string {
	return o.Realm + "/" + o.UserID
}

type firedPoliciesKey struct{}

func withPolicies(ctx context.Context, names []string) context.Context {
	if len(names) == 0 {
		return ctx
	}
	return context.WithValue(ctx, firedPoliciesKey{}, append([]string(nil), names...))
}

func policiesFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	names, _ := ctx.Value(firedPoliciesKey{}).([]string)
	return names
}
