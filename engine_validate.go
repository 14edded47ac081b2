package goMFA

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/MrEthical07/goMFA/credential"
	"github.com/MrEthical07/goMFA/internal/flows"
	"github.com/MrEthical07/goMFA/policy"
	"github.com/MrEthical07/goMFA/token"
)

// Check authenticates a user with PIN and OTP, or answers an open
// challenge when in.TransactionID is set. A rejected call returns a result
// with DecisionReject and the typed cause.
func (e *Engine) Check(ctx context.Context, in CheckInput) (*Result, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if strings.TrimSpace(in.User) == "" && in.Serial == "" {
		return nil, ErrInvalidParameter
	}
	owner, err := e.resolveOwner(ctx, in.User, in.Realm)
	if err != nil {
		return nil, err
	}
	return e.runCheck(ctx, owner, in)
}

// CheckSerial authenticates against one token named by serial. The token
// owner is the user the policies are matched for.
func (e *Engine) CheckSerial(ctx context.Context, serial, pass, transactionID string) (*Result, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if serial == "" {
		return nil, ErrInvalidParameter
	}
	return e.runCheck(ctx, token.Owner{}, CheckInput{Serial: serial, Pass: pass, TransactionID: transactionID})
}

func (e *Engine) runCheck(ctx context.Context, owner token.Owner, in CheckInput) (*Result, error) {
	started := e.now()
	r := &request{ctx: ctx, owner: owner, serial: in.Serial}
	if err := e.validate.before(e, r); err != nil {
		return &Result{Decision: DecisionReject, Policies: r.fired}, err
	}
	if r.owner.Empty() && in.Serial != "" && r.record == nil {
		e.validate.after(e, r, ErrTokenNotFound)
		return &Result{Decision: DecisionReject, Policies: r.fired}, ErrAuthenticationFailed
	}

	res := e.flow.Check(r.ctx, flows.CheckRequest{
		Owner:         r.owner,
		Serial:        in.Serial,
		Pass:          in.Pass,
		TransactionID: in.TransactionID,
		Params:        r.check,
	})
	e.observeLatency(started)
	e.validate.after(e, r, res.Err)
	return resultFrom(res, r.fired), res.Err
}

// TriggerChallenge opens challenges for every challenge-capable token of a
// user, or for one serial, without asking for the PIN. It is gated by the
// triggerchallenge right.
func (e *Engine) TriggerChallenge(ctx context.Context, in TriggerInput) (*Result, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if strings.TrimSpace(in.User) == "" && in.Serial == "" {
		return nil, ErrInvalidParameter
	}
	owner := token.Owner{}
	if in.User != "" {
		var err error
		if owner, err = e.resolveOwner(ctx, in.User, in.Realm); err != nil {
			return nil, err
		}
	}
	r := &request{ctx: ctx, owner: owner, serial: in.Serial, action: policy.ActionTriggerChallenge}
	if err := e.trigger.before(e, r); err != nil {
		return &Result{Decision: DecisionReject, Policies: r.fired}, err
	}
	if in.Serial != "" && r.record == nil {
		return &Result{Decision: DecisionReject, Policies: r.fired}, ErrTokenNotFound
	}
	res := e.flow.Trigger(r.ctx, flows.TriggerRequest{Owner: r.owner, Serial: in.Serial, Params: r.check})
	e.trigger.after(e, r, res.Err)
	return resultFrom(res, r.fired), res.Err
}

// Login runs Check and, on acceptance, issues a signed credential for the
// web UI carrying the user's rights and menus.
func (e *Engine) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if e.credentials == nil {
		return nil, ErrCredentialDisabled
	}
	if strings.TrimSpace(in.User) == "" {
		return nil, ErrInvalidParameter
	}
	owner, err := e.resolveOwner(ctx, in.User, in.Realm)
	if err != nil {
		return nil, err
	}
	res, err := e.runCheck(ctx, owner, CheckInput{User: in.User, Realm: in.Realm, Pass: in.Pass, TransactionID: in.TransactionID})
	out := &LoginResult{Result: res}
	if err != nil || !res.Accepted() {
		return out, err
	}

	r := &request{ctx: ctx, owner: owner}
	if err := e.stageSnapshot(r); err != nil {
		return out, err
	}
	r.pctx = e.policyContext(ctx, owner, nil)
	subject, err := e.loginSubject(r)
	if err != nil {
		return out, err
	}
	signed, claims, err := e.credentials.Issue(subject)
	if err != nil {
		e.logError(ctx, "credential issue failed", err, "user", owner.UserID)
		return out, ErrBackendUnavailable
	}
	out.Credential, out.Claims = signed, claims

	e.metricInc(MetricCredentialIssued)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditCredentialIssued,
		UserID:    owner.UserID,
		Realm:     owner.Realm,
		Success:   true,
		Policies:  r.fired,
		Metadata: map[string]string{
			"role":        subject.Role,
			"logout_time": subject.TTL.String(),
		},
	})
	return out, nil
}

// loginSubject collects rights from the user scope (admin scope for an
// administrator), menus and logout time from the webui scope.
func (e *Engine) loginSubject(r *request) (credential.Subject, error) {
	s := credential.Subject{
		User:  r.owner.UserID,
		Realm: r.owner.Realm,
		Role:  credential.RoleUser,
		TTL:   e.config.Credential.LogoutTime,
	}
	scope := policy.ScopeUser
	if admin, ok := adminFromContext(r.ctx); ok && admin.User == r.owner.UserID {
		scope = policy.ScopeAdmin
		s.Role = credential.RoleAdmin
		r.pctx.AdminUser, r.pctx.AdminRealm = admin.User, admin.Realm
	}

	rights, err := e.rights(r, scope)
	if err != nil {
		return s, err
	}
	s.Rights = rights

	webui := e.matchScope(r, policy.ScopeWebUI)
	s.Menus = webui.list(policy.ActionShowMenus)
	s.TTL = seconds(webui.integer(policy.ActionLogoutTime, 0), s.TTL)
	if webui.err != nil {
		return s, e.policyError(r, webui.err)
	}
	r.fired = appendUnique(r.fired, webui.fired...)
	return s, nil
}

// rights lists the gated actions the user may perform. An undefined scope
// grants every action unless DenyWhenUndefined is set.
func (e *Engine) rights(r *request, scope policy.Scope) ([]string, error) {
	actions := adminActions()
	actions = append(actions, policy.ActionTriggerChallenge)
	if !r.snapshot.ScopeDefined(scope) {
		if e.config.Policy.DenyWhenUndefined {
			return nil, nil
		}
		sort.Strings(actions)
		return actions, nil
	}
	set, err := r.snapshot.Match(r.ctx, r.pctx, policy.Filter{Scope: scope})
	if err != nil {
		return nil, e.policyError(r, err)
	}
	var out []string
	for _, action := range actions {
		d, err := policy.Resolve(set, action, false)
		if err != nil {
			return nil, e.policyError(r, err)
		}
		if d.Allowed {
			out = append(out, action)
			r.fired = appendUnique(r.fired, d.Fired...)
		}
	}
	sort.Strings(out)
	return out, nil
}

// resolveOwner finds the resolver of login in realm. An unknown user keeps
// an empty resolver so passOnNoUser can still apply.
func (e *Engine) resolveOwner(ctx context.Context, login, realm string) (token.Owner, error) {
	owner := token.Owner{UserID: strings.TrimSpace(login), Realm: realm}
	if e.directory == nil || owner.UserID == "" {
		return owner, nil
	}
	u, ok, err := e.directory.Resolve(ctx, owner.UserID, realm)
	if err != nil {
		e.logError(ctx, "user resolve failed", err, "user", owner.UserID)
		return owner, ErrBackendUnavailable
	}
	if ok {
		owner.Resolver = u.Resolver
		if owner.Realm == "" {
			owner.Realm = u.Realm
		}
	}
	return owner, nil
}

func (e *Engine) observeLatency(started time.Time) {
	if e.metrics == nil || !e.metrics.LatencyEnabled() {
		return
	}
	e.metrics.Observe(MetricCheckLatency, e.now().Sub(started))
}

func resultFrom(res *flows.CheckResult, fired []string) *Result {
	out := &Result{
		Decision:      DecisionReject,
		Serial:        res.Serial,
		TokenType:     string(res.TokenType),
		TransactionID: res.TransactionID,
		Passed:        res.Passed,
		Policies:      fired,
	}
	switch res.Outcome {
	case flows.OutcomeAccept:
		out.Decision = DecisionAccept
	case flows.OutcomeChallenge:
		out.Decision = DecisionChallenge
	}
	for _, c := range res.Challenges {
		out.Challenges = append(out.Challenges, Challenge{
			Serial:        c.Serial,
			TokenType:     c.Type,
			TransactionID: c.TransactionID,
			Message:       c.Message,
			ExpiresAt:     c.ExpiresAt,
			Delivered:     c.Delivered,
		})
	}
	return out
}

// IsRejection reports whether err is one of the authentication outcomes a
// client may see as a plain rejection.
func IsRejection(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrTokenLocked) ||
		errors.Is(err, ErrChallengeNotFound) ||
		errors.Is(err, ErrChallengeExpired)
}
