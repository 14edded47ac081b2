package flows

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/MrEthical07/goMFA/attestation"
	"github.com/MrEthical07/goMFA/challenge"
	"github.com/MrEthical07/goMFA/delivery"
	"github.com/MrEthical07/goMFA/otp"
	"github.com/MrEthical07/goMFA/pin"
	"github.com/MrEthical07/goMFA/token"
)

// PIN modes, mirroring the otppin policy values.
const (
	PINModeToken     = "tokenpin"
	PINModeUserStore = "userstore"
	PINModeNone      = "none"
)

// CheckParams are the authentication settings resolved from policy for one
// request.
type CheckParams struct {
	PINMode            string
	PrependPIN         bool
	PassOnNoToken      bool
	PassOnNoUser       bool
	ChallengeTypes     []string
	ChallengeText      string
	ChallengeValidity  time.Duration
	AutoResync         bool
	AutoResyncTimeout  time.Duration
	FailClearTimeout   time.Duration
	NoFailCounterReset bool
	AllowedTypes       []string
	Expectation        attestation.Expectation
}

// CheckRequest is one validate call. Serial narrows the check to one token;
// TransactionID turns it into the answer to an earlier challenge.
type CheckRequest struct {
	Owner         token.Owner
	Serial        string
	Pass          string
	TransactionID string
	Params        CheckParams
}

// Outcome is the decision of a check.
type Outcome int

const (
	OutcomeReject Outcome = iota
	OutcomeAccept
	OutcomeChallenge
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccept:
		return "accept"
	case OutcomeChallenge:
		return "challenge"
	}
	return "reject"
}

// ChallengeInfo describes one challenge handed back to the client.
type ChallengeInfo struct {
	Serial        string
	Type          string
	TransactionID string
	Message       string
	ExpiresAt     time.Time
	Delivered     bool
}

// CheckResult is the outcome of RunCheck. Err is set on reject.
type CheckResult struct {
	Outcome       Outcome
	Serial        string
	TokenType     token.Type
	Matched       int64
	TransactionID string
	Challenges    []ChallengeInfo
	// PINMatched is set when a PIN was correct even though the check
	// failed, for instance when every delivery failed.
	PINMatched bool
	// Passed is set when acceptance came from passOnNoToken or passOnNoUser.
	Passed bool
	Err    error
}

// CheckMetrics are the metric ids flows report through MetricInc.
type CheckMetrics struct {
	CheckSuccess      int
	CheckFailure      int
	TokenLocked       int
	ChallengeCreated  int
	ChallengeAnswered int
	ChallengeExpired  int
	DeliveryFailure   int
	ReplayRejected    int
}

// CheckEvents are the audit event names.
type CheckEvents struct {
	CheckSuccess      string
	CheckFailure      string
	TokenLocked       string
	ChallengeCreated  string
	DeliveryFailed    string
	ChallengeAnswered string
	ChallengeExpired  string
}

// CheckDeps wires token verification and challenge-response.
type CheckDeps struct {
	Token TokenDeps

	UserExists        func(context.Context, token.Owner) (bool, error)
	CheckUserPassword func(context.Context, token.Owner, string) (bool, error)

	CreateChallenge  func(context.Context, *challenge.Record) error
	ConsumeChallenge func(context.Context, string, time.Time) ([]*challenge.Record, error)
	NewTransactionID func() (string, error)
	NewNonce         func() ([]byte, error)
	Deliver          func(context.Context, delivery.Message) error

	CountDeliveryFailure bool

	Metrics CheckMetrics
	Events  CheckEvents
}

func normalizeCheckDeps(deps *CheckDeps) {
	normalizeTokenDeps(&deps.Token)
}

// RunCheck authenticates pass against the owner's tokens, or against the
// challenges of TransactionID when set.
func RunCheck(ctx context.Context, req CheckRequest, deps CheckDeps) *CheckResult {
	normalizeCheckDeps(&deps)
	errs := deps.Token.Errors
	if !deps.Token.ready() || deps.Token.ListTokens == nil {
		return reject(errs.EngineNotReady)
	}
	if req.TransactionID != "" {
		return RunAnswer(ctx, req, deps)
	}

	tokens, res := loadCandidates(ctx, req, deps)
	if res != nil {
		return res
	}

	now := deps.Token.Now()
	var usable []*token.Record
	for _, r := range tokens {
		if r.Usable(now) {
			usable = append(usable, r)
		}
	}
	if len(usable) == 0 {
		deps.Token.MetricInc(deps.Metrics.CheckFailure)
		deps.Token.EmitAudit(ctx, AuditRecord{Event: deps.Events.CheckFailure, UserID: req.Owner.UserID, Realm: req.Owner.Realm, Serial: req.Serial, Err: errs.AuthenticationFailed, Metadata: map[string]string{"reason": "no usable token"}})
		return reject(errs.AuthenticationFailed)
	}

	return checkTokens(ctx, req, usable, deps)
}

// loadCandidates returns the tokens a check runs against, or a final result
// for the no-user and no-token cases.
func loadCandidates(ctx context.Context, req CheckRequest, deps CheckDeps) ([]*token.Record, *CheckResult) {
	errs := deps.Token.Errors
	if req.Serial != "" {
		r, err := deps.Token.GetToken(ctx, req.Serial)
		if err != nil {
			if errors.Is(err, token.ErrNotFound) {
				return nil, reject(errs.TokenNotFound)
			}
			deps.Token.LogError(ctx, "token load failed", err, "serial", req.Serial)
			return nil, reject(errs.BackendUnavailable)
		}
		if !req.Owner.Empty() && !token.OwnerMatches(r.Owner, req.Owner) {
			return nil, reject(errs.TokenNotFound)
		}
		return filterTypes(ctx, []*token.Record{r}, req, deps)
	}

	if req.Owner.Empty() {
		return nil, reject(errs.InvalidParameter)
	}
	if deps.UserExists != nil {
		exists, err := deps.UserExists(ctx, req.Owner)
		if err != nil {
			deps.Token.LogError(ctx, "user lookup failed", err, "user", req.Owner.UserID)
			return nil, reject(errs.BackendUnavailable)
		}
		if !exists {
			if req.Params.PassOnNoUser {
				return nil, passed(ctx, req, deps, "passOnNoUser")
			}
			deps.Token.MetricInc(deps.Metrics.CheckFailure)
			deps.Token.EmitAudit(ctx, AuditRecord{Event: deps.Events.CheckFailure, UserID: req.Owner.UserID, Realm: req.Owner.Realm, Err: errs.AuthenticationFailed, Metadata: map[string]string{"reason": "unknown user"}})
			return nil, reject(errs.AuthenticationFailed)
		}
	}

	tokens, err := deps.Token.ListTokens(ctx, req.Owner)
	if err != nil {
		deps.Token.LogError(ctx, "token list failed", err, "user", req.Owner.UserID)
		return nil, reject(errs.BackendUnavailable)
	}
	if len(tokens) == 0 {
		if req.Params.PassOnNoToken {
			return nil, passed(ctx, req, deps, "passOnNoToken")
		}
		deps.Token.MetricInc(deps.Metrics.CheckFailure)
		deps.Token.EmitAudit(ctx, AuditRecord{Event: deps.Events.CheckFailure, UserID: req.Owner.UserID, Realm: req.Owner.Realm, Err: errs.AuthenticationFailed, Metadata: map[string]string{"reason": "no token"}})
		return nil, reject(errs.AuthenticationFailed)
	}
	return filterTypes(ctx, tokens, req, deps)
}

// filterTypes applies the tokentype authorization policy.
func filterTypes(ctx context.Context, tokens []*token.Record, req CheckRequest, deps CheckDeps) ([]*token.Record, *CheckResult) {
	allowed := req.Params.AllowedTypes
	if len(allowed) == 0 {
		return tokens, nil
	}
	var out []*token.Record
	for _, r := range tokens {
		if containsFold(allowed, string(r.Type)) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		errs := deps.Token.Errors
		deps.Token.MetricInc(deps.Metrics.CheckFailure)
		deps.Token.EmitAudit(ctx, AuditRecord{Event: deps.Events.CheckFailure, UserID: req.Owner.UserID, Realm: req.Owner.Realm, Serial: req.Serial, Err: errs.AuthenticationFailed, Metadata: map[string]string{"reason": "token type not allowed"}})
		return nil, reject(errs.AuthenticationFailed)
	}
	return out, nil
}

func passed(ctx context.Context, req CheckRequest, deps CheckDeps, reason string) *CheckResult {
	deps.Token.MetricInc(deps.Metrics.CheckSuccess)
	deps.Token.EmitAudit(ctx, AuditRecord{Event: deps.Events.CheckSuccess, Success: true, UserID: req.Owner.UserID, Realm: req.Owner.Realm, Metadata: map[string]string{"reason": reason}})
	return &CheckResult{Outcome: OutcomeAccept, Passed: true}
}

// candidate is one token after the PIN step.
type candidate struct {
	record  *token.Record
	trigger bool
	pinOK   bool
	otp     string
}

func checkTokens(ctx context.Context, req CheckRequest, tokens []*token.Record, deps CheckDeps) *CheckResult {
	errs := deps.Token.Errors
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Serial < tokens[j].Serial })

	pins := pinChecker{ctx: ctx, deps: deps, owner: req.Owner, cache: map[string]bool{}}
	var (
		candidates []candidate
		anyPIN     bool
	)
	for _, r := range tokens {
		c, err := pins.classify(r, req.Pass, req.Params)
		if err != nil {
			deps.Token.LogError(ctx, "pin check failed", err, "serial", r.Serial)
			return reject(errs.BackendUnavailable)
		}
		if c.pinOK || c.trigger {
			anyPIN = true
		}
		candidates = append(candidates, c)
	}

	var (
		misses   []string
		lockedN  int
		verified int
	)
	for _, c := range candidates {
		if c.trigger || !c.pinOK || c.otp == "" {
			continue
		}
		verified++
		out, err := verifyOTP(ctx, deps, c.record.Serial, c.otp, req.Params)
		if err != nil {
			return reject(err)
		}
		switch {
		case out.locked:
			lockedN++
			deps.Token.MetricInc(deps.Metrics.TokenLocked)
			deps.Token.EmitAudit(ctx, auditFor(out.record, deps.Events.TokenLocked, false, errs.TokenLocked))
		case out.ok:
			deps.Token.MetricInc(deps.Metrics.CheckSuccess)
			deps.Token.EmitAudit(ctx, auditFor(out.record, deps.Events.CheckSuccess, true, nil))
			return &CheckResult{Outcome: OutcomeAccept, Serial: out.record.Serial, TokenType: out.record.Type, Matched: out.matched}
		default:
			misses = append(misses, c.record.Serial)
		}
	}

	now := deps.Token.Now()
	var (
		triggers      []*token.Record
		lockedTrigger int
	)
	for _, c := range candidates {
		if !c.trigger {
			continue
		}
		if c.record.Locked(now, req.Params.FailClearTimeout) {
			lockedTrigger++
			deps.Token.MetricInc(deps.Metrics.TokenLocked)
			deps.Token.EmitAudit(ctx, auditFor(c.record, deps.Events.TokenLocked, false, errs.TokenLocked))
			continue
		}
		triggers = append(triggers, c.record)
	}
	if len(triggers) > 0 {
		return createChallenges(ctx, deps, triggers, req.Params)
	}

	if (verified > 0 || lockedTrigger > 0) && lockedN == verified {
		return reject(errs.TokenLocked)
	}

	if len(misses) == 0 && !anyPIN {
		// No PIN matched anywhere: every token takes the failure.
		for _, c := range candidates {
			misses = append(misses, c.record.Serial)
		}
	}
	recordFailures(ctx, deps.Token, misses)
	deps.Token.MetricInc(deps.Metrics.CheckFailure)
	deps.Token.EmitAudit(ctx, AuditRecord{Event: deps.Events.CheckFailure, UserID: req.Owner.UserID, Realm: req.Owner.Realm, Serial: req.Serial, Err: errs.AuthenticationFailed, Metadata: map[string]string{"pin_matched": boolString(anyPIN)}})
	return reject(errs.AuthenticationFailed)
}

// pinChecker runs the PIN step once per distinct presented value so a
// userstore lookup is not repeated per token.
type pinChecker struct {
	ctx   context.Context
	deps  CheckDeps
	owner token.Owner
	cache map[string]bool
}

func (p *pinChecker) check(r *token.Record, mode, presented string) (bool, error) {
	switch mode {
	case PINModeNone:
		return true, nil
	case PINModeUserStore:
		if p.deps.CheckUserPassword == nil {
			return false, errors.New("userstore pin mode without directory")
		}
		if ok, seen := p.cache[presented]; seen {
			return ok, nil
		}
		owner := p.owner
		if owner.Empty() {
			owner = r.Owner
		}
		ok, err := p.deps.CheckUserPassword(p.ctx, owner, presented)
		if err != nil {
			return false, err
		}
		p.cache[presented] = ok
		return ok, nil
	default:
		return p.deps.Token.CheckPIN(r.PinHash, presented)
	}
}

func (p *pinChecker) classify(r *token.Record, pass string, params CheckParams) (candidate, error) {
	c := candidate{record: r}
	mode := params.PINMode
	if mode == "" {
		mode = PINModeToken
	}
	if canTrigger(r, params.ChallengeTypes) {
		if mode == PINModeNone {
			c.trigger = pass == ""
		} else if pass != "" || r.PinHash == "" {
			ok, err := p.check(r, mode, pass)
			if err != nil {
				return c, err
			}
			c.trigger = ok
		}
		if c.trigger || r.Type == token.TypeWebAuthn {
			return c, nil
		}
	}

	if mode == PINModeNone {
		c.pinOK, c.otp = true, pass
		return c, nil
	}
	pinPart, otpPart := pin.Split(pass, r.OTPLen, params.PrependPIN)
	ok, err := p.check(r, mode, pinPart)
	if err != nil {
		return c, err
	}
	c.pinOK, c.otp = ok, otpPart
	return c, nil
}

// canTrigger reports whether a PIN-only pass opens a challenge for r.
// Delivered and public-key tokens always do; plain OTP tokens only when
// their type is listed in the challenge_response policy.
func canTrigger(r *token.Record, listed []string) bool {
	v, err := token.For(r.Type)
	if err != nil {
		return false
	}
	if _, ok := v.(token.ChallengeCapable); ok {
		return true
	}
	return containsFold(listed, string(r.Type))
}

type verifyOutcome struct {
	record  *token.Record
	ok      bool
	locked  bool
	skip    bool
	matched int64
}

// verifyOTP checks presented against serial inside one compare-and-swap so
// two concurrent requests can never both accept the same value. A miss only
// persists auto-resync state; the fail counter is written afterwards.
func verifyOTP(ctx context.Context, deps CheckDeps, serial, presented string, params CheckParams) (verifyOutcome, error) {
	var out verifyOutcome
	rec, err := mutateToken(ctx, deps.Token, serial, func(r *token.Record) error {
		out = verifyOutcome{}
		now := deps.Token.Now()
		cleared := clearExpiredLock(r, now, params.FailClearTimeout)
		if r.Locked(now, params.FailClearTimeout) {
			out.locked = true
			return errSkipWrite
		}
		v, err := token.For(r.Type)
		if err != nil {
			return errSkipWrite
		}
		verifier, ok := v.(token.Verifiable)
		if !ok {
			return errSkipWrite
		}
		gen, err := deps.Token.Generator(r)
		if err != nil {
			deps.Token.LogError(ctx, "secret unavailable", err, "serial", r.Serial)
			return errSkipWrite
		}
		res, err := verifier.Verify(token.VerifyInput{
			Record:        r,
			Generator:     gen,
			Presented:     presented,
			Now:           now,
			AutoResync:    params.AutoResync,
			ResyncTimeout: params.AutoResyncTimeout,
		})
		if err != nil {
			return errSkipWrite
		}
		if res.OK() {
			out.ok, out.matched = true, res.Matched
			r.Counter = res.Counter
			r.Pending = nil
			if !params.NoFailCounterReset {
				r.ResetFailCount()
			}
			return nil
		}
		if !samePending(r.Pending, res.Pending) {
			r.Pending = res.Pending
			return nil
		}
		if cleared {
			return nil
		}
		return errSkipWrite
	})
	if err != nil {
		return out, err
	}
	out.record = rec
	return out, nil
}

func samePending(a, b *otp.Pending) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Counter == b.Counter && a.Deadline.Equal(b.Deadline)
}

func reject(err error) *CheckResult {
	return &CheckResult{Outcome: OutcomeReject, Err: err}
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
