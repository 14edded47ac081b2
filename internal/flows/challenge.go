package flows

import (
	"context"
	"errors"
	"sort"

	"github.com/MrEthical07/goMFA/challenge"
	"github.com/MrEthical07/goMFA/delivery"
	"github.com/MrEthical07/goMFA/otp"
	"github.com/MrEthical07/goMFA/token"
)

const defaultChallengeText = "please enter otp: "

// TriggerRequest opens challenges for a user's tokens without a PIN check.
// It backs the administrative triggerchallenge call.
type TriggerRequest struct {
	Owner  token.Owner
	Serial string
	Params CheckParams
}

// RunTrigger creates challenges for every challenge-capable token of the
// owner, or for Serial alone.
func RunTrigger(ctx context.Context, req TriggerRequest, deps CheckDeps) *CheckResult {
	normalizeCheckDeps(&deps)
	errs := deps.Token.Errors
	if !deps.Token.ready() || deps.Token.ListTokens == nil {
		return reject(errs.EngineNotReady)
	}

	var tokens []*token.Record
	if req.Serial != "" {
		r, err := deps.Token.GetToken(ctx, req.Serial)
		if err != nil {
			if errors.Is(err, token.ErrNotFound) {
				return reject(errs.TokenNotFound)
			}
			return reject(errs.BackendUnavailable)
		}
		tokens = append(tokens, r)
	} else {
		if req.Owner.Empty() {
			return reject(errs.InvalidParameter)
		}
		list, err := deps.Token.ListTokens(ctx, req.Owner)
		if err != nil {
			deps.Token.LogError(ctx, "token list failed", err, "user", req.Owner.UserID)
			return reject(errs.BackendUnavailable)
		}
		tokens = list
	}

	now := deps.Token.Now()
	var eligible []*token.Record
	for _, r := range tokens {
		if !r.Usable(now) || r.Locked(now, req.Params.FailClearTimeout) {
			continue
		}
		if len(req.Params.AllowedTypes) > 0 && !containsFold(req.Params.AllowedTypes, string(r.Type)) {
			continue
		}
		if canTrigger(r, req.Params.ChallengeTypes) {
			eligible = append(eligible, r)
		}
	}
	if len(eligible) == 0 {
		return reject(errs.TokenNotFound)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Serial < eligible[j].Serial })
	return createChallenges(ctx, deps, eligible, req.Params)
}

// createChallenges writes one challenge record per token under a shared
// transaction id and delivers codes where the token type needs it. A
// failed delivery leaves its record in place.
func createChallenges(ctx context.Context, deps CheckDeps, tokens []*token.Record, params CheckParams) *CheckResult {
	errs := deps.Token.Errors
	if deps.CreateChallenge == nil || deps.NewTransactionID == nil {
		return reject(errs.EngineNotReady)
	}
	txid, err := deps.NewTransactionID()
	if err != nil {
		deps.Token.LogError(ctx, "transaction id generation failed", err)
		return reject(errs.BackendUnavailable)
	}

	now := deps.Token.Now()
	res := &CheckResult{Outcome: OutcomeChallenge, TransactionID: txid, PINMatched: true}
	var deliveryFailed []string
	for _, r := range tokens {
		data, err := challengeData(deps, r, params)
		if err != nil {
			deps.Token.LogError(ctx, "challenge build failed", err, "serial", r.Serial)
			continue
		}
		rec := &challenge.Record{
			TransactionID: txid,
			Serial:        r.Serial,
			Payload:       data.Payload,
			CreatedAt:     now,
			ExpiresAt:     now.Add(params.ChallengeValidity),
		}
		if err := deps.CreateChallenge(ctx, rec); err != nil {
			deps.Token.LogError(ctx, "challenge create failed", err, "serial", r.Serial, "transaction_id", txid)
			return reject(errs.BackendUnavailable)
		}
		deps.Token.MetricInc(deps.Metrics.ChallengeCreated)
		created := auditFor(r, deps.Events.ChallengeCreated, true, nil)
		created.TransactionID = txid
		deps.Token.EmitAudit(ctx, created)

		info := ChallengeInfo{
			Serial:        r.Serial,
			Type:          string(r.Type),
			TransactionID: txid,
			Message:       data.Message,
			ExpiresAt:     rec.ExpiresAt,
			Delivered:     true,
		}
		if err := deliver(ctx, deps, r, txid, data); err != nil {
			info.Delivered = false
			deliveryFailed = append(deliveryFailed, r.Serial)
			deps.Token.MetricInc(deps.Metrics.DeliveryFailure)
			failed := auditFor(r, deps.Events.DeliveryFailed, false, errs.DeliveryFailed)
			failed.TransactionID = txid
			failed.Metadata = map[string]string{"pin_matched": "true"}
			deps.Token.EmitAudit(ctx, failed)
			deps.Token.LogError(ctx, "challenge delivery failed", err, "serial", r.Serial, "transaction_id", txid)
			continue
		}
		res.Challenges = append(res.Challenges, info)
	}

	if deps.CountDeliveryFailure {
		recordFailures(ctx, deps.Token, deliveryFailed)
	}
	if len(res.Challenges) == 0 {
		if len(deliveryFailed) > 0 {
			return &CheckResult{Outcome: OutcomeReject, TransactionID: txid, PINMatched: true, Err: errs.DeliveryFailed}
		}
		return reject(errs.BackendUnavailable)
	}
	return res
}

func challengeData(deps CheckDeps, r *token.Record, params CheckParams) (token.ChallengeData, error) {
	v, err := token.For(r.Type)
	if err != nil {
		return token.ChallengeData{}, err
	}
	capable, ok := v.(token.ChallengeCapable)
	if !ok {
		text := params.ChallengeText
		if text == "" {
			text = defaultChallengeText
		}
		return token.ChallengeData{Message: text}, nil
	}

	in := token.ChallengeInput{Record: r, Text: params.ChallengeText, Expectation: params.Expectation}
	if token.UsesSecret(r.Type) {
		if in.Generator, err = deps.Token.Generator(r); err != nil {
			return token.ChallengeData{}, err
		}
	}
	if r.Type == token.TypeWebAuthn {
		if deps.NewNonce == nil {
			return token.ChallengeData{}, errors.New("nonce source not configured")
		}
		if in.Nonce, err = deps.NewNonce(); err != nil {
			return token.ChallengeData{}, err
		}
	}
	return capable.NewChallenge(in)
}

func deliver(ctx context.Context, deps CheckDeps, r *token.Record, txid string, data token.ChallengeData) error {
	v, err := token.For(r.Type)
	if err != nil {
		return err
	}
	d, ok := v.(token.Deliverable)
	if !ok {
		return nil
	}
	channel, target, err := d.Destination(r)
	if err != nil {
		return err
	}
	if deps.Deliver == nil {
		return errors.New("no delivery sender configured")
	}
	return deps.Deliver(ctx, delivery.Message{
		Channel:       channel,
		Target:        target,
		Serial:        r.Serial,
		TransactionID: txid,
		Text:          data.Message,
		Code:          data.Code,
	})
}

// RunAnswer checks a response against the challenges of a transaction. The
// records are consumed before anything is verified, so a transaction id
// works once whatever the outcome.
func RunAnswer(ctx context.Context, req CheckRequest, deps CheckDeps) *CheckResult {
	normalizeCheckDeps(&deps)
	errs := deps.Token.Errors
	if !deps.Token.ready() || deps.ConsumeChallenge == nil {
		return reject(errs.EngineNotReady)
	}

	now := deps.Token.Now()
	records, err := deps.ConsumeChallenge(ctx, req.TransactionID, now)
	switch {
	case errors.Is(err, challenge.ErrNotFound):
		deps.Token.MetricInc(deps.Metrics.ReplayRejected)
		return reject(errs.ChallengeNotFound)
	case errors.Is(err, challenge.ErrExpired):
		deps.Token.MetricInc(deps.Metrics.ChallengeExpired)
		deps.Token.EmitAudit(ctx, AuditRecord{Event: deps.Events.ChallengeExpired, TransactionID: req.TransactionID, UserID: req.Owner.UserID, Realm: req.Owner.Realm, Err: errs.ChallengeExpired})
		return reject(errs.ChallengeExpired)
	case err != nil:
		deps.Token.LogError(ctx, "challenge consume failed", err, "transaction_id", req.TransactionID)
		return reject(errs.BackendUnavailable)
	}

	var (
		misses  []string
		lockedN int
		tried   int
	)
	for _, rec := range records {
		if req.Serial != "" && rec.Serial != req.Serial {
			continue
		}
		tried++
		out, err := answerOne(ctx, deps, req, rec)
		if err != nil {
			if errors.Is(err, errs.TokenNotFound) {
				tried--
				continue
			}
			return reject(err)
		}
		switch {
		case out.skip:
			tried--
		case out.locked:
			lockedN++
			deps.Token.MetricInc(deps.Metrics.TokenLocked)
			deps.Token.EmitAudit(ctx, auditFor(out.record, deps.Events.TokenLocked, false, errs.TokenLocked))
		case out.ok:
			deps.Token.MetricInc(deps.Metrics.ChallengeAnswered)
			deps.Token.MetricInc(deps.Metrics.CheckSuccess)
			answered := auditFor(out.record, deps.Events.ChallengeAnswered, true, nil)
			answered.TransactionID = req.TransactionID
			deps.Token.EmitAudit(ctx, answered)
			return &CheckResult{Outcome: OutcomeAccept, Serial: out.record.Serial, TokenType: out.record.Type, Matched: out.matched, TransactionID: req.TransactionID}
		default:
			misses = append(misses, rec.Serial)
		}
	}
	if tried == 0 {
		return reject(errs.ChallengeNotFound)
	}
	if lockedN > 0 && lockedN == tried {
		return reject(errs.TokenLocked)
	}

	recordFailures(ctx, deps.Token, misses)
	deps.Token.MetricInc(deps.Metrics.CheckFailure)
	deps.Token.EmitAudit(ctx, AuditRecord{Event: deps.Events.ChallengeAnswered, TransactionID: req.TransactionID, UserID: req.Owner.UserID, Realm: req.Owner.Realm, Err: errs.AuthenticationFailed})
	return reject(errs.AuthenticationFailed)
}

func answerOne(ctx context.Context, deps CheckDeps, req CheckRequest, rec *challenge.Record) (verifyOutcome, error) {
	var out verifyOutcome
	params := req.Params
	r, err := mutateToken(ctx, deps.Token, rec.Serial, func(r *token.Record) error {
		out = verifyOutcome{}
		now := deps.Token.Now()
		if (!req.Owner.Empty() && !token.OwnerMatches(r.Owner, req.Owner)) || !r.Usable(now) {
			out.skip = true
			return errSkipWrite
		}
		cleared := clearExpiredLock(r, now, params.FailClearTimeout)
		if r.Locked(now, params.FailClearTimeout) {
			out.locked = true
			return errSkipWrite
		}

		v, err := token.For(r.Type)
		if err != nil {
			return errSkipWrite
		}
		var gen otp.Generator
		if token.UsesSecret(r.Type) {
			if gen, err = deps.Token.Generator(r); err != nil {
				deps.Token.LogError(ctx, "secret unavailable", err, "serial", r.Serial)
				return errSkipWrite
			}
		}

		var res token.VerifyResult
		switch t := v.(type) {
		case token.ChallengeCapable:
			res, err = t.Answer(token.AnswerInput{
				Record:      r,
				Generator:   gen,
				Payload:     rec.Payload,
				Presented:   req.Pass,
				Now:         now,
				Expectation: params.Expectation,
			})
		case token.Verifiable:
			res, err = t.Verify(token.VerifyInput{Record: r, Generator: gen, Presented: req.Pass, Now: now})
		default:
			return errSkipWrite
		}
		if err != nil || !res.OK() {
			if cleared {
				return nil
			}
			return errSkipWrite
		}
		out.ok, out.matched = true, res.Matched
		r.Counter = res.Counter
		r.Pending = nil
		if !params.NoFailCounterReset {
			r.ResetFailCount()
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	out.record = r
	return out, nil
}
