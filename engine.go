package goMFA

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goMFA/attestation"
	"github.com/MrEthical07/goMFA/challenge"
	"github.com/MrEthical07/goMFA/credential"
	"github.com/MrEthical07/goMFA/delivery"
	"github.com/MrEthical07/goMFA/internal"
	"github.com/MrEthical07/goMFA/internal/audit"
	"github.com/MrEthical07/goMFA/internal/flows"
	"github.com/MrEthical07/goMFA/internal/rate"
	"github.com/MrEthical07/goMFA/internal/stores"
	"github.com/MrEthical07/goMFA/otp"
	"github.com/MrEthical07/goMFA/pin"
	"github.com/MrEthical07/goMFA/policy"
	"github.com/MrEthical07/goMFA/secrets"
	"github.com/MrEthical07/goMFA/token"
)

const nonceSize = 32

// Engine authenticates tokens and gates token management through policies.
// Methods are safe for concurrent use once Build has returned.
type Engine struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	policies   policy.Store
	tokens     token.Store
	challenges challenge.Store
	directory  Directory
	db         *stores.DB

	keeper      *secrets.Keeper
	pins        *pin.Codec
	credentials *credential.Manager
	verifier    *attestation.Verifier
	sender      delivery.Sender
	limiter     *rate.Limiter
	audit       *audit.Dispatcher
	metrics     *Metrics

	flow     flows.Service
	validate pipeline
	trigger  pipeline
	admin    pipeline

	checks    atomic.Uint64
	stopWatch context.CancelFunc
	closeOnce sync.Once
}

// Close stops the trusted-root watcher, drains the audit dispatcher and
// closes a database opened by the builder.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		if e.stopWatch != nil {
			e.stopWatch()
		}
		if e.audit != nil {
			e.audit.Close()
		}
		e.closeStores()
	})
}

func (e *Engine) closeStores() {
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.logger.Warn("database close failed", "err", err)
		}
		e.db = nil
	}
}

// AuditDropped returns the number of audit events dropped on a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditDroppedByType breaks AuditDropped down by event type.
func (e *Engine) AuditDroppedByType() map[string]uint64 {
	if e == nil {
		return map[string]uint64{}
	}
	return e.audit.DroppedByType()
}

// MetricsSnapshot copies the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) logError(ctx context.Context, msg string, err error, args ...any) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.ErrorContext(ctx, msg, append([]any{"err", err}, args...)...)
}

// Sweep deletes expired and consumed challenges and returns how many went.
// Validate calls run it every Challenge.SweepEvery requests.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	if e == nil || e.challenges == nil {
		return 0, ErrEngineNotReady
	}
	n, err := e.challenges.Sweep(ctx, e.now())
	if err != nil {
		return 0, ErrBackendUnavailable
	}
	if n > 0 && e.metrics != nil {
		e.metrics.Add(MetricChallengeSwept, uint64(n))
	}
	return n, nil
}

func (e *Engine) ready() bool {
	return e != nil && e.flow.Initialized()
}

func newFlowService(e *Engine) flows.Service {
	cfg := e.config
	tokenDeps := flows.TokenDeps{
		Now:         e.now,
		GetToken:    e.tokens.Get,
		ListTokens:  e.tokens.ListByOwner,
		UpdateToken: e.tokens.Update,
		Generator: func(r *token.Record) (otp.Generator, error) {
			return e.keeper.Generator(r.Secret, r.OTPLen, r.HashAlgo)
		},
		CheckPIN:  e.pins.Check,
		MetricInc: func(id int) { e.metricInc(MetricID(id)) },
		EmitAudit: e.emitFlowAudit,
		LogError:  e.logError,
		Errors: flows.TokenErrors{
			EngineNotReady:       ErrEngineNotReady,
			InvalidParameter:     ErrInvalidParameter,
			AuthenticationFailed: ErrAuthenticationFailed,
			TokenNotFound:        ErrTokenNotFound,
			TokenLocked:          ErrTokenLocked,
			ChallengeNotFound:    ErrChallengeNotFound,
			ChallengeExpired:     ErrChallengeExpired,
			DeliveryFailed:       ErrDeliveryFailed,
			AttestationRejected:  ErrAttestationRejected,
			PolicyDenied:         ErrPolicyDenied,
			BackendUnavailable:   ErrBackendUnavailable,
		},
	}
	newTransactionID := func() (string, error) {
		return internal.NewTransactionID(cfg.Challenge.TransactionIDLength)
	}

	check := flows.CheckDeps{
		Token:                tokenDeps,
		CreateChallenge:      e.challenges.Create,
		ConsumeChallenge:     e.challenges.Consume,
		NewTransactionID:     newTransactionID,
		NewNonce:             newNonce,
		CountDeliveryFailure: cfg.FailCounter.CountDeliveryFailure,
		Metrics: flows.CheckMetrics{
			CheckSuccess:      int(MetricCheckSuccess),
			CheckFailure:      int(MetricCheckFailure),
			TokenLocked:       int(MetricTokenLocked),
			ChallengeCreated:  int(MetricChallengeCreated),
			ChallengeAnswered: int(MetricChallengeAnswered),
			ChallengeExpired:  int(MetricChallengeExpired),
			DeliveryFailure:   int(MetricDeliveryFailure),
			ReplayRejected:    int(MetricReplayRejected),
		},
		Events: flows.CheckEvents{
			CheckSuccess:      AuditTokenCheckSuccess,
			CheckFailure:      AuditTokenCheckFailure,
			TokenLocked:       AuditTokenLocked,
			ChallengeCreated:  AuditChallengeCreated,
			DeliveryFailed:    AuditChallengeDeliveryFailed,
			ChallengeAnswered: AuditChallengeAnswered,
			ChallengeExpired:  AuditChallengeExpired,
		},
	}
	if e.sender != nil {
		check.Deliver = e.sender.Send
	}
	if e.directory != nil {
		check.UserExists = func(ctx context.Context, o token.Owner) (bool, error) {
			_, ok, err := e.directory.Resolve(ctx, o.UserID, o.Realm)
			return ok, err
		}
		check.CheckUserPassword = func(ctx context.Context, o token.Owner, password string) (bool, error) {
			return e.directory.CheckPassword(ctx, DirectoryUser{Login: o.UserID, Realm: o.Realm, Resolver: o.Resolver}, password)
		}
	}

	admin := flows.AdminDeps{
		Token:       tokenDeps,
		DeleteToken: e.tokens.Delete,
		EncodePIN:   e.pins.Encode,
		Metrics: flows.AdminMetrics{
			ResyncSuccess: int(MetricResyncSuccess),
			ResyncFailure: int(MetricResyncFailure),
		},
		Events: flows.AdminEvents{
			AdminAction: AuditAdminAction,
			Resync:      AuditTokenResync,
		},
	}

	enroll := flows.EnrollDeps{
		Token:             tokenDeps,
		CreateToken:       e.tokens.Create,
		NewSerial:         internal.NewSerial,
		NewKey:            otp.NewKey,
		Seal:              e.keeper.Seal,
		EncodePIN:         e.pins.Encode,
		RandomPIN:         pin.Random,
		CreateChallenge:   e.challenges.Create,
		ConsumeChallenge:  e.challenges.Consume,
		NewTransactionID:  newTransactionID,
		NewNonce:          newNonce,
		VerifyAttestation: e.verifyAttestation,
		Metrics: flows.EnrollMetrics{
			Enrolled:            int(MetricTokenEnrolled),
			AttestationRejected: int(MetricAttestationRejected),
		},
		Events: flows.EnrollEvents{
			Enrolled:            AuditTokenEnrolled,
			AttestationRejected: AuditAttestationRejected,
		},
	}

	return flows.New(flows.Deps{Check: check, Admin: admin, Enroll: enroll})
}

func newNonce() ([]byte, error) {
	b := make([]byte, nonceSize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
