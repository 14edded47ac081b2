package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goMFA/otp"
	"github.com/MrEthical07/goMFA/token"
)

const defaultMaxRetries = 4

// AuditRecord is one audit event as seen by a flow. The root engine stamps
// ids and forwards it to the dispatcher.
type AuditRecord struct {
	Event         string
	Success       bool
	Serial        string
	TokenType     string
	UserID        string
	Realm         string
	TransactionID string
	Err           error
	Metadata      map[string]string
}

// TokenErrors maps flow failures onto the caller's error taxonomy.
type TokenErrors struct {
	EngineNotReady       error
	InvalidParameter     error
	AuthenticationFailed error
	TokenNotFound        error
	TokenLocked          error
	ChallengeNotFound    error
	ChallengeExpired     error
	DeliveryFailed       error
	AttestationRejected  error
	PolicyDenied         error
	BackendUnavailable   error
}

// TokenDeps is the token persistence and secret wiring shared by every token
// flow. UpdateToken must be a compare-and-swap on Record.Version.
type TokenDeps struct {
	Now        func() time.Time
	MaxRetries int

	GetToken    func(context.Context, string) (*token.Record, error)
	ListTokens  func(context.Context, token.Owner) ([]*token.Record, error)
	UpdateToken func(context.Context, *token.Record) error
	Generator   func(*token.Record) (otp.Generator, error)
	CheckPIN    func(stored, presented string) (bool, error)

	MetricInc func(int)
	EmitAudit func(context.Context, AuditRecord)
	LogError  func(context.Context, string, error, ...any)

	Errors TokenErrors
}

func normalizeTokenDeps(deps *TokenDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = defaultMaxRetries
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, AuditRecord) {}
	}
	if deps.LogError == nil {
		deps.LogError = func(context.Context, string, error, ...any) {}
	}
}

func (d TokenDeps) ready() bool {
	return d.GetToken != nil && d.UpdateToken != nil && d.Generator != nil && d.CheckPIN != nil
}

// errSkipWrite tells mutateToken the mutation decided not to persist.
var errSkipWrite = errors.New("skip write")

// mutateToken loads serial, applies fn and writes it back with a
// compare-and-swap, reloading and re-running fn on a version conflict. fn
// returning errSkipWrite ends the loop without a write.
func mutateToken(ctx context.Context, deps TokenDeps, serial string, fn func(*token.Record) error) (*token.Record, error) {
	for i := 0; i < deps.MaxRetries; i++ {
		r, err := deps.GetToken(ctx, serial)
		if err != nil {
			if errors.Is(err, token.ErrNotFound) {
				return nil, deps.Errors.TokenNotFound
			}
			deps.LogError(ctx, "token load failed", err, "serial", serial)
			return nil, deps.Errors.BackendUnavailable
		}
		if err := fn(r); err != nil {
			if errors.Is(err, errSkipWrite) {
				return r, nil
			}
			return r, err
		}
		r.UpdatedAt = deps.Now()
		err = deps.UpdateToken(ctx, r)
		switch {
		case err == nil:
			return r, nil
		case errors.Is(err, token.ErrVersionConflict):
			continue
		case errors.Is(err, token.ErrNotFound):
			return nil, deps.Errors.TokenNotFound
		default:
			deps.LogError(ctx, "token update failed", err, "serial", serial)
			return nil, deps.Errors.BackendUnavailable
		}
	}
	return nil, deps.Errors.BackendUnavailable
}

// clearExpiredLock lifts a fail counter whose cool-down has passed.
func clearExpiredLock(r *token.Record, now time.Time, clearAfter time.Duration) bool {
	if r.MaxFail > 0 && r.FailCount >= r.MaxFail && r.CoolDownElapsed(now, clearAfter) {
		r.ResetFailCount()
		return true
	}
	return false
}

// recordFailures increments the fail counter of every serial.
func recordFailures(ctx context.Context, deps TokenDeps, serials []string) {
	now := deps.Now()
	for _, serial := range serials {
		_, err := mutateToken(ctx, deps, serial, func(r *token.Record) error {
			r.RecordFailure(now)
			return nil
		})
		if err != nil {
			deps.LogError(ctx, "fail counter update failed", err, "serial", serial)
		}
	}
}

func auditFor(r *token.Record, event string, success bool, err error) AuditRecord {
	return AuditRecord{
		Event:     event,
		Success:   success,
		Serial:    r.Serial,
		TokenType: string(r.Type),
		UserID:    r.Owner.UserID,
		Realm:     r.Owner.Realm,
		Err:       err,
	}
}
