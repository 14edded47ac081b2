package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/goMFA/otp"
	"github.com/MrEthical07/goMFA/pin"
	"github.com/MrEthical07/goMFA/token"
)

// Admin actions reported in audit metadata.
const (
	AdminActionSetPIN  = "setpin"
	AdminActionReset   = "reset"
	AdminActionEnable  = "enable"
	AdminActionDisable = "disable"
	AdminActionDelete  = "delete"
	AdminActionResync  = "resync"
)

type AdminEvents struct {
	AdminAction string
	Resync      string
}

type AdminMetrics struct {
	ResyncSuccess int
	ResyncFailure int
}

// AdminDeps wires the token maintenance operations.
type AdminDeps struct {
	Token TokenDeps

	DeleteToken func(context.Context, string) error
	EncodePIN   func(pin string, reversible bool) (string, error)

	Metrics AdminMetrics
	Events  AdminEvents
}

// PINRules are the enroll-scope PIN constraints resolved from policy.
type PINRules struct {
	MinLength int
	MaxLength int
	Encrypt   bool
}

func normalizeAdminDeps(deps *AdminDeps) {
	normalizeTokenDeps(&deps.Token)
}

func adminAudit(ctx context.Context, deps AdminDeps, r *token.Record, action string, err error) {
	rec := auditFor(r, deps.Events.AdminAction, err == nil, err)
	rec.Metadata = map[string]string{"action": action}
	deps.Token.EmitAudit(ctx, rec)
}

// RunSetPIN stores a new PIN for serial after checking the length rules.
func RunSetPIN(ctx context.Context, serial, newPIN string, rules PINRules, deps AdminDeps) error {
	normalizeAdminDeps(&deps)
	errs := deps.Token.Errors
	if deps.Token.GetToken == nil || deps.Token.UpdateToken == nil || deps.EncodePIN == nil {
		return errs.EngineNotReady
	}
	if !pin.CheckLength(newPIN, rules.MinLength, rules.MaxLength) {
		return errs.InvalidParameter
	}
	encoded, err := deps.EncodePIN(newPIN, rules.Encrypt)
	if err != nil {
		deps.Token.LogError(ctx, "pin encode failed", err, "serial", serial)
		return errs.BackendUnavailable
	}
	r, err := mutateToken(ctx, deps.Token, serial, func(r *token.Record) error {
		r.PinHash = encoded
		return nil
	})
	if err != nil {
		return err
	}
	adminAudit(ctx, deps, r, AdminActionSetPIN, nil)
	return nil
}

// RunResetFailCount clears the fail counter of serial.
func RunResetFailCount(ctx context.Context, serial string, deps AdminDeps) error {
	normalizeAdminDeps(&deps)
	if deps.Token.GetToken == nil || deps.Token.UpdateToken == nil {
		return deps.Token.Errors.EngineNotReady
	}
	r, err := mutateToken(ctx, deps.Token, serial, func(r *token.Record) error {
		if r.FailCount == 0 && r.FailedAt.IsZero() {
			return errSkipWrite
		}
		r.ResetFailCount()
		return nil
	})
	if err != nil {
		return err
	}
	adminAudit(ctx, deps, r, AdminActionReset, nil)
	return nil
}

// RunSetActive enables or disables serial.
func RunSetActive(ctx context.Context, serial string, active bool, deps AdminDeps) error {
	normalizeAdminDeps(&deps)
	if deps.Token.GetToken == nil || deps.Token.UpdateToken == nil {
		return deps.Token.Errors.EngineNotReady
	}
	r, err := mutateToken(ctx, deps.Token, serial, func(r *token.Record) error {
		if r.Active == active {
			return errSkipWrite
		}
		r.Active = active
		return nil
	})
	if err != nil {
		return err
	}
	action := AdminActionDisable
	if active {
		action = AdminActionEnable
	}
	adminAudit(ctx, deps, r, action, nil)
	return nil
}

// RunDelete removes serial.
func RunDelete(ctx context.Context, serial string, deps AdminDeps) error {
	normalizeAdminDeps(&deps)
	errs := deps.Token.Errors
	if deps.Token.GetToken == nil || deps.DeleteToken == nil {
		return errs.EngineNotReady
	}
	r, err := deps.Token.GetToken(ctx, serial)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return errs.TokenNotFound
		}
		return errs.BackendUnavailable
	}
	if err := deps.DeleteToken(ctx, serial); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return errs.TokenNotFound
		}
		deps.Token.LogError(ctx, "token delete failed", err, "serial", serial)
		return errs.BackendUnavailable
	}
	adminAudit(ctx, deps, r, AdminActionDelete, nil)
	return nil
}

// RunResync realigns the counter of serial from two consecutive values
// supplied together. Event tokens search the sync window from the current
// counter; time tokens search around now and store the clock offset.
func RunResync(ctx context.Context, serial, otp1, otp2 string, deps AdminDeps) error {
	normalizeAdminDeps(&deps)
	errs := deps.Token.Errors
	if !deps.Token.ready() {
		return errs.EngineNotReady
	}
	if otp1 == "" || otp2 == "" {
		return errs.InvalidParameter
	}

	var matched int64
	r, err := mutateToken(ctx, deps.Token, serial, func(r *token.Record) error {
		matched = otp.NotFound
		gen, err := deps.Token.Generator(r)
		if err != nil {
			return errs.InvalidParameter
		}
		switch r.Type {
		case token.TypeHOTP, token.TypeSMS, token.TypeEmail:
			m, err := otp.Resync(gen, otp1, otp2, r.Counter, r.SyncWindow)
			if err != nil || m == otp.NotFound {
				return errSkipWrite
			}
			matched = m
			r.Counter = m + 1
		case token.TypeTOTP:
			now := deps.Token.Now()
			m, shift, err := otp.ResyncTOTP(gen, otp1, otp2, now, r.TimeStep, r.SyncWindow)
			if err != nil || m == otp.NotFound || m < r.Counter {
				return errSkipWrite
			}
			matched = m
			r.Counter = m + 1
			r.TimeShift = shift
		default:
			return errs.InvalidParameter
		}
		r.Pending = nil
		return nil
	})
	if err != nil {
		return err
	}
	if matched == otp.NotFound {
		deps.Token.MetricInc(deps.Metrics.ResyncFailure)
		deps.Token.EmitAudit(ctx, auditFor(r, deps.Events.Resync, false, errs.AuthenticationFailed))
		return errs.AuthenticationFailed
	}
	deps.Token.MetricInc(deps.Metrics.ResyncSuccess)
	deps.Token.EmitAudit(ctx, auditFor(r, deps.Events.Resync, true, nil))
	return nil
}
