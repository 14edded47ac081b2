package goMFA

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goMFA/policy"
)

// SetPolicy creates or replaces p. Policy maintenance is an operator
// surface and is not itself policy gated. The next request sees the change.
func (e *Engine) SetPolicy(ctx context.Context, p *policy.Policy) error {
	if e == nil || e.policies == nil {
		return ErrEngineNotReady
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if err := e.policies.Put(ctx, p.Clone()); err != nil {
		e.logError(ctx, "policy write failed", err, "policy", p.Name)
		return ErrBackendUnavailable
	}
	e.logger.InfoContext(ctx, "policy stored", "policy", p.Name, "scope", p.Scope, "active", p.Active)
	e.emitPolicyChange(ctx, "setpolicy", p.Name)
	return nil
}

// DeletePolicy removes the policy called name.
func (e *Engine) DeletePolicy(ctx context.Context, name string) error {
	if e == nil || e.policies == nil {
		return ErrEngineNotReady
	}
	if err := e.policies.Delete(ctx, name); err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return fmt.Errorf("%w: policy %q", ErrInvalidParameter, name)
		}
		e.logError(ctx, "policy delete failed", err, "policy", name)
		return ErrBackendUnavailable
	}
	e.emitPolicyChange(ctx, "deletepolicy", name)
	return nil
}

// Policies lists every stored policy, active or not.
func (e *Engine) Policies(ctx context.Context) ([]*policy.Policy, error) {
	if e == nil || e.policies == nil {
		return nil, ErrEngineNotReady
	}
	out, err := e.policies.List(ctx)
	if err != nil {
		e.logError(ctx, "policy list failed", err)
		return nil, ErrBackendUnavailable
	}
	return out, nil
}

func (e *Engine) emitPolicyChange(ctx context.Context, action, name string) {
	event := AuditEvent{
		EventType: AuditAdminAction,
		Success:   true,
		Policies:  []string{name},
		Metadata:  map[string]string{"action": action},
	}
	if admin, ok := adminFromContext(ctx); ok {
		event.UserID, event.Realm = admin.User, admin.Realm
	}
	e.emitAudit(ctx, event)
}
