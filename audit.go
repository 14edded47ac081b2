package goMFA

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/MrEthical07/goMFA/internal/audit"
	"github.com/MrEthical07/goMFA/internal/flows"
)

// AuditEvent is one structured audit record. ID is a ULID assigned when the
// event enters the dispatcher.
type AuditEvent = audit.Event

// AuditSink receives audit events. The sink owns storage and format.
type AuditSink = audit.Sink

// Audit event types.
const (
	AuditPolicyDecision          = "policy_decision"
	AuditTokenCheckSuccess       = "token_check_success"
	AuditTokenCheckFailure       = "token_check_failure"
	AuditTokenLocked             = "token_locked"
	AuditChallengeCreated        = "challenge_created"
	AuditChallengeDeliveryFailed = "challenge_delivery_failed"
	AuditChallengeAnswered       = "challenge_answered"
	AuditChallengeExpired        = "challenge_expired"
	AuditTokenResync             = "token_resync"
	AuditTokenEnrolled           = "token_enrolled"
	AuditAttestationRejected     = "attestation_rejected"
	AuditAdminAction             = "admin_action"
	AuditCredentialIssued        = "credential_issued"
)

// NoOpSink discards audit events.
type NoOpSink = audit.NoOpSink

// NewChannelSink returns a sink that writes into a buffered channel.
func NewChannelSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink writing one JSON object per line to w.
func NewJSONWriterSink(w io.Writer) *audit.JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// NewSlogSink returns a sink that logs events at Info level.
func NewSlogSink(logger *slog.Logger) AuditSink {
	return audit.SlogSink{Logger: logger}
}

func (e *Engine) emitAudit(ctx context.Context, event AuditEvent) {
	if e == nil || e.audit == nil {
		return
	}
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	e.audit.Emit(ctx, event)
}

// emitFlowAudit converts a flow record into an audit event.
func (e *Engine) emitFlowAudit(ctx context.Context, rec flows.AuditRecord) {
	if e == nil || e.audit == nil {
		return
	}
	event := AuditEvent{
		EventType:     rec.Event,
		Serial:        rec.Serial,
		TokenType:     rec.TokenType,
		UserID:        rec.UserID,
		Realm:         rec.Realm,
		TransactionID: rec.TransactionID,
		Success:       rec.Success,
		Error:         auditErrorCode(rec.Err),
		Metadata:      rec.Metadata,
	}
	if p := policiesFromContext(ctx); len(p) > 0 {
		event.Policies = p
	}
	e.emitAudit(ctx, event)
}

// auditErrorCode reduces err to its taxonomy sentinel so backend detail
// stays out of the audit trail.
func auditErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, sentinel := range []error{
		ErrPolicyConflict, ErrPolicyDenied, ErrAuthenticationFailed,
		ErrChallengeNotFound, ErrChallengeExpired, ErrTokenLocked,
		ErrAttestationRejected, ErrInvalidParameter, ErrEngineNotReady,
		ErrTokenNotFound, ErrUserNotFound, ErrDeliveryFailed,
		ErrBackendUnavailable, ErrRateLimited,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal error"
}
