package internaldefs

import (
	goMFA "github.com/MrEthical07/goMFA"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   goMFA.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for exporters.
type HistogramDef struct {
	ID   goMFA.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter for audit events lost to backpressure.
const AuditDroppedName = "gomfa_audit_dropped_total"

var CounterDefs = []CounterDef{
	{ID: goMFA.MetricCheckSuccess, Name: "gomfa_check_success_total", Help: "Accepted token checks."},
	{ID: goMFA.MetricCheckFailure, Name: "gomfa_check_failure_total", Help: "Rejected token checks."},
	{ID: goMFA.MetricTokenLocked, Name: "gomfa_token_locked_total", Help: "Checks refused by the fail counter."},
	{ID: goMFA.MetricReplayRejected, Name: "gomfa_replay_rejected_total", Help: "OTP values refused as already used."},
	{ID: goMFA.MetricChallengeCreated, Name: "gomfa_challenge_created_total", Help: "Challenge transactions opened."},
	{ID: goMFA.MetricChallengeAnswered, Name: "gomfa_challenge_answered_total", Help: "Correct challenge answers."},
	{ID: goMFA.MetricChallengeExpired, Name: "gomfa_challenge_expired_total", Help: "Challenge answers after expiry."},
	{ID: goMFA.MetricDeliveryFailure, Name: "gomfa_delivery_failure_total", Help: "Failed challenge deliveries."},
	{ID: goMFA.MetricResyncSuccess, Name: "gomfa_resync_success_total", Help: "Successful token resyncs."},
	{ID: goMFA.MetricResyncFailure, Name: "gomfa_resync_failure_total", Help: "Failed token resyncs."},
	{ID: goMFA.MetricTokenEnrolled, Name: "gomfa_token_enrolled_total", Help: "Tokens reaching the enrolled state."},
	{ID: goMFA.MetricAttestationRejected, Name: "gomfa_attestation_rejected_total", Help: "Refused WebAuthn registrations."},
	{ID: goMFA.MetricPolicyDenied, Name: "gomfa_policy_denied_total", Help: "Requests denied by admin or user policy."},
	{ID: goMFA.MetricPolicyConflict, Name: "gomfa_policy_conflict_total", Help: "Requests failing on conflicting policies."},
	{ID: goMFA.MetricRateLimited, Name: "gomfa_rate_limited_total", Help: "Checks refused by auth_max_fail or auth_max_success."},
	{ID: goMFA.MetricCredentialIssued, Name: "gomfa_credential_issued_total", Help: "Issued web UI credentials."},
	{ID: goMFA.MetricChallengeSwept, Name: "gomfa_challenge_swept_total", Help: "Challenge records removed by the janitor."},
}

var HistogramDefs = []HistogramDef{
	{ID: goMFA.MetricCheckLatency, Name: "gomfa_check_latency_seconds", Help: "Token check latency."},
}

// HistogramUpperBounds are the engine bucket limits in seconds. The last
// engine bucket is +Inf and has no entry.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each cumulative bucket for exporters without
// native histograms.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the engine bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
