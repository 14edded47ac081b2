package goMFA

import "time"

// SecurityReport summarizes the security-relevant settings of a built
// engine for startup logs and deployment checks.
type SecurityReport struct {
	CredentialEnabled    bool
	SigningAlgorithm     string
	LogoutTime           time.Duration
	PIN                  PINConfigReport
	MaxFail              int
	FailClearTimeout     time.Duration
	CountDeliveryFailure bool
	AutoResyncEnabled    bool
	ChallengeValidity    time.Duration
	DeliveryThrottled    bool
	TrustedRootSources   int
	AttestationWatch     bool
	AuditEnabled         bool
	DenyWhenUndefined    bool
	SQLDriver            string
	RedisAuthzCounters   bool
}

// PINConfigReport lists the argon2id costs used for PIN hashes.
type PINConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	cfg := e.config

	report := SecurityReport{
		CredentialEnabled: e.credentials != nil,
		LogoutTime:        cfg.Credential.LogoutTime,
		PIN: PINConfigReport{
			Memory:      cfg.PIN.Memory,
			Time:        cfg.PIN.Time,
			Parallelism: cfg.PIN.Parallelism,
			SaltLength:  cfg.PIN.SaltLength,
			KeyLength:   cfg.PIN.KeyLength,
		},
		MaxFail:              cfg.FailCounter.MaxFail,
		FailClearTimeout:     cfg.FailCounter.ClearTimeout,
		CountDeliveryFailure: cfg.FailCounter.CountDeliveryFailure,
		AutoResyncEnabled:    cfg.AutoResync.Enabled,
		ChallengeValidity:    cfg.Challenge.Validity,
		DeliveryThrottled:    e.sender != nil && cfg.Delivery.Every > 0,
		TrustedRootSources:   len(cfg.Attestation.TrustedRoots),
		AttestationWatch:     e.stopWatch != nil,
		AuditEnabled:         cfg.Audit.Enabled,
		DenyWhenUndefined:    cfg.Policy.DenyWhenUndefined,
		RedisAuthzCounters:   e.limiter != nil && e.limiter.Distributed(),
	}
	if report.CredentialEnabled {
		report.SigningAlgorithm = cfg.Credential.SigningMethod
	}
	if e.db != nil {
		report.SQLDriver = cfg.Database.Driver
	}
	return report
}
