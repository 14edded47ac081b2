package goMFA

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/MrEthical07/goMFA/otp"
	"github.com/MrEthical07/goMFA/pin"
)

// Config is the static engine configuration. Per-request behavior comes from
// policies; the values here are the defaults policies override.
//
// Config instances are configured during initialization and then treated as
// immutable.
type Config struct {
	OTP         OTPConfig
	Challenge   ChallengeConfig
	FailCounter FailCounterConfig
	AutoResync  AutoResyncConfig
	PIN         PINConfig
	Secrets     SecretsConfig
	Credential  CredentialConfig
	Attestation AttestationConfig
	Delivery    DeliveryConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
	Policy      PolicyConfig
	Redis       RedisConfig
	Database    DatabaseConfig
}

/*
====================================
OTP CONFIG
====================================
*/

// OTPConfig holds the token defaults applied at enrollment.
type OTPConfig struct {
	Digits      int    `toml:"digits"`
	Algorithm   string `toml:"algorithm"`
	CountWindow int    `toml:"count_window"`
	SyncWindow  int    `toml:"sync_window"`
	TimeStep    int    `toml:"time_step"`
	DriftWindow int    `toml:"drift_window"`
	Issuer      string `toml:"issuer"`
}

/*
====================================
CHALLENGE CONFIG
====================================
*/

// ChallengeConfig controls challenge records.
type ChallengeConfig struct {
	Validity            time.Duration `toml:"validity"`
	TransactionIDLength int           `toml:"transaction_id_length"`
	// SweepEvery runs Sweep after that many checks. Zero disables it.
	SweepEvery int `toml:"sweep_every"`
	// RegistrationValidity bounds the WebAuthn create() ceremony.
	RegistrationValidity time.Duration `toml:"registration_validity"`
}

/*
====================================
FAIL COUNTER CONFIG
====================================
*/

// FailCounterConfig controls lockout.
type FailCounterConfig struct {
	MaxFail      int           `toml:"max_fail"`
	ClearTimeout time.Duration `toml:"clear_timeout"`
	// CountDeliveryFailure increments fail_count when a challenge could not
	// be delivered.
	CountDeliveryFailure bool `toml:"count_delivery_failure"`
}

// AutoResyncConfig holds the auto_resync defaults.
type AutoResyncConfig struct {
	Enabled bool          `toml:"enabled"`
	Timeout time.Duration `toml:"timeout"`
}

/*
====================================
PIN CONFIG
====================================
*/

// PINConfig holds argon2id costs and random PIN defaults.
type PINConfig struct {
	Memory        uint32 `toml:"memory"`
	Time          uint32 `toml:"time"`
	Parallelism   uint8  `toml:"parallelism"`
	SaltLength    uint32 `toml:"salt_length"`
	KeyLength     uint32 `toml:"key_length"`
	RandomLength  int    `toml:"random_length"`
	RandomContent string `toml:"random_content"`
}

func (c PINConfig) params() pin.Params {
	return pin.Params{Memory: c.Memory, Time: c.Time, Parallelism: c.Parallelism, SaltLength: c.SaltLength, KeyLength: c.KeyLength}
}

// SecretsConfig holds the token secret encryption key.
type SecretsConfig struct {
	// Key is the hex encoded 32-byte AES-256 key.
	Key string `toml:"key"`
}

/*
====================================
CREDENTIAL CONFIG
====================================
*/

// CredentialConfig configures the signed credential issued by Login.
// PrivateKey is an Ed25519 PEM block or the raw HS256 secret.
type CredentialConfig struct {
	Enabled       bool          `toml:"enabled"`
	SigningMethod string        `toml:"signing_method"`
	PrivateKey    string        `toml:"private_key"`
	PublicKey     string        `toml:"public_key"`
	Issuer        string        `toml:"issuer"`
	Audience      string        `toml:"audience"`
	KeyID         string        `toml:"key_id"`
	LogoutTime    time.Duration `toml:"logout_time"`
}

/*
====================================
ATTESTATION CONFIG
====================================
*/

// AttestationConfig configures WebAuthn relying party data and the
// trusted attestation roots.
type AttestationConfig struct {
	RPID          string        `toml:"rp_id"`
	Origins       []string      `toml:"origins"`
	TrustedRoots  []string      `toml:"trusted_roots"`
	Watch         bool          `toml:"watch"`
	WatchDebounce time.Duration `toml:"watch_debounce"`
}

// DeliveryConfig bounds challenge deliveries per target.
type DeliveryConfig struct {
	Every   time.Duration `toml:"every"`
	Burst   int           `toml:"burst"`
	Timeout time.Duration `toml:"timeout"`
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool `toml:"enabled"`
	BufferSize int  `toml:"buffer_size"`
	DropIfFull bool `toml:"drop_if_full"`
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool `toml:"enabled"`
	EnableLatencyHistograms bool `toml:"enable_latency_histograms"`
}

// PolicyConfig controls scope defaults.
type PolicyConfig struct {
	// DenyWhenUndefined denies admin and user actions when the scope has no
	// active policy at all. The default allows them.
	DenyWhenUndefined bool `toml:"deny_when_undefined"`
}

// RedisConfig holds key prefixes for Redis-backed stores.
type RedisConfig struct {
	Prefix string `toml:"prefix"`
}

// DatabaseConfig selects the SQL driver used by OpenSQLStores.
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	pinDefaults := pin.DefaultParams()
	return Config{
		OTP: OTPConfig{
			Digits:      6,
			Algorithm:   otp.SHA1,
			CountWindow: 10,
			SyncWindow:  1000,
			TimeStep:    otp.DefaultTimeStep,
			DriftWindow: 1,
			Issuer:      "goMFA",
		},
		Challenge: ChallengeConfig{
			Validity:             120 * time.Second,
			TransactionIDLength:  20,
			SweepEvery:           1000,
			RegistrationValidity: 5 * time.Minute,
		},
		FailCounter: FailCounterConfig{
			MaxFail:              10,
			ClearTimeout:         0,
			CountDeliveryFailure: false,
		},
		AutoResync: AutoResyncConfig{
			Enabled: false,
			Timeout: 5 * time.Minute,
		},
		PIN: PINConfig{
			Memory:        pinDefaults.Memory,
			Time:          pinDefaults.Time,
			Parallelism:   pinDefaults.Parallelism,
			SaltLength:    pinDefaults.SaltLength,
			KeyLength:     pinDefaults.KeyLength,
			RandomContent: pin.DefaultContent,
		},
		Credential: CredentialConfig{
			SigningMethod: "ed25519",
			Issuer:        "goMFA",
			LogoutTime:    2 * time.Minute,
		},
		Attestation: AttestationConfig{
			WatchDebounce: 500 * time.Millisecond,
		},
		Delivery: DeliveryConfig{
			Every:   30 * time.Second,
			Burst:   3,
			Timeout: 10 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Redis: RedisConfig{
			Prefix: "mfa",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:gomfa.db?_pragma=busy_timeout(5000)",
		},
	}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return defaultConfig()
}

// LoadConfigFile decodes a TOML file over the defaults and validates the
// result.
func LoadConfigFile(path string) (Config, error) {
	cfg := defaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown config key %q", ErrInvalidParameter, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Attestation.Origins = append([]string(nil), cfg.Attestation.Origins...)
	out.Attestation.TrustedRoots = append([]string(nil), cfg.Attestation.TrustedRoots...)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	// OTP
	if c.OTP.Digits != 6 && c.OTP.Digits != 8 {
		return errors.New("OTP Digits must be 6 or 8")
	}
	if _, err := otp.HashFunc(c.OTP.Algorithm); err != nil {
		return fmt.Errorf("OTP Algorithm: %w", err)
	}
	if c.OTP.CountWindow < 0 || c.OTP.SyncWindow < 0 || c.OTP.DriftWindow < 0 {
		return errors.New("OTP windows must be >= 0")
	}
	if c.OTP.SyncWindow < c.OTP.CountWindow {
		return errors.New("OTP SyncWindow must be >= CountWindow")
	}
	if c.OTP.TimeStep != 30 && c.OTP.TimeStep != 60 {
		return errors.New("OTP TimeStep must be 30 or 60")
	}

	// Challenge
	if c.Challenge.Validity <= 0 {
		return errors.New("Challenge Validity must be > 0")
	}
	if c.Challenge.TransactionIDLength < 12 || c.Challenge.TransactionIDLength > 40 {
		return errors.New("Challenge TransactionIDLength must be within [12,40]")
	}
	if c.Challenge.SweepEvery < 0 {
		return errors.New("Challenge SweepEvery must be >= 0")
	}
	if c.Challenge.RegistrationValidity <= 0 {
		return errors.New("Challenge RegistrationValidity must be > 0")
	}

	// Fail counter
	if c.FailCounter.MaxFail < 0 {
		return errors.New("FailCounter MaxFail must be >= 0")
	}
	if c.FailCounter.ClearTimeout < 0 {
		return errors.New("FailCounter ClearTimeout must be >= 0")
	}
	if c.AutoResync.Timeout <= 0 {
		return errors.New("AutoResync Timeout must be > 0")
	}

	// PIN
	if c.PIN.Memory < 8*1024 {
		return errors.New("PIN Memory must be >= 8192 KB")
	}
	if c.PIN.Time < 1 || c.PIN.Parallelism < 1 {
		return errors.New("PIN Time and Parallelism must be >= 1")
	}
	if c.PIN.SaltLength < 16 || c.PIN.KeyLength < 16 {
		return errors.New("PIN SaltLength and KeyLength must be >= 16")
	}
	if c.PIN.RandomLength < 0 {
		return errors.New("PIN RandomLength must be >= 0")
	}
	if _, err := pin.Alphabet(c.PIN.RandomContent); err != nil {
		return fmt.Errorf("PIN RandomContent: %w", err)
	}

	// Secrets
	if c.Secrets.Key != "" {
		key, err := hex.DecodeString(c.Secrets.Key)
		if err != nil || len(key) != 32 {
			return errors.New("Secrets Key must be 64 hex characters")
		}
	}

	// Credential
	if c.Credential.Enabled {
		if c.Credential.SigningMethod != "ed25519" && c.Credential.SigningMethod != "hs256" {
			return errors.New("unsupported Credential signing method")
		}
		if c.Credential.PrivateKey == "" {
			return errors.New("Credential requires PrivateKey")
		}
		if c.Credential.LogoutTime <= 0 {
			return errors.New("Credential LogoutTime must be > 0")
		}
	}

	// Attestation
	if c.Attestation.Watch && len(c.Attestation.TrustedRoots) == 0 {
		return errors.New("Attestation Watch requires TrustedRoots")
	}
	if c.Attestation.WatchDebounce < 0 {
		return errors.New("Attestation WatchDebounce must be >= 0")
	}

	// Delivery
	if c.Delivery.Every < 0 || c.Delivery.Burst < 0 || c.Delivery.Timeout < 0 {
		return errors.New("Delivery limits must be >= 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	// Database
	if c.Database.Driver != "" && c.Database.Driver != "sqlite" && c.Database.Driver != "pgx" {
		return errors.New("Database Driver must be sqlite or pgx")
	}
	return nil
}
