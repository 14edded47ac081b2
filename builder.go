package goMFA

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goMFA/attestation"
	"github.com/MrEthical07/goMFA/challenge"
	"github.com/MrEthical07/goMFA/credential"
	"github.com/MrEthical07/goMFA/delivery"
	"github.com/MrEthical07/goMFA/internal/audit"
	"github.com/MrEthical07/goMFA/internal/rate"
	"github.com/MrEthical07/goMFA/internal/stores"
	"github.com/MrEthical07/goMFA/pin"
	"github.com/MrEthical07/goMFA/policy"
	"github.com/MrEthical07/goMFA/secrets"
	"github.com/MrEthical07/goMFA/token"
)

const openDBTimeout = 10 * time.Second

// Builder assembles an Engine. A Builder is used once: configure it with
// the With methods, then call Build.
type Builder struct {
	config Config
	logger *slog.Logger
	now    func() time.Time
	redis  redis.UniversalClient

	useSQL     bool
	policies   policy.Store
	tokens     token.Store
	challenges challenge.Store

	directory Directory
	sender    delivery.Sender
	auditSink AuditSink

	built bool
}

// New returns a Builder holding the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithLogger sets the operational logger. The default discards.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides the engine time source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithRedis backs challenges and the authorization counters with Redis.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithSQLDatabase opens Config.Database at Build and stores policies,
// tokens and, without Redis, challenges there.
func (b *Builder) WithSQLDatabase() *Builder {
	b.useSQL = true
	return b
}

func (b *Builder) WithPolicyStore(s policy.Store) *Builder {
	b.policies = s
	return b
}

func (b *Builder) WithTokenStore(s token.Store) *Builder {
	b.tokens = s
	return b
}

func (b *Builder) WithChallengeStore(s challenge.Store) *Builder {
	b.challenges = s
	return b
}

// WithDirectory sets the user directory used for user existence, userstore
// PINs and userinfo policy conditions.
func (b *Builder) WithDirectory(d Directory) *Builder {
	b.directory = d
	return b
}

// WithSender sets the SMS/email delivery collaborator. It is wrapped with
// the per-target throttle from Config.Delivery.
func (b *Builder) WithSender(s delivery.Sender) *Builder {
	b.sender = s
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Secrets.Key == "" {
		return nil, errors.New("Secrets Key required")
	}

	e := &Engine{
		config:    cfg,
		logger:    b.logger,
		now:       b.now,
		directory: b.directory,
		metrics:   NewMetrics(cfg.Metrics),
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.now == nil {
		e.now = time.Now
	}

	// -------- STORES --------
	if err := b.wireStores(e); err != nil {
		return nil, err
	}

	// -------- SECRETS / PIN --------
	keeper, err := secrets.NewKeeperHex(cfg.Secrets.Key)
	if err != nil {
		e.closeStores()
		return nil, err
	}
	e.keeper = keeper
	if e.pins, err = pin.NewCodec(cfg.PIN.params(), keeper); err != nil {
		e.closeStores()
		return nil, err
	}

	// -------- CREDENTIAL --------
	if cfg.Credential.Enabled {
		e.credentials, err = credential.NewManager(credential.Config{
			SigningMethod: credential.SigningMethod(cfg.Credential.SigningMethod),
			PrivateKey:    []byte(cfg.Credential.PrivateKey),
			PublicKey:     []byte(cfg.Credential.PublicKey),
			Issuer:        cfg.Credential.Issuer,
			Audience:      cfg.Credential.Audience,
			DefaultTTL:    cfg.Credential.LogoutTime,
			KeyID:         cfg.Credential.KeyID,
		})
		if err != nil {
			e.closeStores()
			return nil, err
		}
	}

	// -------- ATTESTATION --------
	trust, err := attestation.NewTrustStore(cfg.Attestation.TrustedRoots...)
	if err != nil {
		e.closeStores()
		return nil, err
	}
	e.verifier = attestation.NewVerifier(trust).WithClock(e.now)
	if cfg.Attestation.Watch {
		watchCtx, cancel := context.WithCancel(context.Background())
		onError := func(err error) { e.logError(watchCtx, "trusted root reload failed", err) }
		if err := trust.Watch(watchCtx, cfg.Attestation.WatchDebounce, onError); err != nil {
			cancel()
			e.closeStores()
			return nil, err
		}
		e.stopWatch = cancel
	}

	// -------- DELIVERY --------
	if b.sender != nil {
		e.sender = delivery.NewThrottled(b.sender, delivery.ThrottleConfig{
			Every:   cfg.Delivery.Every,
			Burst:   cfg.Delivery.Burst,
			Timeout: cfg.Delivery.Timeout,
		})
	}

	// -------- AUTHZ COUNTERS --------
	if b.redis != nil {
		e.limiter = rate.New(rate.NewRedisCounter(b.redis, cfg.Redis.Prefix+":authz"))
	} else {
		e.limiter = rate.New(rate.NewMemoryCounter())
	}

	// -------- AUDIT --------
	e.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	e.validate = validatePipeline()
	e.trigger = triggerPipeline()
	e.admin = adminPipeline()
	e.flow = newFlowService(e)
	return e, nil
}

func (b *Builder) wireStores(e *Engine) error {
	cfg := e.config
	if b.useSQL && (b.policies == nil || b.tokens == nil || (b.challenges == nil && b.redis == nil)) {
		ctx, cancel := context.WithTimeout(context.Background(), openDBTimeout)
		defer cancel()
		db, err := stores.OpenDB(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		e.db = db
		if b.policies == nil {
			b.policies = stores.NewSQLPolicyStore(db)
		}
		if b.tokens == nil {
			b.tokens = stores.NewSQLTokenStore(db)
		}
		if b.challenges == nil && b.redis == nil {
			b.challenges = stores.NewSQLChallengeStore(db)
		}
	}
	if b.challenges == nil && b.redis != nil {
		b.challenges = stores.NewRedisChallengeStore(b.redis, cfg.Redis.Prefix+":ch")
	}

	e.policies = b.policies
	if e.policies == nil {
		mem, _ := policy.NewMemoryStore()
		e.policies = mem
	}
	e.tokens = b.tokens
	if e.tokens == nil {
		e.tokens = token.NewMemoryStore()
	}
	e.challenges = b.challenges
	if e.challenges == nil {
		e.challenges = challenge.NewMemoryStore()
	}
	return nil
}
