package flows

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goMFA/challenge"
	"github.com/MrEthical07/goMFA/delivery"
	"github.com/MrEthical07/goMFA/otp"
	"github.com/MrEthical07/goMFA/pin"
	"github.com/MrEthical07/goMFA/secrets"
	"github.com/MrEthical07/goMFA/token"
)

// rfcSecret and rfcCodes are the RFC 4226 appendix D test vectors.
var (
	rfcSecret = []byte("12345678901234567890")
	rfcCodes  = []string{"755224", "287082", "359152", "969429", "338314", "254676", "287922", "162583", "399871", "520489"}
)

var (
	errNotReady     = errors.New("engine not ready")
	errInvalid      = errors.New("invalid parameter")
	errAuthFailed   = errors.New("authentication failed")
	errNoToken      = errors.New("token not found")
	errLocked       = errors.New("token locked")
	errNoChallenge  = errors.New("challenge not found")
	errExpired      = errors.New("challenge expired")
	errDelivery     = errors.New("delivery failed")
	errAttestation  = errors.New("attestation rejected")
	errPolicyDenied = errors.New("policy denied")
	errBackend      = errors.New("backend unavailable")
)

type harness struct {
	t          *testing.T
	mu         sync.Mutex
	now        time.Time
	tokens     *token.MemoryStore
	challenges *challenge.MemoryStore
	keeper     *secrets.Keeper
	pins       *pin.Codec
	sent       []delivery.Message
	sendErr    error
	audits     []AuditRecord
	txSeq      int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	keeper, err := secrets.NewKeeper(make([]byte, secrets.KeySize))
	if err != nil {
		t.Fatalf("keeper: %v", err)
	}
	codec, err := pin.NewCodec(pin.Params{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}, keeper)
	if err != nil {
		t.Fatalf("pin codec: %v", err)
	}
	return &harness{
		t:          t,
		now:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		tokens:     token.NewMemoryStore(),
		challenges: challenge.NewMemoryStore(),
		keeper:     keeper,
		pins:       codec,
	}
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) tokenDeps() TokenDeps {
	return TokenDeps{
		Now:         h.clock,
		GetToken:    h.tokens.Get,
		ListTokens:  h.tokens.ListByOwner,
		UpdateToken: h.tokens.Update,
		Generator: func(r *token.Record) (otp.Generator, error) {
			return h.keeper.Generator(r.Secret, r.OTPLen, r.HashAlgo)
		},
		CheckPIN: h.pins.Check,
		EmitAudit: func(_ context.Context, rec AuditRecord) {
			h.mu.Lock()
			h.audits = append(h.audits, rec)
			h.mu.Unlock()
		},
		Errors: TokenErrors{
			EngineNotReady:       errNotReady,
			InvalidParameter:     errInvalid,
			AuthenticationFailed: errAuthFailed,
			TokenNotFound:        errNoToken,
			TokenLocked:          errLocked,
			ChallengeNotFound:    errNoChallenge,
			ChallengeExpired:     errExpired,
			DeliveryFailed:       errDelivery,
			AttestationRejected:  errAttestation,
			PolicyDenied:         errPolicyDenied,
			BackendUnavailable:   errBackend,
		},
	}
}

func (h *harness) newTransactionID() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.txSeq++
	return fmt.Sprintf("tx%010d", h.txSeq), nil
}

func (h *harness) checkDeps() CheckDeps {
	return CheckDeps{
		Token:            h.tokenDeps(),
		CreateChallenge:  h.challenges.Create,
		ConsumeChallenge: h.challenges.Consume,
		NewTransactionID: h.newTransactionID,
		NewNonce:         func() ([]byte, error) { return []byte("0123456789abcdef0123456789abcdef"), nil },
		Deliver: func(_ context.Context, msg delivery.Message) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.sendErr != nil {
				return h.sendErr
			}
			h.sent = append(h.sent, msg)
			return nil
		},
		Events: CheckEvents{
			CheckSuccess:      "check_success",
			CheckFailure:      "check_failure",
			TokenLocked:       "token_locked",
			ChallengeCreated:  "challenge_created",
			DeliveryFailed:    "challenge_delivery_failed",
			ChallengeAnswered: "challenge_answered",
			ChallengeExpired:  "challenge_expired",
		},
	}
}

func (h *harness) adminDeps() AdminDeps {
	return AdminDeps{
		Token:       h.tokenDeps(),
		DeleteToken: h.tokens.Delete,
		EncodePIN:   h.pins.Encode,
		Events:      AdminEvents{AdminAction: "admin_action", Resync: "resync"},
	}
}

// addToken stores an enrolled token owned by alice with the RFC secret.
func (h *harness) addToken(serial string, typ token.Type, pinValue string, mutate func(*token.Record)) *token.Record {
	h.t.Helper()
	sealed, err := h.keeper.Seal(rfcSecret)
	if err != nil {
		h.t.Fatalf("seal: %v", err)
	}
	encoded, err := h.pins.Encode(pinValue, false)
	if err != nil {
		h.t.Fatalf("encode pin: %v", err)
	}
	r := &token.Record{
		Serial:      serial,
		Type:        typ,
		Secret:      sealed,
		OTPLen:      6,
		CountWindow: 10,
		SyncWindow:  1000,
		MaxFail:     10,
		Active:      true,
		Rollout:     token.RolloutEnrolled,
		PinHash:     encoded,
		Owner:       token.Owner{UserID: "alice", Realm: "corp"},
	}
	if typ == token.TypeTOTP {
		r.TimeStep = 30
	}
	if mutate != nil {
		mutate(r)
	}
	if err := h.tokens.Create(context.Background(), r); err != nil {
		h.t.Fatalf("create token: %v", err)
	}
	return r
}

func (h *harness) load(serial string) *token.Record {
	h.t.Helper()
	r, err := h.tokens.Get(context.Background(), serial)
	if err != nil {
		h.t.Fatalf("load %s: %v", serial, err)
	}
	return r
}

func (h *harness) auditEvents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.audits))
	for _, a := range h.audits {
		out = append(out, a.Event)
	}
	return out
}

func alice() token.Owner { return token.Owner{UserID: "alice", Realm: "corp"} }

func hotpCode(t *testing.T, counter int64) string {
	t.Helper()
	code, err := otp.HOTP(rfcSecret, counter, 6, otp.SHA1)
	if err != nil {
		t.Fatalf("hotp: %v", err)
	}
	return code
}
