package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrThrottled = errors.New("delivery throttled")
	ErrFailed    = errors.New("delivery failed")
)

// Message is one out-of-band challenge delivery. Code is secret and must not
// be logged by senders.
type Message struct {
	Channel       string
	Target        string
	Serial        string
	TransactionID string
	Text          string
	Code          string
}

// Sender delivers challenge messages (SMS gateway, mail relay, push).
// Failures are reported to the caller and never retried here.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Discard accepts and drops every message.
type Discard struct{}

func (Discard) Send(context.Context, Message) error { return nil }

// ThrottleConfig bounds deliveries per target.
type ThrottleConfig struct {
	Every   time.Duration
	Burst   int
	Timeout time.Duration
	MaxIdle int
}

// Throttled wraps a Sender with a per-target token bucket and a send
// timeout.
type Throttled struct {
	next Sender
	cfg  ThrottleConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottled wraps next. A zero Every disables throttling.
func NewThrottled(next Sender, cfg ThrottleConfig) *Throttled {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 10000
	}
	return &Throttled{next: next, cfg: cfg, limiters: map[string]*rate.Limiter{}}
}

func (t *Throttled) Send(ctx context.Context, msg Message) error {
	if t.cfg.Every > 0 && !t.limiter(msg.Channel+":"+msg.Target).Allow() {
		return ErrThrottled
	}
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}
	if err := t.next.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return nil
}

func (t *Throttled) limiter(target string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[target]
	if ok {
		return l
	}
	if len(t.limiters) >= t.cfg.MaxIdle {
		t.limiters = map[string]*rate.Limiter{}
	}
	l = rate.NewLimiter(rate.Every(t.cfg.Every), t.cfg.Burst)
	t.limiters[target] = l
	return l
}
