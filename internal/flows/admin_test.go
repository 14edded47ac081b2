package flows

import (
	"context"
	"errors"
	"testing"

	"github.com/MrEthical07/goMFA/token"
)

func TestResyncEventToken(t *testing.T) {
	h := newHarness(t)
	h.addToken("OATH0001", token.TypeHOTP, "1234", nil)
	deps := h.adminDeps()
	ctx := context.Background()

	if err := RunResync(ctx, "OATH0001", rfcCodes[4], rfcCodes[6], deps); !errors.Is(err, errAuthFailed) {
		t.Fatalf("expected non-consecutive values rejected, got %v", err)
	}
	if err := RunResync(ctx, "OATH0001", rfcCodes[4], rfcCodes[5], deps); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if got := h.load("OATH0001").Counter; got != 6 {
		t.Fatalf("expected counter 6 after resync, got %d", got)
	}

	res := RunCheck(ctx, CheckRequest{Owner: alice(), Pass: "1234" + rfcCodes[5], Params: tokenPINParams()}, h.checkDeps())
	if res.Outcome != OutcomeReject {
		t.Fatalf("expected value consumed by resync to be rejected")
	}
}

func TestResyncRequiresBothValues(t *testing.T) {
	h := newHarness(t)
	h.addToken("OATH0001", token.TypeHOTP, "1234", nil)
	if err := RunResync(context.Background(), "OATH0001", rfcCodes[0], "", h.adminDeps()); !errors.Is(err, errInvalid) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
}

func TestSetPINEnforcesLength(t *testing.T) {
	h := newHarness(t)
	h.addToken("OATH0001", token.TypeHOTP, "1234", nil)
	deps := h.adminDeps()
	ctx := context.Background()
	rules := PINRules{MinLength: 4, MaxLength: 8}

	if err := RunSetPIN(ctx, "OATH0001", "12", rules, deps); !errors.Is(err, errInvalid) {
		t.Fatalf("expected short pin rejected, got %v", err)
	}
	if err := RunSetPIN(ctx, "OATH0001", "5678", rules, deps); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	res := RunCheck(ctx, CheckRequest{Owner: alice(), Pass: "5678" + rfcCodes[0], Params: tokenPINParams()}, h.checkDeps())
	if res.Outcome != OutcomeAccept {
		t.Fatalf("expected new pin accepted, got %v", res.Err)
	}
}

func TestSetPINEncryptedIsReversible(t *testing.T) {
	h := newHarness(t)
	h.addToken("OATH0001", token.TypeHOTP, "", nil)
	if err := RunSetPIN(context.Background(), "OATH0001", "4321", PINRules{Encrypt: true}, h.adminDeps()); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	plain, err := h.pins.Reveal(h.load("OATH0001").PinHash)
	if err != nil || plain != "4321" {
		t.Fatalf("expected reversible pin, got %q %v", plain, err)
	}
}

func TestResetFailCount(t *testing.T) {
	h := newHarness(t)
	h.addToken("OATH0001", token.TypeHOTP, "1234", func(r *token.Record) { r.FailCount = 10 })
	if err := RunResetFailCount(context.Background(), "OATH0001", h.adminDeps()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := h.load("OATH0001").FailCount; got != 0 {
		t.Fatalf("expected fail count 0, got %d", got)
	}
}

func TestDisableEnableAndDelete(t *testing.T) {
	h := newHarness(t)
	h.addToken("OATH0001", token.TypeHOTP, "1234", nil)
	deps := h.adminDeps()
	ctx := context.Background()

	if err := RunSetActive(ctx, "OATH0001", false, deps); err != nil {
		t.Fatalf("disable: %v", err)
	}
	res := RunCheck(ctx, CheckRequest{Owner: alice(), Pass: "1234" + rfcCodes[0], Params: tokenPINParams()}, h.checkDeps())
	if !errors.Is(res.Err, errAuthFailed) {
		t.Fatalf("expected disabled token rejected, got %v", res.Err)
	}
	if err := RunSetActive(ctx, "OATH0001", true, deps); err != nil {
		t.Fatalf("enable: %v", err)
	}
	res = RunCheck(ctx, CheckRequest{Owner: alice(), Pass: "1234" + rfcCodes[0], Params: tokenPINParams()}, h.checkDeps())
	if res.Outcome != OutcomeAccept {
		t.Fatalf("expected enabled token accepted, got %v", res.Err)
	}

	if err := RunDelete(ctx, "OATH0001", deps); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := RunDelete(ctx, "OATH0001", deps); !errors.Is(err, errNoToken) {
		t.Fatalf("expected second delete to report missing token, got %v", err)
	}
}
