package goMFA

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func buildAuditEngine(t *testing.T, enabled bool, sink AuditSink) *Engine {
	t.Helper()
	cfg := engineTestConfig()
	cfg.Audit.Enabled = enabled
	cfg.Audit.DropIfFull = false
	e, err := New().WithConfig(cfg).WithAuditSink(sink).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func decodeAuditLines(t *testing.T, buf *bytes.Buffer) []AuditEvent {
	t.Helper()
	var out []AuditEvent
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func auditRoundTrip(t *testing.T, e *Engine) {
	t.Helper()
	ctx := WithClientIP(context.Background(), "10.0.0.7")
	_, err := e.Enroll(ctx, EnrollInput{Type: "hotp", User: "alice", Realm: "corp", PIN: "1234", Secret: rfcSecret})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	res, err := e.Check(ctx, CheckInput{User: "alice", Realm: "corp", Pass: "1234" + rfcCodes[0]})
	if err != nil || !res.Accepted() {
		t.Fatalf("check: %v %+v", err, res)
	}
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	sink := NewChannelSink(16)
	e := buildAuditEngine(t, false, sink)
	auditRoundTrip(t, e)
	e.Close()

	select {
	case ev := <-sink.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
	if e.AuditDropped() != 0 || len(e.AuditDroppedByType()) != 0 {
		t.Fatal("disabled audit should not count drops")
	}
}

func TestAuditEventsCarryRequestFields(t *testing.T) {
	var buf bytes.Buffer
	e := buildAuditEngine(t, true, NewJSONWriterSink(&buf))
	auditRoundTrip(t, e)
	e.Close()

	events := decodeAuditLines(t, &buf)
	seen := map[string]AuditEvent{}
	for _, ev := range events {
		if len(ev.ID) != 26 || ev.Timestamp.IsZero() {
			t.Fatalf("event not stamped: %+v", ev)
		}
		seen[ev.EventType] = ev
	}
	for _, want := range []string{AuditTokenEnrolled, AuditTokenCheckSuccess} {
		ev, ok := seen[want]
		if !ok {
			t.Fatalf("missing %s in %v", want, events)
		}
		if !ev.Success || ev.UserID != "alice" || ev.Realm != "corp" || ev.IP != "10.0.0.7" {
			t.Fatalf("unexpected %s event: %+v", want, ev)
		}
		if !strings.HasPrefix(ev.Serial, "OATH") || ev.TokenType != "hotp" {
			t.Fatalf("unexpected token fields: %+v", ev)
		}
	}
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	var buf bytes.Buffer
	e := buildAuditEngine(t, true, NewJSONWriterSink(&buf))
	auditRoundTrip(t, e)
	_, _ = e.Check(context.Background(), CheckInput{User: "alice", Realm: "corp", Pass: "1234" + rfcCodes[0]})
	e.Close()

	out := buf.String()
	if out == "" {
		t.Fatal("expected audit output")
	}
	for _, secret := range []string{string(rfcSecret), hex.EncodeToString(rfcSecret), "1234" + rfcCodes[0], rfcCodes[0]} {
		if strings.Contains(out, secret) {
			t.Fatalf("audit output leaks %q", secret)
		}
	}
}

func TestAuditErrorCodeHidesBackendDetail(t *testing.T) {
	err := fmt.Errorf("%w: dial tcp 10.1.1.1:6379: connection refused", ErrBackendUnavailable)
	if got := auditErrorCode(err); got != ErrBackendUnavailable.Error() {
		t.Fatalf("got %q", got)
	}
	if got := auditErrorCode(errors.New("boom")); got != "internal error" {
		t.Fatalf("got %q", got)
	}
	if auditErrorCode(nil) != "" {
		t.Fatal("nil error should map to empty code")
	}
}
