package token_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/goMFA/attestation"
	"github.com/MrEthical07/goMFA/attestation/webauthntest"
	"github.com/MrEthical07/goMFA/otp"
	"github.com/MrEthical07/goMFA/token"
)

func generator(t *testing.T) otp.Generator {
	t.Helper()
	g, err := otp.NewKeyGenerator([]byte("12345678901234567890"), 6, otp.SHA1)
	require.NoError(t, err)
	return g
}

func codeAt(t *testing.T, g otp.Generator, c int64) string {
	t.Helper()
	v, err := g.At(c)
	require.NoError(t, err)
	return v
}

func verifiable(t *testing.T, typ token.Type) token.Verifiable {
	t.Helper()
	v, err := token.For(typ)
	require.NoError(t, err)
	out, ok := v.(token.Verifiable)
	require.True(t, ok)
	return out
}

func TestCapabilitiesPerType(t *testing.T) {
	cases := []struct {
		typ                                        token.Type
		verifiable, challenge, deliver, attestable bool
	}{
		{token.TypeHOTP, true, false, false, false},
		{token.TypeTOTP, true, false, false, false},
		{token.TypeSMS, true, true, true, false},
		{token.TypeEmail, true, true, true, false},
		{token.TypeWebAuthn, false, true, false, true},
	}
	for _, tc := range cases {
		v, err := token.For(tc.typ)
		require.NoError(t, err)
		assert.Equal(t, tc.typ, v.Type())
		_, ok := v.(token.Verifiable)
		assert.Equal(t, tc.verifiable, ok, "%s verifiable", tc.typ)
		_, ok = v.(token.ChallengeCapable)
		assert.Equal(t, tc.challenge, ok, "%s challenge", tc.typ)
		_, ok = v.(token.Deliverable)
		assert.Equal(t, tc.deliver, ok, "%s deliverable", tc.typ)
		_, ok = v.(token.AttestationCapable)
		assert.Equal(t, tc.attestable, ok, "%s attestation", tc.typ)
	}
	_, err := token.For("yubikey")
	assert.ErrorIs(t, err, token.ErrUnknownType)
}

func TestHOTPVerifyAdvancesCounterAndRejectsReplay(t *testing.T) {
	g := generator(t)
	rec := &token.Record{Type: token.TypeHOTP, CountWindow: 10, SyncWindow: 1000}
	v := verifiable(t, token.TypeHOTP)

	res, err := v.Verify(token.VerifyInput{Record: rec, Generator: g, Presented: codeAt(t, g, 0)})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, int64(0), res.Matched)
	assert.Equal(t, int64(1), res.Counter)

	rec.Counter = res.Counter
	res, err = v.Verify(token.VerifyInput{Record: rec, Generator: g, Presented: codeAt(t, g, 0)})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, int64(1), res.Counter)
}

func TestHOTPAutoResyncTwoCalls(t *testing.T) {
	g := generator(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &token.Record{Type: token.TypeHOTP, CountWindow: 5, SyncWindow: 100}
	v := verifiable(t, token.TypeHOTP)
	in := token.VerifyInput{Record: rec, Generator: g, Now: now, AutoResync: true, ResyncTimeout: 5 * time.Minute}

	in.Presented = codeAt(t, g, 8)
	res, err := v.Verify(in)
	require.NoError(t, err)
	assert.False(t, res.OK())
	require.NotNil(t, res.Pending)
	assert.Equal(t, int64(8), res.Pending.Counter)
	assert.Equal(t, now.Add(5*time.Minute), res.Pending.Deadline)

	rec.Pending = res.Pending
	in.Presented = codeAt(t, g, 9)
	in.Now = now.Add(time.Minute)
	res, err = v.Verify(in)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, int64(9), res.Matched)
	assert.Equal(t, int64(10), res.Counter)
	assert.Nil(t, res.Pending)
}

func TestHOTPAutoResyncNonConsecutiveClearsPending(t *testing.T) {
	g := generator(t)
	now := time.Now()
	rec := &token.Record{Type: token.TypeHOTP, CountWindow: 5, SyncWindow: 100, Pending: &otp.Pending{Counter: 8, Deadline: now.Add(time.Minute)}}
	res, err := verifiable(t, token.TypeHOTP).Verify(token.VerifyInput{
		Record: rec, Generator: g, Presented: codeAt(t, g, 7), Now: now, AutoResync: true, ResyncTimeout: time.Minute,
	})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Nil(t, res.Pending)
	assert.Equal(t, int64(0), res.Counter)
}

func TestHOTPWithoutAutoResyncKeepsPending(t *testing.T) {
	g := generator(t)
	pending := &otp.Pending{Counter: 8, Deadline: time.Now().Add(time.Minute)}
	rec := &token.Record{Type: token.TypeHOTP, CountWindow: 5, Pending: pending}
	res, err := verifiable(t, token.TypeHOTP).Verify(token.VerifyInput{Record: rec, Generator: g, Presented: codeAt(t, g, 50)})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, pending, res.Pending)
}

func TestTOTPVerifyUsesShiftAndFloor(t *testing.T) {
	g := generator(t)
	now := time.Unix(1_700_000_000, 0)
	step := otp.TimeCounter(now, 30)
	rec := &token.Record{Type: token.TypeTOTP, TimeStep: 30, CountWindow: 1}
	v := verifiable(t, token.TypeTOTP)

	res, err := v.Verify(token.VerifyInput{Record: rec, Generator: g, Presented: codeAt(t, g, step), Now: now})
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, step+1, res.Counter)

	rec.Counter = res.Counter
	res, err = v.Verify(token.VerifyInput{Record: rec, Generator: g, Presented: codeAt(t, g, step), Now: now})
	require.NoError(t, err)
	assert.False(t, res.OK(), "same step must not be accepted twice")

	shifted := &token.Record{Type: token.TypeTOTP, TimeStep: 30, CountWindow: 1, TimeShift: 300}
	res, err = v.Verify(token.VerifyInput{Record: shifted, Generator: g, Presented: codeAt(t, g, step+10), Now: now})
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestSMSChallengeDeliversCurrentCounterCode(t *testing.T) {
	g := generator(t)
	rec := &token.Record{Serial: "PISM0001", Type: token.TypeSMS, Counter: 3, CountWindow: 10, Info: map[string]string{token.InfoPhone: "+15550100"}}
	v, err := token.For(token.TypeSMS)
	require.NoError(t, err)

	data, err := v.(token.ChallengeCapable).NewChallenge(token.ChallengeInput{Record: rec, Generator: g})
	require.NoError(t, err)
	assert.Equal(t, codeAt(t, g, 3), data.Code)
	assert.Equal(t, "3", data.Payload)
	assert.NotContains(t, data.Payload, data.Code)

	ch, addr, err := v.(token.Deliverable).Destination(rec)
	require.NoError(t, err)
	assert.Equal(t, "sms", ch)
	assert.Equal(t, "+15550100", addr)

	res, err := v.(token.ChallengeCapable).Answer(token.AnswerInput{Record: rec, Generator: g, Presented: data.Code})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, int64(4), res.Counter)

	_, _, err = v.(token.Deliverable).Destination(&token.Record{Serial: "PISM0002"})
	assert.ErrorIs(t, err, token.ErrNoDestination)
}

func TestWebAuthnRegisterAndAnswer(t *testing.T) {
	ca, err := webauthntest.NewCA("Root")
	require.NoError(t, err)
	auth, err := webauthntest.New(ca, "Key", [16]byte{1, 2, 3})
	require.NoError(t, err)

	exp := attestation.Expectation{RPID: "example.com", Origins: []string{"https://example.com"}, Challenge: attestation.NewChallenge([]byte("register-challenge"))}
	reg, err := auth.Register(exp, attestation.FormatPacked)
	require.NoError(t, err)

	v, err := token.For(token.TypeWebAuthn)
	require.NoError(t, err)
	rec := &token.Record{Serial: "WAN00000001", Type: token.TypeWebAuthn}
	res, err := v.(token.AttestationCapable).Register(rec, reg, exp)
	require.NoError(t, err)
	assert.Len(t, res.Chain, 1)
	assert.NotEmpty(t, rec.Info[token.InfoCredentialID])
	assert.Equal(t, "packed", rec.Info[token.InfoAttestationFmt])

	data, err := v.(token.ChallengeCapable).NewChallenge(token.ChallengeInput{Record: rec, Nonce: []byte("login-nonce-0123456789")})
	require.NoError(t, err)
	assert.Contains(t, data.Message, rec.Info[token.InfoCredentialID])

	get := exp
	get.Challenge = data.Payload
	as, err := auth.Assert(get)
	require.NoError(t, err)
	wire, err := token.EncodeAssertion(as)
	require.NoError(t, err)

	out, err := v.(token.ChallengeCapable).Answer(token.AnswerInput{Record: rec, Payload: data.Payload, Presented: wire, Expectation: exp})
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, int64(1), out.Counter)

	rec.Counter = out.Counter
	_, err = v.(token.ChallengeCapable).Answer(token.AnswerInput{Record: rec, Payload: data.Payload, Presented: wire, Expectation: exp})
	assert.ErrorIs(t, err, attestation.ErrSignCountReplay)

	_, err = v.(token.ChallengeCapable).Answer(token.AnswerInput{Record: rec, Payload: data.Payload, Presented: "{", Expectation: exp})
	assert.ErrorIs(t, err, attestation.ErrInvalidAssertion)
}

func TestRecordFailCounterLockAndCooldown(t *testing.T) {
	now := time.Now()
	rec := &token.Record{MaxFail: 3}
	for i := 0; i < 5; i++ {
		rec.RecordFailure(now)
	}
	assert.Equal(t, 3, rec.FailCount)
	assert.Equal(t, now, rec.FailedAt)
	assert.True(t, rec.Locked(now, 0))
	assert.True(t, rec.Locked(now.Add(time.Hour), 0), "no cooldown configured")
	assert.True(t, rec.Locked(now.Add(time.Minute), 10*time.Minute))
	assert.False(t, rec.Locked(now.Add(10*time.Minute), 10*time.Minute))

	rec.ResetFailCount()
	assert.False(t, rec.Locked(now, 0))
	assert.True(t, rec.FailedAt.IsZero())
}

func TestRecordUsable(t *testing.T) {
	now := time.Now()
	rec := &token.Record{Active: true, Rollout: token.RolloutEnrolled}
	assert.True(t, rec.Usable(now))

	rec.Rollout = token.RolloutVerifyPending
	assert.False(t, rec.Usable(now))
	rec.Rollout = ""
	assert.True(t, rec.Usable(now))

	rec.ValidUntil = now.Add(-time.Second)
	assert.False(t, rec.Usable(now))
	rec.ValidUntil = time.Time{}
	rec.Active = false
	assert.False(t, rec.Usable(now))
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := token.NewMemoryStore()
	rec := &token.Record{Serial: "OATH0001", Type: token.TypeHOTP, Owner: token.Owner{UserID: "alice", Realm: "corp"}}
	require.NoError(t, s.Create(ctx, rec))
	assert.ErrorIs(t, s.Create(ctx, rec), token.ErrExists)

	a, err := s.Get(ctx, "OATH0001")
	require.NoError(t, err)
	b, err := s.Get(ctx, "OATH0001")
	require.NoError(t, err)

	a.Counter = 5
	require.NoError(t, s.Update(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.Counter = 7
	assert.ErrorIs(t, s.Update(ctx, b), token.ErrVersionConflict)

	got, err := s.Get(ctx, "OATH0001")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Counter)

	list, err := s.ListByOwner(ctx, token.Owner{UserID: "alice", Realm: "CORP"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = s.ListByOwner(ctx, token.Owner{UserID: "alice", Realm: "other"})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.Delete(ctx, "OATH0001"))
	_, err = s.Get(ctx, "OATH0001")
	assert.ErrorIs(t, err, token.ErrNotFound)
}
