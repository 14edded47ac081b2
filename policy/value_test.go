package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionUsesRegisteredKinds(t *testing.T) {
	v, err := ParseAction(ActionOTPPinRandom, "6")
	require.NoError(t, err)
	n, ok := v.AsInt()
	assert.True(t, ok)
	assert.Equal(t, int64(6), n)

	v, err = ParseAction(ActionChallengeResponse, "hotp, sms totp")
	require.NoError(t, err)
	l, ok := v.AsList()
	assert.True(t, ok)
	assert.Equal(t, []string{"hotp", "sms", "totp"}, l)

	v, err = ParseAction(ActionPassOnNoToken, "")
	require.NoError(t, err)
	b, ok := v.AsBool()
	assert.True(t, ok && b)

	v, err = ParseAction("enrollWEBAUTHN", "")
	require.NoError(t, err)
	assert.Equal(t, KindBool, v.Kind())

	v, err = ParseAction("custom_action", "hello")
	require.NoError(t, err)
	assert.Equal(t, Text("hello"), v)

	_, err = ParseAction(ActionOTPPinRandom, "six")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestParseActionsString(t *testing.T) {
	got, err := ParseActions("otp_pin_random=6, enrollHOTP, webauthn_req='subject/.*Yubico.*/,issuer/.*/', challenge_text=Enter code")
	require.NoError(t, err)
	assert.Equal(t, Int(6), got[ActionOTPPinRandom])
	assert.Equal(t, Bool(true), got["enrollHOTP"])
	assert.Equal(t, List("subject/.*Yubico.*/", "issuer/.*/"), got[ActionWebAuthnReq])
	assert.Equal(t, Text("Enter code"), got[ActionChallengeText])
}

func TestValueJSONKeepsVariant(t *testing.T) {
	in := map[string]Value{
		"b": Bool(true),
		"i": Int(42),
		"t": Text("x"),
		"l": List("a", "b"),
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out map[string]Value
	require.NoError(t, json.Unmarshal(raw, &out))
	for k, v := range in {
		assert.True(t, v.Equal(out[k]), "key %s", k)
	}
}

func TestPolicyValidate(t *testing.T) {
	good := pol("ok", ScopeEnroll, 1, map[string]Value{ActionOTPPinRandom: Int(6)})
	good.Clients = []string{"10.0.0.0/8", "-10.0.0.1"}
	good.Time = "Mon-Sun: 00:00-23:59"
	require.NoError(t, good.Validate())

	bad := []*Policy{
		pol("bad name", ScopeAuth, 1, nil),
		pol("scope", Scope("nope"), 1, nil),
		pol("prio", ScopeAuth, 0, nil),
		pol("kind", ScopeEnroll, 1, map[string]Value{ActionOTPPinRandom: Text("6")}),
		func() *Policy { p := pol("client", ScopeAuth, 1, nil); p.Clients = []string{"nonsense"}; return p }(),
		func() *Policy { p := pol("time", ScopeAuth, 1, nil); p.Time = "Funday: 1-2"; return p }(),
		func() *Policy {
			p := pol("cond", ScopeAuth, 1, nil)
			p.Conditions = []Condition{{Section: "nowhere", Key: "k", Comparator: CompareEquals}}
			return p
		}(),
	}
	for _, p := range bad {
		assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy, p.Name)
	}
}

func TestTimeSpecWrapsMidnight(t *testing.T) {
	spec, err := ParseTimeSpec("Fri: 22:00-02:00")
	require.NoError(t, err)
	assert.True(t, spec.Contains(time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC)))
	assert.True(t, spec.Contains(time.Date(2026, 10, 17, 1, 0, 0, 0, time.UTC)))
	assert.False(t, spec.Contains(time.Date(2026, 10, 17, 3, 0, 0, 0, time.UTC)))
	assert.False(t, spec.Contains(time.Date(2026, 10, 15, 23, 0, 0, 0, time.UTC)))
}

func TestCompareOperators(t *testing.T) {
	cases := []struct {
		actual string
		cmp    Comparator
		want   string
		res    bool
	}{
		{"a", CompareEquals, "a", true},
		{"a", CompareNotEquals, "a", false},
		{"hello world", CompareContains, "world", true},
		{"x,y", CompareContains, "x", true},
		{"x,yz", CompareContains, "y", false},
		{"abc123", CompareMatches, "[a-z]+[0-9]+", true},
		{"abc123x", CompareMatches, "[a-z]+[0-9]+", false},
		{"abc", CompareNotMatches, "z.*", true},
		{"b", CompareIn, "a, b, c", true},
		{"d", CompareNotIn, "a,b", true},
		{"5", CompareLess, "10", true},
		{"5", CompareGreater, "10", false},
	}
	for _, tc := range cases {
		got, err := compare(tc.actual, tc.cmp, tc.want)
		require.NoError(t, err)
		assert.Equal(t, tc.res, got, "%q %s %q", tc.actual, tc.cmp, tc.want)
	}
	_, err := compare("abc", CompareLess, "1")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestInactiveConditionIsTrue(t *testing.T) {
	ok, err := EvaluateCondition(context.Background(), Condition{Section: SectionToken, Key: "x", Comparator: CompareEquals}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreCreateOrReplace(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore(pol("p", ScopeAuth, 1, map[string]Value{ActionOTPPin: Text(OTPPinNone)}))
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, pol("p", ScopeAuth, 3, map[string]Value{ActionOTPPin: Text(OTPPinToken)})))
	got, err := s.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Priority)

	inactive := pol("q", ScopeAuth, 1, nil)
	inactive.Active = false
	require.NoError(t, s.Put(ctx, inactive))
	active, err := s.ListActive(ctx, ScopeAuth)
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, Set(active).Names())
	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, "p"))
	_, err = s.Get(ctx, "p")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "p"), ErrNotFound)
	assert.ErrorIs(t, s.Put(ctx, pol("", ScopeAuth, 1, nil)), ErrInvalidPolicy)
}
