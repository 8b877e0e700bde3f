package credential

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testClaims = Claims{
	Subject: "42",
	Email:   "a@b.com",
	Name:    "A",
	Picture: "http://x/y.png",
}

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0).UTC()} }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCodec(t *testing.T, clock *fakeClock) *Codec {
	t.Helper()
	c, err := NewCodec([]byte("0123456789abcdef0123456789abcdef"), WithIssuer("mathnarrator"), WithClock(clock.Now))
	require.NoError(t, err)
	return c
}

func TestNewCodecRequiresSecret(t *testing.T) {
	_, err := NewCodec(nil)
	require.Error(t, err)
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	clock := newFakeClock()
	c := newTestCodec(t, clock)

	for _, ttl := range []time.Duration{time.Second, time.Minute, 60 * time.Minute, 24 * time.Hour} {
		token, err := c.Issue(testClaims, ttl)
		require.NoError(t, err)

		got, err := c.Verify(token)
		require.NoError(t, err, "ttl %s", ttl)
		require.Equal(t, testClaims, got)
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	c := newTestCodec(t, newFakeClock())

	_, err := c.Issue(testClaims, 0)
	require.ErrorIs(t, err, ErrInvalidTTL)

	_, err = c.Issue(testClaims, -time.Hour)
	require.ErrorIs(t, err, ErrInvalidTTL)

	_, err = c.Issue(Claims{Email: "a@b.com"}, time.Hour)
	require.ErrorIs(t, err, ErrMissingSubject)
}

func TestIssueSubSecondTTL(t *testing.T) {
	clock := newFakeClock()
	clock.Advance(300 * time.Millisecond)
	c := newTestCodec(t, clock)

	for _, ttl := range []time.Duration{time.Nanosecond, 200 * time.Millisecond, 1500 * time.Millisecond} {
		token, err := c.Issue(testClaims, ttl)
		require.NoError(t, err, "ttl %s", ttl)

		_, err = c.Verify(token)
		require.NoError(t, err, "ttl %s", ttl)
	}

	token, err := c.Issue(testClaims, 200*time.Millisecond)
	require.NoError(t, err)
	clock.Advance(700 * time.Millisecond)
	_, err = c.Verify(token)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestExpiryAfterRoundsUp(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	require.Equal(t, base.Add(time.Second), expiryAfter(base, time.Nanosecond))
	require.Equal(t, base.Add(time.Minute), expiryAfter(base, time.Minute))
	require.Equal(t, base.Add(2*time.Second), expiryAfter(base.Add(300*time.Millisecond), 1500*time.Millisecond))
}

func TestVerifyAfterExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCodec(t, clock)

	token, err := c.Issue(testClaims, time.Hour)
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	_, err = c.Verify(token)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = c.Verify(token)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyExactlyAtExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCodec(t, clock)

	token, err := c.Issue(testClaims, time.Minute)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = c.Verify(token)
	require.ErrorIs(t, err, ErrInvalid)

	clock.Advance(500 * time.Millisecond)
	_, err = c.Verify(token)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyTamperedSignature(t *testing.T) {
	c := newTestCodec(t, newFakeClock())

	token, err := c.Issue(testClaims, time.Hour)
	require.NoError(t, err)

	sigStart := strings.LastIndex(token, ".") + 1
	for i := sigStart; i < len(token); i++ {
		replacement := byte('A')
		if token[i] == 'A' {
			replacement = 'B'
		}
		tampered := token[:i] + string(replacement) + token[i+1:]
		_, err := c.Verify(tampered)
		require.Error(t, err, "position %d", i)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	clock := newFakeClock()
	c := newTestCodec(t, clock)
	other, err := NewCodec([]byte("another-secret-another-secret-xx"), WithIssuer("mathnarrator"), WithClock(clock.Now))
	require.NoError(t, err)

	token, err := c.Issue(testClaims, time.Hour)
	require.NoError(t, err)

	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyMalformed(t *testing.T) {
	c := newTestCodec(t, newFakeClock())

	for _, in := range []string{"", "abc123", "a.b", "not.a.token", "....."} {
		_, err := c.Verify(in)
		require.ErrorIs(t, err, ErrMalformed, "input %q", in)
	}
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	clock := newFakeClock()
	c := newTestCodec(t, clock)

	claims := tokenClaims{
		Email: testClaims.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   testClaims.Subject,
			Issuer:    "mathnarrator",
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(c.secret)
	require.NoError(t, err)
	_, err = c.Verify(hs512)
	require.ErrorIs(t, err, ErrInvalid)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = c.Verify(none)
	require.Error(t, err)
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	clock := newFakeClock()
	c := newTestCodec(t, clock)
	foreign, err := NewCodec(c.secret, WithIssuer("someone-else"), WithClock(clock.Now))
	require.NoError(t, err)

	token, err := foreign.Issue(testClaims, time.Hour)
	require.NoError(t, err)

	_, err = c.Verify(token)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestIssuedTokensAreURLSafe(t *testing.T) {
	c := newTestCodec(t, newFakeClock())

	token, err := c.Issue(Claims{Subject: "s", Name: "Ünïcødé & <friends>?"}, time.Hour)
	require.NoError(t, err)
	require.NotContainsf(t, token, "+", "token %q", token)
	require.NotContains(t, token, "/")
	require.NotContains(t, token, "=")
	require.Len(t, strings.Split(token, "."), 3)
}
