// Package credential issues and verifies the HS256 session credentials handed
// to browsers after a successful provider login.
package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrMalformed reports a token that is not decodable as a signed JWT.
	ErrMalformed = errors.New("credential malformed")
	// ErrInvalid reports a decodable token that failed signature, algorithm,
	// issuer or expiry checks. Expired and forged tokens are not distinguished.
	ErrInvalid = errors.New("credential invalid")
	// ErrInvalidTTL is returned by Issue for a non-positive validity window.
	ErrInvalidTTL = errors.New("credential ttl must be positive")
	// ErrMissingSubject is returned by Issue when the claims carry no subject.
	ErrMissingSubject = errors.New("credential subject required")
)

// Claims is the identity carried inside a session credential.
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

type tokenClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// Codec signs and verifies session credentials with a shared secret.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
	method *jwt.SigningMethodHMAC
}

// Option customises a Codec.
type Option func(*Codec)

// WithIssuer stamps and requires the iss claim.
func WithIssuer(issuer string) Option {
	return func(c *Codec) { c.issuer = issuer }
}

// WithClock overrides the time source used for exp stamping and checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec constructs a Codec for the given signing secret.
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("credential secret required")
	}
	c := &Codec{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
		method: jwt.SigningMethodHS256,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue signs claims into a compact token valid for ttl from now. exp has
// second precision, so it is rounded up to the next whole second.
func (c *Codec) Issue(claims Claims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}

	now := c.now().UTC()
	tc := tokenClaims{
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiryAfter(now, ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(c.method, tc).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return signed, nil
}

// Verify parses token and returns its claims. Any failure is reported as
// ErrMalformed or ErrInvalid.
func (c *Codec) Verify(token string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	var tc tokenClaims
	tok, err := jwt.NewParser(opts...).ParseWithClaims(token, &tc, c.key)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !tok.Valid {
		return Claims{}, ErrInvalid
	}
	if tc.Subject == "" {
		return Claims{}, fmt.Errorf("%w: subject missing", ErrInvalid)
	}

	return Claims{
		Subject: tc.Subject,
		Email:   tc.Email,
		Name:    tc.Name,
		Picture: tc.Picture,
	}, nil
}

func expiryAfter(now time.Time, ttl time.Duration) time.Time {
	exp := now.Add(ttl)
	if whole := exp.Truncate(time.Second); whole.Before(exp) {
		return whole.Add(time.Second)
	}
	return exp
}

func (c *Codec) key(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return c.secret, nil
}
