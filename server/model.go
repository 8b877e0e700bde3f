package server

import (
	"errors"
	"time"

	"mathnarrator/credential"
)

var (
	// ErrProviderExchange marks any failure of the callback leg: state checks,
	// code exchange, id_token checks or the userinfo fetch.
	ErrProviderExchange = errors.New("provider exchange failed")

	// ErrProviderUnavailable is returned when the provider could not be
	// discovered at startup (dev mode only).
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	ErrLoginStateMissing  = errors.New("login state not found")
	ErrLoginStateMismatch = errors.New("login state does not match this browser")
	ErrLoginStateExpired  = errors.New("login state expired")
	ErrLoginStateFull     = errors.New("too many pending logins")

	errMissingAuthHeader   = errors.New("missing authorization header")
	errMalformedAuthHeader = errors.New("malformed authorization header")
)

// LoginState is the transient state of one authorization round trip.
type LoginState struct {
	State       string    `json:"state"`
	Nonce       string    `json:"nonce"`
	Verifier    string    `json:"verifier"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ProviderProfile is the normalized userinfo returned by the upstream IdP.
type ProviderProfile struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// Claims converts the profile into session credential claims.
func (p ProviderProfile) Claims() credential.Claims {
	return credential.Claims{
		Subject: p.Subject,
		Email:   p.Email,
		Name:    p.Name,
		Picture: p.Picture,
	}
}

type chatRequest struct {
	Query string `json:"query"`
}

type chatResponse struct {
	Query string            `json:"query"`
	Reply string            `json:"reply"`
	User  credential.Claims `json:"user"`
}

type profileResponse struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

type errorResponse struct {
	Error string `json:"error"`
}
