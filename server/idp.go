package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const maxUserInfoBytes = 1 << 20

// IdentityProvider represents the minimal behaviour required from an upstream IdP.
type IdentityProvider interface {
	AuthCodeURL(state, nonce, verifier, redirectURI string) string
	Exchange(ctx context.Context, code, verifier, redirectURI, expectedNonce string) (ProviderProfile, error)
}

// OIDCProvider wraps an upstream IdP configuration and helpers.
type OIDCProvider struct {
	name        string
	oauthConfig oauth2.Config
	verifier    *oidc.IDTokenVerifier
	userInfoURL string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, upstream ProviderConfig, logger *slog.Logger) (*OIDCProvider, error) {
	if upstream.Issuer == "" {
		return nil, fmt.Errorf("issuer required for provider %s", upstream.Name)
	}

	op, err := oidc.NewProvider(ctx, upstream.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", upstream.Name, err)
	}

	userInfoURL := upstream.UserInfoURL
	if userInfoURL == "" {
		var meta struct {
			UserInfoURL string `json:"userinfo_endpoint"`
		}
		if err := op.Claims(&meta); err != nil {
			return nil, fmt.Errorf("read discovery metadata for %s: %w", upstream.Name, err)
		}
		userInfoURL = meta.UserInfoURL
	}
	if userInfoURL == "" {
		return nil, fmt.Errorf("provider %s advertises no userinfo endpoint", upstream.Name)
	}

	endpoint := op.Endpoint()
	if upstream.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := upstream.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	timeout := upstream.Timeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}

	return &OIDCProvider{
		name: upstream.Name,
		oauthConfig: oauth2.Config{
			ClientID:     upstream.ClientID,
			ClientSecret: upstream.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier:    op.Verifier(&oidc.Config{ClientID: upstream.ClientID}),
		userInfoURL: userInfoURL,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

// Name returns the configured provider name.
func (p *OIDCProvider) Name() string {
	return p.name
}

// AuthCodeURL constructs the authorization request for upstream.
func (p *OIDCProvider) AuthCodeURL(state, nonce, verifier, redirectURI string) string {
	cfg := p.configFor(redirectURI)
	opts := []oauth2.AuthCodeOption{}
	if nonce != "" {
		opts = append(opts, oidc.Nonce(nonce))
	}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return cfg.AuthCodeURL(state, opts...)
}

// Exchange redeems the authorization code and fetches the user's profile.
// Every failure wraps ErrProviderExchange.
func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier, redirectURI, expectedNonce string) (ProviderProfile, error) {
	cfg := p.configFor(redirectURI)

	tok, err := p.exchangeCode(ctx, cfg, code, verifier, expectedNonce)
	if err != nil {
		return ProviderProfile{}, err
	}

	profile, err := p.fetchProfile(ctx, cfg, tok)
	if err != nil {
		return ProviderProfile{}, err
	}
	return profile, nil
}

func (p *OIDCProvider) exchangeCode(ctx context.Context, cfg *oauth2.Config, code, verifier, expectedNonce string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	opts := []oauth2.AuthCodeOption{}
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange code: %w", ErrProviderExchange, err)
	}

	// Access-token-only responses are tolerated; the profile comes from userinfo.
	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		p.logger.Debug("token response without id_token", "provider", p.name)
		return tok, nil
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: verify id_token: %w", ErrProviderExchange, err)
	}
	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrProviderExchange)
	}
	return tok, nil
}

type userInfoResponse struct {
	ID      string `json:"id"`
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

func (p *OIDCProvider) fetchProfile(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token) (ProviderProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return ProviderProfile{}, fmt.Errorf("%w: build userinfo request: %w", ErrProviderExchange, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return ProviderProfile{}, fmt.Errorf("%w: userinfo request: %w", ErrProviderExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return ProviderProfile{}, fmt.Errorf("%w: read userinfo: %w", ErrProviderExchange, err)
	}
	if resp.StatusCode != http.StatusOK {
		return ProviderProfile{}, fmt.Errorf("%w: userinfo returned %s", ErrProviderExchange, resp.Status)
	}

	var info userInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return ProviderProfile{}, fmt.Errorf("%w: decode userinfo: %w", ErrProviderExchange, err)
	}

	profile := ProviderProfile{
		Subject: info.ID,
		Email:   info.Email,
		Name:    info.Name,
		Picture: info.Picture,
	}
	if profile.Subject == "" {
		profile.Subject = info.Sub
	}
	if profile.Subject == "" {
		return ProviderProfile{}, fmt.Errorf("%w: userinfo has no subject", ErrProviderExchange)
	}
	return profile, nil
}

func (p *OIDCProvider) configFor(redirectURI string) *oauth2.Config {
	cfg := p.oauthConfig
	cfg.RedirectURL = redirectURI
	return &cfg
}
