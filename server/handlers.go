package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"mathnarrator/credential"
)

const maxChatBodyBytes = 64 << 10

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Codec    *credential.Codec
	Provider IdentityProvider
	Logins   LoginStateStore
	Replier  Replier

	now func() time.Time
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	codec, err := credential.NewCodec([]byte(cfg.Credentials.Secret), credential.WithIssuer(cfg.Credentials.Issuer))
	if err != nil {
		return nil, fmt.Errorf("init credential codec: %w", err)
	}

	logins, err := NewLoginStateStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("init login state store: %w", err)
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Codec:   codec,
		Logins:  logins,
		Replier: NewReplier(cfg.Chat, logger),
		now:     time.Now,
	}

	provider, err := NewOIDCProvider(ctx, cfg.Provider, logger)
	if err != nil {
		if !cfg.Server.DevMode {
			return nil, err
		}
		logger.Warn("provider init failed", "provider", cfg.Provider.Name, "error", err)
	} else {
		app.Provider = provider
	}

	return app, nil
}

// BeginLogin records fresh provider authorization state for this browser and
// returns the provider URL to send it to.
func (a *App) BeginLogin(w http.ResponseWriter, callbackURL string) (string, error) {
	if a.Provider == nil {
		return "", ErrProviderUnavailable
	}

	now := a.clock()
	st := LoginState{
		State:       uuid.NewString(),
		Nonce:       uuid.NewString(),
		Verifier:    oauth2.GenerateVerifier(),
		RedirectURI: callbackURL,
		CreatedAt:   now,
		ExpiresAt:   now.Add(a.Config.Login.TTL),
	}
	if err := a.Logins.Save(w, st); err != nil {
		return "", fmt.Errorf("save login state: %w", err)
	}

	return a.Provider.AuthCodeURL(st.State, st.Nonce, st.Verifier, callbackURL), nil
}

// CompleteLogin validates the callback against the stored login state,
// redeems the code and returns the user's claims. Every failure wraps
// ErrProviderExchange.
func (a *App) CompleteLogin(w http.ResponseWriter, r *http.Request) (credential.Claims, error) {
	if a.Provider == nil {
		return credential.Claims{}, fmt.Errorf("%w: %w", ErrProviderExchange, ErrProviderUnavailable)
	}

	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		return credential.Claims{}, fmt.Errorf("%w: missing state", ErrProviderExchange)
	}

	st, err := a.Logins.Consume(w, r, state)
	if err != nil {
		return credential.Claims{}, fmt.Errorf("%w: %w", ErrProviderExchange, err)
	}

	if providerErr := q.Get("error"); providerErr != "" {
		return credential.Claims{}, fmt.Errorf("%w: provider returned %q", ErrProviderExchange, providerErr)
	}
	code := q.Get("code")
	if code == "" {
		return credential.Claims{}, fmt.Errorf("%w: missing code", ErrProviderExchange)
	}

	profile, err := a.Provider.Exchange(r.Context(), code, st.Verifier, st.RedirectURI, st.Nonce)
	if err != nil {
		if errors.Is(err, ErrProviderExchange) {
			return credential.Claims{}, err
		}
		return credential.Claims{}, fmt.Errorf("%w: %w", ErrProviderExchange, err)
	}
	if profile.Subject == "" {
		return credential.Claims{}, fmt.Errorf("%w: profile has no subject", ErrProviderExchange)
	}

	return profile.Claims(), nil
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	target, err := a.BeginLogin(w, a.Config.CallbackURL())
	if err != nil {
		a.Logger.Error("begin login failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		http.Error(w, "Login unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	claims, err := a.CompleteLogin(w, r)
	if err != nil {
		a.Logger.Warn("login failed", "request_id", RequestIDFromContext(r.Context()), "kind", "provider_exchange", "error", err)
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	token, err := a.Codec.Issue(claims, a.Config.Credentials.TTL)
	if err != nil {
		a.Logger.Error("issue credential failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if meta := metaFromContext(r.Context()); meta != nil {
		meta.subject = claims.Subject
	}
	a.Logger.Info("login succeeded", "request_id", RequestIDFromContext(r.Context()), "user_sub", claims.Subject)
	http.Redirect(w, r, a.frontendURL("/auth/success")+"?token="+url.QueryEscape(token), http.StatusFound)
}

func (a *App) handleChat(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxChatBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	query := strings.TrimSpace(req.Query)

	reply, err := a.Replier.Reply(r.Context(), query, claims)
	if err != nil {
		a.Logger.Error("reply failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeJSONError(w, http.StatusBadGateway, "Reply service unavailable")
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Query: query, Reply: reply, User: claims})
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{Name: claims.Name, Email: claims.Email, Picture: claims.Picture})
}

// handleLogout only redirects; issued credentials stay valid until they expire.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, a.frontendURL("/"), http.StatusFound)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) frontendURL(path string) string {
	return strings.TrimSuffix(a.Config.Server.FrontendURL, "/") + path
}

func (a *App) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
