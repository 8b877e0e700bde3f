package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
)

const (
	fakeClientID = "client-123"
	fakeKeyID    = "test-key"
)

type fakeGrant struct {
	nonce       string
	challenge   string
	redirectURI string
}

// fakeOIDC is an in-process OpenID Connect provider serving discovery, token,
// userinfo and JWKS endpoints.
type fakeOIDC struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	mu             sync.Mutex
	grants         map[string]fakeGrant
	profile        map[string]any
	failToken      bool
	tokenDelay     time.Duration
	userInfoStatus int
	withIDToken    bool
	idTokenNonce   string
	tokenCalls     int
	userInfoCalls  int
}

func newFakeOIDC(t *testing.T) *fakeOIDC {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &fakeOIDC{
		t:      t,
		key:    key,
		grants: make(map[string]fakeGrant),
		profile: map[string]any{
			"id":      "42",
			"email":   "a@b.com",
			"name":    "A",
			"picture": "http://x/y.png",
		},
		userInfoStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", f.handleDiscovery)
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/userinfo", f.handleUserInfo)
	mux.HandleFunc("/jwks", f.handleJWKS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOIDC) issuer() string { return f.srv.URL }

// authorize plays the user consenting at the provider and returns the code
// the provider would append to the callback.
func (f *fakeOIDC) authorize(authURL string) (code, state string) {
	f.t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		f.t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	code = "code-" + q.Get("state")
	f.mu.Lock()
	f.grants[code] = fakeGrant{
		nonce:       q.Get("nonce"),
		challenge:   q.Get("code_challenge"),
		redirectURI: q.Get("redirect_uri"),
	}
	f.mu.Unlock()
	return code, q.Get("state")
}

func (f *fakeOIDC) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                f.issuer(),
		"authorization_endpoint":                f.issuer() + "/authorize",
		"token_endpoint":                        f.issuer() + "/token",
		"userinfo_endpoint":                     f.issuer() + "/userinfo",
		"jwks_uri":                              f.issuer() + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (f *fakeOIDC) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	delay := f.tokenDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++

	if f.failToken {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	code := r.PostForm.Get("code")
	grant, ok := f.grants[code]
	if !ok || r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("redirect_uri") != grant.redirectURI {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != grant.challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce"})
		return
	}

	resp := map[string]any{
		"access_token": "at-" + code,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if f.withIDToken {
		nonce := grant.nonce
		if f.idTokenNonce != "" {
			nonce = f.idTokenNonce
		}
		resp["id_token"] = f.signIDToken(nonce)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (f *fakeOIDC) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userInfoCalls++

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer at-") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if f.userInfoStatus != http.StatusOK {
		http.Error(w, "unavailable", f.userInfoStatus)
		return
	}
	writeJSON(w, http.StatusOK, f.profile)
}

func (f *fakeOIDC) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &f.key.PublicKey,
		KeyID:     fakeKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (f *fakeOIDC) signIDToken(nonce string) string {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: f.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", fakeKeyID),
	)
	if err != nil {
		f.t.Errorf("new signer: %v", err)
		return ""
	}
	now := time.Now()
	payload, err := json.Marshal(map[string]any{
		"iss":   f.issuer(),
		"aud":   fakeClientID,
		"sub":   "42",
		"nonce": nonce,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	if err != nil {
		f.t.Errorf("marshal id_token: %v", err)
		return ""
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		f.t.Errorf("sign id_token: %v", err)
		return ""
	}
	raw, err := obj.CompactSerialize()
	if err != nil {
		f.t.Errorf("serialize id_token: %v", err)
		return ""
	}
	return raw
}

func (f *fakeOIDC) calls() (token, userInfo int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls, f.userInfoCalls
}
