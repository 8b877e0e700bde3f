package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/crypto/hkdf"
)

const loginCookiePath = "/auth"

// LoginStateStore keeps provider authorization state between /auth/login and
// /auth/callback. Implementations bind the state to the initiating browser.
type LoginStateStore interface {
	Save(w http.ResponseWriter, st LoginState) error
	Consume(w http.ResponseWriter, r *http.Request, state string) (LoginState, error)
}

// NewLoginStateStore builds the store selected by cfg.Login.Store.
func NewLoginStateStore(cfg Config) (LoginStateStore, error) {
	cookie := LoginCookie{
		Name:   cfg.Login.CookieName,
		Secure: !cfg.Server.DevMode,
		MaxAge: cfg.Login.TTL,
	}
	switch cfg.Login.Store {
	case LoginStoreMemory, "":
		store := NewMemoryLoginStore(cookie)
		if cfg.Login.MaxPending > 0 {
			store.MaxPending = cfg.Login.MaxPending
		}
		return store, nil
	case LoginStoreCookie:
		return NewCookieLoginStore([]byte(cfg.Credentials.Secret), cookie)
	default:
		return nil, fmt.Errorf("unknown login state store %q", cfg.Login.Store)
	}
}

// LoginCookie describes the browser-binding cookie.
type LoginCookie struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

func (c LoginCookie) set(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    value,
		Path:     loginCookiePath,
		HttpOnly: true,
		Secure:   c.Secure,
		// Lax so the cookie survives the top-level redirect back from the provider.
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.MaxAge.Seconds()),
	})
}

func (c LoginCookie) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     loginCookiePath,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (c LoginCookie) read(r *http.Request) (string, error) {
	ck, err := r.Cookie(c.Name)
	if err != nil || ck.Value == "" {
		return "", ErrLoginStateMissing
	}
	return ck.Value, nil
}

// MemoryLoginStore keeps login state in process memory. The cookie only
// carries the state value.
type MemoryLoginStore struct {
	// MaxPending bounds the number of unexpired login states held at once.
	MaxPending int

	mu     sync.Mutex
	states map[string]LoginState
	cookie LoginCookie
	now    func() time.Time
}

// NewMemoryLoginStore constructs the store.
func NewMemoryLoginStore(cookie LoginCookie) *MemoryLoginStore {
	return &MemoryLoginStore{
		MaxPending: DefaultMaxPendingLogin,
		states:     make(map[string]LoginState),
		cookie:     cookie,
		now:        time.Now,
	}
}

// Save stores a login state awaiting callback. It returns ErrLoginStateFull
// once MaxPending unexpired states are held.
func (s *MemoryLoginStore) Save(w http.ResponseWriter, st LoginState) error {
	s.mu.Lock()
	if s.MaxPending > 0 && len(s.states) >= s.MaxPending {
		s.pruneLocked()
		if len(s.states) >= s.MaxPending {
			s.mu.Unlock()
			return ErrLoginStateFull
		}
	}
	s.states[st.State] = st
	s.mu.Unlock()

	s.cookie.set(w, st.State)
	return nil
}

// Consume retrieves and removes a login state.
func (s *MemoryLoginStore) Consume(w http.ResponseWriter, r *http.Request, state string) (LoginState, error) {
	bound, err := s.cookie.read(r)
	if err != nil {
		return LoginState{}, err
	}
	if subtle.ConstantTimeCompare([]byte(bound), []byte(state)) != 1 {
		return LoginState{}, ErrLoginStateMismatch
	}

	s.mu.Lock()
	st, ok := s.states[state]
	delete(s.states, state)
	s.mu.Unlock()

	s.cookie.clear(w)
	if !ok {
		return LoginState{}, ErrLoginStateMissing
	}
	if !s.now().Before(st.ExpiresAt) {
		return LoginState{}, ErrLoginStateExpired
	}
	return st, nil
}

// Len reports the number of pending login states.
func (s *MemoryLoginStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *MemoryLoginStore) pruneLocked() {
	now := s.now()
	for id, st := range s.states {
		if !now.Before(st.ExpiresAt) {
			delete(s.states, id)
		}
	}
}

// CookieLoginStore seals the whole login state into an encrypted cookie
// (JWE, direct A256GCM), so no server-side memory is needed.
type CookieLoginStore struct {
	key    []byte
	cookie LoginCookie
	now    func() time.Time
}

// NewCookieLoginStore derives the cookie encryption key from secret.
func NewCookieLoginStore(secret []byte, cookie LoginCookie) (*CookieLoginStore, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("cookie login store requires a secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("mathnarrator login state v1")), key); err != nil {
		return nil, fmt.Errorf("derive login state key: %w", err)
	}
	return &CookieLoginStore{key: key, cookie: cookie, now: time.Now}, nil
}

// Save seals st into the login cookie.
func (s *CookieLoginStore) Save(w http.ResponseWriter, st LoginState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal login state: %w", err)
	}
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: s.key}, nil)
	if err != nil {
		return fmt.Errorf("init login state encrypter: %w", err)
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("seal login state: %w", err)
	}
	sealed, err := obj.CompactSerialize()
	if err != nil {
		return fmt.Errorf("serialize login state: %w", err)
	}

	s.cookie.set(w, sealed)
	return nil
}

// Consume opens the login cookie and checks it belongs to state.
func (s *CookieLoginStore) Consume(w http.ResponseWriter, r *http.Request, state string) (LoginState, error) {
	sealed, err := s.cookie.read(r)
	if err != nil {
		return LoginState{}, err
	}
	s.cookie.clear(w)

	obj, err := jose.ParseEncrypted(sealed)
	if err != nil {
		return LoginState{}, fmt.Errorf("%w: %v", ErrLoginStateMissing, err)
	}
	payload, err := obj.Decrypt(s.key)
	if err != nil {
		return LoginState{}, fmt.Errorf("%w: %v", ErrLoginStateMissing, err)
	}

	var st LoginState
	if err := json.Unmarshal(payload, &st); err != nil {
		return LoginState{}, fmt.Errorf("%w: %v", ErrLoginStateMissing, err)
	}
	if subtle.ConstantTimeCompare([]byte(st.State), []byte(state)) != 1 {
		return LoginState{}, ErrLoginStateMismatch
	}
	if !s.now().Before(st.ExpiresAt) {
		return LoginState{}, ErrLoginStateExpired
	}
	return st, nil
}
