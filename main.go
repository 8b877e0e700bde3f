package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"mathnarrator/client"
	"mathnarrator/server"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("MATHNARRATOR_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	apiURL := flag.String("url", envOr("MATHNARRATOR_URL", "http://localhost:5000"), "Gateway base URL for the me and chat commands")
	token := flag.String("token", os.Getenv("MATHNARRATOR_TOKEN"), "Session credential for the me and chat commands")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Handle config commands (init/validate)
	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 {
		switch args[0] {
		case "connect", "me", "chat":
			command = args[0]
			args = args[1:]
		}
	}

	switch command {
	case "me", "chat":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runAPICommand(ctx, os.Stdout, command, *apiURL, *token, args, nil); err != nil {
			logger.Error("api command failed", "command", command, "error", err)
			os.Exit(1)
		}
		return
	}

	configFile := *configPath
	if configFile == "" && command == "" && len(args) > 0 {
		configFile = args[0]
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil, nil); err != nil {
			logger.Error("provider connectivity failed", "provider", cfg.Provider.Name, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "provider", cfg.Provider.Name)
		return
	}

	// Validate URLs are accessible on startup
	checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	validateStartupURLs(checkCtx, cfg, logger)
	cancel()

	// The provider's key set keeps this context for later JWKS refreshes, so it
	// must live as long as the process.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "public_url", cfg.Server.PublicURL)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := m.TLSConfig()
		tlsCfg.MinVersion = tlsMinVersion(cfg.Server.TLS.MinVersion)

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// runConnect builds a real authorization URL for the configured provider and
// checks that its login page is reachable.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, provider server.IdentityProvider, httpClient *http.Client) error {
	if provider == nil {
		p, err := server.NewOIDCProvider(ctx, cfg.Provider, logger)
		if err != nil {
			return fmt.Errorf("init provider: %w", err)
		}
		provider = p
	}

	authURL := provider.AuthCodeURL(uuid.NewString(), randomHex(8), oauth2.GenerateVerifier(), cfg.CallbackURL())
	logger.Info("connect.start", "provider", cfg.Provider.Name, "auth_url", authURL)
	logger.Info("connect.instructions", "provider", cfg.Provider.Name, "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	hc := httpClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := hc.CheckRedirect
	hc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { hc.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "provider", cfg.Provider.Name, "message", "Reached provider login endpoint")
	return nil
}

// runAPICommand calls /api/me or /api/chat with a credential and prints the
// JSON response.
func runAPICommand(ctx context.Context, out io.Writer, command, baseURL, token string, args []string, httpClient *http.Client) error {
	c, err := client.New(client.Config{BaseURL: baseURL, Token: token, HTTPClient: httpClient})
	if err != nil {
		return err
	}

	if info, err := client.Inspect(token); err == nil && info.Expired(time.Now()) {
		return fmt.Errorf("token expired at %s, log in again", info.ExpiresAt.Format(time.RFC3339))
	}

	var result any
	switch command {
	case "me":
		result, err = c.Me(ctx)
	case "chat":
		query := strings.TrimSpace(strings.Join(args, " "))
		if query == "" {
			return fmt.Errorf("usage: %s [-token t] chat <query>", filepath.Base(os.Args[0]))
		}
		result, err = c.Chat(ctx, query)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if path == "" {
		if _, err := os.Stat("config.yaml"); err != nil {
			logger.Debug("no config file, using defaults and environment")
			return server.LoadConfig("")
		}
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(bufio.NewReader(os.Stdin), path, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")

	discovery := strings.TrimSuffix(cfg.Provider.Issuer, "/") + "/.well-known/openid-configuration"
	if err := validateURL(ctx, discovery); err != nil {
		logger.Error("provider URL validation failed", "provider", cfg.Provider.Name, "issuer", cfg.Provider.Issuer, "error", err)
	} else {
		logger.Info("provider URL is accessible", "provider", cfg.Provider.Name, "issuer", cfg.Provider.Issuer)
	}

	if cfg.Chat.UpstreamURL != "" {
		if err := validateURL(ctx, cfg.Chat.UpstreamURL); err != nil {
			logger.Error("chat upstream URL validation failed", "target", cfg.Chat.UpstreamURL, "error", err)
		} else {
			logger.Info("chat upstream URL is accessible", "target", cfg.Chat.UpstreamURL)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	discovery := strings.TrimSuffix(cfg.Provider.Issuer, "/") + "/.well-known/openid-configuration"
	if err := validateURL(ctx, discovery); err != nil {
		logger.Warn("provider URL may not be accessible",
			"provider", cfg.Provider.Name,
			"issuer", cfg.Provider.Issuer,
			"url", discovery,
			"error", err,
			"note", "server will continue but login may fail")
	} else {
		logger.Info("provider URL is accessible", "provider", cfg.Provider.Name, "issuer", cfg.Provider.Issuer)
	}

	if cfg.Chat.UpstreamURL != "" {
		if err := validateURL(ctx, cfg.Chat.UpstreamURL); err != nil {
			logger.Warn("chat upstream URL may not be accessible",
				"target", cfg.Chat.UpstreamURL,
				"error", err,
				"note", "server will continue but /api/chat may fail")
		}
	}
}

func validateURL(ctx context.Context, urlStr string) error {
	hc := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(reader *bufio.Reader, path string, logger *slog.Logger) (server.Config, error) {
	p := &prompter{in: reader, out: os.Stdout}
	p.say("No configuration file found at %s.", path)
	p.say("Starting guided setup for Google sign-in. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := p.confirm("Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.text("Gateway public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.text("Gateway dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := strings.TrimSuffix(p.required("Primary public domain (e.g. api.example.com)"), "/")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.TLS.Email = p.text("ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	cfg.Server.FrontendURL = strings.TrimSuffix(p.text("Frontend URL", cfg.Server.FrontendURL), "/")

	p.say("Register %s as an authorized redirect URI for your OAuth client.", cfg.CallbackURL())
	cfg.Provider.ClientID = p.required("Google OAuth client ID")
	cfg.Provider.ClientSecret = p.required("Google OAuth client secret")

	if !devMode || p.confirm("Generate a signing secret now?", true) {
		cfg.Credentials.Secret = randomHex(32)
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

// prompter reads answers for the guided setup. Reads stop at EOF and fall
// back to defaults so piped input cannot loop forever.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	eof bool
}

func (p *prompter) say(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *prompter) line(label string) string {
	fmt.Fprintf(p.out, "%s: ", label)
	if p.eof {
		return ""
	}
	input, err := p.in.ReadString('\n')
	if err != nil {
		p.eof = true
	}
	return strings.TrimSpace(input)
}

func (p *prompter) text(prompt, def string) string {
	label := prompt
	if def != "" {
		label = fmt.Sprintf("%s [%s]", prompt, def)
	}
	if v := p.line(label); v != "" {
		return v
	}
	return strings.TrimSpace(def)
}

func (p *prompter) required(prompt string) string {
	for {
		if v := p.line(prompt); v != "" || p.eof {
			return v
		}
		p.say("A value is required.")
	}
}

func (p *prompter) confirm(prompt string, def bool) bool {
	hint := "Y/n"
	if !def {
		hint = "y/N"
	}
	for {
		switch strings.ToLower(p.line(fmt.Sprintf("%s [%s]", prompt, hint))) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if p.eof {
			return def
		}
		p.say("Answer y or n.")
	}
}

var logLevelAliases = map[string]string{
	"":        "info",
	"warning": "warn",
	"err":     "error",
}

// parseLogLevel accepts slog level names in any case, plus a few aliases.
func parseLogLevel(value string) (slog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(value))
	if alias, ok := logLevelAliases[name]; ok {
		name = alias
	}
	switch name {
	case "debug", "info", "warn", "error":
	default:
		return 0, fmt.Errorf("unknown log level %q", value)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("parse log level %q: %w", value, err)
	}
	return level, nil
}

// writeConfigFile stores cfg as YAML with owner-only permissions. The file is
// written to a temporary sibling first so a failed write leaves no partial config.
func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	header := "# Generated by mathnarrator -config-cmd=init. Secrets below are sensitive.\n"
	if _, err := tmp.WriteString(header); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install config: %w", err)
	}
	return nil
}
