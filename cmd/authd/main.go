package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/api"
	"github.com/authgate-io/authgate/internal/auth"
	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/reaper"
	"github.com/authgate-io/authgate/internal/repository"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr       string
	siteURL        string
	dbDriver       string
	dbDSN          string
	secretKey      string
	signingKeyPath string
	publicKeyPath  string
	logLevel       string
	allowedOrigins []string
	secureCookies  bool
	accessTokenTTL time.Duration
	sessionTTL     time.Duration
	apiKeyPrefix   string
	reapInterval   time.Duration
	devLogOTP      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "authd",
		Short: "Authgate server — self-hosted authentication service",
		Long: `Authgate server is a self-hosted authentication service.
It issues and rotates session tokens, handles OAuth/OIDC, email and phone
one-time codes, passkeys, TOTP second factors, the device authorization
flow, and scoped API keys, all over a REST API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("AUTHGATE_HTTP_ADDR", ":8080"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.siteURL, "site-url", envOrDefault("AUTHGATE_SITE_URL", "http://localhost:8080"), "Public base URL of this deployment (becomes the token issuer)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("AUTHGATE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("AUTHGATE_DB_DSN", "./authgate.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("AUTHGATE_SECRET_KEY", ""), "Master secret for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.signingKeyPath, "signing-key", envOrDefault("AUTHGATE_SIGNING_KEY", ""), "Path to the RSA private key PEM for access tokens (generated in memory when empty)")
	root.PersistentFlags().StringVar(&cfg.publicKeyPath, "public-key", envOrDefault("AUTHGATE_PUBLIC_KEY", ""), "Path to the RSA public key PEM matching --signing-key")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("AUTHGATE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringSliceVar(&cfg.allowedOrigins, "allowed-origins", splitEnvList("AUTHGATE_ALLOWED_ORIGINS"), "Extra origins allowed to call the API from a browser")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("AUTHGATE_SECURE_COOKIES", "true") == "true", "Set the Secure flag on ceremony cookies (disable for local HTTP)")
	root.PersistentFlags().DurationVar(&cfg.accessTokenTTL, "access-token-ttl", time.Hour, "Access token lifetime")
	root.PersistentFlags().DurationVar(&cfg.sessionTTL, "session-ttl", 30*24*time.Hour, "Hard session lifetime")
	root.PersistentFlags().StringVar(&cfg.apiKeyPrefix, "api-key-prefix", envOrDefault("AUTHGATE_API_KEY_PREFIX", "ag_"), "Prefix prepended to generated API keys")
	root.PersistentFlags().DurationVar(&cfg.reapInterval, "reap-interval", 15*time.Minute, "How often expired rows are garbage-collected")
	root.PersistentFlags().BoolVar(&cfg.devLogOTP, "dev-log-otp", os.Getenv("AUTHGATE_DEV_LOG_OTP") == "true", "Log one-time codes instead of delivering them (development only)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("authd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			// db.New applies all pending migrations on open.
			if _, err := db.New(db.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger}); err != nil {
				return err
			}
			logger.Info("database schema is up to date")
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or AUTHGATE_SECRET_KEY")
	}
	// Derive a fixed-size key from whatever secret the operator supplied.
	derived := sha256.Sum256([]byte(cfg.secretKey))
	if err := db.InitEncryption(derived[:]); err != nil {
		return err
	}

	logger.Info("starting authgate server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("site_url", cfg.siteURL),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
	if err != nil {
		return err
	}
	store := repository.NewStoreWithDB(database)

	var jwt *auth.JWTManager
	if cfg.signingKeyPath != "" {
		jwt, err = auth.NewJWTManagerFromFiles(cfg.signingKeyPath, cfg.publicKeyPath, cfg.siteURL, cfg.accessTokenTTL)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no signing key configured, generating an ephemeral one — tokens will not survive a restart")
		jwt, err = auth.NewJWTManagerGenerated(cfg.siteURL, cfg.accessTokenTTL)
		if err != nil {
			return err
		}
	}

	authCfg, err := buildAuthConfig(cfg, logger)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(authCfg, store, jwt, logger)
	if err != nil {
		return err
	}

	reap, err := reaper.New(store, logger, cfg.reapInterval)
	if err != nil {
		return err
	}
	if err := reap.Start(); err != nil {
		return err
	}
	defer reap.Stop() //nolint:errcheck

	router := api.NewRouter(api.RouterConfig{
		Service:        svc,
		DB:             database,
		Logger:         logger,
		AllowedOrigins: cfg.allowedOrigins,
		Secure:         cfg.secureCookies,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down authgate server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// buildAuthConfig assembles the auth service configuration from flags and
// environment. OAuth providers activate when their client credentials are
// present in the environment.
func buildAuthConfig(cfg *config, logger *zap.Logger) (*auth.Config, error) {
	site, err := url.Parse(cfg.siteURL)
	if err != nil || site.Host == "" {
		return nil, fmt.Errorf("invalid site url %q", cfg.siteURL)
	}

	providers := []auth.Provider{
		{ID: "credentials", Type: auth.ProviderTypeCredentials},
	}

	if id := os.Getenv("AUTHGATE_GOOGLE_CLIENT_ID"); id != "" {
		providers = append(providers, auth.Provider{
			ID:           "google",
			Type:         auth.ProviderTypeOIDC,
			Issuer:       "https://accounts.google.com",
			ClientID:     id,
			ClientSecret: os.Getenv("AUTHGATE_GOOGLE_CLIENT_SECRET"),
		})
	}
	if id := os.Getenv("AUTHGATE_GITHUB_CLIENT_ID"); id != "" {
		providers = append(providers, auth.Provider{
			ID:                    "github",
			Type:                  auth.ProviderTypeOAuth,
			ClientID:              id,
			ClientSecret:          os.Getenv("AUTHGATE_GITHUB_CLIENT_SECRET"),
			AuthorizationEndpoint: "https://github.com/login/oauth/authorize",
			TokenEndpoint:         "https://github.com/login/oauth/access_token",
			UserInfoEndpoint:      "https://api.github.com/user",
			Scopes:                []string{"read:user", "user:email"},
			Profile:               githubProfile,
		})
	}

	if cfg.devLogOTP {
		logOTP := func(kind string) func(ctx context.Context, p auth.SendParams) error {
			return func(ctx context.Context, p auth.SendParams) error {
				logger.Warn("one-time code (dev delivery)",
					zap.String("channel", kind),
					zap.String("identifier", p.Identifier),
					zap.String("code", p.Code),
					zap.Time("expires", p.Expires),
				)
				return nil
			}
		}
		providers = append(providers,
			auth.Provider{ID: "email", Type: auth.ProviderTypeEmail, Send: logOTP("email")},
			auth.Provider{ID: "phone", Type: auth.ProviderTypePhone, Send: logOTP("phone")},
		)
	}

	return &auth.Config{
		SiteURL:   cfg.siteURL,
		Providers: providers,
		Session:   auth.SessionConfig{TotalDuration: cfg.sessionTTL},
		JWT:       auth.JWTConfig{Duration: cfg.accessTokenTTL},
		APIKeys: auth.APIKeyConfig{
			Prefix: cfg.apiKeyPrefix,
			// The standalone server has no fixed resource model, so any
			// scope is grantable. Embedders narrow this list.
			Scopes: []auth.Scope{{Resource: "*", Actions: []string{"*"}}},
		},
		WebAuthn: auth.WebAuthnConfig{
			RPID:          site.Hostname(),
			RPDisplayName: site.Hostname(),
			RPOrigins:     []string{strings.TrimSuffix(cfg.siteURL, "/")},
		},
	}, nil
}

// githubProfile maps the GitHub /user response to a normalized profile.
// GitHub is not an OIDC provider, so the mapping is hand-rolled.
func githubProfile(claims map[string]any) (auth.Profile, error) {
	id, ok := claims["id"]
	if !ok {
		return auth.Profile{}, fmt.Errorf("github profile has no id")
	}
	p := auth.Profile{ID: fmt.Sprint(id)}

	if email, ok := claims["email"].(string); ok && email != "" {
		p.Email = &email
		// GitHub only exposes verified primary addresses via the API.
		p.EmailVerified = true
	}
	if name, ok := claims["name"].(string); ok && name != "" {
		p.Name = name
	} else if login, ok := claims["login"].(string); ok {
		p.Name = login
	}
	if avatar, ok := claims["avatar_url"].(string); ok {
		p.Image = avatar
	}
	return p, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func splitEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
