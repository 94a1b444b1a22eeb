package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"finitefield.org/hanko-history/internal/history"
	"finitefield.org/hanko-history/internal/history/httpserver"
	"finitefield.org/hanko-history/internal/history/httpserver/middleware"
	"finitefield.org/hanko-history/internal/platform/config"
	"finitefield.org/hanko-history/internal/platform/i18n"
	"finitefield.org/hanko-history/internal/platform/metrics"
	"finitefield.org/hanko-history/internal/platform/observability"
	"finitefield.org/hanko-history/internal/platform/secrets"
	"finitefield.org/hanko-history/internal/platform/session"
	"finitefield.org/hanko-history/internal/versions"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file with local overrides")
	port := pflag.String("port", "", "listen port (overrides PORT)")
	pflag.Parse()

	ctx := context.Background()

	level, _ := config.Lookup("LOG_LEVEL", config.WithEnvFile(*envFile))
	baseLogger, err := observability.NewLogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("history")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, *envFile)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithEnvFile(*envFile),
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.ForService(config.ServiceHistory),
	)
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	m := metrics.New("history")

	service, err := versions.NewHTTPService(
		cfg.History.ContentAPIURL,
		&http.Client{Timeout: cfg.History.RequestTimeout},
		versions.WithServiceToken(cfg.History.ServiceToken),
		versions.WithMetrics(m),
	)
	if err != nil {
		logger.Fatal("failed to initialise content api client", zap.Error(err))
	}

	controllerLogger := logger.Named("controller")
	registry, err := history.NewRegistry(func(contentID string) (*history.Controller, error) {
		return history.NewController(contentID, history.Deps{
			Service: service,
			Cache: versions.NewCache(
				versions.WithTTL(cfg.History.CacheTTL),
				versions.WithCacheMetrics(m),
			),
			PageSize: cfg.History.PageSize,
			Logger:   controllerLogger,
			Callbacks: history.Callbacks{
				OnSelect: func(id string, v versions.Version) {
					controllerLogger.Debug("version selected",
						zap.String("content_id", id),
						zap.String("version_id", v.ID),
					)
				},
			},
		})
	}, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise controller registry", zap.Error(err))
	}

	sessions, err := session.NewManager(session.Config{
		CookieName:   cfg.History.SessionCookie,
		HashKey:      []byte(cfg.History.SessionHashKey),
		BlockKey:     []byte(cfg.History.SessionBlockKey),
		CookiePath:   cfg.History.BasePath,
		CookieSecure: !cfg.IsLocal(),
		IdleTimeout:  cfg.History.SessionIdleTime,
	})
	if err != nil {
		logger.Fatal("failed to initialise session manager", zap.Error(err))
	}

	messages, err := i18n.Default(cfg.History.DefaultLanguage)
	if err != nil {
		logger.Fatal("failed to load message catalogues", zap.Error(err))
	}

	authenticator, allowAnonymous := buildAuthenticator(ctx, logger, cfg)

	server, err := httpserver.New(httpserver.Config{
		Address:          ":" + cfg.Server.Port,
		BasePath:         cfg.History.BasePath,
		ProjectID:        cfg.Firebase.ProjectID,
		Logger:           logger,
		Metrics:          m,
		Authenticator:    authenticator,
		AllowAnonymous:   allowAnonymous,
		Sessions:         sessions,
		Controllers:      registry,
		Messages:         messages,
		CSRFCookieName:   cfg.History.CSRFCookie,
		CSRFCookieSecure: !cfg.IsLocal(),
		ReadTimeout:      cfg.Server.ReadTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		IdleTimeout:      cfg.Server.IdleTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise http server", zap.Error(err))
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	sweepTicker := time.NewTicker(time.Minute)
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-sweepTicker.C:
				if n := registry.Sweep(cfg.History.SessionIdleTime); n > 0 {
					logger.Debug("released idle controllers", zap.Int("count", n), zap.Int("remaining", registry.Len()))
				}
			}
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("history workspace listening", zap.String("base_path", cfg.History.BasePath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepTicker.Stop()
	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, envFile string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		value, err := config.Lookup(key, config.WithEnvFile(envFile))
		if err != nil {
			return ""
		}
		return value
	}

	projectID := lookup("SECRETS_PROJECT_ID")
	if projectID == "" {
		projectID = lookup("FIREBASE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(projectID),
	}
	if path := lookup("SECRETS_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if credentials := lookup("FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// buildAuthenticator verifies Firebase ID tokens when configured. Local runs
// fall back to the passthrough authenticator and admit anonymous staff.
func buildAuthenticator(ctx context.Context, logger *zap.Logger, cfg config.Config) (middleware.Authenticator, bool) {
	if cfg.History.AuthMode != "firebase" {
		logger.Info("using passthrough authenticator", zap.String("auth_mode", cfg.History.AuthMode))
		return middleware.DefaultAuthenticator(), cfg.IsLocal()
	}

	var opts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.Firebase.ProjectID}, opts...)
	if err != nil {
		logger.Fatal("failed to initialise firebase app", zap.Error(err))
	}
	client, err := app.Auth(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firebase auth client", zap.Error(err))
	}
	authenticator, err := middleware.NewFirebaseAuthenticator(client,
		middleware.WithAllowedEmailDomains(cfg.History.AllowedEmailDomains...),
	)
	if err != nil {
		logger.Fatal("failed to initialise firebase authenticator", zap.Error(err))
	}
	logger.Info("firebase authenticator enabled",
		zap.String("project_id", cfg.Firebase.ProjectID),
		zap.Strings("allowed_domains", cfg.History.AllowedEmailDomains),
	)
	return authenticator, false
}
