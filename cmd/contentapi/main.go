package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"finitefield.org/hanko-history/internal/contentapi"
	"finitefield.org/hanko-history/internal/platform/config"
	pfirestore "finitefield.org/hanko-history/internal/platform/firestore"
	"finitefield.org/hanko-history/internal/platform/jobs"
	"finitefield.org/hanko-history/internal/platform/metrics"
	"finitefield.org/hanko-history/internal/platform/observability"
	"finitefield.org/hanko-history/internal/platform/secrets"
	platformstorage "finitefield.org/hanko-history/internal/platform/storage"
	"finitefield.org/hanko-history/internal/repositories"
	firestoreRepo "finitefield.org/hanko-history/internal/repositories/firestore"
	memoryRepo "finitefield.org/hanko-history/internal/repositories/memory"
	sqliteRepo "finitefield.org/hanko-history/internal/repositories/sqlite"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file with local overrides")
	port := pflag.String("port", "", "listen port (overrides PORT)")
	store := pflag.String("store", "", "version store: memory, sqlite or firestore (overrides CONTENTAPI_STORE)")
	seed := pflag.String("seed", "", "JSON seed file loaded at startup (overrides CONTENTAPI_SEED_FILE)")
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

	logger := baseLogger.Named("contentapi")
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
		config.ForService(config.ServiceContentAPI),
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
	if *store != "" {
		cfg.ContentAPI.Store = *store
	}
	if *seed != "" {
		cfg.ContentAPI.SeedFile = *seed
	}

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open version store", zap.String("store", cfg.ContentAPI.Store), zap.Error(err))
	}
	defer func() {
		if err := closeRepo(); err != nil {
			logger.Warn("version store close error", zap.Error(err))
		}
	}()

	deps := contentapi.Deps{
		Repository: repo,
		Logger:     logger.Named("service"),
	}

	if cfg.ContentAPI.PubSubTopic != "" {
		pubsubClient, topic, err := jobs.OpenTopic(ctx, cfg.ContentAPI.PubSubProject, cfg.ContentAPI.PubSubTopic, clientOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to open pubsub topic", zap.Error(err))
		}
		defer func() {
			topic.Stop()
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		publisher, err := jobs.NewPubSubVersionPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise version event publisher", zap.Error(err))
		}
		deps.Events = publisher
	}

	if cfg.ContentAPI.ExportBucket != "" {
		storageClient, err := gcs.NewClient(ctx, clientOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		archiver, err := platformstorage.NewExportArchiver(storageClient, cfg.ContentAPI.ExportBucket)
		if err != nil {
			logger.Fatal("failed to initialise export archiver", zap.Error(err))
		}
		deps.Archiver = archiver
	}

	service, err := contentapi.NewService(deps)
	if err != nil {
		logger.Fatal("failed to initialise content service", zap.Error(err))
	}

	if cfg.ContentAPI.SeedFile != "" {
		seedFile, err := contentapi.LoadSeedFile(cfg.ContentAPI.SeedFile)
		if err != nil {
			logger.Fatal("failed to read seed file", zap.String("path", cfg.ContentAPI.SeedFile), zap.Error(err))
		}
		inserted, err := seedFile.Apply(ctx, repo)
		if err != nil {
			logger.Fatal("failed to apply seed file", zap.Error(err))
		}
		logger.Info("seed applied", zap.String("path", cfg.ContentAPI.SeedFile), zap.Int("inserted", inserted))
	}

	m := metrics.New("contentapi")
	handlers := contentapi.NewHandlers(service,
		contentapi.WithTokens(cfg.ContentAPI.Tokens),
		contentapi.WithHandlerMetrics(m),
	)
	if len(cfg.ContentAPI.Tokens) == 0 {
		logger.Warn("no service tokens configured; content api accepts unauthenticated requests")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      contentapi.NewRouter(logger, cfg.Firestore.ProjectID, handlers, m),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("content api listening", zap.String("store", cfg.ContentAPI.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func openRepository(ctx context.Context, cfg config.Config) (repositories.VersionRepository, func() error, error) {
	switch cfg.ContentAPI.Store {
	case "", "memory":
		return memoryRepo.NewVersionRepository(), func() error { return nil }, nil
	case "sqlite":
		repo, err := sqliteRepo.Open(ctx, cfg.ContentAPI.SQLiteDSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case "firestore":
		provider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithClientOptions(clientOptions(cfg)...))
		if _, err := provider.Client(ctx); err != nil {
			return nil, nil, err
		}
		repo, err := firestoreRepo.NewVersionRepository(provider)
		if err != nil {
			_ = provider.Close()
			return nil, nil, err
		}
		return repo, provider.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.ContentAPI.Store)
	}
}

func clientOptions(cfg config.Config) []option.ClientOption {
	if cfg.Firebase.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.Firebase.CredentialsFile)}
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
