package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reposcout/api/internal/app"
	"reposcout/api/internal/auth"
	"reposcout/api/internal/channel"
	"reposcout/api/internal/config"
	"reposcout/api/internal/github"
	"reposcout/api/internal/gitrepo"
	"reposcout/api/internal/links"
	"reposcout/api/internal/logging"
	"reposcout/api/internal/queue"
	"reposcout/api/internal/render"
	"reposcout/api/internal/results"
	"reposcout/api/internal/search"
	"reposcout/api/internal/session"
	"reposcout/api/internal/store"
)

const (
	shutdownTimeout  = 10 * time.Second
	pdfTimeout       = 30 * time.Second
	linkCheckTimeout = 10 * time.Second
)

func newServeCommand() *cobra.Command {
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and push-channel server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromViper(v)
			logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", "", "listen address (API_ADDR)")
	mustBindPFlag(v, "API_ADDR", flags.Lookup("addr"))
	flags.String("log-format", "", "json or text (LOG_FORMAT)")
	mustBindPFlag(v, "LOG_FORMAT", flags.Lookup("log-format"))
	flags.String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	mustBindPFlag(v, "LOG_LEVEL", flags.Lookup("log-level"))
	flags.String("store-backend", "", "file, redis or postgres (STORE_BACKEND)")
	mustBindPFlag(v, "STORE_BACKEND", flags.Lookup("store-backend"))
	flags.String("results-backend", "", "file, redis, postgres or minio (RESULTS_BACKEND)")
	mustBindPFlag(v, "RESULTS_BACKEND", flags.Lookup("results-backend"))
	flags.String("queue-backend", "", "amqp or redis (QUEUE_BACKEND)")
	mustBindPFlag(v, "QUEUE_BACKEND", flags.Lookup("queue-backend"))
	flags.String("data-dir", "", "base directory of the file store (DATA_DIR)")
	mustBindPFlag(v, "DATA_DIR", flags.Lookup("data-dir"))
	return cmd
}

func newMigrateCommand() *cobra.Command {
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the bundled PostgreSQL migrations and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromViper(v)
			logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.ApplyMigrations(cmd.Context(), db, store.Migrations()); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("database-url", "", "PostgreSQL connection string (DATABASE_URL)")
	mustBindPFlag(v, "DATABASE_URL", flags.Lookup("database-url"))
	return cmd
}

// backends holds the connections opened for the configured storage and
// queue choices, so shutdown can release them.
type backends struct {
	redis  *redis.Client
	db     *sql.DB
	meili  *search.ResultIndex
	amqp   *queue.AMQPPublisher
	logger *zap.Logger
}

func (b *backends) close() {
	if b.amqp != nil {
		if err := b.amqp.Close(); err != nil {
			b.logger.Warn("close amqp", zap.Error(err))
		}
	}
	if b.meili != nil {
		b.meili.Close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

func needsRedis(cfg config.Config) bool {
	return cfg.StoreBackend == "redis" || cfg.ResultsBackend == "redis" || cfg.QueueBackend == "redis"
}

func needsPostgres(cfg config.Config) bool {
	return cfg.StoreBackend == "postgres" || cfg.ResultsBackend == "postgres"
}

// connectRedis returns nil without error when Redis is optional and not
// reachable; sessions and the push relay then stay in process.
func connectRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) (*redis.Client, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		if needsRedis(cfg) {
			return nil, errors.New("REDIS_URL is required by the selected backends")
		}
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		if needsRedis(cfg) {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Warn("redis unavailable, sessions and push stay in process", zap.Error(err))
		return nil, nil
	}
	return client, nil
}

func openSnapshots(cfg config.Config, b *backends) (store.Store, error) {
	switch cfg.StoreBackend {
	case "", "file":
		return store.NewFileStore(cfg.DataDir)
	case "redis":
		return store.NewRedisStore(b.redis, cfg.SessionTTL), nil
	case "postgres":
		return store.NewPostgresStore(b.db), nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}

func openResults(ctx context.Context, cfg config.Config, snapshots store.Store, b *backends) (store.ResultStore, error) {
	if cfg.ResultsBackend == cfg.StoreBackend {
		return snapshots, nil
	}
	switch cfg.ResultsBackend {
	case "file":
		return store.NewFileStore(cfg.DataDir)
	case "redis":
		return store.NewRedisStore(b.redis, cfg.SessionTTL), nil
	case "postgres":
		return store.NewPostgresStore(b.db), nil
	case "minio":
		return store.NewMinioResults(ctx, store.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			Bucket:    cfg.MinioBucket,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown RESULTS_BACKEND %q", cfg.ResultsBackend)
	}
}

func openPublisher(cfg config.Config, b *backends, logger *zap.Logger) (queue.Publisher, error) {
	switch cfg.QueueBackend {
	case "", "amqp":
		b.amqp = queue.NewAMQPPublisher(cfg.RabbitMQURL, cfg.QueueName, logger)
		return b.amqp, nil
	case "redis":
		return queue.NewStreamPublisher(b.redis, cfg.QueueName), nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
}

func linkChecker(cfg config.Config, client *github.Client) (links.Checker, error) {
	switch cfg.LinkCheck {
	case "", "api":
		return links.NewAPIChecker(client), nil
	case "git":
		return gitrepo.NewRemoteChecker(linkCheckTimeout), nil
	default:
		return nil, fmt.Errorf("unknown LINK_CHECK %q", cfg.LinkCheck)
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	b := &backends{logger: logger}
	defer b.close()

	var err error
	if b.redis, err = connectRedis(ctx, cfg, logger); err != nil {
		return err
	}
	if needsPostgres(cfg) {
		if b.db, err = store.Open(ctx, cfg.DatabaseURL); err != nil {
			return err
		}
		if cfg.MigrationsAuto {
			if err := store.ApplyMigrations(ctx, b.db, store.Migrations()); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
		}
	}

	snapshots, err := openSnapshots(cfg, b)
	if err != nil {
		return err
	}
	resultStore, err := openResults(ctx, cfg, snapshots, b)
	if err != nil {
		return err
	}
	data := store.Combine(snapshots, resultStore)

	secret, err := auth.LoadOrCreateSecret(cfg.SecretKeyFile)
	if err != nil {
		return err
	}
	sessionKey, err := auth.DeriveKey(secret, "session")
	if err != nil {
		return err
	}

	checks := map[string]store.Pinger{"store": data}
	var registry session.Registry = session.NewMemoryRegistry()
	metrics := app.NewMetrics()
	hub := channel.NewHub(logger).WithStats(metrics)
	if b.redis != nil {
		redisRegistry := session.NewRedisRegistry(b.redis)
		registry = redisRegistry
		checks["redis"] = redisRegistry
		hub = hub.WithRelay(channel.NewRedisRelay(b.redis, logger))
	}
	issuer := session.NewIssuer(sessionKey, cfg.SessionTTL, registry, logger)

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go func() {
		if err := hub.Start(hubCtx); err != nil {
			logger.Error("push relay stopped", zap.Error(err))
		}
	}()

	gh := github.NewClient(cfg.GitHubAPIURL, cfg.GitHubToken, logger)
	checker, err := linkChecker(cfg, gh)
	if err != nil {
		return err
	}
	publisher, err := openPublisher(cfg, b, logger)
	if err != nil {
		return err
	}

	var pgResults *search.PgResults
	if b.db != nil && cfg.ResultsBackend == "postgres" {
		pgResults = search.NewPgResults(b.db)
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		b.meili = search.NewResultIndex(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	finder := search.NewResultFinder(b.meili, pgResults, logger)

	pdf := render.NewPDFRenderer(pdfTimeout)
	if !pdf.Available() {
		logger.Warn("no chromium binary found, PDF export disabled")
	}

	httpServer := app.NewHTTPServer(app.Deps{
		Issuer:      issuer,
		Hub:         hub,
		Search:      search.NewService(gh, data, hub, logger).WithObserver(metrics),
		Links:       links.NewService(data, checker, logger),
		Dispatcher:  queue.NewDispatcher(data, publisher, logger).WithObserver(metrics),
		Receiver:    results.NewReceiver(data, hub, logger).WithIndexer(finder).WithObserver(metrics),
		Results:     data,
		Finder:      finder,
		PDF:         pdf,
		Metrics:     metrics,
		Checks:      checks,
		Logger:      logger,
		CORSOrigin:  cfg.CORSOrigin,
		WorkerToken: cfg.WorkerToken,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("reposcout api listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.StoreBackend),
			zap.String("results", cfg.ResultsBackend),
			zap.String("queue", cfg.QueueBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	httpServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
