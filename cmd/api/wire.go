package main

import (
	"context"
	"database/sql"
	"strings"

	"github.com/sirupsen/logrus"

	"reportkit/api/internal/app"
	"reportkit/api/internal/assembly"
	"reportkit/api/internal/cache"
	"reportkit/api/internal/config"
	"reportkit/api/internal/datasource"
	"reportkit/api/internal/export"
	"reportkit/api/internal/jobs"
	"reportkit/api/internal/objectstore"
	"reportkit/api/internal/publish"
	"reportkit/api/internal/search"
	"reportkit/api/internal/session"
	"reportkit/api/internal/slices"
	"reportkit/api/internal/store"
	"reportkit/api/internal/webhook"
)

// runtime holds the long-lived components shared by serve and worker.
type runtime struct {
	service      *app.Service
	orchestrator *jobs.Orchestrator
	closers      []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *logrus.Logger) (rt *runtime, err error) {
	rt = &runtime{}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, logStartupError(logger, "connect database", err)
	}
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	version, err := store.ApplyMigrations(cfg.DatabaseURL)
	if err != nil {
		return nil, logStartupError(logger, "apply migrations", err)
	}
	logger.WithField("version", version).Info("database schema up to date")
	dataStore := store.NewPostgresStore(db)

	// Materialized slices are cached in Redis when configured so several API
	// and worker processes share them; otherwise in process.
	// Token revocations follow the same rule.
	var (
		sliceCache  slices.Cache
		revocations session.Revocations
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedis(cfg.RedisURL, cfg.ReportCacheTTL, logger)
		if err != nil {
			return nil, logStartupError(logger, "connect redis", err)
		}
		rt.closers = append(rt.closers, func() { _ = redisCache.Close() })
		sliceCache = redisCache

		revoked, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, logStartupError(logger, "connect redis", err)
		}
		rt.closers = append(rt.closers, func() { _ = revoked.Close() })
		revocations = revoked
		logger.Info("using redis slice cache and token revocations")
	} else {
		sliceCache = cache.NewLRU(cfg.ReportCacheSize, cfg.ReportCacheTTL)
		revocations = session.NewMemoryStore()
	}

	materializerOpts := []slices.Option{
		slices.WithCache(sliceCache),
		slices.WithTimeout(cfg.DataSourceTimeout),
		slices.WithConcurrency(cfg.MaterializeConcurrency),
		slices.WithLogger(logger),
	}
	var source slices.DataSource
	if strings.TrimSpace(cfg.DataSourceURL) != "" {
		source = datasource.New(cfg.DataSourceURL, cfg.DataSourceToken, cfg.DataSourceTimeout, logger)
	}
	materializer := slices.NewMaterializer(source, materializerOpts...)
	pipeline := assembly.NewPipeline(materializer, assembly.New(logger))

	exporter := export.NewService(pipeline, logger)

	objects, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return nil, logStartupError(logger, "object storage", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		logger.WithError(err).Warn("object storage bucket unavailable; exports will fail until it is reachable")
	}

	router := publish.NewRouter()
	var gitPublisher *publish.GitPublisher
	if strings.TrimSpace(cfg.WikiURL) != "" {
		router.Register(publish.TargetWiki, publish.NewWikiPublisher(cfg.WikiURL, cfg.WikiToken, pipeline, cfg.DataSourceTimeout))
	}
	if strings.TrimSpace(cfg.PublishGitDir) != "" {
		gitPublisher = publish.NewGitPublisher(cfg.PublishGitDir, pipeline)
		router.Register(publish.TargetGit, gitPublisher)
	}
	logger.WithField("targets", router.Targets()).Info("publish targets configured")

	dispatcher := webhook.New(webhook.Config{
		URLs:        cfg.WebhookURLs,
		Secret:      cfg.WebhookSecret,
		Timeout:     cfg.WebhookTimeout,
		MaxAttempts: cfg.WebhookMaxAttempts,
		QueueSize:   cfg.WebhookQueueSize,
	}, logger)
	rt.closers = append(rt.closers, dispatcher.Close)

	searchService := newSearch(ctx, cfg, db, logger, rt)

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithBuilder(pipeline),
		app.WithSearch(searchService),
		app.WithNotifier(dispatcher),
		app.WithSigner(objects),
		app.WithRevocations(revocations),
	}
	if gitPublisher != nil {
		opts = append(opts, app.WithPublicationLog(gitPublisher))
	}
	rt.service = app.New(cfg, dataStore, opts...)

	rt.orchestrator = jobs.New(dataStore, jobs.Config{
		MaxAttempts:  cfg.JobMaxAttempts,
		BackoffBase:  cfg.JobBackoffBase,
		BackoffMax:   cfg.JobBackoffMax,
		Timeout:      cfg.JobTimeout,
		PollInterval: cfg.JobPollInterval,
		Workers:      cfg.JobWorkers,
	},
		jobs.WithHandler(store.JobTypeExport, jobs.ExportHandler{Renderer: exporter, Objects: objects}),
		jobs.WithHandler(store.JobTypePublish, jobs.PublishHandler{Publisher: router}),
		jobs.WithPublishTargets(router.Targets()...),
		jobs.WithHooks(rt.service),
		jobs.WithLogger(logger),
	)
	rt.service.AttachJobs(rt.orchestrator)
	return rt, nil
}

// newSearch prefers Meilisearch and falls back to Postgres full-text search
// whenever Meilisearch is missing or unhealthy.
func newSearch(ctx context.Context, cfg config.Config, db *sql.DB, logger logrus.FieldLogger, rt *runtime) *search.Service {
	pgfts := search.NewPgFTS(db)
	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return search.NewService(nil, pgfts, logger)
	}

	meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey, logger)
	rt.closers = append(rt.closers, meili.Close)
	service := search.NewService(meili, pgfts, logger)
	go service.ReindexAll(ctx, pgfts)
	return service
}
