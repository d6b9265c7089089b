// Package app wires every component into a runnable service: a single
// New() constructor assembling logger, config, db, repos, domain services,
// handlers, and router in a fixed order, with background loops started
// separately from construction.
package app

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/geoharmony/orchestrator/internal/clients/permission"
	"github.com/geoharmony/orchestrator/internal/config"
	"github.com/geoharmony/orchestrator/internal/db"
	"github.com/geoharmony/orchestrator/internal/deadletter"
	"github.com/geoharmony/orchestrator/internal/dispatch"
	"github.com/geoharmony/orchestrator/internal/failer"
	"github.com/geoharmony/orchestrator/internal/handlers"
	"github.com/geoharmony/orchestrator/internal/logger"
	"github.com/geoharmony/orchestrator/internal/objectstore"
	"github.com/geoharmony/orchestrator/internal/reaper"
	"github.com/geoharmony/orchestrator/internal/repos"
	"github.com/geoharmony/orchestrator/internal/server"
	"github.com/geoharmony/orchestrator/internal/sharegate"
)

// App holds every wired component the process needs to serve HTTP and run
// its background loops.
type App struct {
	log *logger.Logger
	cfg config.Config

	postgres *db.PostgresService
	redis    *redis.Client

	failer  *failer.Failer
	reaper  *reaper.Reaper
	deadLtr *deadletter.Monitor
	router  *server.RouterEngine
}

// New builds every component in dependency order and auto-migrates the
// schema. It does not start any background loop or HTTP listener.
func New(log *logger.Logger, cfg config.Config) (*App, error) {
	pg, err := db.NewPostgresService(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("auto-migrate schema: %w", err)
	}

	jobRepo := repos.NewJobRepo(pg.DB(), log)
	stepRepo := repos.NewWorkflowStepRepo(pg.DB(), log)
	itemRepo := repos.NewWorkItemRepo(pg.DB(), log)
	linkRepo := repos.NewJobLinkRepo(pg.DB(), log)

	store, err := newObjectStore(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("init object store: %w", err)
	}

	permissionClient := permission.New(log, cfg.PermissionBaseURL)
	gate := sharegate.New(log, permissionClient)

	chainer := dispatch.NewChainer(log, cfg, store, jobRepo, stepRepo, itemRepo, linkRepo)
	engine := dispatch.NewEngine(log, pg.DB(), cfg, jobRepo, stepRepo, itemRepo, linkRepo, chainer)

	f := failer.NewFailer(log, cfg, itemRepo, engine)
	rp := reaper.NewReaper(log, cfg, jobRepo, stepRepo, itemRepo, linkRepo)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	dlm := deadletter.NewMonitor(log, cfg, redisClient, jobRepo)

	workerHandler := handlers.NewWorkerHandler(engine)
	jobHandler := handlers.NewJobHandler(log, pg.DB(), jobRepo, stepRepo, itemRepo, linkRepo, store, gate).
		WithDefaultPageSize(cfg.DefaultResultPageSize)
	router := server.NewRouter(log, server.Handlers{Worker: workerHandler, Job: jobHandler})

	return &App{
		log:      log,
		cfg:      cfg,
		postgres: pg,
		redis:    redisClient,
		failer:   f,
		reaper:   rp,
		deadLtr:  dlm,
		router:   &server.RouterEngine{Engine: router},
	}, nil
}

func newObjectStore(log *logger.Logger, cfg config.Config) (objectstore.Store, error) {
	signer := objectstore.NewLinkSigner(cfg.SharedSecretKey)
	if cfg.ObjectStoreBucket == "" {
		return objectstore.NewLocalStore(log, cfg.ObjectStoreLocalDir, signer)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWSDefaultRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return objectstore.NewS3Store(log, client, cfg.ObjectStoreBucket, signer), nil
}

// Run serves HTTP and every background loop until ctx is canceled, returning
// the first error any of them reports (golang.org/x/sync/errgroup).
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.failer.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.reaper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return a.deadLtr.Start(gctx)
	})
	g.Go(func() error {
		return a.router.Run(gctx, a.cfg.HTTPAddr)
	})

	return g.Wait()
}

// Close releases process-wide resources.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.log.Sync()
}
