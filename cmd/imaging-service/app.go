package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"pixl/internal/api"
	"pixl/internal/broker"
	"pixl/internal/config"
	"pixl/internal/constants"
	"pixl/internal/export"
	"pixl/internal/ledger"
	"pixl/internal/logger"
	"pixl/internal/project"
	"pixl/internal/ratelimit"
	"pixl/internal/rawcache"
	"pixl/internal/scheduler"
	"pixl/internal/secrets"
	"pixl/internal/source"
	"pixl/pkg/health"
	"pixl/pkg/metrics"
	"pixl/pkg/tracing"
)

type App struct {
	cfg    *config.Config
	logger logger.Logger

	db             *sql.DB
	producer       *broker.RabbitProducer
	consumer       *broker.RabbitConsumer
	registry       *project.Registry
	limiter        *ratelimit.SourceLimiter
	inFlight       *ratelimit.InFlight
	service        *scheduler.Service
	server         *http.Server
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugared, ok := log.(*logger.SugaredLogger); ok {
		sugared.SetServiceName("imaging-service")
	}
	return &App{cfg: cfg, logger: log}
}

func (a *App) Initialize(ctx context.Context) error {
	metrics.Register()

	if err := a.initDatabase(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := a.initBroker(); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	if err := a.initService(ctx); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	tp, err := tracing.Init(a.cfg.Tracing, "imaging-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	a.initHTTPServer()
	return nil
}

func (a *App) initDatabase(ctx context.Context) error {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		a.cfg.Database.User,
		a.cfg.Database.Password,
		a.cfg.Database.Host,
		a.cfg.Database.Port,
		a.cfg.Database.DBName,
		a.cfg.Database.SSLMode,
	)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := ledger.RunMigrations(db, a.cfg.Database.SkipMigrations); err != nil {
		db.Close()
		return err
	}
	a.db = db
	a.logger.Info("PostgreSQL connected successfully")
	return nil
}

func (a *App) initBroker() error {
	producer, err := broker.NewRabbitProducer(a.cfg.Broker, a.logger)
	if err != nil {
		return err
	}
	consumer, err := broker.NewRabbitConsumer(a.cfg.Broker, a.cfg.Scheduler.MaxMessagesInFlight, a.logger)
	if err != nil {
		producer.Close()
		return err
	}
	a.producer = producer
	a.consumer = consumer
	return nil
}

func (a *App) initService(ctx context.Context) error {
	registry, err := project.NewRegistry(a.cfg.Projects.Dir, a.logger)
	if err != nil {
		return err
	}
	a.registry = registry

	a.limiter = ratelimit.NewSourceLimiter()
	a.limiter.Configure(constants.SourcePrimary, a.cfg.Sources.Primary.Rate, a.cfg.Sources.Primary.Burst)
	a.limiter.Configure(constants.SourceSecondary, a.cfg.Sources.Secondary.Rate, a.cfg.Sources.Secondary.Burst)
	a.inFlight = ratelimit.NewInFlight(a.cfg.Scheduler.MaxMessagesInFlight)

	primary := source.NewDimseClient(constants.SourcePrimary, a.cfg.Sources.Primary,
		a.cfg.RawCache.AET, a.cfg.Sources.QueryTimeout, a.cfg.Sources.TransferTimeout, a.logger)
	secondary := source.NewDimseClient(constants.SourceSecondary, a.cfg.Sources.Secondary,
		a.cfg.RawCache.AET, a.cfg.Sources.QueryTimeout, a.cfg.Sources.TransferTimeout, a.logger)

	store := rawcache.NewHTTPStore(a.cfg.RawCache)
	cache := rawcache.NewCoordinator(store, a.cfg.RawCache, a.logger)
	cache.Register(cacheObserver{logger: a.logger})

	resolver, err := a.buildResolver()
	if err != nil {
		return err
	}

	ledgerRepo := ledger.NewRepository(a.db)
	router := export.NewRouter(resolver, a.logger)

	a.service = scheduler.NewService(
		ledgerRepo,
		registry,
		a.limiter,
		a.inFlight,
		primary,
		secondary,
		cache,
		router,
		saltSource{resolver: resolver},
		scheduler.Options{
			UIDRoot:       a.cfg.Anonymise.UIDRoot,
			DateShiftSpan: a.cfg.Anonymise.StudyTimeOffsetDays,
		},
		a.logger,
	)
	return nil
}

func (a *App) buildResolver() (secrets.Resolver, error) {
	var resolver secrets.Resolver
	var err error
	switch a.cfg.Secrets.Backend {
	case "local":
		resolver, err = secrets.NewLocalDir(a.cfg.Secrets.LocalDir)
	default:
		resolver, err = secrets.NewKeyVault(a.cfg.Secrets.VaultURL)
	}
	if err != nil {
		return nil, err
	}
	if a.cfg.Secrets.SaltOverride != "" {
		resolver = &secrets.StaticSalt{Resolver: resolver, Salt: []byte(a.cfg.Secrets.SaltOverride)}
	}
	return resolver, nil
}

// cacheObserver surfaces raw cache lifecycle events in the logs.
type cacheObserver struct {
	logger logger.Logger
}

func (o cacheObserver) OnInstanceStored(studyUID, sopInstanceUID string) {
	o.logger.Debugw("Instance arrived in raw cache",
		"study_uid", studyUID,
		"sop_instance_uid", sopInstanceUID,
	)
}

func (o cacheObserver) OnStudyStable(studyUID string) {
	o.logger.Infow("Study stable in raw cache", "study_uid", studyUID)
}

// saltSource adapts the resolver to the scheduler's salt interface.
type saltSource struct {
	resolver secrets.Resolver
}

func (s saltSource) ProjectSalt(ctx context.Context, alias string) ([]byte, error) {
	return secrets.ProjectSalt(ctx, s.resolver, alias)
}

func (a *App) initHTTPServer() {
	checks := health.NewCheckerRegistry()
	checks.Register(health.NewPostgreSQLChecker(a.db))
	checks.Register(health.NewBrokerChecker(a.consumer.Check))
	checks.Register(health.NewHTTPChecker("raw_cache", a.cfg.RawCache.URL+"/system"))

	handler := api.NewHandler(ledger.NewRepository(a.db), a.producer, a.limiter, checks, a.consumer, a.logger)
	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler: handler.Router(),
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfowCtx(ctx, "HTTP server starting", "port", a.cfg.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// SIGHUP re-reads the project config directory; the swap is atomic so
	// in-flight messages keep their generation.
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-hup:
				if err := a.registry.Reload(); err != nil {
					a.logger.ErrorwCtx(gCtx, "Project config reload failed, keeping previous generation",
						"error", err,
					)
				}
			}
		}
	})

	g.Go(func() error {
		return a.consumer.Consume(gCtx, constants.QueuePrimary, a.service.HandleMessage)
	})
	g.Go(func() error {
		return a.consumer.Consume(gCtx, constants.QueueSecondary, a.service.HandleMessage)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	var errs []error

	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, constants.ShutdownGrace)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
		cancel()
	}
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close error: %w", err))
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}
	if a.tracerProvider != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
		cancel()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	a.logger.Info("Application exited successfully")
	return nil
}
