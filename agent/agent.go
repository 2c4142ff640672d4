package agent

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/TriviaNFT/triviaNFT-sub002/analytics"
	"github.com/TriviaNFT/triviaNFT-sub002/auth"
	"github.com/TriviaNFT/triviaNFT-sub002/cache"
	"github.com/TriviaNFT/triviaNFT-sub002/config"
	"github.com/TriviaNFT/triviaNFT-sub002/engine"
	"github.com/TriviaNFT/triviaNFT-sub002/executor"
	"github.com/TriviaNFT/triviaNFT-sub002/flow"
	"github.com/TriviaNFT/triviaNFT-sub002/idempotency"
	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/nft"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence/memory"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence/postgres"
	"github.com/TriviaNFT/triviaNFT-sub002/persistence/redis"
	"github.com/TriviaNFT/triviaNFT-sub002/rest"
	"github.com/TriviaNFT/triviaNFT-sub002/retry"
	"github.com/TriviaNFT/triviaNFT-sub002/rpc"
	"github.com/TriviaNFT/triviaNFT-sub002/service"
	"github.com/TriviaNFT/triviaNFT-sub002/timers"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

const RECOVERY_BATCH = 100
const ARCHIVE_BATCH = 500

type Agent struct {
	Config                   config.Config
	storage                  persistence.Storage
	registry                 *flow.Registry
	engine                   *engine.FlowEngine
	scheduler                *timers.Scheduler
	dispatcher               *executor.Dispatcher
	executors                []executor.Executor
	tokens                   *auth.TokenIssuer
	verifier                 *auth.Verifier
	health                   *health.Server
	workflowExecutionService *service.WorkflowExecutionService
	httpServer               *rest.Server
	grpcServer               *grpc.Server
	shutdown                 bool
	shutdownLock             sync.Mutex
	wg                       sync.WaitGroup
}

func New(conf config.Config) (*Agent, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{
		Config: conf,
	}
	setup := []func() error{
		a.setupLogger,
		a.setupAnalytics,
		a.setupStorage,
		a.setupRegistry,
		a.setupEngine,
		a.setupExecutors,
		a.setupWorkflowExecutionService,
		a.setupHttpServer,
		a.setupGrpcServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupLogger() error {
	return logger.Init(a.Config.LogConfig)
}

func (a *Agent) setupAnalytics() error {
	return analytics.InitDataCollector(a.Config.AnalyticsConfig)
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_INMEM:
		logger.Warn("using in-memory storage, runs do not survive a restart")
		a.storage = memory.NewMemoryStorage()
	case config.STORAGE_TYPE_REDIS:
		rc := a.Config.RedisConfig
		a.storage = redis.NewRedisStorage(redis.Config{
			Addrs:     rc.Addrs,
			Namespace: rc.Namespace,
			PoolSize:  rc.PoolSize,
			Password:  rc.Password,
		})
	case config.STORAGE_TYPE_POSTGRES:
		pc := a.Config.PostgresConfig
		if pc.AutoMigrate {
			if err := postgres.Migrate(pc.DSN); err != nil {
				return fmt.Errorf("migrating postgres: %w", err)
			}
		}
		s, err := postgres.NewPostgresStorage(context.Background(), postgres.Config{URL: pc.DSN, MaxConns: pc.MaxConns})
		if err != nil {
			return fmt.Errorf("connecting postgres: %w", err)
		}
		a.storage = s
	default:
		return fmt.Errorf("unknown storage type %q", a.Config.StorageType)
	}
	logger.Info("storage initialized", zap.String("type", string(a.Config.StorageType)))
	return nil
}

func (a *Agent) setupRegistry() error {
	a.registry = flow.NewRegistry()
	hc := a.Config.HostConfig
	host := nft.NewHostClient(nft.HostConfig{
		BaseURL:    hc.BaseURL,
		SigningKey: a.Config.AuthConfig.SigningKey,
		Timeout:    hc.Timeout,
	})
	conf := nft.DefaultConfig()
	if hc.ConfirmationWait > 0 {
		conf.ConfirmationWait = hc.ConfirmationWait
	}
	if err := nft.Register(a.registry, host.Host(), conf); err != nil {
		return err
	}
	logger.Info("workflow definitions registered", zap.Strings("definitions", a.registry.Names()))
	return nil
}

func (a *Agent) setupEngine() error {
	ec := a.Config.EngineConfig
	a.scheduler = timers.NewScheduler(a.storage, nil)
	a.engine = engine.NewFlowEngine(a.storage, a.registry, a.scheduler, engine.Config{
		StepTimeout:   ec.StepTimeout,
		StaleRunGrace: ec.StaleRunGrace,
		DefaultRetry: retry.Policy{
			Type:        retry.RETRY_POLICY_EXPONENTIAL,
			MaxAttempts: ec.DefaultMaxAttempts,
			Base:        ec.BackoffBase,
			Max:         ec.BackoffMax,
		},
	}, nil)
	a.dispatcher = executor.NewDispatcher(a.engine, executor.DispatcherConfig{
		Workers:        ec.Workers,
		QueueCapacity:  ec.QueueCapacity,
		PartitionCount: ec.PartitionCount,
	}, &a.wg)
	a.dispatcher.Start()
	return nil
}

func (a *Agent) notifier() timers.Notifier {
	sc := a.Config.SchedulerConfig
	if sc.Mode == config.SCHEDULER_MODE_REMOTE {
		logger.Info("timers resume runs through the ingress", zap.String("url", sc.ResumeURL))
		return timers.NewRemoteNotifier(sc.ResumeURL, a.tokens, sc.Timeout)
	}
	return timers.NewLocalNotifier(a.dispatcher)
}

func (a *Agent) setupExecutors() error {
	ec := a.Config.EngineConfig
	ac := a.Config.AuthConfig
	a.tokens = auth.NewTokenIssuer(ac.InternalTokenSecret, ac.ResumeTokenTTL)
	a.verifier = auth.NewVerifier(ac.SigningKey, ac.SigningKeyFallback, ac.SignatureTolerance)
	a.health = health.NewServer()

	a.executors = []executor.Executor{
		executor.NewTimerExecutor(a.scheduler, a.notifier(), ec.TimerPollInterval, ec.TimerBatchSize, &a.wg),
		executor.NewRecoveryExecutor(a.storage, a.dispatcher, ec.StaleRunGrace, ec.RecoveryInterval, RECOVERY_BATCH, nil, &a.wg),
		executor.NewArchiveExecutor(a.storage, ec.ArchiveAfter, ec.ArchiveInterval, ARCHIVE_BATCH, nil, &a.wg),
		executor.NewHealthExecutor(a.storage, ec.HealthInterval, func(healthy bool) {
			rpc.SetServing(a.health, healthy)
		}, &a.wg),
	}
	for _, ex := range a.executors {
		ex.Start()
	}
	return nil
}

func (a *Agent) setupWorkflowExecutionService() error {
	guard := idempotency.NewGuard(a.storage, nil)
	a.workflowExecutionService = service.NewWorkflowExecutionService(a.storage, a.registry, guard, a.dispatcher,
		cache.NewRunCache(a.Config.EngineConfig.CacheTTL))
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.workflowExecutionService, a.verifier, a.tokens, a.storage)
	return err
}

func (a *Agent) setupGrpcServer() error {
	var err error
	conf := &rpc.GrpcConfig{
		RunService: a.workflowExecutionService,
		Health:     a.health,
	}
	a.grpcServer, err = rpc.NewGrpcServer(conf)
	return err
}

func (a *Agent) Start() error {
	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server stopped", zap.Error(err))
			_ = a.Shutdown()
		}
	}()

	logger.Info("starting grpc server on", zap.Int("port", a.Config.GrpcPort))
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.Config.GrpcPort))
	if err != nil {
		return err
	}
	go func() {
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			logger.Info("stopping grpc server")
			a.grpcServer.GracefulStop()
			return nil
		},
		func() error {
			for _, ex := range a.executors {
				logger.Info("stopping executor", zap.String("executor", ex.Name()))
				ex.Stop()
			}
			a.dispatcher.Stop()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	if err := a.storage.Close(); err != nil {
		logger.Error("error while closing storage", zap.Error(err))
	}
	if err := analytics.Close(); err != nil {
		logger.Error("error while closing analytics", zap.Error(err))
	}
	_ = logger.Sync()
	return nil
}
