// Package app wires the ctf-server components from a Config. Both the HTTP
// server and the ctf-admin CLI build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kavos113/quickctf/ctf-server/config"
	"github.com/kavos113/quickctf/ctf-server/domain"
	"github.com/kavos113/quickctf/ctf-server/infrastructure/coordination"
	"github.com/kavos113/quickctf/ctf-server/infrastructure/eventbus"
	"github.com/kavos113/quickctf/ctf-server/infrastructure/orchestrator"
	"github.com/kavos113/quickctf/ctf-server/infrastructure/repository"
	"github.com/kavos113/quickctf/ctf-server/usecase"
)

type App struct {
	Config   *config.Config
	DBConfig *repository.Config
	Logger   *slog.Logger
	WorkerID string

	DB    *sql.DB
	Redis *redis.Client

	Bus         *eventbus.Bus
	Publisher   *eventbus.RedisPublisher
	Connections *coordination.ConnectionCounter

	Auth      *usecase.AuthUsecase
	Instances *usecase.InstanceUsecase
	Clock     *usecase.CTFClockUsecase

	// Reaper is set only for the docker backend; Kubernetes enforces the
	// lifetime ceiling itself.
	Reaper *orchestrator.DockerOrchestrator

	closers []func() error
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	workerID := uuid.NewString()
	logger = logger.With(slog.String("worker_id", workerID))

	a := &App{
		Config:   cfg,
		DBConfig: repository.NewConfigFromEnv(),
		Logger:   logger,
		WorkerID: workerID,
	}

	db, err := repository.Connect(a.DBConfig, logger)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	rdb, err := coordination.NewRedisClient(&coordination.RedisConfig{
		Address:  cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Redis = rdb
	a.closers = append(a.closers, rdb.Close)

	flags := coordination.NewRedisFlagStore(rdb)
	orch, err := a.newOrchestrator(ctx, flags)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Bus = eventbus.NewBus(eventbus.DefaultQueueSize)
	a.Publisher = eventbus.NewRedisPublisher(rdb, workerID)
	a.Connections = coordination.NewConnectionCounter(rdb, cfg.MaxSSEConnectionsPerIP, cfg.SSEConnTTL)

	a.Auth = usecase.NewAuthUsecase(repository.NewMySQLSessionRepository(db))
	a.Clock = usecase.NewCTFClockUsecase(repository.NewMySQLCTFStateRepository(db), a.Publisher, logger)
	a.Instances = usecase.NewInstanceUsecase(
		repository.NewMySQLChallengeRepository(db),
		coordination.NewRedisInstanceStore(rdb),
		coordination.NewRedisInstanceLimiter(rdb),
		coordination.NewRedisTokenStore(rdb),
		flags,
		orch,
		usecase.InstanceConfig{
			TTL:             cfg.Instance.TTL,
			ExtendTTL:       cfg.Instance.ExtendTTL,
			ExtendThreshold: cfg.Instance.ExtendThreshold,
			MaxActive:       cfg.Instance.MaxActive,
			TokenMinTTL:     cfg.Instance.TokenMinTTL,
		},
		logger,
	)

	logger.Info("application initialized",
		slog.String("orchestrator", cfg.Orchestrator),
		slog.Int("max_active_instances", cfg.Instance.MaxActive),
	)
	return a, nil
}

func (a *App) newOrchestrator(ctx context.Context, flags domain.FlagStore) (domain.Orchestrator, error) {
	switch a.Config.Orchestrator {
	case config.OrchestratorKubernetes:
		clientset, err := orchestrator.NewKubernetesClientset(a.Config.Kubeconfig)
		if err != nil {
			return nil, err
		}
		return orchestrator.NewKubernetesOrchestrator(clientset, flags, orchestrator.KubernetesConfig{
			Namespace:     a.Config.K8sNamespace,
			PublicTCPHost: a.Config.PublicTCPHost,
		}, a.Logger), nil

	case config.OrchestratorDocker:
		cli, err := orchestrator.NewDockerClient()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cli.Close)

		docker := orchestrator.NewDockerOrchestrator(cli, flags, orchestrator.DockerConfig{
			Network:       a.Config.DockerNetwork,
			PublicTCPHost: a.Config.PublicTCPHost,
		}, a.Logger)
		if err := docker.EnsureNetwork(ctx); err != nil {
			return nil, err
		}
		removed, err := docker.Reap(ctx)
		if err != nil {
			a.Logger.Warn("failed to reap expired workloads", slog.String("error", err.Error()))
		}
		if removed > 0 {
			a.Logger.Info("reaped expired workloads at startup", slog.Int("count", removed))
		}
		a.Reaper = docker
		return docker, nil

	default:
		return nil, fmt.Errorf("unknown orchestrator %q", a.Config.Orchestrator)
	}
}

// Close stops scheduled terminations and releases connections in reverse
// order of acquisition.
func (a *App) Close() {
	if a.Instances != nil {
		a.Instances.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("failed to close resource", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}
