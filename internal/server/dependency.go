package server

import (
	"context"
	"fmt"
	"log/slog"

	"machines/internal/config"
	"machines/internal/session/repo"

	"github.com/docker/docker/client"
	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Dependency holds all external infrastructure handles.
type Dependency struct {
	Docker         *client.Client
	Redis          *redis.Client
	PG             *pg.DB
	AsynqClient    *asynq.Client
	AsynqInspector *asynq.Inspector
	AsynqRedis     asynq.RedisClientOpt
	Logger         *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	// The docker client is only needed when provisioning runs against the
	// local daemon instead of a remote control plane.
	var dockerClient *client.Client
	if cfg.ControlPlane.Driver == "docker" {
		var err error
		dockerClient, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		if _, err := dockerClient.Ping(ctx); err != nil {
			dockerClient.Close()
			return nil, fmt.Errorf("docker ping: %w", err)
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		if dockerClient != nil {
			dockerClient.Close()
		}
		return nil, fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
	}

	pgDB := pg.Connect(&pg.Options{
		Addr:     cfg.Postgres.Addr,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
	})
	if _, err := pgDB.Exec("SELECT 1"); err != nil {
		redisClient.Close()
		if dockerClient != nil {
			dockerClient.Close()
		}
		return nil, fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err)
	}

	for _, model := range []any{(*repo.SessionModel)(nil), (*repo.HistoryModel)(nil)} {
		if err := pgDB.Model(model).CreateTable(&orm.CreateTableOptions{
			IfNotExists: true,
		}); err != nil {
			pgDB.Close()
			redisClient.Close()
			if dockerClient != nil {
				dockerClient.Close()
			}
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	asynqRedisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}
	asynqClient := asynq.NewClient(asynqRedisOpt)
	asynqInspector := asynq.NewInspector(asynqRedisOpt)

	return &Dependency{
		Docker:         dockerClient,
		Redis:          redisClient,
		PG:             pgDB,
		AsynqClient:    asynqClient,
		AsynqInspector: asynqInspector,
		AsynqRedis:     asynqRedisOpt,
		Logger:         logger,
	}, nil
}

func (d *Dependency) Close() {
	if d.AsynqInspector != nil {
		d.AsynqInspector.Close()
	}
	if d.AsynqClient != nil {
		d.AsynqClient.Close()
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.Docker != nil {
		d.Docker.Close()
	}
}
