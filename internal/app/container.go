package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/dialer"
	"github.com/acme/outbound-dialer/internal/infra/db"
	"github.com/acme/outbound-dialer/internal/infra/redis"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository"
	pgrepo "github.com/acme/outbound-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-dialer/internal/repository/scylla"
	"github.com/acme/outbound-dialer/internal/scheduler"
	"github.com/acme/outbound-dialer/internal/telephony"
	"github.com/acme/outbound-dialer/internal/telephony/ami"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		notifier     *queue.Notifier
		adapter      telephony.Adapter
		engine       *dialer.Engine
		scheduler    *scheduler.Scheduler
	}
}

type repositories struct {
	Campaigns repository.CampaignRepository
	Contacts  repository.ContactRepository
	CallLog   repository.CallLogStore
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Campaigns: pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Contacts:  pgrepo.NewContactRepository(c.Postgres.DB()),
			CallLog:   scyllarepo.NewCallLog(c.Scylla.Session()),
		}

		notifier := queue.NewNotifier(c.Kafka, c.Config.Kafka.EventsTopic)
		adapter := ami.NewClient(c.Config.AMI, c.Logger)
		rate := dialer.NewRedisRateBudget(c.Redis.Inner(), c.Config.Dialer.RateKeyPrefix)

		engine := dialer.NewEngine(
			c.Config.Dialer,
			c.Logger,
			repos.Campaigns,
			repos.Contacts,
			repos.CallLog,
			adapter,
			notifier,
			rate,
		)

		c.components.repositories = repos
		c.components.notifier = notifier
		c.components.adapter = adapter
		c.components.engine = engine
		c.components.scheduler = scheduler.New(c.Logger, repos.Campaigns, engine)
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Adapter exposes the telephony adapter.
func (c *Container) Adapter() telephony.Adapter {
	c.initComponents()
	return c.components.adapter
}

// Engine exposes the dialer engine.
func (c *Container) Engine() *dialer.Engine {
	c.initComponents()
	return c.components.engine
}

// Scheduler exposes the campaign scheduler.
func (c *Container) Scheduler() *scheduler.Scheduler {
	c.initComponents()
	return c.components.scheduler
}

// Notifier exposes the Kafka notifier.
func (c *Container) Notifier() *queue.Notifier {
	c.initComponents()
	return c.components.notifier
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.components.scheduler != nil {
		c.components.scheduler.Stop()
	}
	if c.components.engine != nil {
		c.components.engine.Shutdown()
	}
	if c.components.adapter != nil {
		if err := c.components.adapter.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("adapter disconnect: %w", err))
		}
	}
	if c.components.notifier != nil {
		if err := c.components.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("notifier close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Config.Kafka.EventsTopic == "" {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.EventsTopic}, 12, 1)
}
