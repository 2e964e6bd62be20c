// Package bootstrap assembles the tenancy core from configuration. Every
// binary builds the same Core and uses the parts it needs.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/eventbus"
	"github.com/coursegrid/coursegrid/pkg/migrations"
	"github.com/coursegrid/coursegrid/pkg/pool"
	"github.com/coursegrid/coursegrid/pkg/provisioning"
	"github.com/coursegrid/coursegrid/pkg/queue"
	"github.com/coursegrid/coursegrid/pkg/secret"
	"github.com/coursegrid/coursegrid/pkg/seed"
	"github.com/coursegrid/coursegrid/pkg/store/postgres"
	storeredis "github.com/coursegrid/coursegrid/pkg/store/redis"
	"github.com/coursegrid/coursegrid/pkg/supertenant"
	"github.com/coursegrid/coursegrid/pkg/tenantdb"
)

const lockPrefix = "coursegrid:lock:"

type Core struct {
	Config      *config.Config
	Registry    *pool.Registry
	Store       *postgres.Store
	Gateway     *supertenant.Gateway
	Resolver    *tenantdb.Resolver
	Redis       *storeredis.Client
	Bus         *eventbus.Bus
	Broker      queue.Broker
	Dispatcher  *queue.Dispatcher
	Admin       *postgres.DatabaseAdmin
	Migrator    *migrations.Migrator
	Seeder      *seed.Seeder
	Locker      *storeredis.Locker
	Provisioner *provisioning.Provisioner
	Service     *provisioning.Service
	Logger      *zap.Logger

	closers []func() error
}

type Options struct {
	// Consume builds a broker that also reads jobs. Publishers leave it off
	// so they never join the consumer group.
	Consume bool
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*Core, error) {
	c := &Core{Config: cfg, Logger: logger}
	if err := c.build(ctx, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) build(ctx context.Context, opts Options) error {
	cfg := c.Config

	c.Registry = pool.NewRegistry(pool.Options{
		IdleTimeout: cfg.Tenants.IdleTimeout,
		MaxAttempts: cfg.Tenants.ConnectMaxAttempts,
		Logger:      c.Logger,
	})
	c.closers = append(c.closers, c.Registry.Close)

	store, err := postgres.Open(ctx, c.Registry, cfg.Database)
	if err != nil {
		return err
	}
	if err := store.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("migrate super-tenant schema: %w", err)
	}
	c.Store = store

	box, err := secret.New(cfg.Security.CredentialsKey)
	if err != nil {
		return fmt.Errorf("credentials key: %w", err)
	}
	if box == nil {
		c.Logger.Warn("credentials key not set, tenant passwords are stored in plain text")
	}
	c.Gateway, err = supertenant.New(c.Registry, pool.SuperParams(cfg.Database), box, cfg.Cache, c.Logger)
	if err != nil {
		return err
	}
	c.closers = append(c.closers, func() error { c.Gateway.Close(); return nil })
	c.Resolver = tenantdb.NewResolver(c.Gateway)

	c.Redis, err = storeredis.NewClient(&cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	c.closers = append(c.closers, c.Redis.Close)
	c.Bus = eventbus.NewBus(c.Redis.Client())

	if err := c.buildBroker(opts); err != nil {
		return err
	}
	c.Dispatcher = queue.NewDispatcher(c.Broker, cfg.Queue.MaxAttempts, cfg.Queue.JobTimeout, c.Logger)

	c.Admin = postgres.NewDatabaseAdmin(store.DB(), cfg.Tenants.User)
	c.Migrator = migrations.New()
	c.Seeder = seed.New()
	c.Locker = storeredis.NewLocker(c.Redis, lockPrefix, cfg.Tenants.ProvisionLockTTL)
	c.Provisioner = provisioning.NewProvisioner(provisioning.Deps{
		Gateway:  c.Gateway,
		Admin:    c.Admin,
		Migrator: c.Migrator,
		Seeder:   c.Seeder,
		Locker:   c.Locker,
		Bus:      c.Bus,
		Logger:   c.Logger,
	})
	c.Service = provisioning.NewService(c.Gateway, c.Admin, c.Dispatcher, c.Bus, cfg.Tenants, c.Logger)
	return nil
}

func (c *Core) buildBroker(opts Options) error {
	cfg := c.Config
	switch cfg.Queue.Driver {
	case "", "redis":
		broker := queue.NewRedisBroker(c.Redis.Client(), queue.RedisBrokerConfig{
			KeyPrefix:   cfg.Queue.KeyPrefix,
			BackoffBase: cfg.Queue.BackoffBase,
		}, c.Logger)
		c.Broker = broker
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("queue driver kafka needs kafka.brokers")
		}
		kc := queue.KafkaBrokerConfig{
			Brokers:     cfg.Kafka.Brokers,
			ClientID:    cfg.Kafka.ClientID,
			GroupID:     cfg.Kafka.JobGroup,
			Topic:       cfg.Kafka.JobTopic,
			RetryTopic:  cfg.Kafka.JobRetryTopic,
			DLQTopic:    cfg.Kafka.JobDLQTopic,
			BackoffBase: cfg.Queue.BackoffBase,
		}
		var broker *queue.KafkaBroker
		if opts.Consume {
			broker = queue.NewKafkaBroker(kc, c.Logger)
		} else {
			broker = queue.NewKafkaProducer(kc, c.Logger)
		}
		c.Broker = broker
		c.closers = append(c.closers, broker.Close)
	default:
		return fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
	return nil
}

// Background starts the directory watcher and the idle pool reaper. Both
// stop with ctx.
func (c *Core) Background(ctx context.Context) {
	go c.Gateway.Watch(ctx, c.Bus)
	go c.Registry.RunReaper(ctx, c.Config.Tenants.ReapInterval)
}

// Close releases everything New opened, last opened first.
func (c *Core) Close() error {
	var result *multierror.Error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.closers = nil
	return result.ErrorOrNil()
}
