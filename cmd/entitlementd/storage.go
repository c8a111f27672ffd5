package main

import (
	"context"
	"fmt"

	gcpfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/internal/config"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/firestore"
	"github.com/mihaimyh/goentitle/storage/memory"
	"github.com/mihaimyh/goentitle/storage/postgres"
	"github.com/mihaimyh/goentitle/storage/redis"
	"github.com/mihaimyh/goentitle/storage/tiered"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// backend is an opened storage driver with its health check and cleanup
type backend struct {
	storage entitlement.Storage
	pingers []pinger
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func (b *backend) ping(ctx context.Context) error {
	for _, p := range b.pingers {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func openBackend(ctx context.Context, cfg config.Storage, logger entitlement.Logger) (*backend, error) {
	b := &backend{}
	if cfg.Driver != config.DriverTiered {
		s, err := b.open(ctx, cfg.Driver, cfg)
		if err != nil {
			b.close()
			return nil, err
		}
		b.storage = s
		return b, nil
	}

	hot, err := b.open(ctx, cfg.Hot, cfg)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("hot tier: %w", err)
	}
	cold, err := b.open(ctx, cfg.Cold, cfg)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("cold tier: %w", err)
	}
	t, err := tiered.New(tiered.Config{
		Hot:            hot,
		Cold:           cold,
		AsyncHotWrites: true,
		AsyncErrorHandler: func(err error) {
			logger.Warn("Hot tier write failed", entitlement.Field{Key: "error", Value: err})
		},
	})
	if err != nil {
		b.close()
		return nil, err
	}
	// The tiered worker must drain before the tiers close.
	b.closers = append(b.closers, func() { _ = t.Close() })
	b.storage = t
	return b, nil
}

func (b *backend) open(ctx context.Context, driver string, cfg config.Storage) (entitlement.Storage, error) {
	switch driver {
	case config.DriverMemory:
		return memory.New(), nil

	case config.DriverPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Postgres.DSN
		pgCfg.MaxConns = cfg.Postgres.MaxConns
		pgCfg.MinConns = cfg.Postgres.MinConns
		pgCfg.MaxConnLifetime = cfg.Postgres.MaxConnLifetime
		pgCfg.AutoMigrate = cfg.Postgres.AutoMigrate
		s, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.pingers = append(b.pingers, s)
		b.closers = append(b.closers, s.Close)
		return s, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rCfg := redis.DefaultConfig()
		rCfg.KeyPrefix = cfg.Redis.KeyPrefix
		rCfg.RecordTTL = cfg.Redis.RecordTTL
		s, err := redis.New(client, rCfg)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		b.pingers = append(b.pingers, s)
		b.closers = append(b.closers, func() { _ = s.Close() })
		return s, nil

	case config.DriverFirestore:
		client, err := gcpfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create firestore client: %w", err)
		}
		s, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		return s, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
