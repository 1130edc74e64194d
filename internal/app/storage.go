package app

import (
	"context"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/firestore"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/postgres"
	"github.com/mihaimyh/subsync/storage/redis"
	"github.com/mihaimyh/subsync/storage/sqlite"
	"github.com/mihaimyh/subsync/storage/tiered"
)

// pinger is implemented by backends that can report their health.
type pinger interface {
	Ping(ctx context.Context) error
}

// openedStorage is a storage backend plus what the service needs to probe and
// release it.
type openedStorage struct {
	subsync.Storage
	pingers []pinger
	closers []func() error
}

func (o *openedStorage) Ping(ctx context.Context) error {
	for _, p := range o.pingers {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (o *openedStorage) Close() error {
	var first error
	// Release in reverse order of opening.
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openStorage builds the backend named by cfg.StorageDriver, optionally with
// a Redis cache in front of it.
func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*openedStorage, error) {
	out := &openedStorage{}

	cold, err := openDriver(ctx, cfg, cfg.StorageDriver, out)
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	out.Storage = cold

	if cfg.StorageCache == config.DriverRedis {
		hot, err := openDriver(ctx, cfg, config.DriverRedis, out)
		if err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("storage cache: %w", err)
		}
		cacheLog := logger.With().Str("component", "storage_cache").Logger()
		out.Storage, err = tiered.New(tiered.Config{
			Hot:  hot,
			Cold: cold,
			OnCacheError: func(err error) {
				cacheLog.Warn().Err(err).Msg("Cache write failed, cold storage is authoritative")
			},
		})
		if err != nil {
			_ = out.Close()
			return nil, err
		}
	}

	logger.Info().
		Str("driver", cfg.StorageDriver).
		Str("cache", cfg.StorageCache).
		Msg("Storage ready")
	return out, nil
}

func openDriver(ctx context.Context, cfg *config.Config, driver string, out *openedStorage) (subsync.Storage, error) {
	switch driver {
	case config.DriverMemory:
		return memory.New(), nil

	case config.DriverFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		s, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		out.closers = append(out.closers, s.Close)
		return s, nil

	case config.DriverPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		s, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, err
		}
		out.pingers = append(out.pingers, s)
		out.closers = append(out.closers, func() error {
			s.Close()
			return nil
		})
		return s, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s, err := redis.New(client, redis.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		out.pingers = append(out.pingers, s)
		out.closers = append(out.closers, s.Close)
		return s, nil

	case config.DriverSQLite:
		s, err := sqlite.New(ctx, sqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, err
		}
		out.pingers = append(out.pingers, s)
		out.closers = append(out.closers, s.Close)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
