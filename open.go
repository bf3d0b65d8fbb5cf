package leasequeue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Provider names accepted by Config.Provider.
const (
	ProviderMemory   = "memory"
	ProviderBadger   = "badger"
	ProviderPebble   = "pebble"
	ProviderSQLite   = "sqlite"
	ProviderPostgres = "postgres"
	ProviderRedis    = "redis"
	ProviderMongo    = "mongo"
)

// OpenProvider constructs the storage provider selected by cfg.Provider.
// Embedded stores live under cfg.DataDir.
func OpenProvider(ctx context.Context, cfg *Config, opts ...ProviderOption) (StorageProvider, error) {
	switch cfg.Provider {
	case ProviderMemory, "":
		return NewInMemoryProvider(opts...), nil
	case ProviderBadger:
		return NewBadgerProvider(filepath.Join(cfg.DataDir, "badger"), opts...)
	case ProviderPebble:
		return NewPebbleProvider(filepath.Join(cfg.DataDir, "pebble"), opts...)
	case ProviderSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return openSQLite(filepath.Join(cfg.DataDir, "leasequeue.db"), opts...)
	case ProviderPostgres:
		return NewPostgresProvider(ctx, cfg.PostgresDSN, opts...)
	case ProviderRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return NewRedisProvider(rdb, "", opts...), nil
	case ProviderMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		provider, err := NewMongoProvider(ctx, client.Database(cfg.MongoDatabase).Collection("jobs"), opts...)
		if err != nil {
			client.Disconnect(ctx)
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
