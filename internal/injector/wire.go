package injector

import (
	"github.com/google/wire"
	redis "github.com/redis/go-redis/v9"

	"github.com/zeusync/serialstate/internal/config"
	"github.com/zeusync/serialstate/internal/core/observability/log"
	"github.com/zeusync/serialstate/internal/core/schema/codec"
	"github.com/zeusync/serialstate/internal/core/schema/envelope"
	"github.com/zeusync/serialstate/internal/core/schema/packable"
	"github.com/zeusync/serialstate/internal/core/schema/registry"
	"github.com/zeusync/serialstate/internal/core/storage"
	"github.com/zeusync/serialstate/internal/core/storage/interfaces"
	"github.com/zeusync/serialstate/internal/core/storage/snapshot"
)

// CoreSet provides the logger, registry, codec, envelope and packable protocol.
var CoreSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	ProvideRegistry,
	ProvideCodec,
	envelope.New,
	packable.New,
)

// StoreSet provides the configured snapshot store and its manager.
var StoreSet = wire.NewSet(
	ProvideStorage,
	ProvideSnapshotManager,
)

// Toolkit bundles everything needed to work with documents in memory.
type Toolkit struct {
	Log      *log.Logger
	Registry *registry.Registry
	Codec    *codec.Codec
	Envelope *envelope.Envelope
	Packer   *packable.Protocol
}

// Snapshots bundles the snapshot manager with the envelope it renders through.
type Snapshots struct {
	Log      *log.Logger
	Envelope *envelope.Envelope
	Manager  *snapshot.Manager
}

func ProvideLogger(cfg *config.Config) (*log.Logger, func(), error) {
	l, err := log.Setup(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Sync() }, nil
}

// ProvideRegistry returns the process-wide registry so types registered from
// init functions are visible.
func ProvideRegistry(l log.Log) *registry.Registry {
	reg := registry.Default()
	reg.SetLogger(l)
	return reg
}

func ProvideCodec(cfg *config.Config, reg *registry.Registry, l log.Log) *codec.Codec {
	opts := []codec.Option{
		codec.WithLogger(l),
		codec.WithMaxDepth(cfg.Codec.MaxDepth),
	}
	if cfg.Codec.AllowUnmigrated {
		opts = append(opts, codec.WithUnmigratedPayloads())
	}
	if cfg.Codec.DisableArrays {
		opts = append(opts, codec.WithoutArrays())
	}
	return codec.New(reg, opts...)
}

func ProvideStorage(cfg *config.Config, l log.Log) (interfaces.Storage, func(), error) {
	switch cfg.Store.Kind {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		store, err := storage.NewRedisStore(client,
			storage.WithPrefix(cfg.Store.Redis.Prefix),
			storage.WithTTL(cfg.Store.Redis.TTL),
		)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		l.Debug("using redis snapshot store",
			log.String("addr", cfg.Store.Redis.Addr),
			log.Duration("ttl", cfg.Store.Redis.TTL),
		)
		return store, func() {
			if err := client.Close(); err != nil {
				l.Warn("failed to close redis client", log.ErrorWithKey("close_error", err))
			}
		}, nil
	default:
		store, err := storage.NewFileStore(cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		l.Debug("using file snapshot store", log.String("dir", cfg.Store.Dir))
		return store, func() {}, nil
	}
}

func ProvideSnapshotManager(cfg *config.Config, env *envelope.Envelope, store interfaces.Storage, l log.Log) (*snapshot.Manager, error) {
	return snapshot.NewManager(env, store,
		snapshot.WithFormat(cfg.Store.Format),
		snapshot.WithWorkers(cfg.Store.Workers),
		snapshot.WithLogger(l),
	)
}
