package injector

import (
	"context"

	"github.com/google/wire"

	"github.com/zeusync/ecsnet/internal/config"
	"github.com/zeusync/ecsnet/internal/core/ecs"
	"github.com/zeusync/ecsnet/internal/core/ecs/view"
	"github.com/zeusync/ecsnet/internal/core/events/bus"
	"github.com/zeusync/ecsnet/internal/core/module"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
	"github.com/zeusync/ecsnet/internal/core/protocol/batcher"
	"github.com/zeusync/ecsnet/internal/core/protocol/quic"
	"github.com/zeusync/ecsnet/internal/core/storage"
	"github.com/zeusync/ecsnet/internal/server"
)

var ObservabilitySet = wire.NewSet(ProvideDashboard, ProvideLogger)

var CoreSet = wire.NewSet(ProvideStore, ProvideWorld, ProvideView, ProvideModuleRegistry, ProvideLoader)

var FabricSet = wire.NewSet(ProvideChannelRegistry, ProvideBus, ProvideServerConfig, ProvideServer, ProvideBridge)

// ProvideDashboard returns nil when the dashboard is disabled.
func ProvideDashboard(cfg *config.Config) *log.Dashboard {
	if cfg.Logging.DashboardCapacity <= 0 {
		return nil
	}
	return log.NewDashboard(cfg.Logging.DashboardCapacity)
}

func ProvideLogger(cfg *config.Config, dashboard *log.Dashboard) log.Log {
	return log.NewWithDashboard(log.ParseLevel(cfg.Logging.Level), dashboard)
}

// ProvideStore opens the snapshot store named by snapshot.driver.
func ProvideStore(cfg *config.Config, logger log.Log) (storage.Store, func(), error) {
	var store storage.Store
	switch cfg.Snapshot.Driver {
	case "postgres":
		pg, err := storage.NewPostgresStore(context.Background(), storage.PostgresConfig{
			DSN:             cfg.Snapshot.DSN,
			MaxConns:        cfg.Snapshot.MaxConns,
			ConnMaxLifetime: cfg.Snapshot.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		store = pg
	default:
		store = storage.NewMemoryStore()
	}
	return store, func() { _ = store.Close() }, nil
}

func ProvideWorld(cfg *config.Config, store storage.Store, logger log.Log) (*ecs.World, func(), error) {
	world, err := ecs.InitializeWorld(ecs.Options{
		Logger:     logger,
		MaxRetries: cfg.Scheduler.MaxRetries,
		Snapshots:  store,
	})
	if err != nil {
		return nil, nil, err
	}
	return world, func() { _ = ecs.ShutdownWorld(context.Background()) }, nil
}

func ProvideView(world *ecs.World) *view.View {
	return view.New(world.Table())
}

// ProvideModuleRegistry registers the world itself as the "ecs" module.
func ProvideModuleRegistry(world *ecs.World) (*module.Registry, error) {
	registry := module.NewRegistry()
	if err := module.RegisterWorld(registry, world); err != nil {
		return nil, err
	}
	return registry, nil
}

func ProvideLoader(cfg *config.Config, world *ecs.World, registry *module.Registry, v *view.View, store storage.Store, logger log.Log) (*module.Loader, func()) {
	loader := module.NewLoader(module.Options{
		Table:       world.Table(),
		Registry:    registry,
		SearchPaths: cfg.Modules.SearchPaths,
		Emitter:     v,
		Store:       store,
		Logger:      logger,
	})
	return loader, func() { _ = loader.Shutdown(context.Background()) }
}

func ProvideChannelRegistry(logger log.Log) *protocol.ChannelRegistry {
	return protocol.NewChannelRegistry(logger)
}

func ProvideBus() bus.Bus {
	return bus.New()
}

// ProvideServerConfig maps the [server] and [batcher] sections. QUIC uses
// the configured certificate pair, or a generated one when none is set.
func ProvideServerConfig(cfg *config.Config) (server.Config, error) {
	s := cfg.Server
	out := server.Config{
		ListenAddr:          s.ListenAddress,
		Transport:           s.Transport,
		MaxClients:          s.MaxConnections,
		MaxMessageSize:      s.MaxMessageSize,
		SendQueueSize:       s.SendQueueSize,
		ReadTimeout:         s.ReadTimeout,
		WriteTimeout:        s.WriteTimeout,
		HealthCheckInterval: s.HealthCheckInterval,
		IdleAfter:           s.IdleAfter,
		ClientTimeout:       s.ClientTimeout,
		RateLimit:           s.RateLimit,
		Batcher: batcher.Config{
			FPS:           cfg.Batcher.FPS,
			MaxBatchBytes: cfg.Batcher.MaxBatchBytes,
		},
	}
	if s.Transport == server.TransportQUIC && s.TLSCertFile != "" {
		tlsConfig, err := quic.LoadTLS(s.TLSCertFile, s.TLSKeyFile)
		if err != nil {
			return server.Config{}, err
		}
		out.TLS = tlsConfig
	}
	return out, nil
}

func ProvideServer(config server.Config, registry *protocol.ChannelRegistry, eventBus bus.Bus, dashboard *log.Dashboard, logger log.Log) (*server.Server, func()) {
	srv := server.New(config, registry, eventBus, dashboard, logger)
	return srv, func() { _ = srv.Close() }
}

// ProvideBridge bridges every channel listed in server.bridge_channels.
func ProvideBridge(cfg *config.Config, srv *server.Server, logger log.Log) (*server.Bridge, func(), error) {
	bridge := server.NewBridge(srv, logger)
	for _, ch := range cfg.Server.BridgeChannels {
		if err := bridge.BridgeChannel(ch); err != nil {
			_ = bridge.Close()
			return nil, nil, err
		}
	}
	return bridge, func() { _ = bridge.Close() }, nil
}
