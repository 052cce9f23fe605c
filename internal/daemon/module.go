package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/auth"
	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/fanout"
	"github.com/matheus3301/relay/internal/gateway"
	"github.com/matheus3301/relay/internal/instance"
	"github.com/matheus3301/relay/internal/lock"
	"github.com/matheus3301/relay/internal/logging"
	"github.com/matheus3301/relay/internal/presence"
	"github.com/matheus3301/relay/internal/receipts"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/stats"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/typing"
)

// Params holds the resolved instance configuration passed to the fx module.
type Params struct {
	Instance   string
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideAuthenticator,
			provideRegistry,
			provideEvictor,
			providePresence,
			provideTyping,
			provideFanout,
			provideReceipts,
			provideGateway,
			provideCollector,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	return p.Config
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if err := instance.EnsureDir(p.Instance); err != nil {
		return nil, err
	}
	return logging.New(instance.LogPath(p.Instance), p.Instance, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(instance.Dir(p.Instance), cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideStore depends on the lock so only the lock holder opens the database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := instance.DBPath(p.Instance)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAuthenticator(cfg *config.Config) (*auth.JWT, error) {
	return auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
}

func provideRegistry(cfg *config.Config) *registry.Registry {
	return registry.New(cfg.RegistryShards)
}

func provideEvictor(b *bus.Bus, logger *zap.Logger) registry.Evictor {
	return registry.NewCloseEvictor(logger, b)
}

func providePresence(reg *registry.Registry, db *store.DB, ev registry.Evictor, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.New(reg, db, ev, b, logger)
}

func provideTyping(cfg *config.Config, reg *registry.Registry, db *store.DB, ev registry.Evictor, b *bus.Bus, logger *zap.Logger) *typing.Manager {
	return typing.New(reg, db, ev, b, logger, cfg.TypingTTL.Duration, cfg.RegistryShards)
}

func provideFanout(cfg *config.Config, db *store.DB, reg *registry.Registry, ev registry.Evictor, b *bus.Bus, logger *zap.Logger) *fanout.Fanout {
	return fanout.New(db, reg, ev, b, logger, cfg.ChatWorkerIdle.Duration)
}

func provideReceipts(db *store.DB, reg *registry.Registry, ev registry.Evictor, b *bus.Bus, logger *zap.Logger) *receipts.Aggregator {
	return receipts.New(db, reg, ev, b, logger)
}

func provideGateway(
	cfg *config.Config,
	authn *auth.JWT,
	db *store.DB,
	tracker *presence.Tracker,
	typer *typing.Manager,
	fo *fanout.Fanout,
	agg *receipts.Aggregator,
	b *bus.Bus,
	logger *zap.Logger,
) *gateway.Gateway {
	return gateway.New(gateway.Options{
		AuthTimeout:        cfg.AuthTimeout.Duration,
		HeartbeatInterval:  cfg.HeartbeatInterval.Duration,
		HeartbeatTimeout:   cfg.HeartbeatTimeout.Duration,
		HeartbeatMaxMisses: cfg.HeartbeatMaxMisses,
		SendQueueSize:      cfg.SendQueueSize,
		MaxFrameBytes:      int64(cfg.MaxFrameBytes),
	}, gateway.Deps{
		Auth:     authn,
		Members:  db,
		Presence: tracker,
		Typing:   typer,
		Fanout:   fo,
		Receipts: agg,
		Bus:      b,
		Log:      logger,
	})
}

func provideCollector(b *bus.Bus, logger *zap.Logger) *stats.Collector {
	return stats.NewCollector(b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, fo *fanout.Fanout, collector *stats.Collector, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Collect from the first event on.
			collector.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("admin gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Sessions tear down first so their presence and typing cleanup
			// still reaches the store.
			srv.Stop(ctx)
			if err := fo.Stop(ctx); err != nil {
				logger.Warn("fanout did not drain", zap.Error(err))
			}
			collector.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
