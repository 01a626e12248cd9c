package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/voxsync/internal/account"
	"github.com/matheus3301/voxsync/internal/api"
	"github.com/matheus3301/voxsync/internal/bus"
	"github.com/matheus3301/voxsync/internal/config"
	"github.com/matheus3301/voxsync/internal/lock"
	"github.com/matheus3301/voxsync/internal/logging"
	"github.com/matheus3301/voxsync/internal/outbox"
	"github.com/matheus3301/voxsync/internal/reach"
	"github.com/matheus3301/voxsync/internal/remote"
	"github.com/matheus3301/voxsync/internal/status"
	"github.com/matheus3301/voxsync/internal/store"
	intsync "github.com/matheus3301/voxsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	Layout     account.Layout
	SocketPath string          // optional override for testing; empty = use default
	Config     *config.Config  // optional; nil = load config.toml and the account .env
	Logger     *zap.Logger     // optional; nil = log to the account log file
	Remote     remote.Contract // optional; nil = build from Config.Remote
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideBroadcaster,
			provideLock,
			provideStore,
			provideRemote,
			provideMonitor,
			provideManager,
			provideQueue,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadAccount(p.Layout.ConfigPath(), p.Layout.EnvPath(p.Account))
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(p.Layout.LogPath(p.Account), p.Account, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideBroadcaster(b *bus.Bus) *status.Broadcaster {
	return status.NewBroadcaster(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := p.Layout.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(p.Layout.Dir(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

// provideStore depends on the lock so only the lock holder opens the cache.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Layout.CachePath(p.Account)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Init()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(lc fx.Lifecycle, p Params, cfg *config.Config, logger *zap.Logger) (remote.Contract, error) {
	if p.Remote != nil {
		return p.Remote, nil
	}
	switch cfg.Remote.Backend {
	case config.BackendMongo:
		m, err := remote.DialMongo(context.Background(), remote.MongoConfig{
			URI:            cfg.Remote.MongoURI,
			Database:       cfg.Remote.Database,
			PayloadBucket:  cfg.Remote.PayloadBucket,
			ConnectTimeout: cfg.Remote.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: m.Close})
		logger.Info("remote backend ready", zap.String("backend", "mongo"), zap.String("database", cfg.Remote.Database))
		return m, nil
	default:
		logger.Warn("using in-memory remote backend; nothing leaves this process")
		return remote.NewMemory(), nil
	}
}

func provideMonitor(r remote.Contract, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *reach.Monitor {
	return reach.NewMonitor(r, b, logger.Named("reach"), cfg.Remote.ProbeInterval.Duration, cfg.Remote.ProbeTimeout.Duration)
}

func provideManager(db *store.DB, r remote.Contract, m *reach.Monitor, st *status.Broadcaster, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *intsync.Manager {
	return intsync.NewManager(db, r, m, st, b, logger.Named("sync"), intsync.Options{
		Limit:         cfg.Cache.Limit,
		Concurrency:   cfg.Cache.Concurrency,
		RemoteTimeout: cfg.Remote.Timeout.Duration,
	})
}

func provideQueue(db *store.DB, r remote.Contract, m *reach.Monitor, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *outbox.Queue {
	return outbox.NewQueue(db, r, m, b, logger.Named("outbox"), outbox.Options{
		SenderID:      cfg.Identity,
		RemoteTimeout: cfg.Remote.Timeout.Duration,
		MaxRetries:    cfg.Queue.MaxRetries,
		Backoff: outbox.Backoff{
			Initial:    cfg.Queue.InitialBackoff.Duration,
			Max:        cfg.Queue.MaxBackoff.Duration,
			Multiplier: cfg.Queue.Multiplier,
			Jitter:     cfg.Queue.Jitter,
		},
	})
}

func provideService(db *store.DB, mgr *intsync.Manager, q *outbox.Queue, m *reach.Monitor, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *api.Service {
	return api.NewService(db, mgr, q, m, b, logger.Named("api"), cfg.Identity)
}

func registerLifecycle(lc fx.Lifecycle, p Params, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, monitor *reach.Monitor, mgr *intsync.Manager, queue *outbox.Queue, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	stopRefresh := func() {}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Listeners go in before the first probe so the initial
			// transition to reachable syncs and drains.
			identity := cfg.Identity
			if identity == "" {
				identity, _ = mgr.LastIdentity()
			}
			stopRefresh = mgr.RefreshOnReconnect(ctx, identity, cfg.Cache.Limit)
			if err := queue.Start(ctx); err != nil {
				return err
			}
			monitor.Start(ctx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			logger.Info("daemon started",
				zap.String("account", p.Account),
				zap.String("identity", identity),
				zap.String("backend", cfg.Remote.Backend),
				zap.Bool("reachable", monitor.Reachable()))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			srv.Stop(stopCtx)
			stopRefresh()
			queue.Stop()
			monitor.Stop()
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
