// Package daemon composes the synchronization daemon: transport, engine,
// reconciler, outbox and the local HTTP API, wired with fx.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"zapdesk/internal/api"
	"zapdesk/internal/bus"
	"zapdesk/internal/cache"
	"zapdesk/internal/config"
	"zapdesk/internal/engine"
	"zapdesk/internal/health"
	"zapdesk/internal/localdb"
	"zapdesk/internal/lock"
	"zapdesk/internal/logging"
	"zapdesk/internal/outbox"
	"zapdesk/internal/profile"
	"zapdesk/internal/recon"
	"zapdesk/internal/store"
	"zapdesk/internal/transport"
	"zapdesk/internal/unread"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	ListenAddr string // optional override; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMachine,
			provideLock,
			provideDB,
			provideRestClient,
			provideStore,
			provideCache,
			provideTracker,
			provideTransport,
			provideRouter,
			provideSearcher,
			provideReconciler,
			provideEngine,
			provideSender,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMachine(b *bus.Bus) *health.Machine {
	return health.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideDB(p Params, logger *zap.Logger) (*localdb.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := localdb.Open(dbPath)
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
	logger.Info("local db initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRestClient(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.APIBaseURL, cfg.Token)
}

func provideStore(b *bus.Bus) *store.Store {
	return store.New(b)
}

func provideCache(b *bus.Bus) *cache.Cache {
	return cache.New(b)
}

func provideTracker(s *store.Store, rest *api.Client, logger *zap.Logger) *unread.Tracker {
	return unread.New(s, rest, logger)
}

func provideTransport(cfg *config.Config, machine *health.Machine, b *bus.Bus, logger *zap.Logger) *transport.Client {
	return transport.NewClient(transport.Config{
		URL:             cfg.SocketURL,
		Token:           cfg.Token,
		BaseDelay:       cfg.ReconnectBase(),
		MaxDelay:        cfg.ReconnectMax(),
		MaxAttempts:     cfg.ReconnectMaxAttempts,
		StalenessWindow: cfg.StalenessWindow(),
	}, machine, b, logger)
}

func provideRouter(client *transport.Client, b *bus.Bus, logger *zap.Logger) *transport.Router {
	return transport.NewRouter(client, b, logger)
}

func provideSearcher(cfg *config.Config, s *store.Store, rest *api.Client, logger *zap.Logger) *store.Searcher {
	return store.NewSearcher(s, rest, logger, cfg.SearchDebounce(), cfg.PageSize)
}

func provideReconciler(cfg *config.Config, rest *api.Client, s *store.Store, c *cache.Cache,
	rtr *transport.Router, client *transport.Client, tracker *unread.Tracker,
	b *bus.Bus, logger *zap.Logger) *recon.Reconciler {
	return recon.New(rest, s, c, rtr, client, tracker, b, logger,
		cfg.PageSize, cfg.ReconnectBase(), cfg.ReconnectMax())
}

func provideEngine(s *store.Store, c *cache.Cache, db *localdb.DB, tracker *unread.Tracker,
	b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(s, c, db, tracker, b, logger)
}

func provideSender(db *localdb.DB, rest *api.Client, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, rest, c, b, logger)
}

func provideServer(p Params, cfg *config.Config, s *store.Store, c *cache.Cache,
	searcher *store.Searcher, tracker *unread.Tracker, eng *engine.Engine,
	rtr *transport.Router, machine *health.Machine, rest *api.Client,
	b *bus.Bus, logger *zap.Logger) *Server {
	addr := cfg.ListenAddr
	if p.ListenAddr != "" {
		addr = p.ListenAddr
	}
	return NewServer(addr, s, c, searcher, tracker, eng, rtr, machine, rest, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, client *transport.Client,
	rtr *transport.Router, eng *engine.Engine, rec *recon.Reconciler, searcher *store.Searcher,
	sender *outbox.Sender, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Warm start from the persisted snapshot before anything can
			// observe the store or cache.
			if err := eng.LoadSnapshot(); err != nil {
				logger.Warn("warm start failed, continuing cold", zap.Error(err))
			}

			eng.Start(context.Background())
			rtr.Start(context.Background())
			rec.Start(context.Background())
			searcher.Start(context.Background())
			sender.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()

			go func() {
				if err := client.Connect(context.Background()); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			searcher.Stop()
			rec.Stop()
			rtr.Stop()
			eng.Stop()
			client.Disconnect()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
