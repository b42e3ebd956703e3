// Package daemon wires the client daemon: one process per profile, one live
// connection, with the outbox and reconciliation loops running for the life
// of the process.
package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"chatsync/internal/api"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/conn"
	"chatsync/internal/identity"
	"chatsync/internal/lock"
	"chatsync/internal/logging"
	"chatsync/internal/outbox"
	"chatsync/internal/profile"
	"chatsync/internal/reconcile"
	"chatsync/internal/status"
	"chatsync/internal/store"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
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
			provideStateMachine,
			provideLock,
			provideStore,
			provideIdentity,
			provideAPIClient,
			provideConnManager,
			provideTransport,
			provideOutboxEngine,
			provideReconciler,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideIdentity(p Params) identity.Provider {
	// The settle delay tolerates a login flow that persisted credentials a
	// moment ago on slow storage.
	return identity.NewFileProvider(profile.CredentialsPath(p.ProfileName), 2*time.Second)
}

func provideAPIClient(cfg *config.Config, provider identity.Provider) *api.Client {
	return api.NewClient(cfg.APIBaseURL, provider)
}

func provideConnManager(cfg *config.Config, provider identity.Provider, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(cfg, provider, machine, b, nil, logger)
}

func provideTransport(m *conn.Manager, apiClient *api.Client, b *bus.Bus) outbox.Transport {
	return &outbox.FallbackTransport{
		Primary:   outbox.NewChannelTransport(m, b, 10*time.Second),
		Secondary: outbox.NewHTTPTransport(apiClient),
	}
}

func provideOutboxEngine(db *store.DB, transport outbox.Transport, provider identity.Provider, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Engine {
	return outbox.NewEngine(db, transport, provider, b, outbox.OptionsFromConfig(cfg), logger)
}

func provideReconciler(db *store.DB, apiClient *api.Client, machine *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(db, apiClient, machine, b, reconcile.OptionsFromConfig(cfg), logger)
}

func registerLifecycle(lc fx.Lifecycle, manager *conn.Manager, engine *outbox.Engine, rec *reconcile.Reconciler, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Outbox and reconciliation are tied to the process, not the
			// connection: they keep running across reconnects.
			engine.Start(context.Background())
			rec.Start(context.Background())

			go func() {
				if err := manager.Connect(context.Background()); err != nil {
					logger.Warn("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.Disconnect()
			rec.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
