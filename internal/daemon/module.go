package daemon

import (
	"context"
	"time"

	"github.com/hdhq1504/chatsync/internal/auth"
	"github.com/hdhq1504/chatsync/internal/bus"
	"github.com/hdhq1504/chatsync/internal/cache"
	"github.com/hdhq1504/chatsync/internal/config"
	"github.com/hdhq1504/chatsync/internal/lock"
	"github.com/hdhq1504/chatsync/internal/logging"
	"github.com/hdhq1504/chatsync/internal/metrics"
	"github.com/hdhq1504/chatsync/internal/outbox"
	"github.com/hdhq1504/chatsync/internal/presence"
	"github.com/hdhq1504/chatsync/internal/rest"
	"github.com/hdhq1504/chatsync/internal/rooms"
	"github.com/hdhq1504/chatsync/internal/session"
	"github.com/hdhq1504/chatsync/internal/status"
	"github.com/hdhq1504/chatsync/internal/storage"
	intsync "github.com/hdhq1504/chatsync/internal/sync"
	"github.com/hdhq1504/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
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
			provideMetrics,
			provideAuth,
			provideRest,
			provideCache,
			provideTransport,
			provideRooms,
			provideEngine,
			provideSender,
			providePresence,
			NewDebugServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so no two daemons share one store file.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*storage.Store, error) {
	st, err := storage.Open(session.StorePath(p.Profile), logger)
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", zap.String("path", session.StorePath(p.Profile)))
	return st, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideAuth(st *storage.Store, logger *zap.Logger) *auth.Manager {
	return auth.NewManager(st, logger)
}

func provideRest(cfg *config.Config, am *auth.Manager, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.APIBaseURL, am, logger)
}

func provideCache(st *storage.Store, b *bus.Bus, logger *zap.Logger) *cache.Index {
	return cache.NewIndex(st, b, logger)
}

// transportResult exposes the transport under the interfaces its consumers
// need. Adapter is nil in mock mode; the lifecycle hook checks.
type transportResult struct {
	fx.Out

	Publisher transport.Publisher
	Topics    rooms.TopicSubscriber
	Adapter   *transport.Adapter
}

func provideTransport(cfg *config.Config, am *auth.Manager, machine *status.Machine, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) transportResult {
	if cfg.MockMode {
		logger.Info("mock mode: using loopback transport")
		mock := transport.NewMock(b)
		mock.Echo = true
		return transportResult{Publisher: mock, Topics: mock}
	}
	a := transport.NewAdapter(cfg.WSURL, am, machine, b, m, logger)
	return transportResult{Publisher: a, Topics: a, Adapter: a}
}

func provideRooms(rc *rest.Client, ix *cache.Index, st *storage.Store, topics rooms.TopicSubscriber, logger *zap.Logger) *rooms.Service {
	return rooms.NewService(rc, ix, st, topics, logger)
}

func provideEngine(b *bus.Bus, ix *cache.Index, rc *rest.Client, am *auth.Manager, rs *rooms.Service, m *metrics.Metrics, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(b, ix, rc, am, rs, m, logger)
}

func provideSender(st *storage.Store, ix *cache.Index, rc *rest.Client, pub transport.Publisher, am *auth.Manager, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(st, ix, rc, pub, am, b, m, logger)
}

func providePresence(b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, st *storage.Store, adapter *transport.Adapter, engine *intsync.Engine, sender *outbox.Sender, tracker *presence.Tracker, rs *rooms.Service, am *auth.Manager, debug *DebugServer, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			tracker.Start(context.Background())
			sender.Start(context.Background())
			debug.Start()

			if !am.LoggedIn() {
				logger.Info("no stored credentials, realtime connect deferred until login")
				return nil
			}
			if adapter != nil {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if err := adapter.Connect(ctx); err != nil {
						logger.Warn("initial connect failed, retry cycle running", zap.Error(err))
					}
				}()
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if _, err := rs.Refresh(ctx); err != nil {
					logger.Warn("initial room refresh failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if adapter != nil {
				adapter.Close()
			}
			sender.Stop()
			engine.Stop()
			tracker.Stop()
			if err := debug.Stop(ctx); err != nil {
				logger.Warn("debug listener shutdown failed", zap.Error(err))
			}
			if err := st.Close(); err != nil {
				logger.Warn("store close failed", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("lock release failed", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
