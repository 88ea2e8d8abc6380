// Package daemon composes the voice-chat client daemon: one process per
// profile, holding the profile lock, the local database, the backend clients,
// and the control API socket.
package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/pmoreli/voz/internal/api"
	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/call"
	"github.com/pmoreli/voz/internal/clock"
	"github.com/pmoreli/voz/internal/config"
	"github.com/pmoreli/voz/internal/energy"
	"github.com/pmoreli/voz/internal/guard"
	"github.com/pmoreli/voz/internal/journal"
	"github.com/pmoreli/voz/internal/lock"
	"github.com/pmoreli/voz/internal/logging"
	"github.com/pmoreli/voz/internal/match"
	"github.com/pmoreli/voz/internal/notify"
	"github.com/pmoreli/voz/internal/profile"
	"github.com/pmoreli/voz/internal/remote"
	"github.com/pmoreli/voz/internal/store"
	"github.com/pmoreli/voz/internal/wager"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideClock,
			provideLock,
			provideStore,
			provideClient,
			provideGuard,
			provideMeter,
			provideMachine,
			provideCoordinator,
			provideWagers,
			provideFocus,
			provideFanout,
			provideJournal,
			provideRemotes,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.System()
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

func provideClient(cfg *config.Config) *remote.Client {
	return remote.NewClient(cfg.ServerURL)
}

func provideGuard(client *remote.Client, db *store.DB, b *bus.Bus, coord *match.Coordinator, machine *call.Machine, logger *zap.Logger) *guard.Guard {
	// An evicted session aborts anything that depends on the login.
	signOut := func() {
		coord.StopSearching()
		machine.EndCall()
	}
	return guard.New(client, db, b, signOut, logger)
}

func provideMeter(client *remote.Client, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *energy.Meter {
	return energy.NewMeter(client, b, clk, logger)
}

func provideMachine(b *bus.Bus, clk clock.Clock, logger *zap.Logger) *call.Machine {
	return call.NewMachine(b, clk, logger)
}

func provideCoordinator(client *remote.Client, machine *call.Machine, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *match.Coordinator {
	return match.New(client, machine, b, clk, logger)
}

func provideWagers(client *remote.Client, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *wager.Manager {
	return wager.NewManager(client, b, clk, logger)
}

func provideFocus() *notify.FocusRegistry {
	return notify.NewFocusRegistry()
}

func provideFanout(b *bus.Bus, focus *notify.FocusRegistry, logger *zap.Logger) *notify.Fanout {
	return notify.NewFanout(b, focus, logger)
}

func provideJournal(db *store.DB, b *bus.Bus, logger *zap.Logger) *journal.Journal {
	return journal.New(db, b, logger)
}

func provideRemotes(cfg *config.Config, client *remote.Client, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Remotes {
	return NewRemotes(cfg, client, b, clk, logger)
}

func provideHandler(g *guard.Guard, m *energy.Meter, coord *match.Coordinator, machine *call.Machine,
	wagers *wager.Manager, db *store.DB, focus *notify.FocusRegistry, b *bus.Bus, logger *zap.Logger) *api.Handler {
	return api.NewHandler(g, m, coord, machine, wagers, db, focus, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, g *guard.Guard, meter *energy.Meter,
	coord *match.Coordinator, wagers *wager.Manager, fanout *notify.Fanout, jrnl *journal.Journal,
	remotes *Remotes, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()
			jrnl.Start(ctx)
			meter.Start(ctx)
			wagers.Start(ctx)
			fanout.Start(ctx)
			g.Start(ctx)
			remotes.Start(ctx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			// Restore the previous device login, if any.
			go func() {
				resumeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
				defer cancel()
				switch _, err := g.Resume(resumeCtx); {
				case err == nil:
				case errors.Is(err, guard.ErrNotLoggedIn):
					logger.Info("no previous login to resume")
				case errors.Is(err, guard.ErrSessionSuperseded):
					logger.Warn("previous login superseded by another device")
				default:
					logger.Warn("resume failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			coord.StopSearching()
			remotes.Stop()
			g.Stop()
			fanout.Stop()
			wagers.Stop()
			meter.Stop()
			jrnl.Stop()
			srv.Stop(ctx)
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
