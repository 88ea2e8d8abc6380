package daemon

import (
	"context"
	"sync"

	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/clock"
	"github.com/pmoreli/voz/internal/config"
	"github.com/pmoreli/voz/internal/remote"
	"go.uber.org/zap"
)

// Remotes runs the per-account change producers: the realtime stream and the
// poll fallback exist only while a login is active, so this supervisor starts
// them on login/resume and tears them down on logout/eviction.
type Remotes struct {
	cfg    *config.Config
	client *remote.Client
	bus    *bus.Bus
	clk    clock.Clock
	logger *zap.Logger
	cancel context.CancelFunc

	mu       sync.Mutex
	realtime *remote.Realtime
	poller   *remote.Poller
}

// NewRemotes creates the supervisor.
func NewRemotes(cfg *config.Config, client *remote.Client, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Remotes {
	return &Remotes{
		cfg:    cfg,
		client: client,
		bus:    b,
		clk:    clk,
		logger: logger,
	}
}

// Start watches session events until the context ends.
func (r *Remotes) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	sessCh, unsub := r.bus.Subscribe("session.", 16)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-sessCh:
				r.handle(ctx, evt)
			case <-ctx.Done():
				r.stopProducers()
				return
			}
		}
	}()
}

// Stop stops the supervisor and any running producers.
func (r *Remotes) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Remotes) handle(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case "session.logged_in", "session.resumed":
		accountID, ok := evt.Payload.(string)
		if !ok || accountID == "" {
			return
		}
		r.startProducers(ctx, accountID)
	case "session.logged_out":
		r.stopProducers()
	case "session.evicted":
		// The guard's sign-out hook already aborted search and call.
		r.stopProducers()
	}
}

func (r *Remotes) startProducers(ctx context.Context, accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.realtime != nil || r.poller != nil {
		r.logger.Debug("producers already running", zap.String("account_id", accountID))
		return
	}
	r.logger.Info("starting change producers", zap.String("account_id", accountID))

	r.realtime = remote.NewRealtime(r.cfg.RealtimeURL, accountID, r.bus, r.logger)
	r.realtime.Start(ctx)
	r.poller = remote.NewPoller(r.client, accountID, r.bus, r.clk, r.logger)
	r.poller.Start(ctx)
}

func (r *Remotes) stopProducers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.realtime != nil {
		r.realtime.Stop()
		r.realtime = nil
	}
	if r.poller != nil {
		r.poller.Stop()
		r.poller = nil
	}
}
