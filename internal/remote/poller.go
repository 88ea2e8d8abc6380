package remote

import (
	"context"
	"time"

	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/clock"
	"go.uber.org/zap"
)

// PollInterval is the fallback polling cadence.
const PollInterval = 10 * time.Second

// Poller is the fallback notification producer: it periodically re-reads the
// account record and recent signals and publishes them on the bus
// ("poll.account", "poll.signal"). The fan-out de-duplicates against the
// realtime feed by signal ID; account events are idempotent by content.
type Poller struct {
	client    *Client
	accountID string
	bus       *bus.Bus
	clk       clock.Clock
	logger    *zap.Logger
	cancel    context.CancelFunc

	lastSignalID string
}

// NewPoller creates a poller for the given account.
func NewPoller(client *Client, accountID string, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Poller {
	return &Poller{
		client:    client,
		accountID: accountID,
		bus:       b,
		clk:       clk,
		logger:    logger,
	}
}

// Start begins polling in the background. The ticker is created before the
// loop goroutine launches so Stop always has a ticker to cancel.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	ticker := p.clk.NewTicker(PollInterval)
	go p.loop(ctx, ticker)
}

// Stop stops the poller.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Poller) loop(ctx context.Context, ticker clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			p.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tick swallows individual failures; the next tick retries naturally.
func (p *Poller) tick(ctx context.Context) {
	acct, err := p.client.GetAccount(ctx, p.accountID)
	if err != nil {
		p.logger.Warn("poll account failed", zap.Error(err))
	} else {
		p.bus.Publish(bus.Event{Kind: "poll.account", Timestamp: time.Now(), Payload: acct})
	}

	signals, err := p.client.RecentSignals(ctx, p.accountID, p.lastSignalID)
	if err != nil {
		p.logger.Warn("poll signals failed", zap.Error(err))
		return
	}
	for i := range signals {
		sig := signals[i]
		p.bus.Publish(bus.Event{ID: sig.ID, Kind: "poll.signal", Timestamp: time.Now(), Payload: &sig})
		p.lastSignalID = sig.ID
	}
}
