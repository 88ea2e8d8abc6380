// Package energy implements the account resource meter: a bounded 0-7 bar
// allowance that drains while a call or room is active and recharges while
// idle. Premium accounts and accounts inside the first-week grace period are
// exempt from draining.
package energy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/clock"
	"github.com/pmoreli/voz/internal/remote"
	"go.uber.org/zap"
)

const (
	// MaxBars is the energy ceiling.
	MaxBars = 7
	// LowThreshold marks the "low energy" warning range (0 < bars <= 2).
	LowThreshold = 2
	// RechargeCost is the coin price of an instant full recharge.
	RechargeCost = 10
	// GracePeriod exempts new accounts from draining.
	GracePeriod = 7 * 24 * time.Hour

	// DrainInterval removes one bar while a consuming activity is active.
	DrainInterval = 5 * time.Minute
	// RechargeInterval restores one bar while idle.
	RechargeInterval = time.Hour
)

// ErrNoAccount is returned for meter operations before a login has seeded the
// account snapshot.
var ErrNoAccount = errors.New("no account loaded")

// RecordStore is the subset of the backend client the meter mutates through.
type RecordStore interface {
	UpdateAccount(ctx context.Context, accountID string, fields map[string]any) (*remote.Account, error)
	RechargeWithCoins(ctx context.Context, accountID string) (*remote.Account, error)
}

// Status is the externally visible meter state.
type Status struct {
	Bars      int  `json:"bars"`
	Premium   bool `json:"premium"`
	Coins     int  `json:"coins"`
	Low       bool `json:"low"`
	Empty     bool `json:"empty"`
	Grace     bool `json:"grace"`
	Consuming bool `json:"consuming"`
}

// Meter drives the drain/recharge timers for one account. Exactly one of the
// two timers runs at a time, selected by the consuming-activity flag; both
// tick functions no-op for exempt accounts. Mutations are read-modify-write
// from the last locally known snapshot; a lost race against another writer is
// accepted (best effort, not linearizable).
type Meter struct {
	records RecordStore
	bus     *bus.Bus
	clk     clock.Clock
	logger  *zap.Logger
	cancel  context.CancelFunc

	mu        sync.Mutex
	acct      *remote.Account
	consuming bool
	ticker    clock.Ticker
}

// NewMeter creates a meter. It holds no account until one is observed on the
// bus ("account.updated") or set explicitly.
func NewMeter(records RecordStore, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Meter {
	return &Meter{
		records: records,
		bus:     b,
		clk:     clk,
		logger:  logger,
	}
}

// Start subscribes to call/room activity and account updates and begins the
// recharge timer (no consuming activity exists at startup).
func (m *Meter) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.Lock()
	m.ticker = m.clk.NewTicker(RechargeInterval)
	m.mu.Unlock()

	callCh, unsubCall := m.bus.Subscribe("call.", 64)
	roomCh, unsubRoom := m.bus.Subscribe("room.", 64)
	acctCh, unsubAcct := m.bus.Subscribe("account.", 64)

	go func() {
		defer unsubCall()
		defer unsubRoom()
		defer unsubAcct()
		defer func() {
			m.mu.Lock()
			if m.ticker != nil {
				m.ticker.Stop()
				m.ticker = nil
			}
			m.mu.Unlock()
		}()

		for {
			m.mu.Lock()
			var tick <-chan time.Time
			if m.ticker != nil {
				tick = m.ticker.C()
			}
			m.mu.Unlock()

			select {
			case evt := <-callCh:
				m.handleActivity(evt)
			case evt := <-roomCh:
				m.handleActivity(evt)
			case evt := <-acctCh:
				m.handleAccount(evt)
			case <-tick:
				m.onTick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the meter loop and its active timer.
func (m *Meter) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Meter) handleActivity(evt bus.Event) {
	switch evt.Kind {
	case "call.connected", "room.joined":
		m.setConsuming(true)
	case "call.ended", "room.left":
		m.setConsuming(false)
	}
}

func (m *Meter) handleAccount(evt bus.Event) {
	if evt.Kind != "account.updated" {
		return
	}
	acct, ok := evt.Payload.(*remote.Account)
	if !ok {
		return
	}
	cp := *acct
	m.mu.Lock()
	m.acct = &cp
	m.mu.Unlock()
	m.publishChanged()
}

// setConsuming swaps the active timer. The old timer is cancelled before the
// new one starts, so drain and recharge never run concurrently and no partial
// interval carries over.
func (m *Meter) setConsuming(consuming bool) {
	m.mu.Lock()
	if m.consuming == consuming {
		m.mu.Unlock()
		return
	}
	m.consuming = consuming
	if m.ticker != nil {
		m.ticker.Stop()
	}
	if consuming {
		m.ticker = m.clk.NewTicker(DrainInterval)
	} else {
		m.ticker = m.clk.NewTicker(RechargeInterval)
	}
	m.mu.Unlock()

	m.bus.Publish(bus.Event{Kind: "energy.activity", Timestamp: time.Now(), Payload: consuming})
}

func (m *Meter) onTick(ctx context.Context) {
	m.mu.Lock()
	consuming := m.consuming
	m.mu.Unlock()
	if consuming {
		m.drain(ctx)
	} else {
		m.recharge(ctx)
	}
}

// drain removes one bar if the account is drainable. Failures are logged and
// retried naturally by the next tick.
func (m *Meter) drain(ctx context.Context) {
	m.mu.Lock()
	acct := m.acct
	if acct == nil || acct.IsPremium || m.inGrace(acct) || acct.EnergyBars <= 0 {
		m.mu.Unlock()
		return
	}
	newBars := acct.EnergyBars - 1
	m.mu.Unlock()

	if _, err := m.records.UpdateAccount(ctx, acct.ID, map[string]any{"energy_bars": newBars}); err != nil {
		m.logger.Warn("energy drain write failed", zap.Error(err))
		return
	}
	m.applyBars(newBars)
	m.logger.Info("energy drained", zap.Int("bars", newBars))
}

// recharge restores one bar if below the ceiling. Premium accounts skip the
// meter entirely.
func (m *Meter) recharge(ctx context.Context) {
	m.mu.Lock()
	acct := m.acct
	if acct == nil || acct.IsPremium || acct.EnergyBars >= MaxBars {
		m.mu.Unlock()
		return
	}
	newBars := acct.EnergyBars + 1
	m.mu.Unlock()

	if _, err := m.records.UpdateAccount(ctx, acct.ID, map[string]any{"energy_bars": newBars}); err != nil {
		m.logger.Warn("energy recharge write failed", zap.Error(err))
		return
	}
	m.applyBars(newBars)
	m.logger.Info("energy recharged", zap.Int("bars", newBars))
}

// RechargeWithCoins refills energy instantly for RechargeCost coins. The
// balance check and both field writes are one conditional update server-side;
// the cached balance only pre-screens obvious rejections.
func (m *Meter) RechargeWithCoins(ctx context.Context) (Status, error) {
	m.mu.Lock()
	acct := m.acct
	m.mu.Unlock()
	if acct == nil {
		return Status{}, ErrNoAccount
	}
	if acct.CoinBalance < RechargeCost {
		return m.Snapshot(), remote.ErrInsufficientCoins
	}

	updated, err := m.records.RechargeWithCoins(ctx, acct.ID)
	if err != nil {
		return m.Snapshot(), err
	}

	m.mu.Lock()
	m.acct = updated
	m.mu.Unlock()
	m.publishChanged()
	return m.Snapshot(), nil
}

// Snapshot returns the current meter status with derived flags.
func (m *Meter) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{Consuming: m.consuming}
	if m.acct == nil {
		return s
	}
	s.Bars = m.acct.EnergyBars
	s.Premium = m.acct.IsPremium
	s.Coins = m.acct.CoinBalance
	s.Grace = m.inGrace(m.acct)
	s.Low = !s.Premium && s.Bars > 0 && s.Bars <= LowThreshold
	s.Empty = !s.Premium && s.Bars <= 0
	return s
}

// inGrace reports whether the account is inside the no-drain grace window.
// Caller must hold m.mu or pass a stable copy.
func (m *Meter) inGrace(acct *remote.Account) bool {
	return m.clk.Now().Sub(acct.CreatedAt) < GracePeriod
}

func (m *Meter) applyBars(bars int) {
	m.mu.Lock()
	if m.acct != nil {
		m.acct.EnergyBars = bars
	}
	m.mu.Unlock()
	m.publishChanged()
}

func (m *Meter) publishChanged() {
	m.bus.Publish(bus.Event{Kind: "energy.changed", Timestamp: time.Now(), Payload: m.Snapshot()})
}
