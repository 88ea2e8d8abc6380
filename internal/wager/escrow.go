// Package wager holds coin stakes for in-call mini games. The policy is
// backend-first and no-refund: the stake leaves the balance the moment the
// game starts, and only a win pays anything back.
package wager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/clock"
	"github.com/pmoreli/voz/internal/remote"
	"go.uber.org/zap"
)

// ForfeitWindow is how long a disconnected partner has to return before the
// local player wins by forfeit.
const ForfeitWindow = 60 * time.Second

// ErrNoAccount is returned when no account snapshot has been seen yet.
var ErrNoAccount = errors.New("no account loaded")

// ErrAlreadySettled is returned by Settle after the game has been settled.
var ErrAlreadySettled = errors.New("game already settled")

// RecordStore is the subset of the backend client the escrow writes through.
type RecordStore interface {
	UpdateAccount(ctx context.Context, accountID string, fields map[string]any) (*remote.Account, error)
}

// StartedEvent is the payload of "wager.started".
type StartedEvent struct {
	GameID  string
	Stake   int
	Balance int
}

// SettledEvent is the payload of "wager.settled".
type SettledEvent struct {
	GameID  string
	Stake   int
	Result  string // win, lose, tie, forfeit_win
	Payout  int
	Balance int
}

// Manager creates one Escrow per game against the current account.
type Manager struct {
	records RecordStore
	bus     *bus.Bus
	clk     clock.Clock
	logger  *zap.Logger
	cancel  context.CancelFunc

	mu   sync.Mutex
	acct *remote.Account
}

// NewManager creates a manager with no account loaded.
func NewManager(records RecordStore, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{records: records, bus: b, clk: clk, logger: logger}
}

// Start follows account snapshots so stakes and payouts always apply against
// the latest known balance.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	acctCh, unsub := m.bus.Subscribe("account.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-acctCh:
				if acct, ok := evt.Payload.(*remote.Account); ok {
					cp := *acct
					m.mu.Lock()
					m.acct = &cp
					m.mu.Unlock()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops following account snapshots.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// setAccount installs a fresh snapshot synchronously after a wager write, so
// a settlement immediately following a deduction sees the deducted balance.
func (m *Manager) setAccount(acct *remote.Account) {
	cp := *acct
	m.mu.Lock()
	m.acct = &cp
	m.mu.Unlock()
}

// StartGame deducts the stake and opens an escrow for one game. The deduction
// happens exactly once, up front, floored at zero; nothing later restores it.
// A zero stake opens a friendly game with no escrow movement.
func (m *Manager) StartGame(ctx context.Context, stake int) (*Escrow, error) {
	if stake < 0 {
		return nil, fmt.Errorf("negative stake %d", stake)
	}

	m.mu.Lock()
	if m.acct == nil {
		m.mu.Unlock()
		return nil, ErrNoAccount
	}
	acct := *m.acct
	m.mu.Unlock()

	balance := acct.CoinBalance
	if stake > 0 {
		next := balance - stake
		if next < 0 {
			next = 0
		}
		updated, err := m.records.UpdateAccount(ctx, acct.ID, map[string]any{"coin_balance": next})
		if err != nil {
			return nil, fmt.Errorf("deduct stake: %w", err)
		}
		balance = updated.CoinBalance
		m.setAccount(updated)
		m.bus.Publish(bus.Event{Kind: "account.updated", Timestamp: time.Now(), Payload: updated})
	}

	e := &Escrow{
		manager: m,
		gameID:  uuid.NewString(),
		stake:   stake,
	}
	m.logger.Info("wager started", zap.String("game_id", e.gameID), zap.Int("stake", stake))
	m.bus.Publish(bus.Event{Kind: "wager.started", Timestamp: time.Now(), Payload: StartedEvent{
		GameID: e.gameID, Stake: stake, Balance: balance,
	}})
	return e, nil
}

// Escrow tracks one staked game from deduction to settlement.
type Escrow struct {
	manager *Manager
	gameID  string
	stake   int

	mu            sync.Mutex
	settled       bool
	forfeitTimer  clock.Timer
	forfeitCancel context.CancelFunc
}

// GameID returns the escrow's game identifier.
func (e *Escrow) GameID() string { return e.gameID }

// Stake returns the staked amount.
func (e *Escrow) Stake() int { return e.stake }

// OnPartnerDisconnect arms the forfeit countdown. If the partner does not
// return within the window, onForfeitWin fires exactly once and the game is
// settled as a local win without peer confirmation.
func (e *Escrow) OnPartnerDisconnect(onForfeitWin func()) {
	e.mu.Lock()
	if e.settled || e.forfeitTimer != nil {
		e.mu.Unlock()
		return
	}
	timer := e.manager.clk.NewTimer(ForfeitWindow)
	ctx, cancel := context.WithCancel(context.Background())
	e.forfeitTimer = timer
	e.forfeitCancel = cancel
	e.mu.Unlock()

	e.manager.logger.Info("partner disconnected, forfeit countdown armed", zap.String("game_id", e.gameID))
	go func() {
		select {
		case <-timer.C():
			e.mu.Lock()
			if e.settled {
				e.mu.Unlock()
				return
			}
			e.forfeitTimer = nil
			e.forfeitCancel = nil
			e.mu.Unlock()

			e.manager.logger.Info("forfeit window elapsed, local win", zap.String("game_id", e.gameID))
			if err := e.settle(context.Background(), "forfeit_win"); err != nil {
				e.manager.logger.Error("forfeit settlement failed", zap.String("game_id", e.gameID), zap.Error(err))
			}
			if onForfeitWin != nil {
				onForfeitWin()
			}
		case <-ctx.Done():
		}
	}()
}

// OnPartnerReconnect cancels a pending forfeit countdown. The game continues.
func (e *Escrow) OnPartnerReconnect() {
	e.mu.Lock()
	timer := e.forfeitTimer
	cancel := e.forfeitCancel
	e.forfeitTimer = nil
	e.forfeitCancel = nil
	e.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
		e.manager.logger.Info("partner reconnected, forfeit cancelled", zap.String("game_id", e.gameID))
	}
}

// Settle closes the game. A win pays out twice the stake; lose and tie pay
// nothing, the stake is already gone.
func (e *Escrow) Settle(ctx context.Context, result string) error {
	switch result {
	case "win", "lose", "tie":
	default:
		return fmt.Errorf("unknown result %q", result)
	}
	return e.settle(ctx, result)
}

func (e *Escrow) settle(ctx context.Context, result string) error {
	e.mu.Lock()
	if e.settled {
		e.mu.Unlock()
		return ErrAlreadySettled
	}
	e.settled = true
	timer := e.forfeitTimer
	cancel := e.forfeitCancel
	e.forfeitTimer = nil
	e.forfeitCancel = nil
	e.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}

	payout := 0
	if result == "win" || result == "forfeit_win" {
		payout = 2 * e.stake
	}

	m := e.manager
	m.mu.Lock()
	var acct *remote.Account
	if m.acct != nil {
		cp := *m.acct
		acct = &cp
	}
	m.mu.Unlock()
	if acct == nil {
		return ErrNoAccount
	}

	balance := acct.CoinBalance
	if payout > 0 {
		updated, err := m.records.UpdateAccount(ctx, acct.ID, map[string]any{"coin_balance": balance + payout})
		if err != nil {
			return fmt.Errorf("credit payout: %w", err)
		}
		balance = updated.CoinBalance
		m.setAccount(updated)
		m.bus.Publish(bus.Event{Kind: "account.updated", Timestamp: time.Now(), Payload: updated})
	}

	m.logger.Info("wager settled",
		zap.String("game_id", e.gameID), zap.String("result", result), zap.Int("payout", payout))
	m.bus.Publish(bus.Event{Kind: "wager.settled", Timestamp: time.Now(), Payload: SettledEvent{
		GameID: e.gameID, Stake: e.stake, Result: result, Payout: payout, Balance: balance,
	}})
	return nil
}
