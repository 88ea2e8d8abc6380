// Package journal writes call history, the wager ledger, and the account
// cache to the local database by following bus events. Persistence is
// best-effort: a failed write is logged and the daemon keeps running.
package journal

import (
	"context"

	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/call"
	"github.com/pmoreli/voz/internal/remote"
	"github.com/pmoreli/voz/internal/store"
	"github.com/pmoreli/voz/internal/wager"
	"go.uber.org/zap"
)

// Store is the subset of the local database the journal writes.
type Store interface {
	InsertCallRecord(r *store.CallRecord) error
	InsertWager(gameID, roomID string, stake int) error
	SettleWager(gameID, result string, coinDelta int) error
	UpsertAccountCache(a *store.AccountCache) error
}

// Journal persists the event stream. It tracks the live room so wager rows
// can be attributed to the call they happened in.
type Journal struct {
	db     Store
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	room string // current call's room, loop-local
}

// New creates a journal.
func New(db Store, b *bus.Bus, logger *zap.Logger) *Journal {
	return &Journal{db: db, bus: b, logger: logger}
}

// Start consumes call, wager, and account events until the context ends.
func (j *Journal) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	callCh, unsubCall := j.bus.Subscribe("call.", 64)
	wagerCh, unsubWager := j.bus.Subscribe("wager.", 64)
	acctCh, unsubAcct := j.bus.Subscribe("account.", 64)

	go func() {
		defer unsubCall()
		defer unsubWager()
		defer unsubAcct()
		for {
			select {
			case evt := <-callCh:
				j.handleCall(evt)
			case evt := <-wagerCh:
				j.handleWager(evt)
			case evt := <-acctCh:
				j.handleAccount(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the journal.
func (j *Journal) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
}

func (j *Journal) handleCall(evt bus.Event) {
	switch evt.Kind {
	case "call.connected":
		if c, ok := evt.Payload.(call.ConnectedEvent); ok {
			j.room = c.RoomID
		}
	case "call.ended", "call.declined":
		e, ok := evt.Payload.(call.EndedEvent)
		if !ok {
			return
		}
		j.room = ""
		rec := &store.CallRecord{
			RoomID:       e.RoomID,
			PeerID:       e.Peer.ID,
			PeerName:     e.Peer.Name,
			StartedAt:    e.StartedAt.UnixMilli(),
			DurationSecs: e.DurationSecs,
			Outcome:      e.Outcome,
		}
		if err := j.db.InsertCallRecord(rec); err != nil {
			j.logger.Warn("persist call record failed", zap.String("room_id", e.RoomID), zap.Error(err))
		}
	}
}

func (j *Journal) handleWager(evt bus.Event) {
	switch evt.Kind {
	case "wager.started":
		s, ok := evt.Payload.(wager.StartedEvent)
		if !ok {
			return
		}
		if err := j.db.InsertWager(s.GameID, j.room, s.Stake); err != nil {
			j.logger.Warn("persist wager failed", zap.String("game_id", s.GameID), zap.Error(err))
		}
	case "wager.settled":
		s, ok := evt.Payload.(wager.SettledEvent)
		if !ok {
			return
		}
		if err := j.db.SettleWager(s.GameID, s.Result, s.Payout); err != nil {
			j.logger.Warn("persist settlement failed", zap.String("game_id", s.GameID), zap.Error(err))
		}
	}
}

func (j *Journal) handleAccount(evt bus.Event) {
	acct, ok := evt.Payload.(*remote.Account)
	if !ok {
		return
	}
	cached := &store.AccountCache{
		ID:           acct.ID,
		DisplayName:  acct.DisplayName,
		AvatarURL:    acct.AvatarURL,
		EnergyBars:   acct.EnergyBars,
		IsPremium:    acct.IsPremium,
		CoinBalance:  acct.CoinBalance,
		SessionToken: acct.SessionToken,
		CreatedAt:    acct.CreatedAt.UnixMilli(),
	}
	if err := j.db.UpsertAccountCache(cached); err != nil {
		j.logger.Warn("cache account failed", zap.String("account_id", acct.ID), zap.Error(err))
	}
}
