// Package guard enforces the single-active-session rule: each login stamps a
// fresh token onto the account record (last writer wins), and any remote
// change that shows a different token means another device took over, so this
// client signs itself out.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/remote"
	"github.com/pmoreli/voz/internal/store"
	"go.uber.org/zap"
)

// ErrNotLoggedIn is returned when no device login exists to resume.
var ErrNotLoggedIn = errors.New("not logged in")

// ErrSessionSuperseded is returned by Resume when the account record already
// carries a different device's token.
var ErrSessionSuperseded = errors.New("session superseded by another device")

// RecordStore is the subset of the backend client the guard uses.
type RecordStore interface {
	GetAccount(ctx context.Context, accountID string) (*remote.Account, error)
	UpdateAccount(ctx context.Context, accountID string, fields map[string]any) (*remote.Account, error)
}

// SessionStore persists this device's login locally.
type SessionStore interface {
	SaveLocalSession(accountID, token string) error
	GetLocalSession() (*store.LocalSession, error)
	ClearLocalSession() error
}

// Guard owns the local session token and watches account changes for
// eviction. SignOut is the external sign-out/redirect hook; it fires at most
// once per login.
type Guard struct {
	records RecordStore
	local   SessionStore
	bus     *bus.Bus
	logger  *zap.Logger
	signOut func()
	cancel  context.CancelFunc

	mu        sync.Mutex
	accountID string
	token     string
	evicted   bool
}

// New creates a guard. signOut may be nil.
func New(records RecordStore, local SessionStore, b *bus.Bus, signOut func(), logger *zap.Logger) *Guard {
	return &Guard{
		records: records,
		local:   local,
		bus:     b,
		logger:  logger,
		signOut: signOut,
	}
}

// Login generates a fresh session token, persists it locally, and stamps it
// onto the account record unconditionally. Returns the updated account.
func (g *Guard) Login(ctx context.Context, accountID string) (*remote.Account, error) {
	token := uuid.NewString()

	if err := g.local.SaveLocalSession(accountID, token); err != nil {
		return nil, fmt.Errorf("save local session: %w", err)
	}
	acct, err := g.records.UpdateAccount(ctx, accountID, map[string]any{"current_session_token": token})
	if err != nil {
		return nil, fmt.Errorf("stamp session token: %w", err)
	}

	g.mu.Lock()
	g.accountID = accountID
	g.token = token
	g.evicted = false
	g.mu.Unlock()

	g.logger.Info("logged in", zap.String("account_id", accountID))
	g.bus.Publish(bus.Event{Kind: "session.logged_in", Timestamp: time.Now(), Payload: accountID})
	g.bus.Publish(bus.Event{Kind: "account.updated", Timestamp: time.Now(), Payload: acct})
	return acct, nil
}

// Resume restores a previous device login after a restart. If the account
// record already carries a different token, the local session is cleared and
// ErrSessionSuperseded is returned.
func (g *Guard) Resume(ctx context.Context) (*remote.Account, error) {
	sess, err := g.local.GetLocalSession()
	if err != nil {
		return nil, fmt.Errorf("load local session: %w", err)
	}
	if sess == nil {
		return nil, ErrNotLoggedIn
	}

	acct, err := g.records.GetAccount(ctx, sess.AccountID)
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}
	if acct.SessionToken != sess.Token {
		if err := g.local.ClearLocalSession(); err != nil {
			g.logger.Warn("clear superseded session failed", zap.Error(err))
		}
		return nil, ErrSessionSuperseded
	}

	g.mu.Lock()
	g.accountID = sess.AccountID
	g.token = sess.Token
	g.evicted = false
	g.mu.Unlock()

	g.logger.Info("session resumed", zap.String("account_id", sess.AccountID))
	g.bus.Publish(bus.Event{Kind: "session.resumed", Timestamp: time.Now(), Payload: sess.AccountID})
	g.bus.Publish(bus.Event{Kind: "account.updated", Timestamp: time.Now(), Payload: acct})
	return acct, nil
}

// Logout clears the device login. The remote token is blanked best-effort so
// other devices see the slot free; a failed write still logs this device out.
func (g *Guard) Logout(ctx context.Context) error {
	g.mu.Lock()
	accountID := g.accountID
	g.accountID = ""
	g.token = ""
	g.mu.Unlock()

	if err := g.local.ClearLocalSession(); err != nil {
		return fmt.Errorf("clear local session: %w", err)
	}
	if accountID != "" {
		if _, err := g.records.UpdateAccount(ctx, accountID, map[string]any{"current_session_token": ""}); err != nil {
			g.logger.Warn("clear remote session token failed", zap.Error(err))
		}
	}
	g.bus.Publish(bus.Event{Kind: "session.logged_out", Timestamp: time.Now()})
	return nil
}

// AccountID returns the logged-in account ID, or empty.
func (g *Guard) AccountID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accountID
}

// Start watches account change events from both notification producers.
// Matching tokens are republished as "account.updated" for downstream
// consumers; a mismatch forces sign-out.
func (g *Guard) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	remoteCh, unsubRemote := g.bus.Subscribe("remote.account", 64)
	pollCh, unsubPoll := g.bus.Subscribe("poll.account", 64)

	go func() {
		defer unsubRemote()
		defer unsubPoll()
		for {
			select {
			case evt := <-remoteCh:
				g.handleAccountChange(evt)
			case evt := <-pollCh:
				g.handleAccountChange(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the watcher.
func (g *Guard) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
}

func (g *Guard) handleAccountChange(evt bus.Event) {
	acct, ok := evt.Payload.(*remote.Account)
	if !ok {
		return
	}

	g.mu.Lock()
	if g.token == "" || g.accountID != acct.ID {
		g.mu.Unlock()
		return
	}
	if acct.SessionToken == g.token {
		g.mu.Unlock()
		g.bus.Publish(bus.Event{ID: evt.ID, Kind: "account.updated", Timestamp: time.Now(), Payload: acct})
		return
	}
	// Another device stamped a newer token; this one is no longer
	// authoritative. Evict at most once per login.
	if g.evicted {
		g.mu.Unlock()
		return
	}
	g.evicted = true
	g.accountID = ""
	g.token = ""
	g.mu.Unlock()

	g.logger.Warn("session evicted: logged in elsewhere", zap.String("account_id", acct.ID))
	if err := g.local.ClearLocalSession(); err != nil {
		g.logger.Warn("clear evicted session failed", zap.Error(err))
	}
	g.bus.Publish(bus.Event{Kind: "session.evicted", Timestamp: time.Now(), Payload: acct.ID})
	if g.signOut != nil {
		g.signOut()
	}
}
