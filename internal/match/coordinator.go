// Package match runs the matchmaking search loop: poll the pairing service on
// a fixed interval, claim the first match exactly once, fetch a voice-room
// credential, and hand the connected call off to the session layer.
package match

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/call"
	"github.com/pmoreli/voz/internal/clock"
	"github.com/pmoreli/voz/internal/remote"
	"go.uber.org/zap"
)

const (
	// PollInterval is the pairing poll cadence while searching.
	PollInterval = 2500 * time.Millisecond
	// FilterTimeout is how long a filtered search runs before the caller is
	// offered the choice to drop filters or give up.
	FilterTimeout = 30 * time.Second
)

// Status is the coordinator's externally visible state.
type Status string

const (
	Idle         Status = "IDLE"
	Searching    Status = "SEARCHING"
	FilterExpiry Status = "FILTER_TIMEOUT"
)

// Pairing is the subset of the backend client the coordinator uses.
type Pairing interface {
	TryMatch(ctx context.Context, accountID string, filters *remote.Filters) (*remote.MatchResult, error)
	LeaveQueue(ctx context.Context, accountID string) error
	IssueMediaToken(ctx context.Context, roomID, displayName string) (string, error)
}

// Connector receives the claimed match as a connected call.
type Connector interface {
	StartCall(peer call.Peer, roomID, mediaToken string) error
}

// Found is the payload of "match.found".
type Found struct {
	Peer   call.Peer
	RoomID string
}

// Coordinator drives one search at a time. Claiming is single-shot per
// search generation: a stop or restart that races a pending poll response
// invalidates that response.
type Coordinator struct {
	pairing   Pairing
	connector Connector
	bus       *bus.Bus
	clk       clock.Clock
	logger    *zap.Logger

	mu          sync.Mutex
	state       Status
	gen         uint64
	accountID   string
	displayName string
	filters     *remote.Filters
	inFlight    bool
	claimed     bool
	cancel      context.CancelFunc
}

// New creates an idle coordinator.
func New(pairing Pairing, connector Connector, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		pairing:   pairing,
		connector: connector,
		bus:       b,
		clk:       clk,
		logger:    logger,
		state:     Idle,
	}
}

// Status returns the current search state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartSearching begins polling the pairing service. Filters, when set, arm
// the filter-timeout countdown.
func (c *Coordinator) StartSearching(accountID, displayName string, filters *remote.Filters) error {
	c.mu.Lock()
	if c.state == Searching {
		c.mu.Unlock()
		return fmt.Errorf("already searching")
	}
	c.gen++
	gen := c.gen
	c.state = Searching
	c.accountID = accountID
	c.displayName = displayName
	c.filters = filters
	c.inFlight = false
	c.claimed = false

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	ticker := c.clk.NewTicker(PollInterval)
	var filterCh <-chan time.Time
	var filterTimer clock.Timer
	if filters != nil {
		filterTimer = c.clk.NewTimer(FilterTimeout)
		filterCh = filterTimer.C()
	}
	c.mu.Unlock()

	c.logger.Info("search started", zap.String("account_id", accountID), zap.Bool("filtered", filters != nil))
	c.bus.Publish(bus.Event{Kind: "match.searching", Timestamp: time.Now(), Payload: accountID})
	go c.pollLoop(ctx, gen, ticker, filterTimer, filterCh)
	return nil
}

// StopSearching cancels the search and releases the queue slot. Safe to call
// from any state; idempotent.
func (c *Coordinator) StopSearching() {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = Idle
	accountID := c.accountID
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	// Best effort: the queue entry expires server-side anyway.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.pairing.LeaveQueue(ctx, accountID); err != nil {
			c.logger.Debug("leave queue failed", zap.Error(err))
		}
	}()

	c.bus.Publish(bus.Event{Kind: "match.stopped", Timestamp: time.Now(), Payload: accountID})
}

// DropFilters restarts an expired filtered search without filters.
func (c *Coordinator) DropFilters() error {
	c.mu.Lock()
	if c.state != FilterExpiry {
		c.mu.Unlock()
		return fmt.Errorf("no filter timeout pending (state %s)", c.state)
	}
	c.state = Idle
	accountID, displayName := c.accountID, c.displayName
	c.mu.Unlock()

	return c.StartSearching(accountID, displayName, nil)
}

func (c *Coordinator) pollLoop(ctx context.Context, gen uint64, ticker clock.Ticker, filterTimer clock.Timer, filterCh <-chan time.Time) {
	defer ticker.Stop()
	if filterTimer != nil {
		defer filterTimer.Stop()
	}
	for {
		select {
		case <-ticker.C():
			c.pollOnce(gen)
		case <-filterCh:
			c.handleFilterTimeout(gen)
			return
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce issues one pairing call unless the previous one is still in
// flight. Overlapping polls would risk claiming two matches.
func (c *Coordinator) pollOnce(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != Searching || c.inFlight || c.claimed {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	accountID, filters := c.accountID, c.filters
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := c.pairing.TryMatch(ctx, accountID, filters)

		c.mu.Lock()
		c.inFlight = false
		stale := c.gen != gen || c.state != Searching
		c.mu.Unlock()

		if err != nil {
			// Next tick retries.
			c.logger.Debug("match poll failed", zap.Error(err))
			return
		}
		if stale || res.Status != remote.MatchFound {
			return
		}
		c.claim(gen, res)
	}()
}

// claim processes a matched response exactly once. Polling stops before the
// credential fetch so no second match can arrive mid-claim.
func (c *Coordinator) claim(gen uint64, res *remote.MatchResult) {
	c.mu.Lock()
	if c.gen != gen || c.claimed || c.state != Searching {
		c.mu.Unlock()
		return
	}
	c.claimed = true
	c.state = Idle
	displayName := c.displayName
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	peer := call.Peer{ID: res.PeerID, Name: res.PeerName, Avatar: res.PeerAvatar}
	c.logger.Info("match claimed", zap.String("room_id", res.RoomID), zap.String("peer", res.PeerName))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	token, err := c.pairing.IssueMediaToken(ctx, res.RoomID, displayName)
	if err != nil {
		// The match is abandoned; the user re-queues manually.
		c.logger.Error("media token fetch failed, match abandoned", zap.String("room_id", res.RoomID), zap.Error(err))
		c.bus.Publish(bus.Event{Kind: "match.failed", Timestamp: time.Now(), Payload: fmt.Sprintf("connect to room %s: %v", res.RoomID, err)})
		return
	}

	if err := c.connector.StartCall(peer, res.RoomID, token); err != nil {
		c.logger.Error("connect claimed match failed", zap.Error(err))
		c.bus.Publish(bus.Event{Kind: "match.failed", Timestamp: time.Now(), Payload: err.Error()})
		return
	}
	c.bus.Publish(bus.Event{Kind: "match.found", Timestamp: time.Now(), Payload: Found{Peer: peer, RoomID: res.RoomID}})
}

// handleFilterTimeout parks the search in the offer state: the caller decides
// between DropFilters and StopSearching.
func (c *Coordinator) handleFilterTimeout(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != Searching || c.claimed {
		c.mu.Unlock()
		return
	}
	c.state = FilterExpiry
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.logger.Info("filtered search timed out")
	c.bus.Publish(bus.Event{Kind: "match.filter_timeout", Timestamp: time.Now()})
}
