package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/pmoreli/voz/internal/bus"
	"go.uber.org/zap"
)

const reconnectDelay = 5 * time.Second

// Realtime subscribes to row-change events for one account over a websocket
// and republishes them on the bus ("remote.account", "remote.signal"). While
// the connection is down it reconnects on a fixed delay; the polling fallback
// covers the gap.
type Realtime struct {
	url       string
	accountID string
	bus       *bus.Bus
	logger    *zap.Logger
	cancel    context.CancelFunc
}

// NewRealtime creates a realtime feed for the given websocket URL.
func NewRealtime(url, accountID string, b *bus.Bus, logger *zap.Logger) *Realtime {
	return &Realtime{
		url:       url,
		accountID: accountID,
		bus:       b,
		logger:    logger,
	}
}

// Start begins the connect/read loop in the background.
func (r *Realtime) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

// Stop terminates the feed.
func (r *Realtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Realtime) loop(ctx context.Context) {
	for {
		if err := r.run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("realtime feed disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// run dials, subscribes, and reads events until the connection drops.
func (r *Realtime) run(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, r.url, nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "stopping") }()

	sub, _ := json.Marshal(map[string]string{
		"action":     "subscribe",
		"account_id": r.accountID,
	})
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		return err
	}
	r.logger.Info("realtime feed connected", zap.String("account_id", r.accountID))
	r.bus.Publish(bus.Event{Kind: "remote.connected", Timestamp: time.Now()})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			r.bus.Publish(bus.Event{Kind: "remote.disconnected", Timestamp: time.Now()})
			return err
		}
		r.dispatch(data)
	}
}

type changeEvent struct {
	EventID string          `json:"event_id"`
	Table   string          `json:"table"`
	Record  json.RawMessage `json:"record"`
}

func (r *Realtime) dispatch(data []byte) {
	var evt changeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		r.logger.Warn("malformed realtime event", zap.Error(err))
		return
	}

	switch evt.Table {
	case "accounts":
		var acct Account
		if err := json.Unmarshal(evt.Record, &acct); err != nil {
			r.logger.Warn("malformed account record", zap.Error(err))
			return
		}
		r.bus.Publish(bus.Event{ID: evt.EventID, Kind: "remote.account", Timestamp: time.Now(), Payload: &acct})
	case "signals":
		var sig Signal
		if err := json.Unmarshal(evt.Record, &sig); err != nil {
			r.logger.Warn("malformed signal record", zap.Error(err))
			return
		}
		r.bus.Publish(bus.Event{ID: sig.ID, Kind: "remote.signal", Timestamp: time.Now(), Payload: &sig})
	default:
		r.logger.Debug("ignoring change event", zap.String("table", evt.Table))
	}
}
