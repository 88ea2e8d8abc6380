// Package notify turns raw signal events into user-facing notifications. The
// realtime stream and the poll fallback both deliver the same signals, so the
// fanout de-duplicates by signal ID before republishing.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/remote"
	"go.uber.org/zap"
)

// seenLimit bounds the de-duplication window. Old IDs age out in insertion
// order once the limit is reached.
const seenLimit = 256

// Fanout consumes "remote.signal" and "poll.signal" and republishes each
// distinct signal once as "notify.signal", unless its conversation is focused.
type Fanout struct {
	bus    *bus.Bus
	focus  *FocusRegistry
	logger *zap.Logger
	cancel context.CancelFunc

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewFanout creates a fanout. focus may be nil to disable suppression.
func NewFanout(b *bus.Bus, focus *FocusRegistry, logger *zap.Logger) *Fanout {
	return &Fanout{
		bus:    b,
		focus:  focus,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// Start consumes signal events from both producers until the context ends.
func (f *Fanout) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	remoteCh, unsubRemote := f.bus.Subscribe("remote.signal", 64)
	pollCh, unsubPoll := f.bus.Subscribe("poll.signal", 64)

	go func() {
		defer unsubRemote()
		defer unsubPoll()
		for {
			select {
			case evt := <-remoteCh:
				f.handle(evt)
			case evt := <-pollCh:
				f.handle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the fanout.
func (f *Fanout) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Fanout) handle(evt bus.Event) {
	sig, ok := evt.Payload.(*remote.Signal)
	if !ok {
		return
	}
	id := evt.ID
	if id == "" {
		id = sig.ID
	}
	if id != "" && !f.markSeen(id) {
		return
	}
	if f.focus != nil && f.focus.Suppress(sig.Conversation) {
		f.logger.Debug("signal suppressed, conversation focused", zap.String("signal_id", sig.ID))
		return
	}
	f.bus.Publish(bus.Event{ID: id, Kind: "notify.signal", Timestamp: time.Now(), Payload: sig})
}

// markSeen records an ID, reporting false if it was already present.
func (f *Fanout) markSeen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.seen[id]; dup {
		return false
	}
	f.seen[id] = struct{}{}
	f.order = append(f.order, id)
	if len(f.order) > seenLimit {
		delete(f.seen, f.order[0])
		f.order = f.order[1:]
	}
	return true
}
