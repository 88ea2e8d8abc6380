package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// streamEvent is the wire form of a bus event on the /v1/events socket.
type streamEvent struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// streamed lists the event namespaces forwarded to CLI and UI clients.
// Internal producer traffic (remote., poll.) stays off the socket.
var streamed = []string{"account.", "session.", "energy.", "call.", "match.", "wager.", "notify."}

// handleEvents upgrades to a websocket and forwards bus events until the
// client goes away. Slow clients lose events rather than stalling the bus.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("event stream upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "stream ended") }()

	ctx := r.Context()
	merged := make(chan streamEvent, 64)
	mergeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, prefix := range streamed {
		ch, unsub := h.bus.Subscribe(prefix, 64)
		go func() {
			defer unsub()
			for {
				select {
				case evt := <-ch:
					se := streamEvent{Kind: evt.Kind, ID: evt.ID, Timestamp: evt.Timestamp, Payload: evt.Payload}
					select {
					case merged <- se:
					default:
					}
				case <-mergeCtx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case se := <-merged:
			data, err := json.Marshal(se)
			if err != nil {
				h.logger.Warn("encode stream event failed", zap.String("kind", se.Kind), zap.Error(err))
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
