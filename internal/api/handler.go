// Package api exposes the daemon's control surface over HTTP. The server
// listens on the profile's unix socket; the CLI is the only intended client.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/call"
	"github.com/pmoreli/voz/internal/energy"
	"github.com/pmoreli/voz/internal/guard"
	"github.com/pmoreli/voz/internal/match"
	"github.com/pmoreli/voz/internal/notify"
	"github.com/pmoreli/voz/internal/remote"
	"github.com/pmoreli/voz/internal/store"
	"github.com/pmoreli/voz/internal/wager"
	"go.uber.org/zap"
)

// Handler carries the daemon components the control API drives.
type Handler struct {
	guard   *guard.Guard
	meter   *energy.Meter
	coord   *match.Coordinator
	machine *call.Machine
	wagers  *wager.Manager
	db      *store.DB
	focus   *notify.FocusRegistry
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	escrows map[string]*wager.Escrow
}

// NewHandler creates a handler over the daemon's components.
func NewHandler(g *guard.Guard, m *energy.Meter, coord *match.Coordinator, machine *call.Machine,
	wagers *wager.Manager, db *store.DB, focus *notify.FocusRegistry, b *bus.Bus, logger *zap.Logger) *Handler {
	return &Handler{
		guard:   g,
		meter:   m,
		coord:   coord,
		machine: machine,
		wagers:  wagers,
		db:      db,
		focus:   focus,
		bus:     b,
		logger:  logger,
		escrows: make(map[string]*wager.Escrow),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// StatusResponse is the full daemon snapshot returned by GET /v1/status.
type StatusResponse struct {
	AccountID string              `json:"account_id,omitempty"`
	Energy    energy.Status       `json:"energy"`
	Search    match.Status        `json:"search"`
	Call      call.CallState      `json:"call"`
	Incoming  call.IncomingSignal `json:"incoming"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	callState, incoming := h.machine.Snapshot()
	JSON(w, http.StatusOK, StatusResponse{
		AccountID: h.guard.AccountID(),
		Energy:    h.meter.Snapshot(),
		Search:    h.coord.Status(),
		Call:      callState,
		Incoming:  incoming,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		Error(w, http.StatusBadRequest, "account_id is required")
		return
	}
	acct, err := h.guard.Login(r.Context(), req.AccountID)
	if err != nil {
		Error(w, http.StatusBadGateway, err.Error())
		return
	}
	JSON(w, http.StatusOK, acct)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.coord.StopSearching()
	h.machine.EndCall()
	if err := h.guard.Logout(r.Context()); err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleSearchStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filters *remote.Filters `json:"filters"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	accountID := h.guard.AccountID()
	if accountID == "" {
		Error(w, http.StatusConflict, "not logged in")
		return
	}
	if st := h.meter.Snapshot(); st.Empty && !st.Premium && !st.Grace {
		Error(w, http.StatusConflict, "energy empty")
		return
	}
	if err := h.coord.StartSearching(accountID, h.displayName(accountID), req.Filters); err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": string(h.coord.Status())})
}

func (h *Handler) handleSearchStop(w http.ResponseWriter, r *http.Request) {
	h.coord.StopSearching()
	JSON(w, http.StatusOK, map[string]string{"status": string(h.coord.Status())})
}

func (h *Handler) handleSearchDropFilters(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.DropFilters(); err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": string(h.coord.Status())})
}

func (h *Handler) handleCallRing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeerID   string `json:"peer_id"`
		PeerName string `json:"peer_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.PeerID == "" {
		Error(w, http.StatusBadRequest, "peer_id is required")
		return
	}
	if err := h.machine.RingPeer(call.Peer{ID: req.PeerID, Name: req.PeerName}); err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"state": string(h.machine.Current())})
}

func (h *Handler) handleCallAccept(w http.ResponseWriter, r *http.Request) {
	if err := h.machine.AcceptIncomingCall(); err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"state": string(h.machine.Current())})
}

func (h *Handler) handleCallDecline(w http.ResponseWriter, r *http.Request) {
	if err := h.machine.DeclineIncomingCall(); err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"state": string(h.machine.Current())})
}

func (h *Handler) handleCallEnd(w http.ResponseWriter, r *http.Request) {
	h.machine.EndCall()
	JSON(w, http.StatusOK, map[string]string{"state": string(h.machine.Current())})
}

func (h *Handler) handleEnergyRecharge(w http.ResponseWriter, r *http.Request) {
	st, err := h.meter.RechargeWithCoins(r.Context())
	if errors.Is(err, remote.ErrInsufficientCoins) {
		Error(w, http.StatusConflict, "insufficient coins")
		return
	}
	if errors.Is(err, energy.ErrNoAccount) {
		Error(w, http.StatusConflict, "not logged in")
		return
	}
	if err != nil {
		Error(w, http.StatusBadGateway, err.Error())
		return
	}
	JSON(w, http.StatusOK, st)
}

func (h *Handler) handleWagerStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stake int `json:"stake"`
	}
	if !decode(w, r, &req) {
		return
	}
	e, err := h.wagers.StartGame(r.Context(), req.Stake)
	if err != nil {
		if errors.Is(err, wager.ErrNoAccount) {
			Error(w, http.StatusConflict, "not logged in")
			return
		}
		Error(w, http.StatusBadGateway, err.Error())
		return
	}
	h.mu.Lock()
	h.escrows[e.GameID()] = e
	h.mu.Unlock()
	JSON(w, http.StatusOK, map[string]any{"game_id": e.GameID(), "stake": e.Stake()})
}

func (h *Handler) escrow(w http.ResponseWriter, gameID string) *wager.Escrow {
	h.mu.Lock()
	e := h.escrows[gameID]
	h.mu.Unlock()
	if e == nil {
		Error(w, http.StatusNotFound, "unknown game")
	}
	return e
}

func (h *Handler) handleWagerSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GameID string `json:"game_id"`
		Result string `json:"result"`
	}
	if !decode(w, r, &req) {
		return
	}
	e := h.escrow(w, req.GameID)
	if e == nil {
		return
	}
	if err := e.Settle(r.Context(), req.Result); err != nil {
		if errors.Is(err, wager.ErrAlreadySettled) {
			Error(w, http.StatusConflict, "game already settled")
			return
		}
		Error(w, http.StatusBadGateway, err.Error())
		return
	}
	h.mu.Lock()
	delete(h.escrows, req.GameID)
	h.mu.Unlock()
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleWagerPartnerDisconnected(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GameID string `json:"game_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	e := h.escrow(w, req.GameID)
	if e == nil {
		return
	}
	e.OnPartnerDisconnect(nil)
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleWagerPartnerReconnected(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GameID string `json:"game_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	e := h.escrow(w, req.GameID)
	if e == nil {
		return
	}
	e.OnPartnerReconnect()
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	records, err := h.db.ListCallHistory(limit, offset)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []store.CallRecord{}
	}
	JSON(w, http.StatusOK, records)
}

func (h *Handler) handleWagerLedger(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	records, err := h.db.ListWagerLedger(limit, offset)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []store.WagerRecord{}
	}
	JSON(w, http.StatusOK, records)
}

func (h *Handler) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Conversation string `json:"conversation"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.focus.SetFocus(req.Conversation)
	JSON(w, http.StatusOK, map[string]string{"focused": h.focus.Focused()})
}

// displayName resolves the account's display name from the local cache.
func (h *Handler) displayName(accountID string) string {
	cached, err := h.db.GetAccountCache(accountID)
	if err != nil || cached == nil {
		return ""
	}
	return cached.DisplayName
}
