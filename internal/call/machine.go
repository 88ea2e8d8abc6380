// Package call owns the call session lifecycle: idle, outgoing ring, incoming
// ring, connected. It is the only writer of the live CallState and the
// incoming-ring signal, and it guarantees the two are never both active for
// the same call.
package call

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/clock"
	"go.uber.org/zap"
)

// Machine tracks and enforces call state transitions.
type Machine struct {
	bus    *bus.Bus
	clk    clock.Clock
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	call       CallState
	incoming   IncomingSignal
	peer       Peer
	startedAt  time.Time
	tickCancel context.CancelFunc
}

// NewMachine creates a machine starting in Idle.
func NewMachine(b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Machine {
	return &Machine{
		bus:    b,
		clk:    clk,
		logger: logger,
		state:  Idle,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the live call record and the pending incoming signal.
func (m *Machine) Snapshot() (CallState, IncomingSignal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call, m.incoming
}

// transitionLocked validates and applies a state change. Caller holds m.mu.
func (m *Machine) transitionLocked(to State) error {
	if !slices.Contains(validTransitions[m.state], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.state, to)
	}
	m.state = to
	return nil
}

// StartCall connects a matched call directly: matched partners skip the
// ringing phase entirely.
func (m *Machine) StartCall(peer Peer, roomID, mediaToken string) error {
	m.mu.Lock()
	if err := m.transitionLocked(Connected); err != nil {
		m.mu.Unlock()
		return err
	}
	m.connectLocked(peer, roomID, mediaToken)
	m.mu.Unlock()

	m.logger.Info("call connected", zap.String("room_id", roomID), zap.String("peer", peer.Name))
	m.bus.Publish(bus.Event{Kind: "call.connected", Timestamp: time.Now(), Payload: ConnectedEvent{Peer: peer, RoomID: roomID}})
	return nil
}

// RingPeer starts a direct outgoing ring.
func (m *Machine) RingPeer(peer Peer) error {
	m.mu.Lock()
	if err := m.transitionLocked(OutgoingRinging); err != nil {
		m.mu.Unlock()
		return err
	}
	m.peer = peer
	m.mu.Unlock()

	m.bus.Publish(bus.Event{Kind: "call.outgoing", Timestamp: time.Now(), Payload: peer})
	return nil
}

// HandlePeerAccepted connects an outgoing ring once the callee accepts.
func (m *Machine) HandlePeerAccepted(roomID, mediaToken string) error {
	m.mu.Lock()
	if m.state != OutgoingRinging {
		m.mu.Unlock()
		return fmt.Errorf("no outgoing call to connect (state %s)", m.state)
	}
	peer := m.peer
	if err := m.transitionLocked(Connected); err != nil {
		m.mu.Unlock()
		return err
	}
	m.connectLocked(peer, roomID, mediaToken)
	m.mu.Unlock()

	m.bus.Publish(bus.Event{Kind: "call.connected", Timestamp: time.Now(), Payload: ConnectedEvent{Peer: peer, RoomID: roomID}})
	return nil
}

// TriggerIncomingCall records a ring from a peer. Allowed from any state
// except Connected; a second ring while one is pending overwrites it (last
// caller wins).
func (m *Machine) TriggerIncomingCall(caller Peer, roomID string) error {
	m.mu.Lock()
	if m.state == Connected {
		m.mu.Unlock()
		return fmt.Errorf("busy: already connected")
	}
	if err := m.transitionLocked(IncomingRinging); err != nil {
		m.mu.Unlock()
		return err
	}
	m.incoming = IncomingSignal{
		Active:       true,
		CallerID:     caller.ID,
		CallerName:   caller.Name,
		CallerAvatar: caller.Avatar,
		RoomID:       roomID,
	}
	m.mu.Unlock()

	m.bus.Publish(bus.Event{Kind: "call.incoming", Timestamp: time.Now(), Payload: caller})
	return nil
}

// AcceptIncomingCall connects the pending ring. Clearing the incoming signal
// and setting the live call happen in one critical section, so no observer
// ever sees both active.
func (m *Machine) AcceptIncomingCall() error {
	m.mu.Lock()
	if m.state != IncomingRinging || !m.incoming.Active {
		m.mu.Unlock()
		return fmt.Errorf("no incoming call to accept (state %s)", m.state)
	}
	caller := Peer{ID: m.incoming.CallerID, Name: m.incoming.CallerName, Avatar: m.incoming.CallerAvatar}
	roomID := m.incoming.RoomID
	if err := m.transitionLocked(Connected); err != nil {
		m.mu.Unlock()
		return err
	}
	m.incoming = IncomingSignal{}
	m.connectLocked(caller, roomID, "")
	m.mu.Unlock()

	m.bus.Publish(bus.Event{Kind: "call.connected", Timestamp: time.Now(), Payload: ConnectedEvent{Peer: caller, RoomID: roomID}})
	return nil
}

// DeclineIncomingCall discards the pending ring. The caller is not notified
// from this layer; the signaling transport handles their side.
func (m *Machine) DeclineIncomingCall() error {
	m.mu.Lock()
	if m.state != IncomingRinging {
		m.mu.Unlock()
		return fmt.Errorf("no incoming call to decline (state %s)", m.state)
	}
	caller := Peer{ID: m.incoming.CallerID, Name: m.incoming.CallerName}
	roomID := m.incoming.RoomID
	if err := m.transitionLocked(Idle); err != nil {
		m.mu.Unlock()
		return err
	}
	m.incoming = IncomingSignal{}
	m.mu.Unlock()

	m.bus.Publish(bus.Event{Kind: "call.declined", Timestamp: time.Now(), Payload: EndedEvent{Peer: caller, RoomID: roomID, Outcome: "declined"}})
	return nil
}

// EndCall tears down a connected call or cancels an outgoing ring. Idempotent:
// calling it while Idle (or while an incoming ring is pending) is a no-op.
func (m *Machine) EndCall() {
	m.mu.Lock()
	if m.state != Connected && m.state != OutgoingRinging {
		m.mu.Unlock()
		return
	}
	wasConnected := m.state == Connected
	evt := EndedEvent{
		Peer:         Peer{ID: m.call.PartnerID, Name: m.call.PartnerName, Avatar: m.call.PartnerAvatar},
		RoomID:       m.call.RoomID,
		StartedAt:    m.startedAt,
		DurationSecs: m.call.ElapsedSeconds,
		Outcome:      "ended",
	}
	if !wasConnected {
		evt.Peer = m.peer
	}
	if err := m.transitionLocked(Idle); err != nil {
		m.mu.Unlock()
		return
	}
	if m.tickCancel != nil {
		m.tickCancel()
		m.tickCancel = nil
	}
	m.call = CallState{}
	m.peer = Peer{}
	m.mu.Unlock()

	m.logger.Info("call ended", zap.String("room_id", evt.RoomID), zap.Int("duration_secs", evt.DurationSecs))
	m.bus.Publish(bus.Event{Kind: "call.ended", Timestamp: time.Now(), Payload: evt})
}

// connectLocked populates the live call and starts the elapsed-seconds
// ticker. Caller holds m.mu and has already transitioned to Connected.
func (m *Machine) connectLocked(peer Peer, roomID, mediaToken string) {
	m.peer = peer
	m.startedAt = m.clk.Now()
	m.call = CallState{
		InCall:        true,
		Connected:     true,
		PartnerID:     peer.ID,
		PartnerName:   peer.Name,
		PartnerAvatar: peer.Avatar,
		RoomID:        roomID,
		MediaToken:    mediaToken,
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.tickCancel = cancel
	ticker := m.clk.NewTicker(time.Second)
	go m.tickLoop(ctx, ticker)
}

// tickLoop advances the elapsed-seconds counter once per second while the
// call stays connected. The counter only ever increases.
func (m *Machine) tickLoop(ctx context.Context, ticker clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			m.mu.Lock()
			if m.state != Connected {
				m.mu.Unlock()
				return
			}
			m.call.ElapsedSeconds++
			secs := m.call.ElapsedSeconds
			m.mu.Unlock()
			m.bus.Publish(bus.Event{Kind: "call.tick", Timestamp: time.Now(), Payload: secs})
		case <-ctx.Done():
			return
		}
	}
}
