package call

import "time"

// State represents a call lifecycle state.
type State string

const (
	Idle            State = "IDLE"
	OutgoingRinging State = "OUTGOING_RINGING"
	IncomingRinging State = "INCOMING_RINGING"
	Connected       State = "CONNECTED"
)

// validTransitions defines allowed state transitions. Matched calls connect
// straight from Idle; ringing phases exist only for direct peer-to-peer rings.
var validTransitions = map[State][]State{
	Idle:            {OutgoingRinging, IncomingRinging, Connected},
	OutgoingRinging: {Connected, IncomingRinging, Idle},
	IncomingRinging: {IncomingRinging, Connected, Idle},
	Connected:       {Idle},
}

// Peer identifies the other party of a call.
type Peer struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// CallState is the live call record. One instance exists per client; it is
// reset to the zero value when the call ends.
type CallState struct {
	InCall         bool   `json:"in_call"`
	Connected      bool   `json:"connected"`
	PartnerID      string `json:"partner_id,omitempty"`
	PartnerName    string `json:"partner_name,omitempty"`
	PartnerAvatar  string `json:"partner_avatar,omitempty"`
	RoomID         string `json:"room_id,omitempty"`
	MediaToken     string `json:"-"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

// IncomingSignal is a not-yet-accepted ring. Mutually exclusive with an
// active CallState: accepting clears it in the same transition that connects.
type IncomingSignal struct {
	Active       bool   `json:"active"`
	CallerID     string `json:"caller_id,omitempty"`
	CallerName   string `json:"caller_name,omitempty"`
	CallerAvatar string `json:"caller_avatar,omitempty"`
	RoomID       string `json:"room_id,omitempty"`
}

// ConnectedEvent is the payload of "call.connected".
type ConnectedEvent struct {
	Peer   Peer
	RoomID string
}

// EndedEvent is the payload of "call.ended".
type EndedEvent struct {
	Peer         Peer
	RoomID       string
	StartedAt    time.Time
	DurationSecs int
	Outcome      string // ended, declined
}
