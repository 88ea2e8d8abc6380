package remote

import "time"

// Account is the server-owned account record. The client caches the last
// known copy and performs read-modify-write updates against it; the server
// copy is authoritative.
type Account struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	AvatarURL    string    `json:"avatar_url"`
	EnergyBars   int       `json:"energy_bars"`
	IsPremium    bool      `json:"is_premium"`
	CoinBalance  int       `json:"coin_balance"`
	SessionToken string    `json:"current_session_token"`
	CreatedAt    time.Time `json:"created_at"`
}

// Filters narrows who the pairing service may match.
type Filters struct {
	LevelRange string `json:"level_range,omitempty"`
	GenderPref string `json:"gender_pref,omitempty"`
}

// Match statuses returned by the pairing service.
const (
	MatchWaiting = "waiting"
	MatchFound   = "matched"
)

// MatchResult is the pairing service's answer to a poll.
type MatchResult struct {
	Status     string `json:"status"`
	RoomID     string `json:"room_id,omitempty"`
	PeerID     string `json:"peer_id,omitempty"`
	PeerName   string `json:"peer_name,omitempty"`
	PeerAvatar string `json:"peer_avatar,omitempty"`
}

// Signal is a transient user-facing notification (incoming message, ring,
// friend request). Delivered over both the realtime feed and the polling
// fallback; ID is globally unique so the fan-out can de-duplicate.
type Signal struct {
	ID           string    `json:"id"`
	Conversation string    `json:"conversation,omitempty"`
	Kind         string    `json:"kind"`
	Title        string    `json:"title"`
	Body         string    `json:"body,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
