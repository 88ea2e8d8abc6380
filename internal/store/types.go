package store

// AccountCache is the locally cached copy of the server-owned account record.
// It seeds read-modify-write updates after a restart and backs status display
// while the backend is unreachable.
type AccountCache struct {
	ID           string
	DisplayName  string
	AvatarURL    string
	EnergyBars   int
	IsPremium    bool
	CoinBalance  int
	SessionToken string
	CreatedAt    int64 // unix millis
}

// LocalSession is this device's login: the session token written to the
// account record when this client logged in. At most one row exists.
type LocalSession struct {
	AccountID  string
	Token      string
	LoggedInAt int64
}

// CallRecord is one finished call.
type CallRecord struct {
	ID           int64
	RoomID       string
	PeerID       string
	PeerName     string
	StartedAt    int64
	DurationSecs int
	Outcome      string // ended, declined, missed
}

// WagerRecord is one wagered game, settled or not.
type WagerRecord struct {
	ID        int64
	GameID    string
	RoomID    string
	Stake     int
	Result    string // "", win, lose, tie, forfeit_win
	CoinDelta int
	CreatedAt int64
	SettledAt int64 // 0 when unsettled
}
