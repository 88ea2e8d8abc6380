package store

import "time"

// InsertWager records a new wagered game with its deducted stake.
func (db *DB) InsertWager(gameID, roomID string, stake int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO wager_ledger (game_id, room_id, stake, created_at)
		VALUES (?, ?, ?, ?)`,
		gameID, roomID, stake, now)
	return err
}

// SettleWager marks a wagered game as settled with its result and the coin
// delta actually credited (0 for lose/tie under the no-refund policy).
func (db *DB) SettleWager(gameID, result string, coinDelta int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE wager_ledger SET result = ?, coin_delta = ?, settled_at = ?
		WHERE game_id = ?`,
		result, coinDelta, now, gameID)
	return err
}

// ListWagerLedger returns recent wagers, newest first.
func (db *DB) ListWagerLedger(limit, offset int) ([]WagerRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, game_id, room_id, stake, result, coin_delta, created_at, COALESCE(settled_at, 0)
		FROM wager_ledger ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []WagerRecord
	for rows.Next() {
		var r WagerRecord
		if err := rows.Scan(&r.ID, &r.GameID, &r.RoomID, &r.Stake, &r.Result, &r.CoinDelta, &r.CreatedAt, &r.SettledAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
