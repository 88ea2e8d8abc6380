package store

// InsertCallRecord appends a finished call to history.
func (db *DB) InsertCallRecord(r *CallRecord) error {
	_, err := db.Exec(`
		INSERT INTO call_history (room_id, peer_id, peer_name, started_at, duration_secs, outcome)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.RoomID, r.PeerID, r.PeerName, r.StartedAt, r.DurationSecs, r.Outcome)
	return err
}

// ListCallHistory returns recent calls, newest first.
func (db *DB) ListCallHistory(limit, offset int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, room_id, peer_id, peer_name, started_at, duration_secs, outcome
		FROM call_history ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.ID, &r.RoomID, &r.PeerID, &r.PeerName, &r.StartedAt, &r.DurationSecs, &r.Outcome); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
