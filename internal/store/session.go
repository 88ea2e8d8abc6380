package store

import (
	"database/sql"
	"time"
)

// SaveLocalSession records this device's login, replacing any previous one.
func (db *DB) SaveLocalSession(accountID, token string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO local_session (id, account_id, token, logged_in_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			token = excluded.token,
			logged_in_at = excluded.logged_in_at`,
		accountID, token, now)
	return err
}

// GetLocalSession returns this device's login, or nil if logged out.
func (db *DB) GetLocalSession() (*LocalSession, error) {
	var s LocalSession
	err := db.QueryRow(`SELECT account_id, token, logged_in_at FROM local_session WHERE id = 1`).
		Scan(&s.AccountID, &s.Token, &s.LoggedInAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ClearLocalSession removes the device login. Idempotent.
func (db *DB) ClearLocalSession() error {
	_, err := db.Exec(`DELETE FROM local_session WHERE id = 1`)
	return err
}
