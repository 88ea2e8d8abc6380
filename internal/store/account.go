package store

import (
	"database/sql"
	"time"
)

// UpsertAccountCache inserts or replaces the cached account snapshot.
func (db *DB) UpsertAccountCache(a *AccountCache) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO account_cache (id, display_name, avatar_url, energy_bars, is_premium, coin_balance, session_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			energy_bars = excluded.energy_bars,
			is_premium = excluded.is_premium,
			coin_balance = excluded.coin_balance,
			session_token = excluded.session_token,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		a.ID, a.DisplayName, a.AvatarURL, a.EnergyBars, a.IsPremium, a.CoinBalance, a.SessionToken, a.CreatedAt, now)
	return err
}

// GetAccountCache returns the cached snapshot for an account, or nil.
func (db *DB) GetAccountCache(id string) (*AccountCache, error) {
	var a AccountCache
	err := db.QueryRow(`
		SELECT id, display_name, avatar_url, energy_bars, is_premium, coin_balance, session_token, created_at
		FROM account_cache WHERE id = ?`, id).
		Scan(&a.ID, &a.DisplayName, &a.AvatarURL, &a.EnergyBars, &a.IsPremium, &a.CoinBalance, &a.SessionToken, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
