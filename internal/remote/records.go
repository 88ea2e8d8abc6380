package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// GetAccount fetches the current account record.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var acct Account
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(accountID), nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// UpdateAccount writes a partial update to the account record. This is a
// plain last-writer-wins write; callers compute new values from their last
// cached copy. Returns the record as the server now sees it.
func (c *Client) UpdateAccount(ctx context.Context, accountID string, fields map[string]any) (*Account, error) {
	var acct Account
	if err := c.do(ctx, http.MethodPatch, "/v1/accounts/"+url.PathEscape(accountID), fields, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// RechargeWithCoins asks the server to refill energy in exchange for coins.
// The balance check and both field writes happen server-side as one
// conditional update; a 409 means the balance was insufficient and nothing
// changed.
func (c *Client) RechargeWithCoins(ctx context.Context, accountID string) (*Account, error) {
	var acct Account
	err := c.do(ctx, http.MethodPost, "/v1/rpc/recharge-with-coins", map[string]string{"account_id": accountID}, &acct)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return nil, ErrInsufficientCoins
		}
		return nil, err
	}
	return &acct, nil
}

// RecentSignals returns signals for the account newer than afterID. Used by
// the polling fallback when the realtime feed is degraded. afterID may be
// empty to fetch the most recent window.
func (c *Client) RecentSignals(ctx context.Context, accountID, afterID string) ([]Signal, error) {
	path := "/v1/accounts/" + url.PathEscape(accountID) + "/signals"
	if afterID != "" {
		path += "?after=" + url.QueryEscape(afterID)
	}
	var signals []Signal
	if err := c.do(ctx, http.MethodGet, path, nil, &signals); err != nil {
		return nil, err
	}
	return signals, nil
}
