package remote

import (
	"context"
	"net/http"
)

// TryMatch asks the pairing service whether a partner has been found.
// One call per poll tick; the caller guarantees at most one in flight.
func (c *Client) TryMatch(ctx context.Context, accountID string, filters *Filters) (*MatchResult, error) {
	req := struct {
		AccountID string   `json:"account_id"`
		Filters   *Filters `json:"filters,omitempty"`
	}{AccountID: accountID, Filters: filters}

	var res MatchResult
	if err := c.do(ctx, http.MethodPost, "/v1/match/try", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// LeaveQueue removes the account from the match queue. Best effort: callers
// fire it in a goroutine and ignore the result.
func (c *Client) LeaveQueue(ctx context.Context, accountID string) error {
	return c.do(ctx, http.MethodPost, "/v1/match/leave", map[string]string{"account_id": accountID}, nil)
}
