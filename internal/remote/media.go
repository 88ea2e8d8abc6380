package remote

import (
	"context"
	"net/http"
)

// IssueMediaToken fetches a voice-room credential for a claimed match.
// Failure here abandons the match; the coordinator does not retry.
func (c *Client) IssueMediaToken(ctx context.Context, roomID, displayName string) (string, error) {
	req := struct {
		RoomID      string `json:"room_id"`
		DisplayName string `json:"display_name"`
	}{RoomID: roomID, DisplayName: displayName}

	var res struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/media/token", req, &res); err != nil {
		return "", err
	}
	return res.Token, nil
}
