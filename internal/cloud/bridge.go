package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// BridgeSession fetches the server-side sync session for the active
// project.
func (c *Client) BridgeSession(ctx context.Context, sessionID string) (*BridgeSession, error) {
	var resp BridgeSession
	path := fmt.Sprintf("/v1/bridge/sessions/%s", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateBridgePresence posts the bridge's presence state ("online" or
// "offline") for sessionID.
func (c *Client) UpdateBridgePresence(ctx context.Context, sessionID, state string) error {
	path := fmt.Sprintf("/v1/bridge/sessions/%s/presence", url.PathEscape(sessionID))
	body := struct {
		State string `json:"state"`
	}{State: state}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// PushChange reports one local file change to the cloud.
func (c *Client) PushChange(ctx context.Context, sessionID string, change FileChange) error {
	path := fmt.Sprintf("/v1/bridge/sessions/%s/changes", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, change, nil)
}

// PullChanges fetches remote changes queued since cursor. An empty
// cursor starts from the beginning of the session.
func (c *Client) PullChanges(ctx context.Context, sessionID, cursor string) (*PullResponse, error) {
	path := fmt.Sprintf("/v1/bridge/sessions/%s/changes?cursor=%s",
		url.PathEscape(sessionID), url.QueryEscape(cursor))

	var resp PullResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryPendingBuilds returns build records queued for this session.
func (c *Client) QueryPendingBuilds(ctx context.Context, sessionID string) ([]BuildRecord, error) {
	path := fmt.Sprintf("/v1/bridge/sessions/%s/builds?status=queued", url.PathEscape(sessionID))

	var resp struct {
		Builds []BuildRecord `json:"builds"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Builds, nil
}

// UpdateBuildRecord writes the current state of one build record.
func (c *Client) UpdateBuildRecord(ctx context.Context, sessionID string, rec BuildRecord) error {
	path := fmt.Sprintf("/v1/bridge/sessions/%s/builds/%s",
		url.PathEscape(sessionID), url.PathEscape(rec.ID))
	return c.do(ctx, http.MethodPut, path, rec, nil)
}

// WriteBuildOutputChunk appends one captured output chunk to a build.
func (c *Client) WriteBuildOutputChunk(ctx context.Context, sessionID, buildID string, chunk BuildChunk) error {
	path := fmt.Sprintf("/v1/bridge/sessions/%s/builds/%s/output",
		url.PathEscape(sessionID), url.PathEscape(buildID))
	return c.do(ctx, http.MethodPost, path, chunk, nil)
}
