// Package cloud implements the authenticated JSON client for the
// MyndHyve control plane. It owns device-token attachment, single-flight
// token refresh, rate-limit honoring, and the mapping from HTTP
// outcomes to the coded errors the relay loops branch on.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/myndhyve/myndhyve-cli/internal/backoff"
	"github.com/myndhyve/myndhyve-cli/internal/channel"
	"github.com/myndhyve/myndhyve-cli/internal/httpkit"
)

const (
	// rateLimitRetries caps transparent 429 retries per call.
	rateLimitRetries = 3

	// defaultRetryAfter is used when a 429 carries no Retry-After hint.
	defaultRetryAfter = time.Second

	// maxRetryAfter caps how long a single Retry-After hint can stall a
	// call, whatever the server claims.
	maxRetryAfter = 60 * time.Second

	errorBodyLimit = 4096
)

// Config constructs a Client. RelayID and DeviceToken are empty for an
// unregistered client, which can only call Register.
type Config struct {
	BaseURL     string
	RelayID     string
	DeviceToken string
	Logger      *slog.Logger

	// OnTokenUpdate is called after a successful token refresh so the
	// caller can persist the rotated credential. Optional.
	OnTokenUpdate func(token string, expiresAt time.Time)

	// HTTPClient overrides the request client. Tests use this; the
	// default carries the shared transport with dial-error retry.
	HTTPClient *http.Client

	// StreamClient overrides the client used for streaming RPCs. The
	// default has no overall timeout.
	StreamClient *http.Client
}

// Client is safe for concurrent use by the relay's loops.
type Client struct {
	baseURL string
	relayID string
	httpc   *http.Client
	streamc *http.Client
	logger  *slog.Logger

	onTokenUpdate func(string, time.Time)

	mu      sync.Mutex
	token   string
	refresh *refreshCall
}

// refreshCall tracks one in-flight token refresh so concurrent 401s
// from different loops collapse into a single refresh request.
type refreshCall struct {
	done chan struct{}
	err  error
}

// New creates a Client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}
	streamc := cfg.StreamClient
	if streamc == nil {
		// No global timeout: streaming responses stay open until the
		// composite cancellation fires.
		streamc = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		relayID:       cfg.RelayID,
		httpc:         httpc,
		streamc:       streamc,
		logger:        logger.With("component", "cloud"),
		onTokenUpdate: cfg.OnTokenUpdate,
		token:         cfg.DeviceToken,
	}
}

// RelayID returns the relay identity this client authenticates as.
func (c *Client) RelayID() string { return c.relayID }

// Token returns the current device token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken replaces the device token (after registration).
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Register exchanges a one-time pairing code for relay credentials.
// The only RPC that runs without a device token.
func (c *Client) Register(ctx context.Context, code string, ch channel.Name) (*RegisterResponse, error) {
	hostname, _ := os.Hostname()
	req := RegisterRequest{Code: code, Channel: string(ch), Hostname: hostname}

	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/v1/relays/register", req, &resp); err != nil {
		return nil, err
	}
	if resp.RelayID == "" || resp.DeviceToken == "" {
		return nil, &APIError{Code: CodeAPIError, Message: "register response missing relayId or deviceToken"}
	}
	return &resp, nil
}

// Heartbeat posts presence and returns any server steering.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	path := fmt.Sprintf("/v1/relays/%s/heartbeat", url.PathEscape(c.relayID))
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostIngress pushes one inbound envelope to the cloud.
func (c *Client) PostIngress(ctx context.Context, env channel.IngressEnvelope) error {
	path := fmt.Sprintf("/v1/relays/%s/ingress", url.PathEscape(c.relayID))
	return c.do(ctx, http.MethodPost, path, env, nil)
}

// PollOutbound fetches at most max queued messages. The limit is
// enforced server-side; an over-long response is truncated here with a
// warning so a misbehaving server cannot blow up a poll batch.
func (c *Client) PollOutbound(ctx context.Context, max int) ([]OutboundMessage, error) {
	path := fmt.Sprintf("/v1/relays/%s/outbound?max=%d", url.PathEscape(c.relayID), max)

	var resp struct {
		Messages []OutboundMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Messages) > max {
		c.logger.Warn("server returned more outbound messages than requested, truncating",
			"requested", max,
			"returned", len(resp.Messages),
		)
		resp.Messages = resp.Messages[:max]
	}
	return resp.Messages, nil
}

// AckOutbound reports the delivery verdict for one message.
func (c *Client) AckOutbound(ctx context.Context, messageID string, result channel.DeliveryResult) error {
	path := fmt.Sprintf("/v1/relays/%s/outbound/%s/ack",
		url.PathEscape(c.relayID), url.PathEscape(messageID))
	return c.do(ctx, http.MethodPost, path, result, nil)
}

// do runs one JSON RPC with auth, transparent rate-limit waits, and a
// single refresh-and-retry on 401.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return &APIError{Code: CodeAPIError, Message: "encode request", Err: err}
		}
	}

	refreshed := false
	rateWaits := 0
	for {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return &APIError{Code: CodeAPIError, Message: "create request", Err: err}
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Request-Id", uuid.NewString())

		resp, err := c.httpc.Do(req)
		if err != nil {
			return &APIError{Code: CodeNetworkError, Err: err}
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				httpkit.DrainAndClose(resp.Body, errorBodyLimit)
				return nil
			}
			err := json.NewDecoder(resp.Body).Decode(out)
			httpkit.DrainAndClose(resp.Body, errorBodyLimit)
			if err != nil {
				return &APIError{Code: CodeAPIError, Status: resp.StatusCode, Message: "decode response", Err: err}
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized:
			httpkit.DrainAndClose(resp.Body, errorBodyLimit)
			if c.Token() == "" || refreshed {
				return &APIError{Code: CodeUnauthorized, Status: resp.StatusCode, Message: "device token rejected"}
			}
			refreshed = true
			if err := c.refreshToken(ctx); err != nil {
				return &APIError{
					Code:    CodeDeviceTokenExpired,
					Status:  resp.StatusCode,
					Message: "device token refresh failed",
					Err:     err,
				}
			}
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp)
			httpkit.DrainAndClose(resp.Body, errorBodyLimit)
			rateWaits++
			if rateWaits > rateLimitRetries {
				return &APIError{Code: CodeRateLimited, Status: resp.StatusCode, RetryAfter: wait}
			}
			c.logger.Debug("rate limited, waiting before retry",
				"path", path,
				"wait", wait.String(),
				"attempt", rateWaits,
			)
			if !backoff.Sleep(ctx, wait) {
				return &APIError{Code: CodeNetworkError, Message: "cancelled while rate limited", Err: ctx.Err()}
			}
			continue

		case resp.StatusCode >= 500:
			body := httpkit.ReadErrorBody(resp.Body, errorBodyLimit)
			return &APIError{Code: CodeAPIError, Status: resp.StatusCode, Message: body}

		default:
			body := httpkit.ReadErrorBody(resp.Body, errorBodyLimit)
			return &APIError{Code: CodeAPIError, Status: resp.StatusCode, Message: body}
		}
	}
}

// retryAfter parses the Retry-After header (delta-seconds form),
// clamped to [defaultRetryAfter, maxRetryAfter].
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return defaultRetryAfter
	}
	wait := time.Duration(secs) * time.Second
	if wait > maxRetryAfter {
		return maxRetryAfter
	}
	return wait
}

// refreshToken rotates the device token. Concurrent callers share one
// in-flight refresh; late arrivals wait for its verdict instead of
// issuing their own.
func (c *Client) refreshToken(ctx context.Context) error {
	c.mu.Lock()
	if r := c.refresh; r != nil {
		c.mu.Unlock()
		select {
		case <-r.done:
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r := &refreshCall{done: make(chan struct{})}
	c.refresh = r
	token := c.token
	c.mu.Unlock()

	newToken, expiresAt, err := c.requestRefresh(ctx, token)

	c.mu.Lock()
	if err == nil {
		c.token = newToken
	}
	c.refresh = nil
	c.mu.Unlock()

	r.err = err
	close(r.done)

	if err == nil {
		c.logger.Info("device token refreshed", "expiresAt", expiresAt)
		if c.onTokenUpdate != nil {
			c.onTokenUpdate(newToken, expiresAt)
		}
	}
	return err
}

// requestRefresh performs the raw refresh RPC, authenticated with the
// old token. Deliberately outside do() to avoid recursing into the 401
// handling it exists to serve.
func (c *Client) requestRefresh(ctx context.Context, oldToken string) (string, time.Time, error) {
	payload, err := json.Marshal(refreshRequest{RelayID: c.relayID})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/device-tokens/refresh", bytes.NewReader(payload))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+oldToken)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := httpkit.ReadErrorBody(resp.Body, errorBodyLimit)
		return "", time.Time{}, fmt.Errorf("refresh rejected: HTTP %d: %s", resp.StatusCode, body)
	}

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return "", time.Time{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if rr.DeviceToken == "" {
		return "", time.Time{}, fmt.Errorf("refresh response missing deviceToken")
	}
	return rr.DeviceToken, rr.ExpiresAt, nil
}
