package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const maxResponseSize = 32 * 1024 * 1024

// Client is a minimal authenticated client-server API client.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewClient creates a client for homeserverURL using accessToken.
func NewClient(homeserverURL, accessToken string, httpClient *http.Client) (*Client, error) {
	if homeserverURL == "" {
		return nil, fmt.Errorf("homeserver URL is required")
	}
	if _, err := url.Parse(homeserverURL); err != nil {
		return nil, fmt.Errorf("invalid homeserver URL %q: %w", homeserverURL, err)
	}
	if accessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:     strings.TrimRight(homeserverURL, "/"),
		accessToken: accessToken,
		httpClient:  httpClient,
	}, nil
}

// WhoAmI returns the user id owning the access token.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil)
	if err != nil {
		return "", fmt.Errorf("whoami failed: %w", err)
	}
	var resp whoAmIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse whoami response: %w", err)
	}
	if resp.UserID == "" {
		return "", fmt.Errorf("whoami returned no user id")
	}
	return resp.UserID, nil
}

// Sync long-polls for events after since. An empty since performs an
// initial sync.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}
	query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))

	body, err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", query, nil)
	if err != nil {
		return nil, fmt.Errorf("sync failed: %w", err)
	}
	var resp SyncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse sync response: %w", err)
	}
	return &resp, nil
}

// SendText posts an m.text message and returns its event id. Each call uses
// a fresh transaction id.
func (c *Client) SendText(ctx context.Context, roomID, text string) (string, error) {
	txnID, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate transaction id: %w", err)
	}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID), url.PathEscape(txnID))

	body, err := c.do(ctx, http.MethodPut, path, nil, textMessage{MsgType: "m.text", Body: text})
	if err != nil {
		return "", fmt.Errorf("send to %s failed: %w", roomID, err)
	}
	var resp sendEventResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse send response: %w", err)
	}
	return resp.EventID, nil
}

// Typing sets userID's typing notification in roomID.
func (c *Client) Typing(ctx context.Context, roomID, userID string, timeout time.Duration) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/typing/%s", url.PathEscape(roomID), url.PathEscape(userID))
	if _, err := c.do(ctx, http.MethodPut, path, nil, typingRequest{Typing: true, Timeout: timeout.Milliseconds()}); err != nil {
		return fmt.Errorf("typing in %s failed: %w", roomID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody any) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	var matrixErr Error
	if jsonErr := json.Unmarshal(body, &matrixErr); jsonErr != nil || matrixErr.ErrCode == "" {
		return nil, fmt.Errorf("unexpected %d response from %s %s: %s", resp.StatusCode, method, path, string(body))
	}
	matrixErr.StatusCode = resp.StatusCode
	return nil, &matrixErr
}
