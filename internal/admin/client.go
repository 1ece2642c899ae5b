package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mirrord/mirrord/internal/mirror"
)

// ErrNotFound is returned for unknown devices and operations.
var ErrNotFound = errors.New("not found")

// Client talks to a running daemon's admin interface.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client for the admin interface at addr
// ("host:port" or a full http:// URL).
func NewClient(addr, token string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimSuffix(addr, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Status returns the status of every device.
func (c *Client) Status(ctx context.Context) ([]mirror.Stats, error) {
	var out []mirror.Stats
	if err := c.do(ctx, http.MethodGet, "/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeviceStatus returns the status of one device, by name or minor.
func (c *Client) DeviceStatus(ctx context.Context, device string) (*mirror.Stats, error) {
	var out mirror.Stats
	if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(device), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Operate runs op on device with the given query arguments.
func (c *Client) Operate(ctx context.Context, device, op string, args url.Values) (*OperationResult, error) {
	path := "/devices/" + url.PathEscape(device) + "/" + url.PathEscape(op)
	if len(args) > 0 {
		path += "?" + args.Encode()
	}
	var out OperationResult
	if err := c.do(ctx, http.MethodPost, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg = errResp.Error
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
}
