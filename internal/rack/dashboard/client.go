package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mediarack/rack/internal/rack/engine"
)

// ErrNotRunning is returned by Client when no daemon answers.
var ErrNotRunning = errors.New("rack daemon is not running")

// Client talks to a running daemon's dashboard.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the dashboard at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Status fetches the daemon's current status.
func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	return c.do(ctx, http.MethodGet, "/status")
}

// Control sends one of pause, resume, reset or sync and returns the status
// afterwards.
func (c *Client) Control(ctx context.Context, action string) (engine.Status, error) {
	switch action {
	case "pause", "resume", "reset", "sync":
	default:
		return engine.Status{}, fmt.Errorf("unknown control action %q", action)
	}
	return c.do(ctx, http.MethodPost, "/api/"+action)
}

// Recent fetches up to n recent passes, newest first.
func (c *Client) Recent(ctx context.Context, n int) ([]engine.PassResult, error) {
	var passes []engine.PassResult
	err := c.call(ctx, http.MethodGet, "/passes?n="+strconv.Itoa(n), &passes)
	return passes, err
}

func (c *Client) do(ctx context.Context, method, path string) (engine.Status, error) {
	var st engine.Status
	err := c.call(ctx, method, path, &st)
	return st, err
}

func (c *Client) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
			return fmt.Errorf("daemon refused %s: %s", path, eb.Error)
		}
		return fmt.Errorf("daemon returned %s for %s", resp.Status, path)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
