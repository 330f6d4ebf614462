package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the device-side consumer of the server's dispatch endpoint.
// Wake is best-effort with a bounded timeout; the caller fires it and moves
// on regardless of the result.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("push: base url required")
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *Client) Wake(ctx context.Context, calleeID string, p WakePayload) error {
	body, err := json.Marshal(DispatchRequest{
		CalleeID:   calleeID,
		CallID:     p.CallID,
		CallerID:   p.CallerID,
		CallerName: p.CallerName,
		CallType:   string(p.Kind),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/push/dispatch", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("push: dispatch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("push: dispatch status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out DispatchResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("push: dispatch decode: %w", err)
	}
	if !out.Success {
		// Zero tokens succeeding is not fatal for the call attempt, but the
		// caller's log should know the wake path is dead.
		return errors.New("push: no token delivered")
	}
	return nil
}
