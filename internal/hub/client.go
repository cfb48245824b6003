package hub

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

	"markethub/internal/domain"
)

// Client calls the admin API of a running hub.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient targets the admin API at addr ("host:port" or a full URL).
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Connect asks the hub to dial a producer.
func (c *Client) Connect(ctx context.Context, ft domain.FeedType, addr string) error {
	return c.do(ctx, http.MethodPost, "/producers", ConnectRequest{Feed: ft, Addr: addr}, http.StatusCreated, nil)
}

// Disconnect asks the hub to drop the producer of ft.
func (c *Client) Disconnect(ctx context.Context, ft domain.FeedType) error {
	return c.do(ctx, http.MethodDelete, "/producers/"+ft.String(), nil, http.StatusNoContent, nil)
}

// Reset asks the hub to discard every feed and restart.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reset", nil, http.StatusOK, nil)
}

// Sessions fetches recorded sessions. port > 0 restricts the result to the
// subscribers of that port; limit <= 0 means all.
func (c *Client) Sessions(ctx context.Context, port, limit int) (*Sessions, error) {
	q := url.Values{}
	if port > 0 {
		q.Set("port", strconv.Itoa(port))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out Sessions
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewNetworkError(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
