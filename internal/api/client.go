package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/google/go-querystring/query"
)

// Paths are the upstream endpoints, relative to the base URL.
type Paths struct {
	LiveDevices    string
	BlockedDevices string
	Notifications  string
	Block          string
	Unblock        string
	Bandwidth      string
	Speed          string
}

// Client is a thin HTTP client for the upstream dashboard backend.
type Client struct {
	baseURL string
	token   string
	paths   Paths
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
// token is sent as a bearer token when non-empty.
func NewClient(baseURL, token string, paths Paths, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		paths:   paths,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// LiveDevices fetches the raw live-devices payload.
func (c *Client) LiveDevices(ctx context.Context) ([]byte, error) {
	return c.getRaw(ctx, c.paths.LiveDevices, nil)
}

// BlockedDevices fetches the raw blocked-devices payload, scoped to band when set.
func (c *Client) BlockedDevices(ctx context.Context, q FilterQuery) ([]byte, error) {
	params, err := query.Values(q)
	if err != nil {
		return nil, err
	}
	return c.getRaw(ctx, c.paths.BlockedDevices, params)
}

// Notifications fetches the raw notifications payload.
func (c *Client) Notifications(ctx context.Context, q NotificationsQuery) ([]byte, error) {
	params, err := query.Values(q)
	if err != nil {
		return nil, err
	}
	path := c.paths.Notifications
	if q.Category != "" {
		path = strings.TrimRight(path, "/") + "/types/" + url.PathEscape(q.Category)
	}
	return c.getRaw(ctx, path, params)
}

// Block adds a device to the block list or the trust list.
func (c *Client) Block(ctx context.Context, req FilterRequest) (FilterAck, error) {
	var ack FilterAck
	if err := c.postJSON(ctx, c.paths.Block, req, &ack); err != nil {
		return ack, err
	}
	return ack, ack.Err()
}

// Unblock removes a device from its filter list.
func (c *Client) Unblock(ctx context.Context, req FilterRequest) (FilterAck, error) {
	if req.ListType == "" {
		req.ListType = ListUnblocked
	}
	var ack FilterAck
	if err := c.postJSON(ctx, c.paths.Unblock, req, &ack); err != nil {
		return ack, err
	}
	return ack, ack.Err()
}

// Bandwidth fetches cumulative interface totals.
func (c *Client) Bandwidth(ctx context.Context) (BandwidthTotals, error) {
	var resp BandwidthTotals
	if err := c.getJSON(ctx, c.paths.Bandwidth, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Speed fetches the latest speed measurement.
func (c *Client) Speed(ctx context.Context) (SpeedSample, error) {
	var resp SpeedSample
	if err := c.getJSON(ctx, c.paths.Speed, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) builder(path string) *requests.Builder {
	rb := requests.
		URL(c.baseURL + path).
		Client(c.http).
		Accept("application/json").
		AddValidator(checkStatus)
	if c.token != "" {
		rb = rb.Bearer(c.token)
	}
	return rb
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	rb := c.builder(path).BodyJSON(body).Post()
	if out != nil {
		rb = rb.Handle(requests.ToJSON(out))
	}
	return rb.Fetch(ctx)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.builder(path).ToJSON(out).Fetch(ctx)
}

func (c *Client) getRaw(ctx context.Context, path string, params url.Values) ([]byte, error) {
	var buf bytes.Buffer
	err := c.builder(path).Params(params).ToBytesBuffer(&buf).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// checkStatus rejects non-2xx responses, keeping the body in the error.
func checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg != "" {
		return fmt.Errorf("request failed: %s: %s", res.Status, msg)
	}
	return fmt.Errorf("request failed: %s", res.Status)
}
