package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/VanDung-dev/voidnet/arrow"
	"github.com/VanDung-dev/voidnet/network"
)

// Client reads from a StatusServer.
type Client struct {
	base  string
	http  *http.Client
	codec *arrow.Codec
}

// NewClient creates a client for the status server at addr, given either as
// host:port or as a full http URL.
func NewClient(addr string) *Client {
	base := strings.TrimSuffix(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base:  base,
		http:  &http.Client{Timeout: 10 * time.Second},
		codec: arrow.NewCodec(),
	}
}

// Status fetches /status.
func (c *Client) Status(ctx context.Context) (network.Status, error) {
	var status network.Status
	err := c.getJSON(ctx, "/status", &status)
	return status, err
}

// Map fetches /map.
func (c *Client) Map(ctx context.Context) (MapView, error) {
	var view MapView
	err := c.getJSON(ctx, "/map", &view)
	return view, err
}

// Events fetches /events.
func (c *Client) Events(ctx context.Context) ([]network.Message, error) {
	var events []network.Message
	err := c.getJSON(ctx, "/events", &events)
	return events, err
}

// MapArrow fetches /map.arrow and decodes the edges.
func (c *Client) MapArrow(ctx context.Context) ([]network.Edge, error) {
	data, err := c.get(ctx, "/map.arrow")
	if err != nil {
		return nil, err
	}
	return c.codec.DecodeEdges(data)
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	data, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return data, nil
}
