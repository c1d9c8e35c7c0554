// Package sync pushes local ledger events to a goop-server.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/NeuralForge6000/goop-utilities/internal/config"
	"github.com/NeuralForge6000/goop-utilities/internal/model"
	"github.com/NeuralForge6000/goop-utilities/internal/syncapi"
)

// BatchSize caps the number of events per request
const BatchSize = 500

// ErrNotConfigured is returned when no server or API key is set
var ErrNotConfigured = errors.New("sync is not configured; run 'goop config set sync.server <url>' and 'goop config set sync.api_key <key>'")

// Client handles syncing to the server
type Client struct {
	cfg  config.SyncConfig
	http *resty.Client
}

// NewClient creates a sync client
func NewClient(cfg config.SyncConfig) (*Client, error) {
	if cfg.Server == "" || cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Server, "/")).
		SetTimeout(30*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetHeader("X-API-Key", cfg.APIKey).
		SetHeader("User-Agent", "goop-sync/1.0")

	return &Client{cfg: cfg, http: client}, nil
}

// Status returns the server's view of this client
func (c *Client) Status(ctx context.Context) (*syncapi.StatusResponse, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("client_id", c.cfg.ClientID).
		Get("/api/sync/status")
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}

	var status syncapi.StatusResponse
	if err := json.Unmarshal(resp.Body(), &status); err != nil {
		if resp.IsError() {
			return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
		}
		return nil, fmt.Errorf("failed to parse sync status: %w", err)
	}
	if status.Error != "" {
		return nil, errors.New(status.Error)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode())
	}

	return &status, nil
}

// Sync sends events to the server in batches and returns how many were new
func (c *Client) Sync(ctx context.Context, events []model.UsageEvent) (int64, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	var inserted int64
	for start := 0; start < len(events); start += BatchSize {
		end := min(start+BatchSize, len(events))

		n, err := c.send(ctx, syncapi.Request{
			ClientID:   c.cfg.ClientID,
			ClientName: hostname,
			Events:     syncapi.ToWire(events[start:end]),
		})
		inserted += n
		if err != nil {
			return inserted, err
		}
	}

	return inserted, nil
}

func (c *Client) send(ctx context.Context, body syncapi.Request) (int64, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/api/sync")
	if err != nil {
		return 0, fmt.Errorf("sync request failed: %w", err)
	}

	var out syncapi.Response
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return 0, fmt.Errorf("server returned status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		return 0, errors.New(msg)
	}

	return out.Inserted, nil
}

// Pending returns the events newer than since, or all events when since is nil
func Pending(events []model.UsageEvent, since *time.Time) []model.UsageEvent {
	if since == nil {
		return events
	}
	var out []model.UsageEvent
	for _, ev := range events {
		if ev.Timestamp.After(*since) {
			out = append(out, ev)
		}
	}
	return out
}
