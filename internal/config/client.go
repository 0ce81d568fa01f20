package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client handles configuration retrieval from config-api
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// ConfigEntry represents a configuration entry from the API
type ConfigEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewClient creates a new configuration client
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// GetSnapshot fetches the analyzer keys from config-api and applies them over
// base. base is not modified.
func (c *Client) GetSnapshot(ctx context.Context, base *Snapshot) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build config request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config-api returned status %d", resp.StatusCode)
	}

	var response struct {
		Configs []ConfigEntry `json:"configs"`
		Count   int           `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode config response: %w", err)
	}

	snapshot := base.Clone()
	applied := 0
	for _, entry := range response.Configs {
		ok, err := snapshot.ApplyKey(entry.Key, entry.Value)
		if err != nil {
			c.logger.Warn("Ignoring invalid configuration value", "key", entry.Key, "error", err)
			continue
		}
		if ok {
			applied++
		}
	}
	snapshot.LastUpdated = time.Now()

	c.logger.Info("Configuration snapshot loaded",
		"config_count", response.Count,
		"applied", applied,
		"sequential_threshold", snapshot.Batch.SequentialThreshold,
		"chunk_size", snapshot.Batch.ChunkSize)

	return snapshot, nil
}

// GetSnapshotWithFallback fetches a snapshot, falling back to defaults on any
// error
func (c *Client) GetSnapshotWithFallback(ctx context.Context, defaults *Snapshot) *Snapshot {
	snapshot, err := c.GetSnapshot(ctx, defaults)
	if err != nil {
		c.logger.Warn("Failed to fetch config snapshot, using local defaults", "error", err)
		return defaults
	}
	return snapshot
}
