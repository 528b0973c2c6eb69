// Package news supplies the day's scheduled economic events for an
// instrument's currencies.
package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/camuig/po3-trader/internal/logger"
)

// Event is one calendar row as published by the ForexFactory weekly feed.
type Event struct {
	Title    string    `json:"title"`
	Country  string    `json:"country"`
	Date     time.Time `json:"date"`
	Impact   string    `json:"impact"`
	Forecast string    `json:"forecast"`
	Previous string    `json:"previous"`
}

type Client struct {
	url        string
	httpClient *http.Client
	logger     *logger.Logger
}

func NewClient(url string, log *logger.Logger) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log,
	}
}

// FetchWeek downloads the whole calendar feed.
func (c *Client) FetchWeek(ctx context.Context) ([]Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create calendar request: %w", err)
	}
	req.Header.Set("User-Agent", "po3-trader/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read calendar response: %w", err)
	}

	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("parse calendar response: %w", err)
	}

	c.logger.Debug("calendar fetched", "events", len(events))
	return events, nil
}
