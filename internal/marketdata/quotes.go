// Package marketdata is the quote collaborator surface the execution ladder
// consumes. It returns classified errors instead of crashing when data is
// unavailable; the ladder decides what degradation to apply.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ismaiel54/order-execution-engine/internal/broker"
)

// Source provides quotes and last trade prices for symbols.
type Source interface {
	LatestQuote(ctx context.Context, symbol string) (broker.Quote, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// ClientConfig holds connection settings for the market data API.
type ClientConfig struct {
	BaseURL   string
	KeyID     string
	SecretKey string
	// Feed selects the quote feed (e.g. "iex" vs "sip"); empty uses the
	// account default.
	Feed string
}

// Client fetches quotes and trades from the broker's data API.
type Client struct {
	cfg ClientConfig
	hc  *http.Client
}

// NewClient creates a market data client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://data.alpaca.markets"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: 10 * time.Second},
	}
}

var _ Source = (*Client)(nil)

// LatestQuote returns the most recent bid/ask for a symbol. A quote that is
// present but unusable (crossed or zero) comes back as ErrDataUnavailable.
func (c *Client) LatestQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	var payload struct {
		Quote struct {
			Bid float64 `json:"bp"`
			Ask float64 `json:"ap"`
		} `json:"quote"`
	}
	path := fmt.Sprintf("/v2/stocks/%s/quotes/latest", url.PathEscape(symbol))
	if err := c.get(ctx, path, &payload); err != nil {
		return broker.Quote{}, err
	}
	q := broker.Quote{Bid: payload.Quote.Bid, Ask: payload.Quote.Ask}
	if !q.Usable() {
		return broker.Quote{}, fmt.Errorf("quote for %s (bid=%v ask=%v): %w", symbol, q.Bid, q.Ask, broker.ErrDataUnavailable)
	}
	return q, nil
}

// CurrentPrice returns the latest trade price for a symbol.
func (c *Client) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var payload struct {
		Trade struct {
			Price float64 `json:"p"`
		} `json:"trade"`
	}
	path := fmt.Sprintf("/v2/stocks/%s/trades/latest", url.PathEscape(symbol))
	if err := c.get(ctx, path, &payload); err != nil {
		return 0, err
	}
	if payload.Trade.Price <= 0 {
		return 0, fmt.Errorf("trade price for %s: %w", symbol, broker.ErrDataUnavailable)
	}
	return payload.Trade.Price, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	u := c.cfg.BaseURL + path
	if c.cfg.Feed != "" {
		u += "?feed=" + url.QueryEscape(c.cfg.Feed)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.cfg.KeyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.SecretKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("data request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read data response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("data api %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), broker.ErrDataUnavailable)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal data response: %w", err)
	}
	return nil
}
