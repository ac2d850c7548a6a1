package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ClientConfig holds connection settings for the broker REST API.
type ClientConfig struct {
	BaseURL   string
	KeyID     string
	SecretKey string
	Paper     bool
}

// Client is a thin typed wrapper over the broker's order, position and
// account REST endpoints. It is fail fast: one request per call, no retries,
// classified errors back to the caller.
type Client struct {
	cfg ClientConfig
	hc  *http.Client
}

// NewClient creates a broker REST client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		if cfg.Paper {
			cfg.BaseURL = "https://paper-api.alpaca.markets"
		} else {
			cfg.BaseURL = "https://api.alpaca.markets"
		}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.cfg.KeyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return classifyResponse(resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// OrderRequest is the order submission payload. Numeric fields are sent as
// strings, which is what the broker expects.
type OrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty,omitempty"`
	Notional      string `json:"notional,omitempty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// SubmitOrder submits a new order.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	var j orderJSON
	if err := c.do(ctx, http.MethodPost, "/v2/orders", req, &j); err != nil {
		return nil, err
	}
	return j.toOrder()
}

// GetOrder retrieves an order by id.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var j orderJSON
	if err := c.do(ctx, http.MethodGet, "/v2/orders/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return j.toOrder()
}

// ListOpenOrders lists open orders, optionally filtered to one symbol.
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	path := "/v2/orders?status=open&limit=200"
	if symbol != "" {
		path += "&symbols=" + url.QueryEscape(symbol)
	}
	var js []orderJSON
	if err := c.do(ctx, http.MethodGet, path, nil, &js); err != nil {
		return nil, err
	}
	orders := make([]*Order, 0, len(js))
	for _, j := range js {
		o, err := j.toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// CancelOrder cancels an order by id.
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v2/orders/"+url.PathEscape(id), nil, nil)
}

// ListPositions lists all open positions.
func (c *Client) ListPositions(ctx context.Context) ([]*Position, error) {
	var js []positionJSON
	if err := c.do(ctx, http.MethodGet, "/v2/positions", nil, &js); err != nil {
		return nil, err
	}
	positions := make([]*Position, 0, len(js))
	for _, j := range js {
		p, err := j.toPosition()
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// GetPosition retrieves one position. Returns (nil, nil) when no position
// is held for the symbol.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	var j positionJSON
	err := c.do(ctx, http.MethodGet, "/v2/positions/"+url.PathEscape(symbol), nil, &j)
	if err != nil {
		var re *RejectedError
		if errors.As(err, &re) && re.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return j.toPosition()
}

// ClosePosition liquidates an entire position through the broker's dedicated
// close endpoint and returns the resulting order.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	var j orderJSON
	if err := c.do(ctx, http.MethodDelete, "/v2/positions/"+url.PathEscape(symbol), nil, &j); err != nil {
		return nil, err
	}
	return j.toOrder()
}

// GetClock retrieves the market clock.
func (c *Client) GetClock(ctx context.Context) (*Clock, error) {
	var j struct {
		Timestamp string `json:"timestamp"`
		IsOpen    bool   `json:"is_open"`
		NextOpen  string `json:"next_open"`
		NextClose string `json:"next_close"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/clock", nil, &j); err != nil {
		return nil, err
	}
	clk := &Clock{IsOpen: j.IsOpen}
	clk.Timestamp, _ = time.Parse(time.RFC3339Nano, j.Timestamp)
	clk.NextOpen, _ = time.Parse(time.RFC3339Nano, j.NextOpen)
	clk.NextClose, _ = time.Parse(time.RFC3339Nano, j.NextClose)
	return clk, nil
}

// GetAsset retrieves per-symbol attributes (tradability, fractionability).
func (c *Client) GetAsset(ctx context.Context, symbol string) (*Asset, error) {
	var j struct {
		Symbol       string `json:"symbol"`
		Tradable     bool   `json:"tradable"`
		Fractionable bool   `json:"fractionable"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/assets/"+url.PathEscape(symbol), nil, &j); err != nil {
		return nil, err
	}
	if j.Symbol == "" {
		return nil, &DecodeError{Entity: "asset", Field: "symbol"}
	}
	return &Asset{Symbol: j.Symbol, Tradable: j.Tradable, Fractionable: j.Fractionable}, nil
}

// GetAccount retrieves account buying power and cash.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var j struct {
		BuyingPower string `json:"buying_power"`
		Cash        string `json:"cash"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/account", nil, &j); err != nil {
		return nil, err
	}
	if j.BuyingPower == "" {
		return nil, &DecodeError{Entity: "account", Field: "buying_power"}
	}
	return &Account{
		BuyingPower: parseFloat(j.BuyingPower),
		Cash:        parseFloat(j.Cash),
	}, nil
}

func formatQty(qty float64) string {
	return strconv.FormatFloat(qty, 'f', -1, 64)
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', 2, 64)
}
