package broker

import (
	"strconv"
	"time"
)

// Side is the side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the broker order type.
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// OrderStatus is the canonical order status set. StatusTimeout is synthetic:
// it is assigned locally by the status monitor and never comes from the
// broker.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusAccepted        OrderStatus = "accepted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
	StatusTimeout         OrderStatus = "timeout"
)

// Terminal reports whether the status is final. A timed-out order is
// terminal from the engine's point of view even if the broker later fills
// it; that race is resolved by the fallback's position re-check.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusTimeout:
		return true
	}
	return false
}

// Order is a typed view of a broker order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Type           OrderType
	Qty            float64
	Notional       float64
	LimitPrice     float64
	TimeInForce    string
	Status         OrderStatus
	FilledQty      float64
	FilledAvgPrice float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Position is a read-only snapshot of a held position. It must be fetched
// fresh before every sell decision, never cached across a ladder run.
type Position struct {
	Symbol      string
	Qty         float64
	MarketValue float64
}

// Quote is a bid/ask pair.
type Quote struct {
	Bid float64
	Ask float64
}

// Usable reports whether the quote can price a ladder: ask >= bid > 0.
func (q Quote) Usable() bool {
	return q.Bid > 0 && q.Ask >= q.Bid
}

// Mid returns the midpoint price.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread returns the bid-ask spread.
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// Clock is the broker market clock.
type Clock struct {
	IsOpen    bool
	Timestamp time.Time
	NextOpen  time.Time
	NextClose time.Time
}

// Asset holds per-symbol trading attributes.
type Asset struct {
	Symbol       string
	Tradable     bool
	Fractionable bool
}

// Account holds the account fields the gateway needs.
type Account struct {
	BuyingPower float64
	Cash        float64
}

// Broker responses carry numeric fields as JSON strings; the wire structs
// below decode them and convert into the typed values above. Required
// fields that are missing fail loudly with a DecodeError instead of
// defaulting.

type orderJSON struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Qty            string `json:"qty"`
	Notional       string `json:"notional"`
	LimitPrice     string `json:"limit_price"`
	TimeInForce    string `json:"time_in_force"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func (j orderJSON) toOrder() (*Order, error) {
	if j.ID == "" {
		return nil, &DecodeError{Entity: "order", Field: "id"}
	}
	if j.Symbol == "" {
		return nil, &DecodeError{Entity: "order", Field: "symbol"}
	}
	if j.Status == "" {
		return nil, &DecodeError{Entity: "order", Field: "status"}
	}
	o := &Order{
		ID:             j.ID,
		ClientOrderID:  j.ClientOrderID,
		Symbol:         j.Symbol,
		Side:           Side(j.Side),
		Type:           OrderType(j.Type),
		Qty:            parseFloat(j.Qty),
		Notional:       parseFloat(j.Notional),
		LimitPrice:     parseFloat(j.LimitPrice),
		TimeInForce:    j.TimeInForce,
		Status:         OrderStatus(j.Status),
		FilledQty:      parseFloat(j.FilledQty),
		FilledAvgPrice: parseFloat(j.FilledAvgPrice),
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, j.CreatedAt)
	o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, j.UpdatedAt)
	return o, nil
}

type positionJSON struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	MarketValue string `json:"market_value"`
}

func (j positionJSON) toPosition() (*Position, error) {
	if j.Symbol == "" {
		return nil, &DecodeError{Entity: "position", Field: "symbol"}
	}
	if j.Qty == "" {
		return nil, &DecodeError{Entity: "position", Field: "qty"}
	}
	qty := parseFloat(j.Qty)
	if j.Side == "short" && qty > 0 {
		qty = -qty
	}
	return &Position{
		Symbol:      j.Symbol,
		Qty:         qty,
		MarketValue: parseFloat(j.MarketValue),
	}, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
