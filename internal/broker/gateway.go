package broker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PriceFunc returns the latest trade price for a symbol. The gateway uses it
// to size notional conversions for non-fractionable assets.
type PriceFunc func(ctx context.Context, symbol string) (float64, error)

// GatewayOptions tunes gateway behaviour.
type GatewayOptions struct {
	// CheckBuyingPower rejects BUY market orders whose notional exceeds
	// available buying power instead of letting the broker reject them.
	CheckBuyingPower bool
	// SettleDelay is the pause between canceling outstanding orders and
	// submitting a replacement, giving the broker time to release shares.
	SettleDelay time.Duration
}

// Gateway is the fail-fast broker operations layer. Every method issues at
// most the documented fallback chain and returns a classified error; retry
// policy lives one layer up, in the execution ladder.
type Gateway struct {
	client *Client
	price  PriceFunc
	log    *zap.Logger
	opts   GatewayOptions

	// Fractionability is static per session; positions are never cached.
	assetMu sync.Mutex
	assets  map[string]*Asset
}

// NewGateway creates a Gateway over the given REST client.
func NewGateway(client *Client, price PriceFunc, opts GatewayOptions, log *zap.Logger) *Gateway {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 500 * time.Millisecond
	}
	return &Gateway{
		client: client,
		price:  price,
		log:    log,
		opts:   opts,
		assets: make(map[string]*Asset),
	}
}

// Client exposes the underlying REST client for direct status queries.
func (g *Gateway) Client() *Client { return g.client }

// GetPositions returns currently held quantities by symbol, nonzero only.
func (g *Gateway) GetPositions(ctx context.Context) (map[string]float64, error) {
	positions, err := g.client.ListPositions(ctx)
	if err != nil {
		g.log.Error("failed to list positions", zap.Error(err))
		return nil, err
	}
	out := make(map[string]float64, len(positions))
	for _, p := range positions {
		if p.Qty != 0 {
			out[p.Symbol] = p.Qty
		}
	}
	return out, nil
}

// CancelAll cancels open orders, restricted to one symbol when symbol is
// nonempty. Best effort: per-order cancel failures are logged, not fatal.
// Returns false only when the open-order listing itself fails.
func (g *Gateway) CancelAll(ctx context.Context, symbol string) bool {
	orders, err := g.client.ListOpenOrders(ctx, symbol)
	if err != nil {
		g.log.Error("failed to list open orders for cancel",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return false
	}
	for _, o := range orders {
		if err := g.client.CancelOrder(ctx, o.ID); err != nil {
			// A fill racing the cancel is resolved by re-reading order
			// status, not by trusting the cancel result.
			g.log.Warn("cancel failed",
				zap.String("symbol", o.Symbol),
				zap.String("order_id", o.ID),
				zap.Error(err),
			)
		}
	}
	return true
}

// Liquidate closes an entire position through the broker's dedicated
// close-position endpoint, never a plain sell, so rounding can not leave a
// residual or oversell. Returns the closing order id.
func (g *Gateway) Liquidate(ctx context.Context, symbol string) (string, error) {
	pos, err := g.client.GetPosition(ctx, symbol)
	if err != nil {
		g.log.Error("liquidate: position lookup failed", zap.String("symbol", symbol), zap.Error(err))
		return "", err
	}
	if pos == nil || pos.Qty <= 0 {
		g.log.Warn("liquidate: no long position held", zap.String("symbol", symbol))
		return "", fmt.Errorf("liquidate %s: no position held", symbol)
	}

	g.CancelAll(ctx, symbol)
	g.settle(ctx)

	order, err := g.client.ClosePosition(ctx, symbol)
	if err != nil {
		g.log.Error("liquidate: close position failed", zap.String("symbol", symbol), zap.Error(err))
		return "", err
	}
	g.log.Info("position liquidated",
		zap.String("symbol", symbol),
		zap.String("order_id", order.ID),
		zap.Float64("qty", pos.Qty),
	)
	return order.ID, nil
}

// MarketOrder submits a market order. Exactly one of qty and notional must
// be a finite positive number. SELL quantities are capped to the freshly
// fetched position. Non-fractionable assets get fractional BUY quantities
// converted to notional proactively, with one retry as notional if the
// broker still rejects the qty order.
func (g *Gateway) MarketOrder(ctx context.Context, symbol string, side Side, qty, notional float64, cancelExisting bool) (string, error) {
	if err := validateSizing(qty, notional); err != nil {
		g.log.Error("market order rejected locally", zap.String("symbol", symbol), zap.Error(err))
		return "", err
	}

	if side == SideSell && qty > 0 {
		held, err := g.heldQty(ctx, symbol)
		if err != nil {
			return "", err
		}
		if held <= 0 {
			g.log.Warn("sell skipped: no position held", zap.String("symbol", symbol))
			return "", fmt.Errorf("sell %s: no position held", symbol)
		}
		if qty > held {
			g.log.Warn("sell qty capped to held position",
				zap.String("symbol", symbol),
				zap.Float64("requested", qty),
				zap.Float64("held", held),
			)
			qty = held
		}
	}

	if side == SideBuy && g.opts.CheckBuyingPower {
		if err := g.checkBuyingPower(ctx, symbol, qty, notional); err != nil {
			return "", err
		}
	}

	if cancelExisting {
		g.CancelAll(ctx, symbol)
		g.settle(ctx)
	}

	// Fractional qty on a non-fractionable asset: convert to notional up
	// front rather than waiting for the rejection.
	if qty > 0 && qty != math.Trunc(qty) && !g.fractionable(ctx, symbol) {
		px, err := g.price(ctx, symbol)
		if err == nil && px > 0 {
			g.log.Info("converting fractional qty to notional for non-fractionable asset",
				zap.String("symbol", symbol),
				zap.Float64("qty", qty),
				zap.Float64("price", px),
			)
			notional = roundCents(qty * px)
			qty = 0
		}
	}

	req := OrderRequest{
		Symbol:        symbol,
		Side:          string(side),
		Type:          string(TypeMarket),
		TimeInForce:   "day",
		ClientOrderID: newClientOrderID(),
	}
	if qty > 0 {
		req.Qty = formatQty(qty)
	} else {
		req.Notional = formatPrice(notional)
	}

	order, err := g.client.SubmitOrder(ctx, req)
	if err != nil && qty > 0 && IsNotFractionable(err) {
		// Fallback chain, not a blind retry: resubmit once as notional.
		px, perr := g.price(ctx, symbol)
		if perr != nil || px <= 0 {
			g.log.Error("market order rejected as non-fractionable and no price for notional fallback",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			return "", err
		}
		req.Qty = ""
		req.Notional = formatPrice(roundCents(qty * px))
		req.ClientOrderID = newClientOrderID()
		g.log.Info("retrying market order as notional",
			zap.String("symbol", symbol),
			zap.String("notional", req.Notional),
		)
		order, err = g.client.SubmitOrder(ctx, req)
	}
	if err != nil {
		g.log.Error("market order failed",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.Error(err),
		)
		return "", err
	}

	g.log.Info("market order submitted",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("order_id", order.ID),
		zap.Float64("qty", qty),
		zap.Float64("notional", notional),
	)
	return order.ID, nil
}

// LimitOrder submits a day limit order. Price is rounded to cents.
// Non-fractionable assets get the quantity rounded down to whole shares
// pre-emptively, with one retry as whole shares if the broker rejects the
// fractional quantity anyway.
func (g *Gateway) LimitOrder(ctx context.Context, symbol string, qty float64, side Side, price float64, cancelExisting bool) (string, error) {
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return "", fmt.Errorf("limit order %s: qty must be a finite positive number, got %v", symbol, qty)
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return "", fmt.Errorf("limit order %s: price must be a finite positive number, got %v", symbol, price)
	}

	if cancelExisting {
		g.CancelAll(ctx, symbol)
		g.settle(ctx)
	}

	if qty != math.Trunc(qty) && !g.fractionable(ctx, symbol) {
		whole := math.Trunc(qty)
		if whole < 1 {
			return "", fmt.Errorf("limit order %s: fractional qty %v on non-fractionable asset", symbol, qty)
		}
		g.log.Info("rounding qty to whole shares for non-fractionable asset",
			zap.String("symbol", symbol),
			zap.Float64("qty", qty),
			zap.Float64("rounded", whole),
		)
		qty = whole
	}

	req := OrderRequest{
		Symbol:        symbol,
		Qty:           formatQty(qty),
		Side:          string(side),
		Type:          string(TypeLimit),
		TimeInForce:   "day",
		LimitPrice:    formatPrice(roundCents(price)),
		ClientOrderID: newClientOrderID(),
	}

	order, err := g.client.SubmitOrder(ctx, req)
	if err != nil && IsNotFractionable(err) && qty >= 1 {
		req.Qty = formatQty(math.Trunc(qty))
		req.ClientOrderID = newClientOrderID()
		g.log.Info("retrying limit order with whole shares",
			zap.String("symbol", symbol),
			zap.String("qty", req.Qty),
		)
		order, err = g.client.SubmitOrder(ctx, req)
	}
	if err != nil {
		g.log.Error("limit order failed",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.Float64("price", price),
			zap.Error(err),
		)
		return "", err
	}

	g.log.Info("limit order submitted",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("order_id", order.ID),
		zap.Float64("qty", qty),
		zap.String("limit_price", req.LimitPrice),
	)
	return order.ID, nil
}

// SmartSell routes a sell: quantities at or above 99% of the held position
// go through Liquidate, everything else is a plain market sell.
func (g *Gateway) SmartSell(ctx context.Context, symbol string, qty float64) (string, error) {
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return "", fmt.Errorf("smart sell %s: qty must be a finite positive number, got %v", symbol, qty)
	}
	held, err := g.heldQty(ctx, symbol)
	if err != nil {
		return "", err
	}
	if held <= 0 {
		g.log.Warn("smart sell skipped: no position held", zap.String("symbol", symbol))
		return "", fmt.Errorf("smart sell %s: no position held", symbol)
	}
	if qty >= 0.99*held {
		return g.Liquidate(ctx, symbol)
	}
	return g.MarketOrder(ctx, symbol, SideSell, qty, 0, true)
}

// GetClock returns the broker market clock.
func (g *Gateway) GetClock(ctx context.Context) (*Clock, error) {
	return g.client.GetClock(ctx)
}

// GetOrder returns the current broker view of an order.
func (g *Gateway) GetOrder(ctx context.Context, id string) (*Order, error) {
	return g.client.GetOrder(ctx, id)
}

func (g *Gateway) heldQty(ctx context.Context, symbol string) (float64, error) {
	pos, err := g.client.GetPosition(ctx, symbol)
	if err != nil {
		g.log.Error("position lookup failed", zap.String("symbol", symbol), zap.Error(err))
		return 0, err
	}
	if pos == nil {
		return 0, nil
	}
	return pos.Qty, nil
}

func (g *Gateway) fractionable(ctx context.Context, symbol string) bool {
	g.assetMu.Lock()
	cached, ok := g.assets[symbol]
	g.assetMu.Unlock()
	if ok {
		return cached.Fractionable
	}

	asset, err := g.client.GetAsset(ctx, symbol)
	if err != nil {
		// Unknown assets are treated as fractionable; a wrong guess is
		// corrected by the single retry fallback on submission.
		g.log.Warn("asset lookup failed, assuming fractionable",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return true
	}
	g.assetMu.Lock()
	g.assets[symbol] = asset
	g.assetMu.Unlock()
	return asset.Fractionable
}

func (g *Gateway) checkBuyingPower(ctx context.Context, symbol string, qty, notional float64) error {
	acct, err := g.client.GetAccount(ctx)
	if err != nil {
		g.log.Warn("buying power check skipped: account lookup failed", zap.Error(err))
		return nil
	}
	need := notional
	if qty > 0 {
		px, perr := g.price(ctx, symbol)
		if perr != nil || px <= 0 {
			return nil
		}
		need = qty * px
	}
	if need > acct.BuyingPower {
		g.log.Error("insufficient buying power",
			zap.String("symbol", symbol),
			zap.Float64("needed", need),
			zap.Float64("available", acct.BuyingPower),
		)
		return &RejectedError{Reason: fmt.Sprintf("insufficient buying power: need %.2f, have %.2f", need, acct.BuyingPower)}
	}
	return nil
}

func (g *Gateway) settle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(g.opts.SettleDelay):
	}
}

func validateSizing(qty, notional float64) error {
	qtyOK := qty > 0 && !math.IsNaN(qty) && !math.IsInf(qty, 0)
	notionalOK := notional > 0 && !math.IsNaN(notional) && !math.IsInf(notional, 0)
	if qtyOK == notionalOK {
		return fmt.Errorf("exactly one of qty (%v) and notional (%v) must be a finite positive number", qty, notional)
	}
	return nil
}

func newClientOrderID() string {
	return "exec-" + uuid.New().String()
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
