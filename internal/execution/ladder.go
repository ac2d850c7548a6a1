// Package execution drives trading intents through a progressive limit-order
// ladder with a guaranteed market-order fallback.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/ismaiel54/order-execution-engine/internal/broker"
	"github.com/ismaiel54/order-execution-engine/internal/marketdata"
	"github.com/ismaiel54/order-execution-engine/internal/metrics"
	"github.com/ismaiel54/order-execution-engine/internal/monitor"
	"go.uber.org/zap"
)

// Broker is the order-operations surface the ladder drives. Implemented by
// broker.Gateway; fakes implement it in tests.
type Broker interface {
	GetPositions(ctx context.Context) (map[string]float64, error)
	MarketOrder(ctx context.Context, symbol string, side broker.Side, qty, notional float64, cancelExisting bool) (string, error)
	LimitOrder(ctx context.Context, symbol string, qty float64, side broker.Side, price float64, cancelExisting bool) (string, error)
	CancelAll(ctx context.Context, symbol string) bool
	GetOrder(ctx context.Context, id string) (*broker.Order, error)
}

// SourceFactory produces a status source for one ladder invocation. Each
// invocation owns its source exclusively and the ladder guarantees Close on
// every exit path.
type SourceFactory func(ctx context.Context) monitor.Source

// EngineOptions holds the optional collaborators and tunables.
type EngineOptions struct {
	// AltQuotes is the cheaper fallback quote source tried when the
	// primary fails, before synthesizing a spread from the last trade.
	AltQuotes marketdata.Source
	// Timing enables session-open deferral for the aggressive variant.
	Timing      *MarketTimingEngine
	StepWait    time.Duration
	MaxRepegs   int
	SettleDelay time.Duration
}

// Engine is the execution ladder orchestrator.
type Engine struct {
	broker     Broker
	quotes     marketdata.Source
	newSource  SourceFactory
	classifier *Classifier
	opts       EngineOptions
	log        *zap.Logger
}

// NewEngine creates an execution engine.
func NewEngine(b Broker, quotes marketdata.Source, newSource SourceFactory, classifier *Classifier, opts EngineOptions, log *zap.Logger) *Engine {
	if opts.StepWait <= 0 {
		opts.StepWait = 4 * time.Second
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettle
	}
	return &Engine{
		broker:     b,
		quotes:     quotes,
		newSource:  newSource,
		classifier: classifier,
		opts:       opts,
		log:        log,
	}
}

type request struct {
	symbol     string
	side       broker.Side
	qty        float64
	notional   float64
	urgency    Urgency
	aggressive bool
}

// PlaceOrder executes a quantity intent. The returned order id is the order
// that completed (or was submitted as terminal fallback); an empty id with a
// non-nil error means the leg did not execute.
func (e *Engine) PlaceOrder(ctx context.Context, symbol string, qty float64, side broker.Side) (string, error) {
	return e.place(ctx, request{symbol: symbol, side: side, qty: qty, urgency: UrgencyNormal})
}

// PlaceOrderNotional executes a notional (dollar-sized) intent.
func (e *Engine) PlaceOrderNotional(ctx context.Context, symbol string, notional float64, side broker.Side) (string, error) {
	return e.place(ctx, request{symbol: symbol, side: side, notional: notional, urgency: UrgencyNormal})
}

// PlaceOrderUrgency executes a quantity intent with an explicit urgency.
func (e *Engine) PlaceOrderUrgency(ctx context.Context, symbol string, qty float64, side broker.Side, u Urgency) (string, error) {
	return e.place(ctx, request{symbol: symbol, side: side, qty: qty, urgency: u})
}

// PlaceOrderAggressive executes via the lean re-peg variant: optional
// session-open deferral, one marketable-limit attempt, at most MaxRepegs
// re-pegs on short budgets, then the market fallback.
func (e *Engine) PlaceOrderAggressive(ctx context.Context, symbol string, qty float64, side broker.Side) (string, error) {
	return e.place(ctx, request{symbol: symbol, side: side, qty: qty, aggressive: true})
}

func (e *Engine) place(ctx context.Context, req request) (string, error) {
	if req.qty <= 0 && req.notional <= 0 {
		return "", fmt.Errorf("place %s: qty or notional required", req.symbol)
	}

	if !e.classifier.Adaptive(req.symbol) {
		e.log.Info("standard execution", zap.String("symbol", req.symbol), zap.String("side", string(req.side)))
		metrics.Orders.WithLabelValues("market", string(req.side)).Inc()
		return e.broker.MarketOrder(ctx, req.symbol, req.side, req.qty, req.notional, true)
	}

	quote, err := e.resolveQuote(ctx, req.symbol)
	if err != nil {
		// No usable quote from any source: skip the ladder entirely.
		e.log.Warn("no usable quote, going straight to market order",
			zap.String("symbol", req.symbol),
			zap.Error(err),
		)
		metrics.Fallbacks.WithLabelValues("no_quote").Inc()
		metrics.Orders.WithLabelValues("market", string(req.side)).Inc()
		return e.broker.MarketOrder(ctx, req.symbol, req.side, req.qty, req.notional, true)
	}

	qty := req.qty
	if qty <= 0 {
		qty = req.notional / quote.Mid()
	}

	params := AdaptiveParams(req.urgency, e.opts.StepWait)
	if req.aggressive {
		params = AggressiveParams(e.opts.MaxRepegs, e.opts.StepWait)
		if e.opts.Timing != nil {
			if delay := e.opts.Timing.OpenDelay(ctx, quote); delay > 0 {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(delay):
				}
				if q2, qerr := e.resolveQuote(ctx, req.symbol); qerr == nil {
					quote = q2
				}
			}
		}
	}
	if params.SettleDelay <= 0 {
		params.SettleDelay = e.opts.SettleDelay
	}

	return e.runLadder(ctx, req, qty, quote, params)
}

func (e *Engine) runLadder(ctx context.Context, req request, qty float64, quote broker.Quote, params Params) (string, error) {
	symbol, side := req.symbol, req.side

	// Snapshot the position before the first attempt so a late fill racing
	// the ladder can be detected before the fallback order.
	startQty, haveStart := e.positionQty(ctx, symbol)

	src := e.newSource(ctx)
	defer src.Close()
	if _, streaming := src.(*monitor.StreamSource); streaming {
		metrics.StreamActive.Set(1)
		defer metrics.StreamActive.Set(0)
	}

	maxBps := e.classifier.SlippageBps(symbol)
	remaining := qty
	var lastOrderID string

	for i, fraction := range params.StepFractions {
		if err := ctx.Err(); err != nil {
			e.abortWorkingOrder(symbol, lastOrderID)
			return "", err
		}

		if params.RefreshQuote && i > 0 {
			if q2, err := e.resolveQuote(ctx, symbol); err == nil {
				quote = q2
			}
		}

		var px float64
		if params.Marketable {
			px = MarketablePrice(quote, side, params.Tick, params.ThroughTicks)
		} else {
			px = StepPrice(quote, side, fraction, params.Tick)
		}
		px = clampSlippage(px, quote, side, maxBps)

		// Step K+1 is never submitted before step K's working order has
		// had a cancel issued: at most one live order per symbol.
		if i > 0 {
			e.broker.CancelAll(ctx, symbol)
			e.settle(ctx, params.SettleDelay)
		}

		orderID, err := e.broker.LimitOrder(ctx, symbol, remaining, side, px, i == 0)
		if err != nil || orderID == "" {
			// Submission failures count as "not filled"; the ladder
			// advances instead of aborting.
			e.log.Warn("step submission failed, advancing ladder",
				zap.String("symbol", symbol),
				zap.Int("step", i),
				zap.Float64("price", px),
				zap.Error(err),
			)
			metrics.LadderSteps.WithLabelValues("submit_failed").Inc()
			continue
		}
		lastOrderID = orderID
		metrics.Orders.WithLabelValues("limit", string(side)).Inc()
		e.log.Info("ladder step submitted",
			zap.String("symbol", symbol),
			zap.Int("step", i),
			zap.Float64("fraction", fraction),
			zap.Float64("price", px),
			zap.Float64("qty", remaining),
			zap.String("order_id", orderID),
		)

		waitStart := time.Now()
		results := src.WaitForCompletion(ctx, []string{orderID}, params.StepWait)
		metrics.FillWait.Observe(time.Since(waitStart).Seconds())

		if err := ctx.Err(); err != nil {
			// Caller-driven cancellation: abort the working order and
			// return without further steps or the market fallback.
			e.abortWorkingOrder(symbol, orderID)
			return "", err
		}

		if results[orderID] == string(broker.StatusFilled) {
			metrics.LadderSteps.WithLabelValues("filled").Inc()
			e.log.Info("ladder filled",
				zap.String("symbol", symbol),
				zap.Int("step", i),
				zap.String("order_id", orderID),
			)
			return orderID, nil
		}
		metrics.LadderSteps.WithLabelValues("unfilled").Inc()

		// Partial fills accumulate across steps: each working order is
		// queried once and its fill deducted, so later steps and the
		// fallback never re-execute shares an earlier step already got.
		if filled := e.filledQty(ctx, orderID); filled > 0 {
			remaining -= filled
			if remaining <= 1e-9 {
				e.log.Info("order completed across partial fills",
					zap.String("symbol", symbol),
					zap.String("order_id", orderID),
				)
				return orderID, nil
			}
		}
	}

	e.broker.CancelAll(ctx, symbol)
	return e.fallback(ctx, req, qty, remaining, startQty, haveStart, lastOrderID)
}

// fallback is the guaranteed terminal market order after ladder exhaustion.
// The position is re-fetched immediately before submission so a late fill
// that raced the ladder does not get executed twice.
func (e *Engine) fallback(ctx context.Context, req request, total, qty float64, startQty float64, haveStart bool, lastOrderID string) (string, error) {
	symbol, side := req.symbol, req.side

	current, haveCurrent := e.positionQty(ctx, symbol)
	if haveCurrent {
		if side == broker.SideSell {
			if current <= 0 {
				e.log.Info("position gone before fallback, treating as late fill",
					zap.String("symbol", symbol),
					zap.String("order_id", lastOrderID),
				)
				return lastOrderID, nil
			}
			if qty > current {
				qty = current
			}
		}
		if side == broker.SideBuy && haveStart {
			// Position growth since the pre-ladder snapshot covers every
			// fill, partial or late; the fallback only buys what growth
			// has not already delivered.
			growth := current - startQty
			if growth >= total-1e-9 {
				e.log.Info("position already increased before fallback, treating as late fill",
					zap.String("symbol", symbol),
					zap.String("order_id", lastOrderID),
				)
				return lastOrderID, nil
			}
			if rest := total - growth; rest < qty {
				e.log.Info("fallback qty reduced by observed position growth",
					zap.String("symbol", symbol),
					zap.Float64("growth", growth),
					zap.Float64("qty", rest),
				)
				qty = rest
			}
		}
	}

	metrics.Fallbacks.WithLabelValues("exhausted").Inc()
	metrics.Orders.WithLabelValues("market", string(side)).Inc()
	e.log.Info("ladder exhausted, submitting market fallback",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
	)
	orderID, err := e.broker.MarketOrder(ctx, symbol, side, qty, 0, true)
	if err != nil {
		// A rejected fallback (e.g. genuinely insufficient funds) is a
		// definitive failure for this leg.
		e.log.Error("market fallback failed",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return "", err
	}
	return orderID, nil
}

func (e *Engine) resolveQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	q, err := e.quotes.LatestQuote(ctx, symbol)
	if err == nil && q.Usable() {
		return q, nil
	}
	e.log.Debug("primary quote unavailable", zap.String("symbol", symbol), zap.Error(err))

	if e.opts.AltQuotes != nil {
		if q, err = e.opts.AltQuotes.LatestQuote(ctx, symbol); err == nil && q.Usable() {
			return q, nil
		}
		e.log.Debug("alternate quote unavailable", zap.String("symbol", symbol), zap.Error(err))
	}

	// Synthesize a spread around the last trade, sized by the symbol's
	// slippage tolerance.
	px, perr := e.quotes.CurrentPrice(ctx, symbol)
	if perr == nil && px > 0 {
		half := px * e.classifier.SlippageBps(symbol) / 10000 / 2
		if half <= 0 {
			half = px * 0.0005
		}
		e.log.Info("using synthetic quote from last trade",
			zap.String("symbol", symbol),
			zap.Float64("price", px),
			zap.Float64("half_spread", half),
		)
		return broker.Quote{Bid: px - half, Ask: px + half}, nil
	}

	return broker.Quote{}, broker.ErrDataUnavailable
}

func (e *Engine) positionQty(ctx context.Context, symbol string) (float64, bool) {
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		e.log.Warn("position fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return 0, false
	}
	return positions[symbol], true
}

func (e *Engine) filledQty(ctx context.Context, orderID string) float64 {
	order, err := e.broker.GetOrder(ctx, orderID)
	if err != nil {
		return 0
	}
	return order.FilledQty
}

// abortWorkingOrder cancels the current working order on caller-driven
// cancellation. The caller's context is already dead, so cleanup runs on a
// short detached budget.
func (e *Engine) abortWorkingOrder(symbol, orderID string) {
	if orderID == "" {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.broker.CancelAll(cleanupCtx, symbol)
}

func (e *Engine) settle(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func clampSlippage(px float64, q broker.Quote, side broker.Side, maxBps float64) float64 {
	if maxBps <= 0 {
		return px
	}
	mid := q.Mid()
	if side == broker.SideBuy {
		if capPx := mid * (1 + maxBps/10000); px > capPx {
			return capPx
		}
	} else {
		if floorPx := mid * (1 - maxBps/10000); px < floorPx {
			return floorPx
		}
	}
	return px
}
