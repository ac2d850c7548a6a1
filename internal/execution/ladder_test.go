package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ismaiel54/order-execution-engine/internal/broker"
	"github.com/ismaiel54/order-execution-engine/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeBroker records every order operation in submission order so tests can
// assert cancel-before-submit sequencing.
type fakeBroker struct {
	mu    sync.Mutex
	calls []string

	positions    map[string]float64
	positionsSeq []map[string]float64
	positionsErr error

	limitErr     error
	limitIDs     int
	marketErr    error
	marketID     string
	orders       map[string]*broker.Order
	limitSubmits []struct {
		Qty   float64
		Price float64
	}
	marketQty      float64
	marketNotional float64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		positions: map[string]float64{},
		marketID:  "mkt-1",
		orders:    map[string]*broker.Order{},
	}
}

func (f *fakeBroker) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBroker) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeBroker) GetPositions(ctx context.Context) (map[string]float64, error) {
	f.record("positions")
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.positionsSeq) > 0 {
		next := f.positionsSeq[0]
		f.positionsSeq = f.positionsSeq[1:]
		return next, nil
	}
	return f.positions, nil
}

func (f *fakeBroker) MarketOrder(ctx context.Context, symbol string, side broker.Side, qty, notional float64, cancelExisting bool) (string, error) {
	f.record("market")
	if f.marketErr != nil {
		return "", f.marketErr
	}
	f.mu.Lock()
	f.marketQty = qty
	f.marketNotional = notional
	f.mu.Unlock()
	return f.marketID, nil
}

func (f *fakeBroker) LimitOrder(ctx context.Context, symbol string, qty float64, side broker.Side, price float64, cancelExisting bool) (string, error) {
	f.record("limit")
	if f.limitErr != nil {
		return "", f.limitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limitIDs++
	f.limitSubmits = append(f.limitSubmits, struct {
		Qty   float64
		Price float64
	}{qty, price})
	return fmt.Sprintf("lim-%d", f.limitIDs), nil
}

func (f *fakeBroker) CancelAll(ctx context.Context, symbol string) bool {
	f.record("cancel")
	return true
}

func (f *fakeBroker) GetOrder(ctx context.Context, id string) (*broker.Order, error) {
	f.record("get_order")
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[id]; ok {
		return o, nil
	}
	return nil, errors.New("order not found")
}

// fakeQuotes serves a fixed quote, or fails over to a last-trade price.
type fakeQuotes struct {
	quote    broker.Quote
	quoteErr error
	price    float64
	priceErr error
}

func (f *fakeQuotes) LatestQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	return f.quote, f.quoteErr
}

func (f *fakeQuotes) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, f.priceErr
}

// fakeSource replays scripted per-step results; steps beyond the script time
// out. It optionally cancels the caller context partway through a wait.
type fakeSource struct {
	mu     sync.Mutex
	script []map[string]string
	step   int
	cancel context.CancelFunc
	closed bool
	waits  int
}

func (f *fakeSource) WaitForCompletion(ctx context.Context, ids []string, maxWait time.Duration) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	if f.cancel != nil {
		f.cancel()
	}
	out := map[string]string{}
	if f.step < len(f.script) {
		out = f.script[f.step]
	} else {
		for _, id := range ids {
			out[id] = monitor.StatusTimeout
		}
	}
	f.step++
	return out
}

func (f *fakeSource) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func newTestEngine(t *testing.T, b *fakeBroker, q *fakeQuotes, src *fakeSource) *Engine {
	t.Helper()
	factory := func(ctx context.Context) monitor.Source { return src }
	opts := EngineOptions{
		StepWait:    10 * time.Millisecond,
		SettleDelay: time.Millisecond,
	}
	return NewEngine(b, q, factory, NewClassifier(testExecutionConfig()), opts, zaptest.NewLogger(t))
}

func TestPlaceOrder_FillsOnFirstStep(t *testing.T) {
	b := newFakeBroker()
	q := &fakeQuotes{quote: broker.Quote{Bid: 50.95, Ask: 50.98}}
	src := &fakeSource{script: []map[string]string{
		{"lim-1": string(broker.StatusFilled)},
	}}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "lim-1", id)
	assert.True(t, src.closed, "source must be closed on exit")
	assert.NotContains(t, b.callLog(), "market", "a step fill must not reach the fallback")

	require.Len(t, b.limitSubmits, 1)
	assert.InDelta(t, 50.965, b.limitSubmits[0].Price, 1e-9, "step one prices at the midpoint")
}

func TestPlaceOrder_CancelPrecedesNextStep(t *testing.T) {
	b := newFakeBroker()
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}
	src := &fakeSource{script: []map[string]string{
		{"lim-1": monitor.StatusTimeout},
		{"lim-2": string(broker.StatusFilled)},
	}}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "lim-2", id)

	// Between the first and second limit submission there must be a cancel:
	// never two live orders for one symbol.
	var firstLimit, secondLimit, cancelBetween int
	seen := 0
	for i, c := range b.callLog() {
		switch c {
		case "limit":
			seen++
			if seen == 1 {
				firstLimit = i
			} else if seen == 2 {
				secondLimit = i
			}
		}
	}
	for i, c := range b.callLog() {
		if c == "cancel" && i > firstLimit && i < secondLimit {
			cancelBetween++
		}
	}
	require.Positive(t, cancelBetween, "cancel must be issued before re-pricing")
}

func TestPlaceOrder_ExhaustionFallsBackToMarket(t *testing.T) {
	b := newFakeBroker()
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}
	src := &fakeSource{} // every step times out

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "mkt-1", id)
	assert.InDelta(t, 10.0, b.marketQty, 1e-9)

	log := b.callLog()
	assert.Equal(t, "market", log[len(log)-1], "the fallback is the terminal action")
	assert.Equal(t, 5, src.waits, "normal urgency runs five steps")
}

func TestPlaceOrder_NoQuoteGoesStraightToMarket(t *testing.T) {
	b := newFakeBroker()
	q := &fakeQuotes{
		quoteErr: broker.ErrDataUnavailable,
		priceErr: broker.ErrDataUnavailable,
	}
	src := &fakeSource{}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "mkt-1", id)
	assert.NotContains(t, b.callLog(), "limit", "no usable quote means zero limit attempts")
	assert.Zero(t, src.waits)
}

func TestPlaceOrder_SyntheticQuoteFromLastTrade(t *testing.T) {
	b := newFakeBroker()
	q := &fakeQuotes{
		quoteErr: broker.ErrDataUnavailable,
		price:    200.00,
	}
	src := &fakeSource{script: []map[string]string{
		{"lim-1": string(broker.StatusFilled)},
	}}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 5, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "lim-1", id)

	require.Len(t, b.limitSubmits, 1)
	// AAPL tolerance is 15 bps; the synthetic quote spans it around the
	// last trade, so the first step sits on the trade price itself.
	assert.InDelta(t, 200.00, b.limitSubmits[0].Price, 1e-6)
}

func TestPlaceOrder_SubmitFailureAdvancesLadder(t *testing.T) {
	b := newFakeBroker()
	b.limitErr = errors.New("rejected: wash trade")
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}
	src := &fakeSource{}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "mkt-1", id, "all submissions failing still ends in the market fallback")
	assert.Zero(t, src.waits, "failed submissions are not waited on")
}

func TestPlaceOrder_PartialFillReducesRemaining(t *testing.T) {
	b := newFakeBroker()
	b.orders["lim-1"] = &broker.Order{ID: "lim-1", FilledQty: 4}
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}
	src := &fakeSource{script: []map[string]string{
		{"lim-1": monitor.StatusTimeout},
		{"lim-2": string(broker.StatusFilled)},
	}}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "lim-2", id)

	require.Len(t, b.limitSubmits, 2)
	assert.InDelta(t, 10.0, b.limitSubmits[0].Qty, 1e-9)
	assert.InDelta(t, 6.0, b.limitSubmits[1].Qty, 1e-9, "next step works only the unfilled remainder")
}

func TestPlaceOrder_PartialFillsAccumulateAcrossSteps(t *testing.T) {
	b := newFakeBroker()
	// Step one fills 4 of 10, step two fills 2 of the remaining 6. The
	// later steps and the fallback may only work the final 4.
	b.orders["lim-1"] = &broker.Order{ID: "lim-1", FilledQty: 4}
	b.orders["lim-2"] = &broker.Order{ID: "lim-2", FilledQty: 2}
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}
	src := &fakeSource{} // every step times out

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "mkt-1", id)

	require.Len(t, b.limitSubmits, 5)
	assert.InDelta(t, 10.0, b.limitSubmits[0].Qty, 1e-9)
	assert.InDelta(t, 6.0, b.limitSubmits[1].Qty, 1e-9)
	assert.InDelta(t, 4.0, b.limitSubmits[2].Qty, 1e-9, "fills from both earlier steps are deducted")
	assert.InDelta(t, 4.0, b.limitSubmits[4].Qty, 1e-9)
	assert.InDelta(t, 4.0, b.marketQty, 1e-9,
		"fallback must not re-buy shares already filled across earlier steps")
}

func TestPlaceOrder_PartialFillsCompleteOrder(t *testing.T) {
	b := newFakeBroker()
	b.orders["lim-1"] = &broker.Order{ID: "lim-1", FilledQty: 7}
	b.orders["lim-2"] = &broker.Order{ID: "lim-2", FilledQty: 3}
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}
	src := &fakeSource{}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "lim-2", id, "fills summing to the full qty complete the order")
	assert.NotContains(t, b.callLog(), "market")
}

func TestPlaceOrder_SellLateFillSkipsFallback(t *testing.T) {
	b := newFakeBroker()
	// Held at ladder start, gone by fallback time: the cancel raced a fill.
	b.positionsSeq = []map[string]float64{
		{"AAPL": 10},
		{},
	}
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}
	src := &fakeSource{}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideSell)
	require.NoError(t, err)
	assert.Equal(t, "lim-5", id, "the last working order is reported as the fill")
	assert.NotContains(t, b.callLog(), "market", "no fallback after a detected late fill")
}

func TestPlaceOrder_SellFallbackCapsToHeld(t *testing.T) {
	b := newFakeBroker()
	b.positionsSeq = []map[string]float64{
		{"AAPL": 10},
		{"AAPL": 3},
	}
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}
	src := &fakeSource{}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideSell)
	require.NoError(t, err)
	assert.Equal(t, "mkt-1", id)
	assert.InDelta(t, 3.0, b.marketQty, 1e-9, "fallback sells only what is still held")
}

func TestPlaceOrder_BuyLateFillSkipsFallback(t *testing.T) {
	b := newFakeBroker()
	b.positionsSeq = []map[string]float64{
		{"AAPL": 2},
		{"AAPL": 12},
	}
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}
	src := &fakeSource{}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "lim-5", id)
	assert.NotContains(t, b.callLog(), "market")
}

func TestPlaceOrder_BuyPartialLateFillReducesFallback(t *testing.T) {
	b := newFakeBroker()
	// 7 of the 10 requested shares arrived as late fills after the
	// cancels; the fallback buys only the missing 3.
	b.positionsSeq = []map[string]float64{
		{"AAPL": 0},
		{"AAPL": 7},
	}
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}
	src := &fakeSource{}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "mkt-1", id)
	assert.InDelta(t, 3.0, b.marketQty, 1e-9, "fallback is reduced by the observed position growth")
}

func TestPlaceOrder_FallbackRejectionIsHardFailure(t *testing.T) {
	b := newFakeBroker()
	b.marketErr = &broker.RejectedError{Status: 403, Reason: "insufficient buying power"}
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}
	src := &fakeSource{}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideBuy)
	assert.Empty(t, id)
	assert.True(t, broker.IsRejected(err))
}

func TestPlaceOrder_CallerCancellationSkipsFallback(t *testing.T) {
	b := newFakeBroker()
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}

	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{cancel: cancel}

	eng := newTestEngine(t, b, q, src)
	id, err := eng.PlaceOrder(ctx, "AAPL", 10, broker.SideBuy)
	assert.Empty(t, id)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, b.callLog(), "market", "cancellation must not trigger the fallback")
	assert.Contains(t, b.callLog(), "cancel", "the working order is still cleaned up")
	assert.True(t, src.closed)
}

func TestPlaceOrder_StandardModeGoesDirect(t *testing.T) {
	b := newFakeBroker()
	q := &fakeQuotes{quote: broker.Quote{Bid: 100.00, Ask: 100.04}}
	src := &fakeSource{}

	cfg := testExecutionConfig()
	cfg.ExecutionMode = "standard"
	factory := func(ctx context.Context) monitor.Source { return src }
	eng := NewEngine(b, q, factory, NewClassifier(cfg),
		EngineOptions{StepWait: 10 * time.Millisecond, SettleDelay: time.Millisecond},
		zaptest.NewLogger(t))

	id, err := eng.PlaceOrder(context.Background(), "AAPL", 10, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "mkt-1", id)
	assert.NotContains(t, b.callLog(), "limit")
}

func TestPlaceOrderNotional_SizesFromMid(t *testing.T) {
	b := newFakeBroker()
	q := &fakeQuotes{quote: broker.Quote{Bid: 99.00, Ask: 101.00}}
	src := &fakeSource{script: []map[string]string{
		{"lim-1": string(broker.StatusFilled)},
	}}

	eng := newTestEngine(t, b, q, src)
	_, err := eng.PlaceOrderNotional(context.Background(), "AAPL", 1000, broker.SideBuy)
	require.NoError(t, err)
	require.Len(t, b.limitSubmits, 1)
	assert.InDelta(t, 10.0, b.limitSubmits[0].Qty, 1e-9, "notional converts to qty at the midpoint")
}

func TestPlaceOrder_RejectsEmptySize(t *testing.T) {
	eng := newTestEngine(t, newFakeBroker(), &fakeQuotes{}, &fakeSource{})
	_, err := eng.PlaceOrder(context.Background(), "AAPL", 0, broker.SideBuy)
	assert.Error(t, err)
}

func TestPlaceOrderAggressive_MarketableAndBounded(t *testing.T) {
	b := newFakeBroker()
	q := &fakeQuotes{quote: broker.Quote{Bid: 25.40, Ask: 25.44}}
	src := &fakeSource{} // every attempt times out

	factory := func(ctx context.Context) monitor.Source { return src }
	eng := NewEngine(b, q, factory, NewClassifier(testExecutionConfig()),
		EngineOptions{StepWait: 10 * time.Millisecond, MaxRepegs: 2, SettleDelay: time.Millisecond},
		zaptest.NewLogger(t))

	id, err := eng.PlaceOrderAggressive(context.Background(), "AAPL", 10, broker.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "mkt-1", id)

	require.Len(t, b.limitSubmits, 3, "one attempt plus two re-pegs")
	assert.InDelta(t, 25.45, b.limitSubmits[0].Price, 1e-9, "aggressive prices one tick through the ask")
}

func TestClampSlippage(t *testing.T) {
	q := broker.Quote{Bid: 99.00, Ask: 101.00}

	px := clampSlippage(101.00, q, broker.SideBuy, 10)
	assert.InDelta(t, 100.0*(1+0.001), px, 1e-9, "buy price is capped at mid plus tolerance")

	px = clampSlippage(99.00, q, broker.SideSell, 10)
	assert.InDelta(t, 100.0*(1-0.001), px, 1e-9, "sell price is floored at mid minus tolerance")

	assert.Equal(t, 100.5, clampSlippage(100.5, q, broker.SideBuy, 100), "within tolerance passes through")
}
