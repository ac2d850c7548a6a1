package execution

import (
	"context"
	"time"

	"github.com/ismaiel54/order-execution-engine/internal/broker"
	"go.uber.org/zap"
)

// SpreadQuality classifies the current bid-ask spread.
type SpreadQuality int

const (
	SpreadTight SpreadQuality = iota
	SpreadNormal
	SpreadWide
)

func (q SpreadQuality) String() string {
	switch q {
	case SpreadTight:
		return "tight"
	case SpreadWide:
		return "wide"
	}
	return "normal"
}

// AssessSpread classifies a quote's spread against the configured cent
// thresholds.
func AssessSpread(q broker.Quote, tightCents, wideCents float64) SpreadQuality {
	cents := q.Spread() * 100
	switch {
	case cents <= tightCents:
		return SpreadTight
	case cents >= wideCents:
		return SpreadWide
	}
	return SpreadNormal
}

// ClockSource provides the broker market clock.
type ClockSource interface {
	GetClock(ctx context.Context) (*broker.Clock, error)
}

const (
	openWindow   = 5 * time.Minute
	maxOpenDelay = 30 * time.Second
	// Regular session length, used to recover today's open from the clock.
	sessionLength = 6*time.Hour + 30*time.Minute
)

// MarketTimingEngine advises the aggressive ladder variant whether to defer
// briefly just after the session open, when spreads have not settled yet.
type MarketTimingEngine struct {
	clock      ClockSource
	tightCents float64
	wideCents  float64
	log        *zap.Logger
}

// NewMarketTimingEngine creates a timing engine.
func NewMarketTimingEngine(clock ClockSource, tightCents, wideCents float64, log *zap.Logger) *MarketTimingEngine {
	return &MarketTimingEngine{
		clock:      clock,
		tightCents: tightCents,
		wideCents:  wideCents,
		log:        log,
	}
}

// OpenDelay returns how long to defer before executing, bounded by
// maxOpenDelay. Nonzero only when the session opened within the last few
// minutes and the observed spread is wide. Clock failures advise no delay.
func (m *MarketTimingEngine) OpenDelay(ctx context.Context, q broker.Quote) time.Duration {
	clk, err := m.clock.GetClock(ctx)
	if err != nil {
		m.log.Warn("clock unavailable, skipping open deferral", zap.Error(err))
		return 0
	}
	if !clk.IsOpen {
		return 0
	}

	sessionOpen := clk.NextClose.Add(-sessionLength)
	since := clk.Timestamp.Sub(sessionOpen)
	if since < 0 || since >= openWindow {
		return 0
	}
	if AssessSpread(q, m.tightCents, m.wideCents) != SpreadWide {
		return 0
	}

	delay := openWindow - since
	if delay > maxOpenDelay {
		delay = maxOpenDelay
	}
	m.log.Info("deferring around session open",
		zap.Duration("since_open", since),
		zap.Duration("delay", delay),
		zap.Float64("spread_cents", q.Spread()*100),
	)
	return delay
}
