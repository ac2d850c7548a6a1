package execution

import (
	"math"
	"time"

	"github.com/ismaiel54/order-execution-engine/internal/broker"
)

// Urgency classifies how quickly an intent needs to execute. Higher urgency
// shortens the ladder and starts it deeper into the spread.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyHigh
)

// ParseUrgency maps an intent urgency string to an Urgency. Unknown values
// are treated as normal.
func ParseUrgency(s string) Urgency {
	switch s {
	case "low":
		return UrgencyLow
	case "high":
		return UrgencyHigh
	}
	return UrgencyNormal
}

// Params configures one run of the generic step driver: a monotonically
// increasing sequence of fractions through the half-spread (0.0 = midpoint,
// 1.0 = the opposing side), a per-step wait budget, and tick granularity.
type Params struct {
	StepFractions []float64
	StepWait      time.Duration
	Tick          float64
	// Marketable prices every step one ThroughTicks past the opposing
	// side instead of inside the spread (the aggressive re-peg variant).
	Marketable   bool
	ThroughTicks int
	// RefreshQuote re-resolves the quote before each re-peg.
	RefreshQuote bool
	SettleDelay  time.Duration
}

const (
	// Step prices are priced on a finer grid than the broker's cent tick
	// so the first step can sit exactly on the midpoint.
	defaultStepTick  = 0.0001
	centTick         = 0.01
	defaultSettle    = 500 * time.Millisecond
	aggressiveWait   = 3 * time.Second
	maxAggressiveLeg = 2
)

// AdaptiveParams derives ladder parameters from urgency.
func AdaptiveParams(u Urgency, stepWait time.Duration) Params {
	var fractions []float64
	switch u {
	case UrgencyLow:
		fractions = []float64{0, 0.2, 0.4, 0.6, 0.8, 1.0}
	case UrgencyHigh:
		fractions = []float64{0.5, 0.75, 1.0}
	default:
		fractions = []float64{0, 0.25, 0.5, 0.75, 1.0}
	}
	return Params{
		StepFractions: fractions,
		StepWait:      stepWait,
		Tick:          defaultStepTick,
	}
}

// AggressiveParams builds the lean re-peg variant: one marketable-limit
// attempt one tick through the opposing side, then at most maxRepegs
// re-pegs on short fixed budgets, each refreshing the quote.
func AggressiveParams(maxRepegs int, stepWait time.Duration) Params {
	if maxRepegs < 0 {
		maxRepegs = 0
	}
	if maxRepegs > maxAggressiveLeg {
		maxRepegs = maxAggressiveLeg
	}
	if stepWait <= 0 || stepWait > aggressiveWait {
		stepWait = aggressiveWait
	}
	fractions := make([]float64, 1+maxRepegs)
	for i := range fractions {
		fractions[i] = 1.0
	}
	return Params{
		StepFractions: fractions,
		StepWait:      stepWait,
		Tick:          centTick,
		Marketable:    true,
		ThroughTicks:  1,
		RefreshQuote:  true,
	}
}

// StepPrice prices one ladder step. For BUY the price walks from the
// midpoint toward the ask, for SELL from the midpoint toward the bid; the
// result is tick-rounded and clamped so BUY prices lie in [mid, ask] and
// SELL prices lie in [bid, mid].
func StepPrice(q broker.Quote, side broker.Side, fraction, tick float64) float64 {
	mid := q.Mid()
	half := q.Spread() / 2

	var px float64
	if side == broker.SideBuy {
		px = roundToTick(mid+fraction*half, tick)
		if px < mid {
			px = mid
		}
		if px > q.Ask {
			px = q.Ask
		}
	} else {
		px = roundToTick(mid-fraction*half, tick)
		if px > mid {
			px = mid
		}
		if px < q.Bid {
			px = q.Bid
		}
	}
	return px
}

// MarketablePrice prices a marketable limit: through the opposing side by
// the given number of ticks, aggressive enough to execute against resting
// liquidity immediately.
func MarketablePrice(q broker.Quote, side broker.Side, tick float64, throughTicks int) float64 {
	through := float64(throughTicks) * tick
	if side == broker.SideBuy {
		return roundToTick(q.Ask+through, tick)
	}
	px := roundToTick(q.Bid-through, tick)
	if px < tick {
		px = tick
	}
	return px
}

func roundToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	return math.Round(px/tick) * tick
}
