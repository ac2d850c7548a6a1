package execution

import (
	"github.com/ismaiel54/order-execution-engine/internal/config"
)

// Classifier decides per-symbol execution mode and slippage tolerance from
// a static, reloadable configuration snapshot. Leveraged ETFs get the full
// configured tolerance, high-volume ETFs half of it, everything else 0.75x.
type Classifier struct {
	enabled    bool
	mode       string
	baseBps    float64
	leveraged  map[string]struct{}
	highVolume map[string]struct{}
}

// NewClassifier builds a classifier from an execution config snapshot.
// Reload is building a new classifier from a freshly loaded snapshot.
func NewClassifier(cfg config.ExecutionConfig) *Classifier {
	c := &Classifier{
		enabled:    cfg.Enabled,
		mode:       cfg.ExecutionMode,
		baseBps:    cfg.MaxSlippageBps,
		leveraged:  make(map[string]struct{}, len(cfg.LeveragedSymbols)),
		highVolume: make(map[string]struct{}, len(cfg.HighVolumeSymbols)),
	}
	for _, s := range cfg.LeveragedSymbols {
		c.leveraged[s] = struct{}{}
	}
	for _, s := range cfg.HighVolumeSymbols {
		c.highVolume[s] = struct{}{}
	}
	return c
}

// Adaptive reports whether the symbol should go through the limit-order
// ladder rather than immediate standard execution. A disabled engine or a
// "standard" override forces standard; "adaptive" forces the ladder; "auto"
// ladders everything and lets the tolerance classification do the per-symbol
// differentiation.
func (c *Classifier) Adaptive(symbol string) bool {
	if !c.enabled {
		return false
	}
	switch c.mode {
	case "standard":
		return false
	case "adaptive":
		return true
	}
	return true
}

// SlippageBps returns the symbol's effective slippage tolerance in basis
// points.
func (c *Classifier) SlippageBps(symbol string) float64 {
	if _, ok := c.leveraged[symbol]; ok {
		return c.baseBps
	}
	if _, ok := c.highVolume[symbol]; ok {
		return c.baseBps * 0.5
	}
	return c.baseBps * 0.75
}
