// Package monitor resolves submitted orders to terminal statuses within a
// wall-clock budget, via either a streaming push channel or a polling loop.
// The ladder is agnostic to which mode is active.
package monitor

import (
	"context"
	"time"

	"github.com/ismaiel54/order-execution-engine/internal/broker"
	"go.uber.org/zap"
)

// StatusTimeout is the synthetic terminal status assigned locally when an
// order does not resolve within the budget. It is never broker-confirmed.
const StatusTimeout = string(broker.StatusTimeout)

// OrderGetter is the direct status-query surface the monitor needs for
// polling and for the defensive double-check before finalizing a timeout.
type OrderGetter interface {
	GetOrder(ctx context.Context, id string) (*broker.Order, error)
}

// Source resolves orders to terminal statuses.
//
// WaitForCompletion blocks until every id has a terminal status or maxWait
// elapses, and returns a completion record per id; unresolved ids map to
// StatusTimeout. An empty id list returns immediately with no network
// calls. Close releases any held connection and is safe to call more than
// once; callers must guarantee it runs on every exit path.
type Source interface {
	WaitForCompletion(ctx context.Context, ids []string, maxWait time.Duration) map[string]string
	Close()
}

// StreamConfig holds settings for the streaming trade-updates channel.
type StreamConfig struct {
	URL       string
	KeyID     string
	SecretKey string
	// PartialFillGrace is the one-time wait extension granted when a
	// partial fill is observed during a wait.
	PartialFillGrace time.Duration
}

// NewSource returns a streaming source when the stream is configured and
// the dial succeeds, otherwise degrades transparently to polling. A
// returned source is owned by one ladder invocation; it is not safe for
// concurrent use by independent ladders.
func NewSource(ctx context.Context, cfg StreamConfig, getter OrderGetter, log *zap.Logger) Source {
	if cfg.URL == "" {
		return NewPollingSource(getter, log)
	}
	src, err := DialStream(ctx, cfg, getter, log)
	if err != nil {
		log.Warn("stream setup failed, falling back to polling", zap.Error(err))
		return NewPollingSource(getter, log)
	}
	return src
}

// doubleCheck issues one direct status query before a timeout is finalized.
// A terminal result there overrides the synthetic timeout; this protects
// against dropped push notifications and missed polls.
func doubleCheck(ctx context.Context, getter OrderGetter, id string, log *zap.Logger) string {
	qctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	order, err := getter.GetOrder(qctx, id)
	if err != nil {
		log.Debug("timeout double-check query failed", zap.String("order_id", id), zap.Error(err))
		return StatusTimeout
	}
	if order.Status.Terminal() {
		log.Info("timeout overridden by direct status query",
			zap.String("order_id", id),
			zap.String("status", string(order.Status)),
		)
		return string(order.Status)
	}
	return StatusTimeout
}
