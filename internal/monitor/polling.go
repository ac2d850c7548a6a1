package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	maxPollInterval = 1 * time.Second
	minPollInterval = 100 * time.Millisecond
)

// PollingSource resolves orders by repeatedly querying their status. It is
// the fallback mode and holds no connection state.
type PollingSource struct {
	getter OrderGetter
	log    *zap.Logger
}

// NewPollingSource creates a polling source.
func NewPollingSource(getter OrderGetter, log *zap.Logger) *PollingSource {
	return &PollingSource{getter: getter, log: log}
}

var _ Source = (*PollingSource)(nil)

// WaitForCompletion polls all outstanding ids at a bounded interval until
// every order reaches a terminal status or maxWait elapses. The interval is
// tightened for short budgets so even a sub-second wait gets a few polls.
func (s *PollingSource) WaitForCompletion(ctx context.Context, ids []string, maxWait time.Duration) map[string]string {
	results := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return results
	}

	deadline := time.Now().Add(maxWait)
	interval := maxWait / 4
	if interval > maxPollInterval {
		interval = maxPollInterval
	}
	if interval < minPollInterval {
		interval = minPollInterval
	}

	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}

	for len(pending) > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		for id := range pending {
			qctx, cancel := context.WithDeadline(ctx, deadline)
			order, err := s.getter.GetOrder(qctx, id)
			cancel()
			if err != nil {
				s.log.Debug("status poll failed", zap.String("order_id", id), zap.Error(err))
				continue
			}
			if order.Status.Terminal() {
				results[id] = string(order.Status)
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}

		sleep := interval
		if remaining := time.Until(deadline); remaining < sleep {
			sleep = remaining
		}
		if sleep <= 0 {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(sleep):
		}
	}

	for id := range pending {
		results[id] = doubleCheck(ctx, s.getter, id, s.log)
	}
	return results
}

// Close is a no-op; polling holds no connection.
func (s *PollingSource) Close() {}
