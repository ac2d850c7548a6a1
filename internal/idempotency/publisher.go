package idempotency

import (
	"context"
	"time"

	"github.com/ismaiel54/order-execution-engine/internal/msg"
	"go.uber.org/zap"
)

const (
	publishInterval = 1 * time.Second
	publishBatch    = 100
)

// Publisher drains the outbox to Kafka. Publishing is at-least-once: an
// event is marked published only after the produce succeeds, so a crash in
// between republishes it. Downstream consumers deduplicate on event_id.
type Publisher struct {
	store    *Store
	producer *msg.Producer
	logger   *zap.Logger
}

// NewPublisher creates an outbox publisher.
func NewPublisher(store *Store, producer *msg.Producer, logger *zap.Logger) *Publisher {
	return &Publisher{store: store, producer: producer, logger: logger}
}

// Run drains the outbox until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.drain(ctx); err != nil {
				p.logger.Error("outbox drain failed", zap.Error(err))
			}
		}
	}
}

func (p *Publisher) drain(ctx context.Context) error {
	events, err := p.store.ListUnpublished(ctx, publishBatch)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := p.producer.ProduceJSON(ctx, ev.Topic, ev.Key, rawJSON(ev.PayloadJSON)); err != nil {
			p.logger.Warn("failed to publish outbox event, will retry",
				zap.String("event_id", ev.EventID),
				zap.Error(err),
			)
			continue
		}
		if err := p.store.MarkPublished(ctx, ev.EventID, time.Now().UnixMilli()); err != nil {
			p.logger.Error("failed to mark event published",
				zap.String("event_id", ev.EventID),
				zap.Error(err),
			)
			continue
		}
		p.logger.Debug("outbox event published",
			zap.String("event_id", ev.EventID),
			zap.String("intent_id", ev.IntentID),
		)
	}
	return nil
}

// rawJSON produces pre-marshaled payloads without re-encoding.
type rawJSON string

func (r rawJSON) MarshalJSON() ([]byte, error) {
	return []byte(r), nil
}
