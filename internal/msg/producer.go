package msg

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Producer wraps a Kafka producer for JSON messages.
type Producer struct {
	client   *kgo.Client
	logger   *zap.Logger
	stop     chan struct{}
	produced int64
	errored  int64
}

// NewProducer creates a Kafka producer with all-ISR acks.
func NewProducer(brokers []string, logger *zap.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	p := &Producer{
		client: client,
		logger: logger,
		stop:   make(chan struct{}),
	}
	logger.Info("producer initialized", zap.Strings("brokers", brokers))
	go p.logStats()
	return p, nil
}

// ProduceJSON marshals v and produces it synchronously to the topic.
func (p *Producer) ProduceJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		atomic.AddInt64(&p.errored, 1)
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(produceCtx, &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	})
	if err := result.FirstErr(); err != nil {
		atomic.AddInt64(&p.errored, 1)
		return fmt.Errorf("failed to produce message: %w", err)
	}

	atomic.AddInt64(&p.produced, 1)
	return nil
}

// Close shuts the producer down.
func (p *Producer) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	if p.client != nil {
		p.client.Close()
	}
}

func (p *Producer) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.logger.Info("producer stats",
				zap.Int64("produced", atomic.LoadInt64(&p.produced)),
				zap.Int64("errors", atomic.LoadInt64(&p.errored)),
			)
		}
	}
}
