// Command intent-producer publishes synthetic trade intents, with a
// configurable duplicate percentage, for exercising the executor's
// idempotent ingress end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ismaiel54/order-execution-engine/internal/logging"
	"github.com/ismaiel54/order-execution-engine/internal/msg"
	"go.uber.org/zap"
)

var symbols = []string{"AAPL", "SPY", "QQQ", "TQQQ", "TECL", "MSFT"}

func main() {
	var (
		count   = flag.Int("count", 50, "Number of intents to produce")
		dupPct  = flag.Int("dup-pct", 30, "Percentage of duplicates (0-100)")
		seed    = flag.Int64("seed", 42, "Random seed for deterministic generation")
		brokers = flag.String("brokers", "127.0.0.1:9092", "Kafka broker addresses")
		topic   = flag.String("topic", msg.TopicOrdersIntents, "Topic to produce to")
	)
	flag.Parse()

	logger, err := logging.NewLogger("intent-producer", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	brokerList := parseBrokers(*brokers)
	logger.Info("starting intent producer",
		zap.Int("count", *count),
		zap.Int("dup_pct", *dupPct),
		zap.Int64("seed", *seed),
		zap.Strings("brokers", brokerList),
		zap.String("topic", *topic),
	)

	producer, err := msg.NewProducer(brokerList, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	rng := rand.New(rand.NewSource(*seed))

	intents := make([]msg.TradeIntentMsg, 0, *count)
	intentIDs := make([]string, 0, *count)
	dupCount := 0

	for i := 0; i < *count; i++ {
		isDup := rng.Intn(100) < *dupPct && len(intentIDs) > 0

		var intentID string
		if isDup {
			intentID = intentIDs[rng.Intn(len(intentIDs))]
			dupCount++
		} else {
			intentID = fmt.Sprintf("intent-%d-%d", *seed, len(intentIDs))
			intentIDs = append(intentIDs, intentID)
		}

		side := "buy"
		if rng.Intn(2) == 1 {
			side = "sell"
		}
		urgency := "normal"
		if rng.Intn(10) == 0 {
			urgency = "high"
		}

		intents = append(intents, msg.TradeIntentMsg{
			EventID:      uuid.New().String(),
			IntentID:     intentID,
			Symbol:       symbols[rng.Intn(len(symbols))],
			Side:         side,
			Qty:          float64(1 + rng.Intn(100)),
			Urgency:      urgency,
			TsUnixMillis: time.Now().UnixMilli(),
		})
	}

	ctx := context.Background()
	produced := 0
	failed := 0

	for _, intent := range intents {
		if err := producer.ProduceJSON(ctx, *topic, intent.Symbol, intent); err != nil {
			logger.Error("failed to produce intent",
				zap.String("intent_id", intent.IntentID),
				zap.Error(err),
			)
			failed++
			continue
		}
		produced++
		logger.Debug("produced intent",
			zap.String("intent_id", intent.IntentID),
			zap.String("symbol", intent.Symbol),
		)
	}

	logger.Info("intent producer completed",
		zap.Int("total", *count),
		zap.Int("produced", produced),
		zap.Int("failed", failed),
		zap.Int("unique_intents", len(intentIDs)),
		zap.Int("duplicates", dupCount),
	)

	fmt.Printf("\n=== Intent Producer Summary ===\n")
	fmt.Printf("Total intents: %d\n", *count)
	fmt.Printf("Produced: %d\n", produced)
	fmt.Printf("Failed: %d\n", failed)
	fmt.Printf("Unique intent IDs: %d\n", len(intentIDs))
	fmt.Printf("Duplicates: %d\n", dupCount)
	fmt.Printf("Topic: %s\n\n", *topic)

	if failed > 0 {
		os.Exit(1)
	}
}

func parseBrokers(brokers string) []string {
	list := make([]string, 0)
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	return list
}
