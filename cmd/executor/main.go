package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/ismaiel54/order-execution-engine/internal/broker"
	"github.com/ismaiel54/order-execution-engine/internal/config"
	"github.com/ismaiel54/order-execution-engine/internal/execution"
	"github.com/ismaiel54/order-execution-engine/internal/idempotency"
	"github.com/ismaiel54/order-execution-engine/internal/logging"
	"github.com/ismaiel54/order-execution-engine/internal/marketdata"
	"github.com/ismaiel54/order-execution-engine/internal/metrics"
	"github.com/ismaiel54/order-execution-engine/internal/monitor"
	"github.com/ismaiel54/order-execution-engine/internal/msg"
	"github.com/ismaiel54/order-execution-engine/internal/observability"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// intentBudget bounds one ladder run end to end, fallback included.
const intentBudget = 2 * time.Minute

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Service.Name, cfg.Service.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting order executor",
		zap.Int("http_port", cfg.Service.HTTPPort),
		zap.Int("grpc_port", cfg.Service.GRPCPort),
		zap.String("kafka_brokers", cfg.Kafka.Brokers),
		zap.String("data_dir", cfg.Service.DataDir),
		zap.Bool("paper", cfg.Broker.Paper),
		zap.String("execution_mode", cfg.Execution.ExecutionMode),
	)

	if err := os.MkdirAll(cfg.Service.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	store, err := idempotency.Open(filepath.Join(cfg.Service.DataDir, "intents.db"), cfg.Kafka.EventsTopic)
	if err != nil {
		logger.Fatal("failed to open idempotency store", zap.Error(err))
	}
	defer store.Close()

	// Broker and market data clients.
	client := broker.NewClient(broker.ClientConfig{
		BaseURL:   cfg.Broker.BaseURL,
		KeyID:     cfg.Broker.KeyID,
		SecretKey: cfg.Broker.SecretKey,
		Paper:     cfg.Broker.Paper,
	})
	quotes := marketdata.NewClient(marketdata.ClientConfig{
		BaseURL:   cfg.Broker.DataURL,
		KeyID:     cfg.Broker.KeyID,
		SecretKey: cfg.Broker.SecretKey,
	})
	gateway := broker.NewGateway(client, quotes.CurrentPrice, broker.GatewayOptions{
		CheckBuyingPower: true,
	}, logger)

	classifier := execution.NewClassifier(cfg.Execution)
	timing := execution.NewMarketTimingEngine(gateway,
		cfg.Execution.TightSpreadCents,
		cfg.Execution.WideSpreadCents,
		logger,
	)

	streamCfg := monitor.StreamConfig{
		URL:       cfg.Broker.StreamURL,
		KeyID:     cfg.Broker.KeyID,
		SecretKey: cfg.Broker.SecretKey,
	}
	newSource := func(ctx context.Context) monitor.Source {
		return monitor.NewSource(ctx, streamCfg, client, logger)
	}

	engine := execution.NewEngine(gateway, quotes, newSource, classifier, execution.EngineOptions{
		Timing:    timing,
		StepWait:  time.Duration(cfg.Execution.StepTimeoutSeconds * float64(time.Second)),
		MaxRepegs: cfg.Execution.MaxRepegs,
	}, logger)

	healthChecker := observability.NewHealthChecker(logger)

	// One clock round trip proves broker connectivity and credentials.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if clk, err := gateway.GetClock(probeCtx); err != nil {
		logger.Warn("broker clock probe failed", zap.Error(err))
	} else {
		logger.Info("broker reachable", zap.Bool("market_open", clk.IsOpen))
		healthChecker.SetBrokerReady(true)
	}
	probeCancel()

	brokers := cfg.KafkaBrokerList()
	producer, err := msg.NewProducer(brokers, logger)
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}
	defer producer.Close()

	publisher := idempotency.NewPublisher(store, producer, logger)

	consumer, err := msg.NewConsumer(brokers, cfg.Kafka.Group, []string{cfg.Kafka.IntentsTopic}, logger)
	if err != nil {
		logger.Fatal("failed to create kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}
	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newIntentHandler(engine, store, logger)
	consumerErrCh := make(chan error, 1)
	go func() {
		if err := consumer.Run(runCtx, handler); err != nil {
			consumerErrCh <- err
		}
	}()

	publisherErrCh := make(chan error, 1)
	go func() {
		if err := publisher.Run(runCtx); err != nil {
			publisherErrCh <- err
		}
	}()

	time.Sleep(1 * time.Second)
	if consumer.IsRunning() {
		healthChecker.SetKafkaReady(true)
	} else {
		logger.Warn("consumer not running yet")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	case err := <-consumerErrCh:
		logger.Error("consumer error", zap.Error(err))
	case err := <-publisherErrCh:
		logger.Error("publisher error", zap.Error(err))
	}

	logger.Info("shutting down gracefully...")
	cancel()
	consumer.Close()
	producer.Close()
	store.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("order executor stopped")
}

// newIntentHandler builds the Kafka handler that drives one intent through
// the execution engine exactly once.
func newIntentHandler(engine *execution.Engine, store *idempotency.Store, logger *zap.Logger) msg.Handler {
	return func(ctx context.Context, rec msg.Record) error {
		var intent msg.TradeIntentMsg
		if err := json.Unmarshal(rec.Value, &intent); err != nil {
			return fmt.Errorf("failed to unmarshal trade intent: %w", err)
		}
		if err := validateIntent(intent); err != nil {
			// Malformed intents are dropped, not retried.
			logger.Error("invalid trade intent dropped",
				zap.String("intent_id", intent.IntentID),
				zap.Error(err),
			)
			metrics.Intents.WithLabelValues("invalid").Inc()
			return nil
		}

		seen, err := store.Seen(ctx, intent.IntentID)
		if err != nil {
			return fmt.Errorf("failed to check intent dedup: %w", err)
		}
		if seen {
			logger.Info("duplicate intent skipped",
				zap.String("intent_id", intent.IntentID),
				zap.String("symbol", intent.Symbol),
			)
			metrics.Intents.WithLabelValues("duplicate").Inc()
			return nil
		}

		execCtx, cancel := context.WithTimeout(ctx, intentBudget)
		defer cancel()

		side := broker.Side(intent.Side)
		var orderID string
		switch {
		case intent.Notional > 0:
			orderID, err = engine.PlaceOrderNotional(execCtx, intent.Symbol, intent.Notional, side)
		case intent.Urgency == "high":
			orderID, err = engine.PlaceOrderAggressive(execCtx, intent.Symbol, intent.Qty, side)
		default:
			orderID, err = engine.PlaceOrderUrgency(execCtx, intent.Symbol, intent.Qty, side, execution.ParseUrgency(intent.Urgency))
		}

		event := msg.ExecutionEventMsg{
			EventID:      "evt-" + uuid.New().String(),
			IntentID:     intent.IntentID,
			OrderID:      orderID,
			Symbol:       intent.Symbol,
			Side:         intent.Side,
			Status:       "executed",
			TsUnixMillis: time.Now().UnixMilli(),
		}
		if err != nil {
			// A failed leg is a definitive outcome, not a redelivery
			// case: record it and let the owner of the intent decide.
			event.Status = "failed"
			event.Reason = err.Error()
			logger.Error("intent execution failed",
				zap.String("intent_id", intent.IntentID),
				zap.String("symbol", intent.Symbol),
				zap.Error(err),
			)
			metrics.Intents.WithLabelValues("failed").Inc()
		} else {
			logger.Info("intent executed",
				zap.String("intent_id", intent.IntentID),
				zap.String("symbol", intent.Symbol),
				zap.String("side", intent.Side),
				zap.String("order_id", orderID),
				zap.Int64("kafka_offset", rec.Offset),
			)
			metrics.Intents.WithLabelValues("executed").Inc()
		}

		if _, err := store.RecordExecution(ctx, event); err != nil {
			return fmt.Errorf("failed to record execution: %w", err)
		}
		return nil
	}
}

func validateIntent(intent msg.TradeIntentMsg) error {
	if intent.IntentID == "" {
		return fmt.Errorf("intent_id cannot be empty")
	}
	if intent.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if intent.Side != string(broker.SideBuy) && intent.Side != string(broker.SideSell) {
		return fmt.Errorf("side must be buy or sell, got %q", intent.Side)
	}
	if (intent.Qty > 0) == (intent.Notional > 0) {
		return fmt.Errorf("exactly one of qty and notional must be positive")
	}
	return nil
}
