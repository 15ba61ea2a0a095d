package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PaymentProcessor/internal/config"
	"PaymentProcessor/internal/db"
	"PaymentProcessor/internal/events"
	"PaymentProcessor/internal/history"
	"PaymentProcessor/internal/observability"
	"PaymentProcessor/internal/store"
	"PaymentProcessor/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.Setup(ctx, "payment-processor-worker")
	if err != nil {
		fatal("otel setup failed", err)
	}
	defer func() { _ = shutdownOtel(context.Background()) }()

	cfg, err := config.Load("")
	if err != nil {
		fatal("config load failed", err)
	}

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		fatal("db connect failed", err)
	}
	defer pool.Close()

	var publisher worker.Publisher = events.LogPublisher{MerchantID: cfg.Processor.MerchantID}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Processor.MerchantID, cfg.Kafka.Topic, nil)
		if err != nil {
			fatal("kafka publisher failed", err)
		}
		defer kp.Close()
		publisher = kp
	}

	client, err := historyClient(cfg)
	if err != nil {
		fatal("history client failed", err)
	}

	w := &worker.Worker{
		Ledger:     store.New(pool),
		Publisher:  publisher,
		History:    client,
		MerchantID: cfg.Processor.MerchantID,
		BatchSize:  cfg.Worker.BatchSize,
		Interval:   time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
	}

	slog.Info("worker started",
		slog.String("history_transport", cfg.History.Transport),
		slog.Int("kafka_brokers", len(cfg.Kafka.Brokers)))
	w.Run(ctx)
}

func historyClient(cfg *config.Config) (history.Client, error) {
	if len(cfg.History.Endpoints) == 0 && cfg.History.WSEndpoint == "" {
		slog.Warn("history delivery disabled: no endpoints configured")
		return nil, nil
	}
	if cfg.History.Transport == "ws" {
		endpoint := cfg.History.WSEndpoint
		if endpoint == "" {
			endpoint = history.DefaultWSEndpoint(cfg.History.Endpoints[0])
		}
		slog.Info("history ws endpoint", slog.String("endpoint", endpoint))
		return history.NewWSClient(endpoint), nil
	}
	return history.NewMultiRPCClient(cfg.History.Endpoints, cfg.History.FailoverThreshold)
}

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
