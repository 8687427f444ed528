// Package main runs the protocol metrics indexer: it follows the protocol's trigger contracts,
// recomputes the daily metrics record on every triggering block and serves the results.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/protocol-metrics/internal/chain"
	"github.com/yourorg/protocol-metrics/internal/circuitbreaker"
	"github.com/yourorg/protocol-metrics/internal/config"
	"github.com/yourorg/protocol-metrics/internal/export"
	"github.com/yourorg/protocol-metrics/internal/indexer"
	"github.com/yourorg/protocol-metrics/internal/model"
	"github.com/yourorg/protocol-metrics/internal/otel"
	"github.com/yourorg/protocol-metrics/internal/protocol"
	"github.com/yourorg/protocol-metrics/internal/store"
)

func main() {
	setupLogging()
	cfg := config.Load()

	deployment, err := config.LoadDeployment(cfg.DeploymentFile)
	if err != nil {
		logrus.Fatalf("Failed to load deployment: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := otel.InitTracer(cfg, deployment.Name)
	defer shutdownTracer()

	eth, err := chain.Dial(ctx, cfg.RPCEndpoint)
	if err != nil {
		logrus.Fatalf("Failed to connect to RPC: %v", err)
	}
	defer eth.Close()

	client := chain.NewClient(eth,
		chain.WithRateLimit(cfg.RPCRateLimit, cfg.RPCBurst),
		chain.WithCallTimeout(cfg.RequestTimeout),
	)

	repo, err := store.Open(ctx, store.Options{
		Backend:     cfg.StoreBackend,
		RedisAddr:   cfg.RedisAddr,
		RedisDB:     cfg.RedisDB,
		RedisPrefix: cfg.RedisPrefix,
		PostgresDSN: cfg.PostgresDSN,
	})
	if err != nil {
		logrus.Fatalf("Failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer repo.Close()

	computer := protocol.NewComputer(client, repo, deployment)

	breaker := circuitbreaker.New(circuitbreaker.Thresholds{
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		MaxPriceChange:         cfg.MaxPriceChange,
		MaxAPY:                 cfg.MaxAPY,
	}).WithResetDelay(cfg.CircuitResetDelay).
		WithTripCallback(func(reason string, last *model.DailyMetric) {
			fields := logrus.Fields{"reason": reason}
			if last != nil {
				fields["last_good_day"] = last.ID
				fields["last_good_block"] = last.BlockNumber
			}
			logrus.WithFields(fields).Error("Indexing paused by circuit breaker")
		})

	options := []indexer.Option{
		indexer.WithBreaker(breaker),
		indexer.WithMetrics(indexer.NewMetrics(prometheus.DefaultRegisterer)),
		indexer.WithHistory(repo),
		indexer.WithValidation(cfg.ValidateRecords),
	}

	workers := newLifecycle()

	var exporterStatus ExporterStatus
	if cfg.WebhookURL != "" {
		key, err := export.ParseSigningKey(cfg.WebhookSigningKey)
		if err != nil {
			logrus.Fatalf("Failed to load webhook signing key: %v", err)
		}
		exporter, err := export.NewExporter(export.Config{
			URL:        cfg.WebhookURL,
			APIKey:     cfg.WebhookAPIKey,
			BatchSize:  cfg.WebhookBatchSize,
			Interval:   cfg.WebhookInterval,
			RetryMax:   3,
			SigningKey: key,
		})
		if err != nil {
			logrus.Fatalf("Failed to create webhook exporter: %v", err)
		}
		workers.goExporter(exporter.Run)
		options = append(options, indexer.WithSink(exporter))
		exporterStatus = exporter
	}

	ix := indexer.New(eth, computer, indexer.Options{
		Triggers:      deployment.TriggerAddresses(),
		StartBlock:    deployment.StartBlock,
		PollInterval:  cfg.PollInterval,
		MaxBlockRange: cfg.MaxBlockRange,
		Confirmations: cfg.Confirmations,
		SnapshotCron:  cfg.SnapshotCron,
	}, options...)

	logrus.WithFields(logrus.Fields{
		"deployment":  deployment.Name,
		"store":       cfg.StoreBackend,
		"triggers":    len(deployment.TriggerAddresses()),
		"start_block": deployment.StartBlock,
		"snapshot":    cfg.SnapshotCron,
		"webhook":     cfg.WebhookURL != "",
	}).Info("Protocol metrics indexer initialized")

	workers.goIndexer(ctx, ix.Run, func(err error) {
		logrus.Errorf("Indexer stopped with error: %v", err)
		stop()
	})

	server := NewServer(cfg.Port, deployment.Name, repo, ix, breaker, exporterStatus)
	if err := server.Start(ctx); err != nil {
		logrus.Errorf("Server error: %v", err)
	}

	// Workers drain before the deferred store and RPC closes run
	stop()
	workers.wait()
	logrus.Info("Shutdown complete")
}
