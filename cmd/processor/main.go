package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/censys/scan-browser/pkg/config"
	"github.com/censys/scan-browser/pkg/logging"
	"github.com/censys/scan-browser/pkg/metrics"
	"github.com/censys/scan-browser/pkg/processing"
	"github.com/censys/scan-browser/pkg/storage/backend"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		logrus.Fatalf("logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := backend.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	if err := db.CreateDatabase(ctx); err != nil {
		log.Fatalf("db schema: %v", err)
	}

	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		log.Fatalf("pubsub client: %v", err)
	}
	defer client.Close()

	var dlqPublisher processing.DLQPublisher
	if cfg.PubSub.DLQTopicID != "" {
		dlqPublisher = processing.NewPubSubDLQPublisher(client.Topic(cfg.PubSub.DLQTopicID))
	} else {
		dlqPublisher = &processing.NoopDLQPublisher{}
	}

	m := metrics.New()
	if cfg.PubSub.MetricsAddr != "" {
		go serveMetrics(ctx, log, cfg.PubSub.MetricsAddr, m)
	}

	processor := processing.NewProcessor(db, dlqPublisher, log, m)

	sub := client.Subscription(cfg.PubSub.SubscriptionID)
	sub.ReceiveSettings.NumGoroutines = cfg.PubSub.Workers
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.PubSub.MaxOutstanding

	log.WithFields(logrus.Fields{
		"project":      cfg.PubSub.ProjectID,
		"subscription": cfg.PubSub.SubscriptionID,
		"workers":      cfg.PubSub.Workers,
		"driver":       cfg.Database.Driver,
	}).Info("processor started")

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if processor.HandleMessage(ctx, msg) {
			msg.Ack()
		} else {
			msg.Nack()
		}
	})
	if err != nil {
		log.Fatalf("subscription receive ended: %v", err)
	}
	log.Info("processor stopped")
}

func serveMetrics(ctx context.Context, log *logrus.Logger, addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("metrics server failed")
	}
}
