package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/payintelli/hookd/internal/config"
	"github.com/payintelli/hookd/internal/delivery"
	"github.com/payintelli/hookd/internal/directory"
	"github.com/payintelli/hookd/internal/health"
	"github.com/payintelli/hookd/internal/logging"
	"github.com/payintelli/hookd/internal/metrics"
	"github.com/payintelli/hookd/internal/publisher"
	"github.com/payintelli/hookd/internal/store"
	"github.com/payintelli/hookd/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("hookd-publisher")

	shutdown, err := tracing.Init(ctx, "hookd-publisher")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := store.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	recordStore := store.New(pool)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	dir := directory.New(rdb)

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, rdb))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("publisher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("publisher HTTP server failed")
		}
	}()

	svc := publisher.New(dir, recordStore, producer, cfg.NSQ.DeliveriesTopic, logger)

	conf := nsq.NewConfig()
	conf.MaxInFlight = 100
	consumer, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.PublisherChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var ev delivery.Event
		if err := json.Unmarshal(m.Body, &ev); err != nil {
			logger.Plain().WithError(err).Error("bad event payload")
			return nil // terminal: don't retry bad payloads
		}
		if _, err := svc.HandleEvent(ctx, ev); err != nil {
			// Subscriber resolution failed; requeue so the fan-out runs
			// once the directory is reachable again.
			logger.Plain().WithTenant(ev.ClientID).WithError(err).Error("event fanout failed")
			return err
		}
		return nil
	}))

	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("publisher service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down publisher service")
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("publisher service stopped")
}
