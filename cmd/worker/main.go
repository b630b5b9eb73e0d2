package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/payintelli/hookd/internal/backoff"
	"github.com/payintelli/hookd/internal/config"
	"github.com/payintelli/hookd/internal/delivery"
	"github.com/payintelli/hookd/internal/directory"
	"github.com/payintelli/hookd/internal/executor"
	"github.com/payintelli/hookd/internal/health"
	"github.com/payintelli/hookd/internal/logging"
	"github.com/payintelli/hookd/internal/metrics"
	"github.com/payintelli/hookd/internal/scheduler"
	"github.com/payintelli/hookd/internal/store"
	"github.com/payintelli/hookd/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("hookd-worker")

	shutdown, err := tracing.Init(ctx, "hookd-worker")
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
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// Dual-horizon retry dispatch: queue deferral up to the ceiling,
	// one-shot triggers beyond it.
	dispatcher := scheduler.NewThresholdDispatcher(
		scheduler.NewQueueDispatcher(producer, cfg.NSQ.DeliveriesTopic),
		scheduler.NewTriggerDispatcher(rdb),
		cfg.Worker.DirectDelayCeiling,
	)

	httpClient := &http.Client{
		Timeout: cfg.Worker.RequestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: cfg.Worker.DialTimeout}).DialContext,
		},
	}

	exec := executor.New(
		dir,
		recordStore,
		dispatcher,
		httpClient,
		backoff.New(cfg.Worker.BackoffSchedule),
		int32(cfg.Worker.MaxAttempts),
		logger,
	)

	conf := nsq.NewConfig()
	conf.MaxInFlight = 1000
	// Deferred publishes on retry may carry up to the direct-delay ceiling.
	conf.MaxRequeueDelay = cfg.Worker.DirectDelayCeiling
	consumer, err := nsq.NewConsumer(cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // we manually requeue or finish
		defer func() {
			if !m.HasResponded() {
				m.Finish()
			}
		}()

		var msg delivery.Message
		if err := json.Unmarshal(m.Body, &msg); err != nil {
			logger.Plain().WithError(err).Error("bad delivery payload")
			m.Finish() // terminal: don't retry bad payloads
			return nil
		}

		if err := exec.Process(ctx, msg); err != nil {
			// Bookkeeping infrastructure was unreachable; let the queue
			// redeliver and the idempotency guard absorb the replay.
			m.Requeue(-1)
			return nil
		}
		m.Finish()
		return nil
	}))

	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}
