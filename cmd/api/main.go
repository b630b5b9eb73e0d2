package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/payintelli/hookd/internal/api"
	"github.com/payintelli/hookd/internal/config"
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

	logger := logging.New("hookd-api")

	shutdown, err := tracing.Init(ctx, "hookd-api")
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

	var validator *api.JWTValidator
	if cfg.API.JWTPublicKeyPEM != "" {
		validator, err = api.NewJWTValidator(cfg.API.JWTPublicKeyPEM, cfg.API.JWTIssuer, cfg.API.JWTAudience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator creation failed")
		}
	} else {
		logger.Plain().Warn("JWT_PUBLIC_KEY_PEM not set, API auth disabled")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	fanout := publisher.New(dir, recordStore, producer, cfg.NSQ.DeliveriesTopic, logger)
	srv := api.New(fanout, recordStore, dir, validator, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, rdb))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/v1/", srv.Handler())

	httpSrv := &http.Server{
		Addr:         cfg.API.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("api server stopped")
}
