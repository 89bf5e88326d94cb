// Command server runs the election tally control plane: it wires the
// Store, Lock Manager, Secret Cache, Message Bus, Scheduler, CWS client,
// worker Pool and Orchestrator together and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kenneth/s3-encryption-gateway/internal/api"
	"github.com/kenneth/s3-encryption-gateway/internal/audit"
	"github.com/kenneth/s3-encryption-gateway/internal/bus"
	"github.com/kenneth/s3-encryption-gateway/internal/config"
	"github.com/kenneth/s3-encryption-gateway/internal/cws"
	"github.com/kenneth/s3-encryption-gateway/internal/debug"
	"github.com/kenneth/s3-encryption-gateway/internal/lockmanager"
	"github.com/kenneth/s3-encryption-gateway/internal/metrics"
	"github.com/kenneth/s3-encryption-gateway/internal/middleware"
	"github.com/kenneth/s3-encryption-gateway/internal/model"
	"github.com/kenneth/s3-encryption-gateway/internal/orchestrator"
	"github.com/kenneth/s3-encryption-gateway/internal/s3"
	"github.com/kenneth/s3-encryption-gateway/internal/scheduler"
	"github.com/kenneth/s3-encryption-gateway/internal/secretcache"
	"github.com/kenneth/s3-encryption-gateway/internal/store"
	"github.com/kenneth/s3-encryption-gateway/internal/worker"
)

// newAuditWriter builds the audit trail's durable sink: S3-compatible
// archival when an audit bucket is configured, otherwise stdout.
func newAuditWriter(cfg config.Config, log *logrus.Logger) audit.EventWriter {
	if cfg.AuditS3Bucket == "" {
		return &audit.StdoutSink{}
	}
	endpoint, region, err := s3.ValidateProviderConfig(cfg.AuditS3Endpoint, cfg.AuditS3Provider, cfg.AuditS3Region)
	if err != nil {
		log.WithError(err).Warn("audit: invalid S3 archival config, falling back to stdout")
		return &audit.StdoutSink{}
	}
	client, err := s3.NewClient(&s3.BackendConfig{
		Region:    region,
		Endpoint:  endpoint,
		Provider:  cfg.AuditS3Provider,
		AccessKey: cfg.AuditS3AccessKey,
		SecretKey: cfg.AuditS3SecretKey,
	})
	if err != nil {
		log.WithError(err).Warn("audit: failed to build S3 archival client, falling back to stdout")
		return &audit.StdoutSink{}
	}
	return audit.NewS3Sink(client, cfg.AuditS3Bucket, cfg.AuditS3Prefix)
}

// newTracerProvider wires a minimal OpenTelemetry SDK pipeline so that
// Prometheus exemplars (internal/metrics) have a real trace id to attach:
// the stdout exporter needs no collector, matching this control plane's
// otherwise collector-free deployment story.
func newTracerProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("tracing: build stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}

func main() {
	configFile := flag.String("config", "", "path to a YAML config file (optional, overrides defaults)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if debug.Enabled() {
		log.SetLevel(logrus.DebugLevel)
	}

	loader, err := config.NewLoader(*configFile, log)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	cfg := loader.Current()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.WithError(err).Fatal("failed to connect to redis")
	}

	st := store.NewMemStore()
	b := bus.New(rdb, log, bus.DefaultVisibilityTimeout)
	locks := lockmanager.New(rdb, log)
	secrets := secretcache.New(rdb, log)

	cwsClient := cws.New(cfg.CWSBaseURL, cws.PoolConfig{
		MaxConnections:        cfg.CWSMaxConnections,
		MaxPerRoute:           cfg.CWSMaxPerRoute,
		IdleEvictInterval:     cfg.CWSIdleEvict,
		ValidateAfterInactive: cfg.CWSValidateAfter,
		ConnTTL:               cfg.CWSConnTTL,
	}, nil, log)
	defer cwsClient.Close()

	auditWriter := newAuditWriter(cfg, log)
	auditLogger := audit.NewLogger(1000, audit.NewBatchSink(auditWriter, 100, 5*time.Second, 3, time.Second))
	defer auditLogger.Close()

	sched := scheduler.New(st, b, cfg.SchedulerTick, log, scheduler.RetryConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BackoffBase: cfg.RetryBackoffBase,
		BackoffMult: cfg.RetryBackoffMult,
	})
	loader.Subscribe(func(c config.Config) {
		sched.SetRetryConfig(scheduler.RetryConfig{
			MaxAttempts: c.RetryMaxAttempts,
			BackoffBase: c.RetryBackoffBase,
			BackoffMult: c.RetryBackoffMult,
		})
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	handlers := map[model.OperationType]worker.Handler{
		model.OperationTally:              &worker.TallyHandler{Store: st, CWS: cwsClient, Audit: auditLogger},
		model.OperationPartialDecrypt:     &worker.PartialDecryptHandler{Store: st, CWS: cwsClient, Secret: secrets, Audit: auditLogger},
		model.OperationCompensatedDecrypt: &worker.CompensatedDecryptHandler{Store: st, CWS: cwsClient, Secret: secrets, Audit: auditLogger},
		model.OperationCombine:            &worker.CombineHandler{Store: st, CWS: cwsClient, Audit: auditLogger},
	}
	queues := map[model.OperationType]string{
		model.OperationTally:              bus.QueueTally,
		model.OperationPartialDecrypt:     bus.QueuePartialDecrypt,
		model.OperationCompensatedDecrypt: bus.QueueCompensatedDecrypt,
		model.OperationCombine:            bus.QueueCombine,
	}
	pool := &worker.Pool{Bus: b, Scheduler: sched, Handlers: handlers, Queues: queues, Concurrency: cfg.WorkerConcurrencyMax, Log: log}
	pool.Start(ctx)
	defer pool.Stop()

	orch := orchestrator.New(orchestrator.Config{
		Store: st, Locks: locks, Secrets: secrets, Scheduler: sched, Bus: b,
		ChunkSize: cfg.ChunkSize, SecretTTL: cfg.SecretTTL, LockTTL: cfg.LockTTL,
		Logger: log,
	})

	tp, err := newTracerProvider()
	if err != nil {
		log.WithError(err).Warn("tracing: disabled, exemplars will carry no trace id")
	} else {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector()

	h := api.NewHandler(orch, log, m)
	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.LoggingMiddleware(log))
	h.RegisterRoutes(router)
	router.Handle("/metrics", m.Handler())

	var rootHandler http.Handler = router
	if tp != nil {
		rootHandler = otelhttp.NewHandler(router, "control-plane")
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: rootHandler}
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
