// Package main is the entrypoint for alertd, the scheme alert pipeline
// daemon. One process hosts the whole pipeline: the trigger coordinator
// polling the records API for changed schemes, the priority queue, the
// dispatch loop feeding the provider gateway under rate limits, the SQS
// delivery-status consumer, and the operator HTTP API.
//
// Every collaborator beyond the queue is optional and gated on its own
// configuration: no DATABASE_URL means the in-memory store, no
// RECORDS_BASE_URL means the trigger loop stays off, no SQS_DELIVERY_STATUS
// means statuses arrive over the webhook only. The queue, dispatcher, and
// operator API always run.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"schemealert/internal/api"
	"schemealert/internal/clock"
	"schemealert/internal/config"
	"schemealert/internal/db"
	"schemealert/internal/dispatch"
	"schemealert/internal/external"
	"schemealert/internal/formatter"
	"schemealert/internal/matcher"
	"schemealert/internal/metrics"
	"schemealert/internal/queue"
	"schemealert/internal/ratelimit"
	"schemealert/internal/statusfeed"
	"schemealert/internal/trigger"
	"schemealert/internal/types"
)

const (
	healthEmitInterval = 30 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// slogAdapter adapts *slog.Logger to the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

var _ types.Logger = (*slogAdapter)(nil)

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	logger := &slogAdapter{logger: slogger.With("service", cfg.Service, "env", cfg.Environment)}

	logger.Info("alertd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.NewReal()

	limiter := ratelimit.New(cfg.RateLimit, clk, logger)

	archive, err := queue.NewArchive(clk)
	if err != nil {
		logger.Error("failed to initialize dead-letter archive", "error", err)
		os.Exit(1)
	}

	// The durable store is optional. Without it the in-memory store keeps
	// the pipeline's behavior identical, minus crash recovery.
	var (
		store types.MessageStore
		pool  *pgxpool.Pool
		dbs   *db.Store
	)
	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Error("failed to parse database url", "error", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		poolCfg.MinConns = int32(cfg.Database.MinConns)
		poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime

		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			logger.Error("failed to create database pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.AcquireTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		dbs = db.NewStore(pool)
		store = dbs
		logger.Info("durable store enabled")
	} else {
		store = queue.NewMemoryStore()
		logger.Info("no DATABASE_URL set, running with in-memory store")
	}

	q := queue.New(cfg.Queue, clk, logger,
		queue.WithRateAdvisor(limiter),
		queue.WithStore(store),
		queue.WithArchive(archive),
	)

	// Re-admit persisted messages through normal intake so capacity and
	// scheduling rules apply to recovered messages too.
	if dbs != nil {
		msgs, err := dbs.LoadMessages(ctx)
		if err != nil {
			logger.Error("failed to load persisted messages", "error", err)
			os.Exit(1)
		}
		recovered := 0
		for i := range msgs {
			if err := q.Enqueue(ctx, &msgs[i]); err != nil {
				logger.Warn("dropping unrecoverable persisted message",
					"message_id", msgs[i].ID, "error", err)
				continue
			}
			recovered++
		}
		if recovered > 0 {
			logger.Info("recovered persisted messages", "count", recovered)
		}
	}

	gateway := external.NewHTTPGateway(cfg.Gateway, logger)
	dispatcher := dispatch.New(q, limiter, gateway, clk, logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	emitter := metrics.New(cwClient, cfg.AWS.MetricNamespace, logger)

	limiter.SubscribeQuotaAlerts(func(alert ratelimit.QuotaAlert) {
		log := logger.With(
			"channel", alert.Channel,
			"window", alert.Window,
			"utilization", alert.Utilization,
		)
		if alert.Level == types.QuotaAlertCritical {
			log.Error("provider quota critical")
		} else {
			log.Warn("provider quota warning")
		}
		if alert.Window == "day" {
			emitter.RecordQuotaUtilization(ctx, alert.Channel, alert.Utilization)
		}
	})

	var sqsClient *sqs.Client
	if cfg.AWS.DeliveryStatusQueue != "" || cfg.AWS.OpsEventsQueue != "" {
		sqsClient = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
	}

	if cfg.AWS.DeliveryStatusQueue != "" {
		consumer := statusfeed.New(sqsClient, cfg.AWS.DeliveryStatusQueue, dispatcher, logger)
		go consumer.Run(ctx)
		logger.Info("delivery status consumer started", "queue_url", cfg.AWS.DeliveryStatusQueue)
	}

	if cfg.AWS.OpsEventsQueue != "" {
		publisher := queue.NewEventPublisher(sqsClient, cfg.AWS.OpsEventsQueue, logger)
		q.SubscribeEvents(publisher.Observe)
		go publisher.Run(ctx)
		logger.Info("ops event publisher started", "queue_url", cfg.AWS.OpsEventsQueue)
	}

	if cfg.Records.BaseURL != "" {
		records := external.NewRecordsClient(cfg.Records, logger)
		coordinator := trigger.New(trigger.Config{
			Trigger:   cfg.Trigger,
			Clock:     clk,
			Schemes:   records,
			Users:     records,
			Formatter: formatter.NewJSON(),
			Matcher:   matcher.New(cfg.Matcher.QualifyingScore),
			Queue:     q,
			Recorder:  store,
			Logger:    logger,
		})
		go runTriggerLoop(ctx, coordinator, emitter, cfg.Trigger.Interval, logger)
		logger.Info("trigger loop started", "interval", cfg.Trigger.Interval.String())
	} else {
		logger.Warn("no RECORDS_BASE_URL set, trigger loop disabled")
	}

	go runDispatchLoop(ctx, q, dispatcher, emitter, cfg.Dispatch.Interval)
	go runHealthLoop(ctx, q, emitter)

	// The durable store doubles as the audit log; the in-memory store
	// serves the same reads for a single process lifetime.
	var audit api.AuditLister
	if lister, ok := store.(api.AuditLister); ok {
		audit = lister
	}
	server := api.NewServer(cfg.Operator, q, dispatcher, archive, audit, logger)
	if pool != nil {
		server.RegisterHealthProbe("database", pool.Ping)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("operator API listening", "port", cfg.Server.Port)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("operator API failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("operator API shutdown failed", "error", err)
	}

	logger.Info("alertd stopped")
}

// runTriggerLoop runs alert processing cycles until the context ends. Cycle
// errors are logged and the next tick retries; the coordinator's cursor
// semantics make a failed cycle safe to rerun.
func runTriggerLoop(
	ctx context.Context,
	coordinator *trigger.Coordinator,
	emitter *metrics.Emitter,
	interval time.Duration,
	logger types.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := coordinator.RunCycle(ctx)
			if err != nil {
				logger.Error("trigger cycle failed", "error", err)
			}
			emitter.RecordTriggerCycle(ctx, result)
		}
	}
}

// runDispatchLoop promotes due scheduled messages and drains one dispatch
// batch per tick.
func runDispatchLoop(
	ctx context.Context,
	q *queue.Queue,
	dispatcher *dispatch.Dispatcher,
	emitter *metrics.Emitter,
	interval time.Duration,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.PromoteScheduled(ctx)
			result := dispatcher.RunCycle(ctx)
			emitter.RecordDispatchCycle(ctx, result)
		}
	}
}

func runHealthLoop(ctx context.Context, q *queue.Queue, emitter *metrics.Emitter) {
	ticker := time.NewTicker(healthEmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emitter.RecordQueueHealth(ctx, q.Health())
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
