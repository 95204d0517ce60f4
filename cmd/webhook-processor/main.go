package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wadesk/internal/awsutil"
	"wadesk/internal/config"
	"wadesk/internal/domain"
	"wadesk/internal/httpserver"
	"wadesk/internal/logging"
	"wadesk/internal/observability"
	sqsqueue "wadesk/internal/queue/sqs"
	"wadesk/internal/realtime"
	"wadesk/internal/store"
	"wadesk/internal/store/pg"
	"wadesk/internal/util"
)

func main() {
	cfg := config.LoadWebhookProcessor()
	logging.Init("webhook-processor", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("webhook-processor db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	dbStore := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("webhook-processor sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	var emitter realtime.Emitter = realtime.NewHub()
	if cfg.RedisURL != "" {
		redisEmitter, err := realtime.NewRedisEmitter(ctx, cfg.RedisURL, "wadesk:")
		if err != nil {
			slog.Error("webhook-processor redis connect failed", "err", err)
			os.Exit(1)
		}
		defer redisEmitter.Close()
		emitter = redisEmitter
	}

	consumer := &sqsqueue.WebhookConsumer{
		SQS:               sqsClient,
		QueueURL:          cfg.WebhookEventsQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	healthMux := httpserver.New().Mux
	healthMux.Use(httpserver.Logging)
	healthMux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.WebhookEventsQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	)).Methods(http.MethodGet)

	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: healthMux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor starting poll", "queue_url", cfg.WebhookEventsQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.ProcessorConcurrency, func(ctx context.Context, ev sqsqueue.WebhookEvent) error {
			return processWebhookEvent(dbStore, emitter, ev)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("webhook-processor poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("webhook-processor health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("webhook-processor metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("webhook-processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("webhook-processor shutdown timeout waiting for poll loop")
	}
}

// ackTransitions lists which prior statuses each broker acknowledgement may
// be applied from; anything else would downgrade a later status.
var ackTransitions = map[string]struct {
	status      domain.MessageStatus
	allowedFrom []domain.MessageStatus
}{
	"delivered": {domain.StatusDelivered, []domain.MessageStatus{domain.StatusPending, domain.StatusSent}},
	"read":      {domain.StatusRead, []domain.MessageStatus{domain.StatusPending, domain.StatusSent, domain.StatusDelivered}},
	"failed":    {domain.StatusFailed, []domain.MessageStatus{domain.StatusPending, domain.StatusSent}},
}

func processWebhookEvent(st *pg.Store, emitter realtime.Emitter, ev sqsqueue.WebhookEvent) error {
	observability.WebhookEvents.WithLabelValues(ev.Status).Inc()

	// Make DB work bounded. Errors should cause SQS redrive.
	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, terminal := ackTransitions[ev.Status]
	if terminal {
		msg, updated, err := st.UpdateMessageByExternalID(dbCtx, store.ExternalStatusUpdate{
			ExternalID:  ev.ExternalID,
			Status:      tr.status,
			AllowedFrom: tr.allowedFrom,
			ErrorCode:   ev.ErrorCode,
			Now:         util.NowUTC(),
		})
		if err != nil {
			return err
		}
		if updated {
			if msg.Status == domain.StatusDelivered || msg.Status == domain.StatusRead {
				observability.Delivered.WithLabelValues(string(msg.Type)).Inc()
			}
			rtEv := realtime.Event{
				Name:     realtime.EventMessageUpdated,
				TenantID: msg.TenantID,
				TicketID: msg.TicketID,
				Payload:  msg,
				At:       util.NowUTC(),
			}
			emitter.EmitToTenant(msg.TenantID, rtEv)
			emitter.EmitToTicket(msg.TicketID, rtEv)
		} else {
			// the dispatch may not have persisted the external id yet;
			// returning an error lets SQS retry later
			if _, found, ferr := st.FindMessageByExternalID(dbCtx, ev.ExternalID); ferr != nil {
				return ferr
			} else if !found {
				return errors.New("message not found for external id")
			}
			// found but in a later status: ack arrived out of order, drop it
		}
	}

	// Persist the raw event for audit.
	var occurred *time.Time
	if !ev.ReceivedAt.IsZero() {
		occurred = &ev.ReceivedAt
	}
	return st.InsertDeliveryEvent(dbCtx, store.DeliveryEvent{
		ExternalID:   ev.ExternalID,
		BrokerStatus: ev.Status,
		ErrorCode:    ev.ErrorCode,
		Payload:      ev.Payload,
		OccurredAt:   occurred,
	})
}
