package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"wadesk/internal/broker"
	"wadesk/internal/observability"
	sqsqueue "wadesk/internal/queue/sqs"
	"wadesk/internal/util"
)

// WebhookQueue accepts delivery callbacks for async processing.
type WebhookQueue interface {
	Enqueue(ctx context.Context, ev sqsqueue.WebhookEvent) error
}

// Webhook receives broker status callbacks, verifies the body signature and
// hands the event to the queue; applying it to messages happens in the
// webhook processor.
type Webhook struct {
	Queue  WebhookQueue
	Secret string
}

func (wh *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/v1/webhooks/broker/status", wh.handleStatus).Methods(http.MethodPost)
}

func (wh *Webhook) handleStatus(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("X-Broker-Signature")
	if !broker.VerifySignature(wh.Secret, body, sig) {
		http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	var ev broker.StatusEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.ExternalID == "" {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	observability.WebhookEvents.WithLabelValues(ev.Status).Inc()

	errCode := ""
	if ev.Error != nil {
		errCode = ev.Error.Code
	}
	if err := wh.Queue.Enqueue(r.Context(), sqsqueue.WebhookEvent{
		InstanceID: ev.InstanceID,
		ExternalID: ev.ExternalID,
		Status:     ev.Status,
		ErrorCode:  errCode,
		Payload:    json.RawMessage(body),
		ReceivedAt: util.NowUTC(),
	}); err != nil {
		slog.Error("webhook enqueue failed", "err", err, "external_id", ev.ExternalID, "status", ev.Status)
		observability.Enqueues.WithLabelValues("error").Inc()
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	observability.Enqueues.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusOK)
}
