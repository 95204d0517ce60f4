package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"wadesk/internal/dispatch"
	"wadesk/internal/domain"
)

// ReadStore serves the message read endpoints.
type ReadStore interface {
	GetMessage(ctx context.Context, id string) (domain.Message, bool, error)
	ListMessages(ctx context.Context, ticketID string, limit int) ([]domain.Message, error)
}

type API struct {
	Dispatcher *dispatch.Dispatcher
	Store      ReadStore
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/tickets/{id}/messages", a.handleSendOnTicket).Methods(http.MethodPost)
	r.HandleFunc("/v1/tickets/{id}/messages", a.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/contacts/{id}/messages", a.handleSendToContact).Methods(http.MethodPost)
	r.HandleFunc("/v1/instances/{id}/messages", a.handleSendAdHoc).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{id}", a.handleGetMessage).Methods(http.MethodGet)
}

type sendBody struct {
	TenantID       string           `json:"tenantId,omitempty"`
	InstanceID     string           `json:"instanceId,omitempty"`
	To             string           `json:"to,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	ExternalID     string           `json:"externalId,omitempty"`
	Payload        dispatch.Payload `json:"payload"`
}

// decodeSend reads the request body and reconciles the idempotency key
// between the Idempotency-Key header and the body.
func decodeSend(w http.ResponseWriter, r *http.Request) (sendBody, bool) {
	var body sendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return sendBody{}, false
	}
	headerKey := r.Header.Get("Idempotency-Key")
	if headerKey != "" {
		if body.IdempotencyKey != "" && body.IdempotencyKey != headerKey {
			http.Error(w, ErrIdempotencyKeyBody, http.StatusConflict)
			return sendBody{}, false
		}
		body.IdempotencyKey = headerKey
	}
	if body.TenantID == "" {
		body.TenantID = r.Header.Get("X-Tenant-Id")
	}
	return body, true
}

func (a *API) handleSendOnTicket(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeSend(w, r)
	if !ok {
		return
	}
	res, err := a.Dispatcher.SendOnTicket(r.Context(), dispatch.TicketSend{
		TenantID:       body.TenantID,
		OperatorID:     r.Header.Get("X-Operator-Id"),
		TicketID:       mux.Vars(r)["id"],
		InstanceID:     body.InstanceID,
		IdempotencyKey: body.IdempotencyKey,
		ExternalID:     body.ExternalID,
		Payload:        body.Payload,
	})
	a.writeDispatch(w, r, res, err)
}

func (a *API) handleSendToContact(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeSend(w, r)
	if !ok {
		return
	}
	res, err := a.Dispatcher.SendToContact(r.Context(), dispatch.ContactSend{
		TenantID:       body.TenantID,
		OperatorID:     r.Header.Get("X-Operator-Id"),
		ContactID:      mux.Vars(r)["id"],
		InstanceID:     body.InstanceID,
		To:             body.To,
		IdempotencyKey: body.IdempotencyKey,
		Payload:        body.Payload,
	})
	a.writeDispatch(w, r, res, err)
}

func (a *API) handleSendAdHoc(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeSend(w, r)
	if !ok {
		return
	}
	res, err := a.Dispatcher.SendAdHoc(r.Context(), dispatch.AdHocSend{
		InstanceID:     mux.Vars(r)["id"],
		TenantID:       body.TenantID,
		OperatorID:     r.Header.Get("X-Operator-Id"),
		To:             body.To,
		IdempotencyKey: body.IdempotencyKey,
		Payload:        body.Payload,
	})
	a.writeDispatch(w, r, res, err)
}

func (a *API) writeDispatch(w http.ResponseWriter, r *http.Request, res dispatch.Result, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(res)
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	msg, found, err := a.Store.GetMessage(r.Context(), id)
	if err != nil {
		slog.Error("get message failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ticketID := mux.Vars(r)["id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := a.Store.ListMessages(r.Context(), ticketID, limit)
	if err != nil {
		slog.Error("list messages failed", "err", err, "ticket_id", ticketID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"messages": msgs})
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError maps pre-dispatch failures onto HTTP statuses. Transport
// failures never reach here; they are absorbed into the 202 result.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	de := domain.AsError(err)
	if de == nil {
		slog.Error("dispatch failed", "err", err, "path", r.URL.Path)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	if de.RetryAfter > 0 {
		secs := int(math.Ceil(de.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	var body errorBody
	body.Error.Code = string(de.Code)
	body.Error.Message = de.Message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(de.HTTPStatus)
	_ = json.NewEncoder(w).Encode(body)
}
