package httpserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"wadesk/internal/broker"
	"wadesk/internal/dispatch"
	"wadesk/internal/domain"
	"wadesk/internal/realtime"
	sqsqueue "wadesk/internal/queue/sqs"
	"wadesk/internal/store"
)

type apiStore struct {
	tickets   map[string]domain.Ticket
	contacts  map[string]domain.Contact
	instances map[string]domain.Instance
	messages  map[string]domain.Message
}

func newAPIStore() *apiStore {
	s := &apiStore{
		tickets:   map[string]domain.Ticket{},
		contacts:  map[string]domain.Contact{},
		instances: map[string]domain.Instance{},
		messages:  map[string]domain.Message{},
	}
	s.contacts["cntc-1"] = domain.Contact{ID: "cntc-1", TenantID: "t1", Phone: "+554499999999"}
	s.instances["instance-001"] = domain.Instance{ID: "instance-001", TenantID: "t1", BrokerID: "broker-1"}
	s.tickets["tkt-1"] = domain.Ticket{
		ID:        "tkt-1",
		TenantID:  "t1",
		ContactID: "cntc-1",
		Channel:   domain.ChannelWhatsApp,
		Status:    domain.TicketOpen,
		Metadata:  map[string]any{domain.MetaWhatsAppInstance: "instance-001"},
	}
	return s
}

func (s *apiStore) FindTicketByID(_ context.Context, id string) (domain.Ticket, bool, error) {
	t, ok := s.tickets[id]
	return t, ok, nil
}

func (s *apiStore) FindOpenTicketByContact(_ context.Context, tenantID, contactID string) (domain.Ticket, bool, error) {
	for _, t := range s.tickets {
		if t.TenantID == tenantID && t.ContactID == contactID && t.Status != domain.TicketClosed {
			return t, true, nil
		}
	}
	return domain.Ticket{}, false, nil
}

func (s *apiStore) CreateTicket(_ context.Context, in store.TicketInsert) (domain.Ticket, error) {
	t := domain.Ticket{ID: in.ID, TenantID: in.TenantID, ContactID: in.ContactID, Channel: in.Channel, Status: in.Status, Metadata: in.Metadata}
	s.tickets[t.ID] = t
	return t, nil
}

func (s *apiStore) FindContactByID(_ context.Context, id string) (domain.Contact, bool, error) {
	c, ok := s.contacts[id]
	return c, ok, nil
}

func (s *apiStore) FindContactByPhone(_ context.Context, tenantID, phone string) (domain.Contact, bool, error) {
	for _, c := range s.contacts {
		if c.TenantID == tenantID && c.Phone == phone {
			return c, true, nil
		}
	}
	return domain.Contact{}, false, nil
}

func (s *apiStore) CreateContact(_ context.Context, in store.ContactInsert) (domain.Contact, error) {
	c := domain.Contact{ID: in.ID, TenantID: in.TenantID, Phone: in.Phone}
	s.contacts[c.ID] = c
	return c, nil
}

func (s *apiStore) UpdateContactPhone(_ context.Context, id, phone string, _ time.Time) error {
	c := s.contacts[id]
	c.Phone = phone
	s.contacts[id] = c
	return nil
}

func (s *apiStore) FindInstanceByID(_ context.Context, id string) (domain.Instance, bool, error) {
	i, ok := s.instances[id]
	return i, ok, nil
}

func (s *apiStore) CreateMessage(_ context.Context, in store.MessageInsert) (domain.Message, error) {
	m := domain.Message{ID: in.ID, TicketID: in.TicketID, TenantID: in.TenantID, Type: in.Type, Status: in.Status, Content: in.Content, ExternalID: in.ExternalID}
	s.messages[m.ID] = m
	return m, nil
}

func (s *apiStore) UpdateMessage(_ context.Context, in store.MessageUpdate) (domain.Message, error) {
	m := s.messages[in.ID]
	m.Status = in.Status
	if in.ExternalID != "" {
		m.ExternalID = in.ExternalID
	}
	if in.Metadata != nil {
		m.Metadata = in.Metadata
	}
	s.messages[in.ID] = m
	return m, nil
}

func (s *apiStore) FindMessageByExternalID(_ context.Context, externalID string) (domain.Message, bool, error) {
	for _, m := range s.messages {
		if m.ExternalID == externalID {
			return m, true, nil
		}
	}
	return domain.Message{}, false, nil
}

func (s *apiStore) GetMessage(_ context.Context, id string) (domain.Message, bool, error) {
	m, ok := s.messages[id]
	return m, ok, nil
}

func (s *apiStore) ListMessages(_ context.Context, ticketID string, _ int) ([]domain.Message, error) {
	var out []domain.Message
	for _, m := range s.messages {
		if m.TicketID == ticketID {
			out = append(out, m)
		}
	}
	return out, nil
}

type stubTransport struct {
	err   error
	calls int
}

func (t *stubTransport) SendMessage(_ context.Context, _ string, _ broker.OutboundMessage, _ broker.SendOptions) (broker.SendResult, error) {
	t.calls++
	if t.err != nil {
		return broker.SendResult{}, t.err
	}
	return broker.SendResult{ExternalID: fmt.Sprintf("wamid.%d", t.calls), Status: "sent"}, nil
}

func newTestAPI(st *apiStore, tr *stubTransport) *API {
	var seq int
	next := func(prefix string) func() string {
		return func() string {
			seq++
			return fmt.Sprintf("%s-%03d", prefix, seq)
		}
	}
	d := dispatch.New(st, tr, realtime.NewHub(), dispatch.NewMemoryIdempotencyStore(0),
		dispatch.NewRateLimiter(), dispatch.NewCircuitBreaker(dispatch.BreakerConfig{}),
		dispatch.Config{DefaultRateLimit: 100})
	d.MessageID = next("msg")
	d.TicketID = next("tkt")
	d.ContactID = next("cntc")
	return &API{Dispatcher: d, Store: st}
}

func doJSON(t *testing.T, h http.Handler, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sendHeaders() map[string]string {
	return map[string]string{"X-Tenant-Id": "t1", "X-Operator-Id": "op-1"}
}

func textBody() map[string]any {
	return map[string]any{"payload": map[string]any{"type": "TEXT", "text": "hello"}}
}

func TestHandleSendOnTicketAccepted(t *testing.T) {
	st := newAPIStore()
	api := newTestAPI(st, &stubTransport{})
	r := mux.NewRouter()
	api.Register(r)

	rec := doJSON(t, r, http.MethodPost, "/v1/tickets/tkt-1/messages", sendHeaders(), textBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var res dispatch.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Queued || res.Status != domain.StatusSent || res.ExternalID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHandleSendFailureStillAccepted(t *testing.T) {
	st := newAPIStore()
	api := newTestAPI(st, &stubTransport{err: &broker.Error{Code: "REQUEST_TIMEOUT", Status: 408, Message: "timed out"}})
	r := mux.NewRouter()
	api.Register(r)

	rec := doJSON(t, r, http.MethodPost, "/v1/tickets/tkt-1/messages", sendHeaders(), textBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for absorbed transport failure, got %d", rec.Code)
	}

	var res dispatch.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != domain.StatusFailed || res.Error == nil || res.Error.Code != broker.CodeBrokerTimeout {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHandleSendTicketNotFound(t *testing.T) {
	st := newAPIStore()
	api := newTestAPI(st, &stubTransport{})
	r := mux.NewRouter()
	api.Register(r)

	rec := doJSON(t, r, http.MethodPost, "/v1/tickets/tkt-nope/messages", sendHeaders(), textBody())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleSendValidation(t *testing.T) {
	st := newAPIStore()
	api := newTestAPI(st, &stubTransport{})
	r := mux.NewRouter()
	api.Register(r)

	rec := doJSON(t, r, http.MethodPost, "/v1/tickets/tkt-1/messages", sendHeaders(),
		map[string]any{"payload": map[string]any{"type": "TEXT"}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != string(domain.CodeValidation) {
		t.Fatalf("unexpected code %q", body.Error.Code)
	}
}

func TestHandleSendRateLimited(t *testing.T) {
	st := newAPIStore()
	api := newTestAPI(st, &stubTransport{})
	api.Dispatcher.Config.DefaultRateLimit = 1
	api.Dispatcher.Config.RateWindow = time.Minute
	r := mux.NewRouter()
	api.Register(r)

	if rec := doJSON(t, r, http.MethodPost, "/v1/tickets/tkt-1/messages", sendHeaders(), textBody()); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	rec := doJSON(t, r, http.MethodPost, "/v1/tickets/tkt-1/messages", sendHeaders(), textBody())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestHandleSendIdempotencyKeyMismatch(t *testing.T) {
	st := newAPIStore()
	api := newTestAPI(st, &stubTransport{})
	r := mux.NewRouter()
	api.Register(r)

	headers := sendHeaders()
	headers["Idempotency-Key"] = "idem-header"
	body := textBody()
	body["idempotencyKey"] = "idem-body"

	rec := doJSON(t, r, http.MethodPost, "/v1/tickets/tkt-1/messages", headers, body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for disagreeing keys, got %d", rec.Code)
	}
}

func TestHandleSendIdempotencyKeyHeaderReplay(t *testing.T) {
	st := newAPIStore()
	tr := &stubTransport{}
	api := newTestAPI(st, tr)
	r := mux.NewRouter()
	api.Register(r)

	headers := sendHeaders()
	headers["Idempotency-Key"] = "idem-1"

	first := doJSON(t, r, http.MethodPost, "/v1/tickets/tkt-1/messages", headers, textBody())
	second := doJSON(t, r, http.MethodPost, "/v1/tickets/tkt-1/messages", headers, textBody())
	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("expected 202/202, got %d/%d", first.Code, second.Code)
	}
	if tr.calls != 1 {
		t.Fatalf("expected a single transport call, got %d", tr.calls)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("expected identical replay body")
	}
}

func TestHandleSendAdHoc(t *testing.T) {
	st := newAPIStore()
	api := newTestAPI(st, &stubTransport{})
	r := mux.NewRouter()
	api.Register(r)

	body := textBody()
	body["to"] = "+55 11 98888-7777"
	rec := doJSON(t, r, http.MethodPost, "/v1/instances/instance-001/messages", sendHeaders(), body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGetMessage(t *testing.T) {
	st := newAPIStore()
	st.messages["msg-1"] = domain.Message{ID: "msg-1", TicketID: "tkt-1", Status: domain.StatusSent}
	api := newTestAPI(st, &stubTransport{})
	r := mux.NewRouter()
	api.Register(r)

	req := httptest.NewRequest(http.MethodGet, "/v1/messages/msg-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/messages/msg-nope", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleListMessages(t *testing.T) {
	st := newAPIStore()
	st.messages["msg-1"] = domain.Message{ID: "msg-1", TicketID: "tkt-1"}
	st.messages["msg-2"] = domain.Message{ID: "msg-2", TicketID: "tkt-other"}
	api := newTestAPI(st, &stubTransport{})
	r := mux.NewRouter()
	api.Register(r)

	req := httptest.NewRequest(http.MethodGet, "/v1/tickets/tkt-1/messages", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var out struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Messages) != 1 || out.Messages[0].ID != "msg-1" {
		t.Fatalf("unexpected list: %+v", out.Messages)
	}
}

type captureQueue struct {
	events []sqsqueue.WebhookEvent
	err    error
}

func (q *captureQueue) Enqueue(_ context.Context, ev sqsqueue.WebhookEvent) error {
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, ev)
	return nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookStatusAccepted(t *testing.T) {
	q := &captureQueue{}
	wh := &Webhook{Queue: q, Secret: "shh"}
	r := mux.NewRouter()
	wh.Register(r)

	body := []byte(`{"event":"message.status","instanceId":"instance-001","externalId":"wamid.1","status":"delivered"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/broker/status", bytes.NewReader(body))
	req.Header.Set("X-Broker-Signature", signBody("shh", body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(q.events) != 1 || q.events[0].ExternalID != "wamid.1" || q.events[0].Status != "delivered" {
		t.Fatalf("unexpected enqueue: %+v", q.events)
	}
}

func TestWebhookStatusBadSignature(t *testing.T) {
	q := &captureQueue{}
	wh := &Webhook{Queue: q, Secret: "shh"}
	r := mux.NewRouter()
	wh.Register(r)

	body := []byte(`{"externalId":"wamid.1","status":"delivered"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/broker/status", bytes.NewReader(body))
	req.Header.Set("X-Broker-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(q.events) != 0 {
		t.Fatalf("expected nothing enqueued")
	}
}

func TestWebhookStatusMissingExternalID(t *testing.T) {
	q := &captureQueue{}
	wh := &Webhook{Queue: q, Secret: "shh"}
	r := mux.NewRouter()
	wh.Register(r)

	body := []byte(`{"status":"delivered"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/broker/status", bytes.NewReader(body))
	req.Header.Set("X-Broker-Signature", signBody("shh", body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
