package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wadesk/internal/broker"
	"wadesk/internal/domain"
	"wadesk/internal/observability"
	"wadesk/internal/realtime"
	"wadesk/internal/store"
	"wadesk/internal/util"
)

// Store is the narrow persistence contract the dispatcher depends on.
// CreateMessage must surface a duplicate external id as
// store.ErrDuplicateExternalID and CreateTicket a duplicate open ticket as
// store.ErrOpenTicketExists.
type Store interface {
	FindTicketByID(ctx context.Context, id string) (domain.Ticket, bool, error)
	FindOpenTicketByContact(ctx context.Context, tenantID, contactID string) (domain.Ticket, bool, error)
	CreateTicket(ctx context.Context, in store.TicketInsert) (domain.Ticket, error)
	FindContactByID(ctx context.Context, id string) (domain.Contact, bool, error)
	FindContactByPhone(ctx context.Context, tenantID, phone string) (domain.Contact, bool, error)
	CreateContact(ctx context.Context, in store.ContactInsert) (domain.Contact, error)
	UpdateContactPhone(ctx context.Context, id, phone string, now time.Time) error
	FindInstanceByID(ctx context.Context, id string) (domain.Instance, bool, error)
	CreateMessage(ctx context.Context, in store.MessageInsert) (domain.Message, error)
	UpdateMessage(ctx context.Context, in store.MessageUpdate) (domain.Message, error)
	FindMessageByExternalID(ctx context.Context, externalID string) (domain.Message, bool, error)
}

// Transport dispatches a normalized message through the broker.
type Transport interface {
	SendMessage(ctx context.Context, instanceID string, msg broker.OutboundMessage, opts broker.SendOptions) (broker.SendResult, error)
}

// Config carries the dispatch rails. Zero values fall back to safe defaults.
type Config struct {
	DefaultRateLimit   int
	RateWindow         time.Duration
	RateLimitOverrides map[string]int
}

// Dispatcher runs the outbound pipeline: resolve context, idempotency,
// circuit, rate limit, persist, dispatch, emit, respond.
type Dispatcher struct {
	Store       Store
	Transport   Transport
	Emitter     realtime.Emitter
	Idempotency IdempotencyStore
	Limiter     RateLimiter
	Breaker     CircuitBreaker
	Config      Config

	MessageID func() string
	TicketID  func() string
	ContactID func() string
	Now       func() time.Time
}

// New fills in id generators and the clock; callers own the collaborators.
func New(st Store, tr Transport, em realtime.Emitter, idem IdempotencyStore, lim RateLimiter, cb CircuitBreaker, cfg Config) *Dispatcher {
	return &Dispatcher{
		Store:       st,
		Transport:   tr,
		Emitter:     em,
		Idempotency: idem,
		Limiter:     lim,
		Breaker:     cb,
		Config:      cfg,
		MessageID:   util.NewMessageID,
		TicketID:    util.NewTicketID,
		ContactID:   util.NewContactID,
		Now:         util.NowUTC,
	}
}

// TicketSend dispatches on an existing ticket.
type TicketSend struct {
	TenantID       string
	OperatorID     string
	TicketID       string
	InstanceID     string
	IdempotencyKey string
	ExternalID     string
	Payload        Payload

	// RateLimitConsumed skips the rate-limit check when an upstream layer
	// already charged the bucket for this request.
	RateLimitConsumed bool

	origin string
}

// ContactSend resolves or creates an open ticket for the contact first.
type ContactSend struct {
	TenantID       string
	OperatorID     string
	ContactID      string
	InstanceID     string
	To             string
	IdempotencyKey string
	Payload        Payload

	RateLimitConsumed bool

	origin string
}

// AdHocSend resolves or creates the contact by phone under the instance's tenant.
type AdHocSend struct {
	InstanceID     string
	TenantID       string
	OperatorID     string
	To             string
	IdempotencyKey string
	Payload        Payload
}

// ResultError is the structured failure detail carried on an accepted (202)
// response whose dispatch failed.
type ResultError struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Status    int    `json:"status,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Result is the stable response shape shared by all three entry points.
type Result struct {
	Queued     bool                 `json:"queued"`
	TicketID   string               `json:"ticketId"`
	MessageID  string               `json:"messageId"`
	Status     domain.MessageStatus `json:"status"`
	ExternalID string               `json:"externalId,omitempty"`
	Error      *ResultError         `json:"error"`
}

func (d *Dispatcher) limitFor(instanceID string) int {
	if v, ok := d.Config.RateLimitOverrides[instanceID]; ok {
		return v
	}
	return d.Config.DefaultRateLimit
}

func (d *Dispatcher) rateWindow() time.Duration {
	if d.Config.RateWindow > 0 {
		return d.Config.RateWindow
	}
	return DefaultRateWindow
}

func circuitKey(tenantID, instanceID string) string { return tenantID + ":" + instanceID }

// SendOnTicket runs the common pipeline. Errors returned here happened
// before a message row was written; once one exists, transport failures are
// absorbed into the row and the Result instead.
func (d *Dispatcher) SendOnTicket(ctx context.Context, req TicketSend) (Result, error) {
	if req.origin == "" {
		req.origin = "ticket"
	}

	msgType, err := req.Payload.Normalize()
	if err != nil {
		return Result{}, err
	}

	ticket, ok, err := d.Store.FindTicketByID(ctx, req.TicketID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, domain.NotFound("ticket not found")
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = ticket.TenantID
	}

	contact, ok, err := d.Store.FindContactByID(ctx, ticket.ContactID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, domain.NotFound("contact not found")
	}
	phone := util.NormalizePhone(contact.Phone)
	if phone == "" {
		return Result{}, domain.Validation("contact has no phone number")
	}

	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = ticket.InstanceID()
	}
	if instanceID == "" {
		return Result{}, domain.Validation("whatsapp instance required")
	}
	instance, ok, err := d.Store.FindInstanceByID(ctx, instanceID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, domain.NotFound("whatsapp instance not found")
	}

	var payloadHash string
	if req.IdempotencyKey != "" {
		payloadHash = hashPayload(tenantID, ticket.ID, instance.ID, req.Payload)
		if entry := d.Idempotency.Get(tenantID, req.IdempotencyKey); entry != nil && entry.PayloadHash == payloadHash {
			return entry.Value, nil
		}
		// same key with a different payload is not a true duplicate:
		// fall through to a fresh dispatch
	}

	cbKey := circuitKey(tenantID, instance.ID)
	if err := d.Breaker.AssertClosed(cbKey); err != nil {
		return Result{}, err
	}

	if !req.RateLimitConsumed {
		if err := d.Limiter.AssertWithinLimit(cbKey, d.limitFor(instance.ID), d.rateWindow()); err != nil {
			return Result{}, err
		}
	}

	status := domain.StatusSent
	if req.OperatorID != "" {
		status = domain.StatusPending
	}
	msg, duplicate, err := d.createMessage(ctx, msgCreate{
		tenantID:   tenantID,
		ticket:     ticket,
		contactID:  contact.ID,
		instanceID: instance.ID,
		msgType:    msgType,
		status:     status,
		req:        req,
	})
	if err != nil {
		return Result{}, err
	}

	if !duplicate {
		d.emitMessageEvent(realtime.EventMessageCreated, ticket, msg)
	}

	if req.OperatorID != "" && ticket.Channel == domain.ChannelWhatsApp && !duplicate {
		msg = d.dispatchTransport(ctx, tenantID, ticket, instance, phone, req.Payload, msg)
	}

	res := buildResult(ticket.ID, msg)
	if req.IdempotencyKey != "" {
		d.Idempotency.Remember(tenantID, req.IdempotencyKey, payloadHash, res)
	}

	observability.Outbound.WithLabelValues(req.origin, string(msg.Status), string(msg.Type)).Inc()
	if msg.Status == domain.StatusDelivered || msg.Status == domain.StatusRead {
		observability.Delivered.WithLabelValues(string(msg.Type)).Inc()
	}
	return res, nil
}

// SendToContact resolves (or creates) the contact's open ticket and delegates.
func (d *Dispatcher) SendToContact(ctx context.Context, req ContactSend) (Result, error) {
	if req.origin == "" {
		req.origin = "contact"
	}

	contact, ok, err := d.Store.FindContactByID(ctx, req.ContactID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, domain.NotFound("contact not found")
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = contact.TenantID
	}

	if req.To != "" {
		if p := util.NormalizePhone(req.To); p != "" && p != contact.Phone {
			if err := d.Store.UpdateContactPhone(ctx, contact.ID, p, d.Now()); err != nil {
				return Result{}, err
			}
			contact.Phone = p
		}
	}

	ticket, err := d.resolveOpenTicket(ctx, tenantID, contact.ID, req.InstanceID)
	if err != nil {
		return Result{}, err
	}

	return d.SendOnTicket(ctx, TicketSend{
		TenantID:          tenantID,
		OperatorID:        req.OperatorID,
		TicketID:          ticket.ID,
		InstanceID:        req.InstanceID,
		IdempotencyKey:    req.IdempotencyKey,
		Payload:           req.Payload,
		RateLimitConsumed: req.RateLimitConsumed,
		origin:            req.origin,
	})
}

// SendAdHoc resolves (or creates) a contact by phone under the instance's
// tenant and delegates.
func (d *Dispatcher) SendAdHoc(ctx context.Context, req AdHocSend) (Result, error) {
	instance, ok, err := d.Store.FindInstanceByID(ctx, req.InstanceID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, domain.NotFound("whatsapp instance not found")
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = instance.TenantID
	}

	phone := util.NormalizePhone(req.To)
	if phone == "" {
		return Result{}, domain.Validation("recipient phone required")
	}

	contact, ok, err := d.Store.FindContactByPhone(ctx, tenantID, phone)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		contact, err = d.Store.CreateContact(ctx, store.ContactInsert{
			ID:       d.ContactID(),
			TenantID: tenantID,
			Phone:    phone,
			Now:      d.Now(),
		})
		if err != nil {
			return Result{}, err
		}
	}

	return d.SendToContact(ctx, ContactSend{
		TenantID:       tenantID,
		OperatorID:     req.OperatorID,
		ContactID:      contact.ID,
		InstanceID:     req.InstanceID,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		origin:         "adhoc",
	})
}

func (d *Dispatcher) resolveOpenTicket(ctx context.Context, tenantID, contactID, instanceID string) (domain.Ticket, error) {
	ticket, ok, err := d.Store.FindOpenTicketByContact(ctx, tenantID, contactID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if ok {
		return ticket, nil
	}

	meta := map[string]any{}
	if instanceID != "" {
		meta[domain.MetaWhatsAppInstance] = instanceID
	}
	created, err := d.Store.CreateTicket(ctx, store.TicketInsert{
		ID:        d.TicketID(),
		TenantID:  tenantID,
		ContactID: contactID,
		Channel:   domain.ChannelWhatsApp,
		Status:    domain.TicketOpen,
		Metadata:  meta,
		Now:       d.Now(),
	})
	if err == nil {
		return created, nil
	}
	if errors.Is(err, store.ErrOpenTicketExists) {
		// lost the race: another request opened the ticket first
		ticket, ok, ferr := d.Store.FindOpenTicketByContact(ctx, tenantID, contactID)
		if ferr != nil {
			return domain.Ticket{}, ferr
		}
		if ok {
			return ticket, nil
		}
		return domain.Ticket{}, domain.Conflict("contact already has an open ticket", err)
	}
	return domain.Ticket{}, err
}

type msgCreate struct {
	tenantID   string
	ticket     domain.Ticket
	contactID  string
	instanceID string
	msgType    domain.MessageType
	status     domain.MessageStatus
	req        TicketSend
}

func (d *Dispatcher) createMessage(ctx context.Context, in msgCreate) (domain.Message, bool, error) {
	p := in.req.Payload
	ins := store.MessageInsert{
		ID:             d.MessageID(),
		TicketID:       in.ticket.ID,
		TenantID:       in.tenantID,
		ContactID:      in.contactID,
		InstanceID:     in.instanceID,
		Direction:      domain.DirectionOutbound,
		Type:           in.msgType,
		Content:        p.Content(),
		Caption:        p.Caption,
		MediaURL:       p.MediaURL,
		MediaMimeType:  p.MimeType,
		MediaFileName:  p.FileName,
		Status:         in.status,
		ExternalID:     in.req.ExternalID,
		IdempotencyKey: in.req.IdempotencyKey,
		Now:            d.Now(),
	}
	msg, err := d.Store.CreateMessage(ctx, ins)
	if err == nil {
		return msg, false, nil
	}
	if !errors.Is(err, store.ErrDuplicateExternalID) || ins.ExternalID == "" {
		return domain.Message{}, false, err
	}

	// idempotent re-ingestion: reuse the row that already carries this
	// external id and suppress the created event
	existing, ok, ferr := d.Store.FindMessageByExternalID(ctx, ins.ExternalID)
	if ferr != nil {
		return domain.Message{}, false, ferr
	}
	if !ok {
		return domain.Message{}, false, err
	}
	updated, uerr := d.Store.UpdateMessage(ctx, store.MessageUpdate{
		ID:         existing.ID,
		Status:     existing.Status,
		ExternalID: existing.ExternalID,
		Metadata:   existing.Metadata,
		Now:        d.Now(),
	})
	if uerr != nil {
		return existing, true, nil
	}
	return updated, true, nil
}

func (d *Dispatcher) dispatchTransport(ctx context.Context, tenantID string, ticket domain.Ticket, instance domain.Instance, phone string, payload Payload, msg domain.Message) domain.Message {
	cbKey := circuitKey(tenantID, instance.ID)
	start := d.Now()

	res, err := d.Transport.SendMessage(ctx, instance.DispatchID(), payload.Wire(phone), broker.SendOptions{
		IdempotencyKey: msg.ID,
	})
	observability.DispatchLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		be := broker.TranslateErr(err)
		slog.Error("broker dispatch failed",
			"tenant_id", tenantID,
			"ticket_id", ticket.ID,
			"instance_id", instance.ID,
			"message_id", msg.ID,
			"code", be.Code,
			"status", be.Status,
			"request_id", be.RequestID,
			"err", err,
		)

		meta := mergeMeta(msg.Metadata, map[string]any{
			"broker": map[string]any{
				"error": map[string]any{
					"message":   be.Message,
					"code":      be.Code,
					"status":    be.Status,
					"requestId": be.RequestID,
				},
			},
		})
		updated, uerr := d.Store.UpdateMessage(ctx, store.MessageUpdate{
			ID:       msg.ID,
			Status:   domain.StatusFailed,
			Metadata: meta,
			Now:      d.Now(),
		})
		if uerr != nil {
			slog.Error("message failure update failed", "err", uerr, "message_id", msg.ID)
			msg.Status = domain.StatusFailed
			msg.Metadata = meta
		} else {
			msg = updated
		}

		report := d.Breaker.RecordFailure(cbKey)
		if report.Opened {
			observability.BreakerTransitions.WithLabelValues("open").Inc()
			slog.Warn("instance circuit opened",
				"tenant_id", tenantID,
				"instance_id", instance.ID,
				"failures", report.Failures,
				"retry_at", report.RetryAt,
			)
			d.Emitter.EmitToTenant(tenantID, realtime.Event{
				Name:     realtime.EventCircuitOpened,
				TenantID: tenantID,
				Payload: map[string]any{
					"instanceId": instance.ID,
					"failures":   report.Failures,
					"retryAt":    report.RetryAt,
				},
				At: d.Now(),
			})
		}

		d.emitMessageEvent(realtime.EventMessageUpdated, ticket, msg)
		return msg
	}

	status := domain.NormalizeStatus(res.Status)
	meta := mergeMeta(msg.Metadata, map[string]any{
		"broker": map[string]any{
			"externalId": res.ExternalID,
			"status":     res.Status,
			"timestamp":  res.Timestamp,
		},
	})
	updated, uerr := d.Store.UpdateMessage(ctx, store.MessageUpdate{
		ID:         msg.ID,
		Status:     status,
		ExternalID: res.ExternalID,
		Metadata:   meta,
		Now:        d.Now(),
	})
	if uerr != nil {
		slog.Error("message success update failed", "err", uerr, "message_id", msg.ID)
		msg.Status = status
		msg.ExternalID = res.ExternalID
		msg.Metadata = meta
	} else {
		msg = updated
	}

	if wasOpen := d.Breaker.RecordSuccess(cbKey); wasOpen {
		observability.BreakerTransitions.WithLabelValues("closed").Inc()
		slog.Info("instance circuit closed", "tenant_id", tenantID, "instance_id", instance.ID)
		d.Emitter.EmitToTenant(tenantID, realtime.Event{
			Name:     realtime.EventCircuitClosed,
			TenantID: tenantID,
			Payload:  map[string]any{"instanceId": instance.ID},
			At:       d.Now(),
		})
	}

	d.emitMessageEvent(realtime.EventMessageUpdated, ticket, msg)
	return msg
}

func (d *Dispatcher) emitMessageEvent(name string, ticket domain.Ticket, msg domain.Message) {
	ev := realtime.Event{
		Name:     name,
		TenantID: ticket.TenantID,
		TicketID: ticket.ID,
		Payload:  msg,
		At:       d.Now(),
	}
	d.Emitter.EmitToTenant(ticket.TenantID, ev)
	d.Emitter.EmitToTicket(ticket.ID, ev)
	if ticket.AgreementID != "" {
		d.Emitter.EmitToAgreement(ticket.AgreementID, ev)
	}
}

func buildResult(ticketID string, msg domain.Message) Result {
	res := Result{
		Queued:     true,
		TicketID:   ticketID,
		MessageID:  msg.ID,
		Status:     msg.Status,
		ExternalID: msg.ExternalID,
	}
	if msg.Status == domain.StatusFailed {
		res.Error = resultError(msg)
	}
	return res
}

func resultError(msg domain.Message) *ResultError {
	out := &ResultError{Message: "message dispatch failed"}
	brokerMeta, _ := msg.Metadata["broker"].(map[string]any)
	errMeta, _ := brokerMeta["error"].(map[string]any)
	if errMeta == nil {
		return out
	}
	if v, ok := errMeta["message"].(string); ok && v != "" {
		out.Message = v
	}
	if v, ok := errMeta["code"].(string); ok {
		out.Code = v
	}
	switch v := errMeta["status"].(type) {
	case int:
		out.Status = v
	case float64:
		out.Status = int(v)
	}
	if v, ok := errMeta["requestId"].(string); ok {
		out.RequestID = v
	}
	return out
}

func mergeMeta(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
