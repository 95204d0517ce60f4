package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestSendMessageSuccess(t *testing.T) {
	var gotPath, gotAuth, gotIdem string
	var gotBody OutboundMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("X-Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(SendResult{ExternalID: "wamid.x1", Status: "sent", Timestamp: time.Now().UTC()})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Token: "tok", HTTP: srv.Client()}
	res, err := c.SendMessage(context.Background(), "broker-1", OutboundMessage{To: "+554499999999", Type: "TEXT", Text: "hi"}, SendOptions{IdempotencyKey: "msg-1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ExternalID != "wamid.x1" || res.Status != "sent" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotPath != "/instances/broker-1/messages" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotIdem != "msg-1" {
		t.Fatalf("unexpected idempotency header %q", gotIdem)
	}
	if gotBody.To != "+554499999999" || gotBody.Type != "TEXT" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestSendMessageErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"SESSION_NOT_CONNECTED","message":"not connected","requestId":"req-7"}}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	_, err := c.SendMessage(context.Background(), "broker-1", OutboundMessage{To: "+1", Type: "TEXT", Text: "hi"}, SendOptions{})

	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if be.Code != "SESSION_NOT_CONNECTED" || be.Status != 409 || be.RequestID != "req-7" {
		t.Fatalf("unexpected error: %+v", be)
	}
}

func TestSendMessageMalformedErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	_, err := c.SendMessage(context.Background(), "broker-1", OutboundMessage{To: "+1", Type: "TEXT", Text: "hi"}, SendOptions{})

	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if be.Status != 500 || be.Message != "broker send failed" {
		t.Fatalf("unexpected error: %+v", be)
	}
}

func TestSendMessageTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: &http.Client{Timeout: 20 * time.Millisecond}}
	_, err := c.SendMessage(context.Background(), "broker-1", OutboundMessage{To: "+1", Type: "TEXT", Text: "hi"}, SendOptions{})

	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if be.Code != "REQUEST_TIMEOUT" || be.Status != 408 {
		t.Fatalf("expected REQUEST_TIMEOUT/408, got %s/%d", be.Code, be.Status)
	}
}

func TestSendMessageBreakerOpen(t *testing.T) {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "test",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		Timeout: time.Minute,
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client(), Breaker: cb}
	_, _ = c.SendMessage(context.Background(), "broker-1", OutboundMessage{To: "+1", Type: "TEXT", Text: "hi"}, SendOptions{})

	_, err := c.SendMessage(context.Background(), "broker-1", OutboundMessage{To: "+1", Type: "TEXT", Text: "hi"}, SendOptions{})
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if be.Code != CodeBrokerUnavailable || be.Status != 503 {
		t.Fatalf("expected %s/503, got %s/%d", CodeBrokerUnavailable, be.Code, be.Status)
	}
}
