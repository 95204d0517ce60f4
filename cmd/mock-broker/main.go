package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"wadesk/internal/broker"
)

type config struct {
	Port          string  `envconfig:"PORT" default:"8080"`
	Token         string  `envconfig:"MOCK_BROKER_TOKEN" default:"mock_token"`
	WebhookSecret string  `envconfig:"MOCK_WEBHOOK_SECRET" default:"mock_secret"`
	WebhookURL    string  `envconfig:"MOCK_WEBHOOK_URL" default:""`
	OutcomeMode   string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw   string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate   float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	DelayMs       int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	TimeoutMs     int     `envconfig:"MOCK_TIMEOUT_DELAY_MS" default:"12000"`

	WebhookSentDelayMs      int `envconfig:"MOCK_WEBHOOK_SENT_DELAY_MS" default:"300"`
	WebhookDeliveredDelayMs int `envconfig:"MOCK_WEBHOOK_DELAY_MS" default:"500"`
	WebhookMaxRetries       int `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`

	Outcomes []string
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	cfg := loadConfig()
	loggingInit()

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/instances/{instanceId}/messages", s.handleSend).Methods(http.MethodPost)

	slog.Info("mock broker listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock broker server failed", "err", err)
		os.Exit(1)
	}
}

func loggingInit() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock broker config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	for _, p := range strings.Split(cfg.OutcomesRaw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.Outcomes = append(cfg.Outcomes, p)
		}
	}
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}
	return cfg
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") ||
		strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") != s.cfg.Token {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
		return
	}

	var msg broker.OutboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "malformed JSON")
		return
	}
	if msg.To == "" || msg.Type == "" {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_RECIPIENT", "to and type are required")
		return
	}

	if s.cfg.DelayMs > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(time.Duration(s.cfg.DelayMs) * time.Millisecond):
		}
	}

	instanceID := mux.Vars(r)["instanceId"]

	switch s.nextOutcome() {
	case "ok", "success":
		externalID := fmt.Sprintf("wamid.MOCK%06d", atomic.AddUint64(&s.idx, 1))
		writeJSON(w, http.StatusCreated, broker.SendResult{
			ExternalID: externalID,
			Status:     "sent",
			Timestamp:  time.Now().UTC(),
		})
		s.webhookSequence(instanceID, externalID)
	case "not_connected":
		writeError(w, http.StatusConflict, "SESSION_NOT_CONNECTED", "instance session is not connected")
	case "invalid_to":
		writeError(w, http.StatusUnprocessableEntity, "INVALID_RECIPIENT", "recipient is not a valid WhatsApp user")
	case "rate_limit", "429":
		writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many requests")
	case "timeout":
		time.Sleep(time.Duration(s.cfg.TimeoutMs) * time.Millisecond)
		writeError(w, http.StatusGatewayTimeout, "GATEWAY_TIMEOUT", "request timed out")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "mock failure")
	}
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return s.cfg.Outcomes[i]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

// webhookSequence emits sent then delivered callbacks the way the real broker
// does after accepting a message.
func (s *server) webhookSequence(instanceID, externalID string) {
	if s.cfg.WebhookURL == "" {
		return
	}
	go func() {
		time.Sleep(time.Duration(s.cfg.WebhookSentDelayMs) * time.Millisecond)
		s.postWebhook(instanceID, externalID, "sent")
		time.Sleep(time.Duration(s.cfg.WebhookDeliveredDelayMs) * time.Millisecond)
		s.postWebhook(instanceID, externalID, "delivered")
	}()
}

func (s *server) postWebhook(instanceID, externalID, status string) {
	ev := broker.StatusEvent{
		Event:      "message.status",
		InstanceID: instanceID,
		ExternalID: externalID,
		Status:     status,
		Timestamp:  time.Now().UTC(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	for attempt := 0; attempt <= s.cfg.WebhookMaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Broker-Signature", sig)

		resp, err := s.client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			return
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		slog.Warn("mock webhook post retrying", "url", s.cfg.WebhookURL, "attempt", attempt+1)
		time.Sleep(time.Duration(250*(1<<attempt)) * time.Millisecond)
	}
	slog.Error("mock webhook post gave up", "url", s.cfg.WebhookURL, "external_id", externalID)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":      code,
			"message":   msg,
			"requestId": fmt.Sprintf("req_%d", time.Now().UnixNano()),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
