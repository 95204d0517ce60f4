package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// StatusEvent is the broker's delivery callback body.
type StatusEvent struct {
	Event      string          `json:"event"`
	InstanceID string          `json:"instanceId"`
	ExternalID string          `json:"externalId"`
	Status     string          `json:"status"`
	Timestamp  time.Time       `json:"timestamp"`
	Error      *StatusError    `json:"error,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

type StatusError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// VerifySignature checks the hex HMAC-SHA256 the broker computes over the
// raw request body.
func VerifySignature(secret string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}
