package broker

import (
	"errors"
	"fmt"
)

// Canonical error codes surfaced by the translator. Everything else passes
// through with its raw code.
const (
	CodeRateLimited          = "RATE_LIMITED"
	CodeBrokerTimeout        = "BROKER_TIMEOUT"
	CodeInvalidTo            = "INVALID_TO"
	CodeInstanceNotConnected = "INSTANCE_NOT_CONNECTED"
	CodeBrokerUnavailable    = "BROKER_UNAVAILABLE"
)

// Error is a failure reported by the broker, raw or canonical.
type Error struct {
	Code      string `json:"code"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("broker: %s (%d): %s [req %s]", e.Code, e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("broker: %s (%d): %s", e.Code, e.Status, e.Message)
}

type translation struct {
	code   string
	status int
}

// Raw broker vocabulary -> canonical taxonomy. The outward status is the one
// implied when the error surfaces synchronously; mid-dispatch it is recorded
// on the message instead.
var translations = map[string]translation{
	"SESSION_NOT_CONNECTED":  {CodeInstanceNotConnected, 409},
	"INSTANCE_NOT_CONNECTED": {CodeInstanceNotConnected, 409},
	"SESSION_CLOSED":         {CodeInstanceNotConnected, 409},
	"INVALID_RECIPIENT":      {CodeInvalidTo, 422},
	"INVALID_TO":             {CodeInvalidTo, 422},
	"RATE_LIMIT_EXCEEDED":    {CodeRateLimited, 429},
	"TOO_MANY_REQUESTS":      {CodeRateLimited, 429},
	"REQUEST_TIMEOUT":        {CodeBrokerTimeout, 408},
	"GATEWAY_TIMEOUT":        {CodeBrokerTimeout, 504},
}

// statusFallbacks classify raw errors that carry no recognizable code.
var statusFallbacks = map[int]translation{
	429: {CodeRateLimited, 429},
	408: {CodeBrokerTimeout, 408},
	504: {CodeBrokerTimeout, 504},
}

// Translate maps a raw broker error onto the canonical taxonomy. Unmapped
// errors keep their original code/status/message.
func Translate(e *Error) *Error {
	if e == nil {
		return nil
	}
	t, ok := translations[e.Code]
	if !ok {
		t, ok = statusFallbacks[e.Status]
	}
	if !ok {
		return e
	}
	return &Error{Code: t.code, Status: t.status, Message: e.Message, RequestID: e.RequestID}
}

// TranslateErr normalizes any transport failure into a canonical *Error.
// Non-broker errors default to a generic server-side classification.
func TranslateErr(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return Translate(be)
	}
	return &Error{Code: "BROKER_ERROR", Status: 502, Message: err.Error()}
}
