package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// OutboundMessage is the wire form of a dispatch request. Exactly one variant
// block is populated depending on Type.
type OutboundMessage struct {
	To       string          `json:"to"`
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Caption  string          `json:"caption,omitempty"`
	MediaURL string          `json:"mediaUrl,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	FileName string          `json:"fileName,omitempty"`
	Location *Location       `json:"location,omitempty"`
	Template *Template       `json:"template,omitempty"`
	Contacts []ContactCard   `json:"contacts,omitempty"`
	Poll     *Poll           `json:"poll,omitempty"`
	Extra    json.RawMessage `json:"extra,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type Template struct {
	Name       string            `json:"name"`
	Language   string            `json:"language,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type ContactCard struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type Poll struct {
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	MultipleAnswers bool     `json:"multipleAnswers,omitempty"`
}

type SendOptions struct {
	IdempotencyKey string
}

// SendResult is the broker's acknowledgement of an accepted message.
type SendResult struct {
	ExternalID string          `json:"externalId"`
	Status     string          `json:"status"`
	Timestamp  time.Time       `json:"timestamp"`
	Raw        json.RawMessage `json:"-"`
}

// Client talks to the WhatsApp broker HTTP API. The limiter paces calls per
// pod and the breaker sheds load when the broker is down entirely; both are
// optional.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
}

type errorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func (c *Client) SendMessage(ctx context.Context, instanceID string, msg OutboundMessage, opts SendOptions) (SendResult, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return SendResult{}, &Error{Code: CodeBrokerTimeout, Status: 408, Message: "rate limiter wait: " + err.Error()}
		}
	}

	call := func() (any, error) {
		return c.send(ctx, instanceID, msg, opts)
	}

	var out any
	var err error
	if c.Breaker != nil {
		out, err = c.Breaker.Execute(call)
	} else {
		out, err = call()
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return SendResult{}, &Error{Code: CodeBrokerUnavailable, Status: 503, Message: "broker circuit open"}
		}
		return SendResult{}, err
	}
	return out.(SendResult), nil
}

func (c *Client) send(ctx context.Context, instanceID string, msg OutboundMessage, opts SendOptions) (SendResult, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	endpoint := baseURL + "/instances/" + instanceID + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if opts.IdempotencyKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", opts.IdempotencyKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return SendResult{}, &Error{Code: "REQUEST_TIMEOUT", Status: 408, Message: err.Error()}
		}
		return SendResult{}, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env errorEnvelope
		_ = json.Unmarshal(b, &env)
		msg := env.Error.Message
		if msg == "" {
			msg = "broker send failed"
		}
		return SendResult{}, &Error{
			Code:      env.Error.Code,
			Status:    resp.StatusCode,
			Message:   msg,
			RequestID: env.Error.RequestID,
		}
	}

	var out SendResult
	_ = json.Unmarshal(b, &out)
	out.Raw = json.RawMessage(b)
	return out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
