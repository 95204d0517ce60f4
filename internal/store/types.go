package store

import (
	"errors"
	"time"

	"wadesk/internal/domain"
)

// Sentinel errors the dispatch core distinguishes from generic storage
// failures. Implementations must surface uniqueness violations as these.
var (
	ErrDuplicateExternalID = errors.New("message with this external id already exists")
	ErrOpenTicketExists    = errors.New("contact already has an open ticket")
)

type MessageInsert struct {
	ID             string
	TicketID       string
	TenantID       string
	ContactID      string
	InstanceID     string
	Direction      domain.MessageDirection
	Type           domain.MessageType
	Content        string
	Caption        string
	MediaURL       string
	MediaMimeType  string
	MediaFileName  string
	Status         domain.MessageStatus
	ExternalID     string
	IdempotencyKey string
	Metadata       map[string]any
	Now            time.Time
}

type MessageUpdate struct {
	ID         string
	Status     domain.MessageStatus
	ExternalID string
	Metadata   map[string]any
	Now        time.Time
}

// ExternalStatusUpdate applies an out-of-band broker acknowledgement.
// AllowedFrom guards against downgrading a later status.
type ExternalStatusUpdate struct {
	ExternalID  string
	Status      domain.MessageStatus
	AllowedFrom []domain.MessageStatus
	ErrorCode   string
	Now         time.Time
}

// DeliveryEvent records a raw broker callback for audit.
type DeliveryEvent struct {
	ExternalID   string
	BrokerStatus string
	ErrorCode    string
	Payload      any
	OccurredAt   *time.Time
}

type TicketInsert struct {
	ID          string
	TenantID    string
	ContactID   string
	AgreementID string
	Channel     domain.Channel
	Status      domain.TicketStatus
	Metadata    map[string]any
	Now         time.Time
}

type ContactInsert struct {
	ID       string
	TenantID string
	Name     string
	Phone    string
	Now      time.Time
}
