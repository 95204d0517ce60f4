package domain

import "time"

type MessageStatus string

const (
	StatusPending   MessageStatus = "PENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
)

// NormalizeStatus maps a broker-reported status onto our lifecycle.
// Anything we do not recognize counts as accepted by the broker.
func NormalizeStatus(raw string) MessageStatus {
	switch MessageStatus(raw) {
	case StatusPending, StatusDelivered, StatusRead, StatusFailed:
		return MessageStatus(raw)
	default:
		return StatusSent
	}
}

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "INBOUND"
	DirectionOutbound MessageDirection = "OUTBOUND"
)

type MessageType string

const (
	TypeText     MessageType = "TEXT"
	TypeImage    MessageType = "IMAGE"
	TypeAudio    MessageType = "AUDIO"
	TypeVideo    MessageType = "VIDEO"
	TypeDocument MessageType = "DOCUMENT"
	TypeLocation MessageType = "LOCATION"
	TypeContact  MessageType = "CONTACT"
	TypeTemplate MessageType = "TEMPLATE"
	TypePoll     MessageType = "POLL"
)

// Message is one communication unit on a ticket. External id is assigned by
// the broker and unique when present; the row is never deleted by the
// dispatch core.
type Message struct {
	ID             string         `json:"id"`
	TicketID       string         `json:"ticketId"`
	TenantID       string         `json:"tenantId"`
	ContactID      string         `json:"contactId,omitempty"`
	InstanceID     string         `json:"instanceId,omitempty"`
	Direction      MessageDirection `json:"direction"`
	Type           MessageType    `json:"type"`
	Content        string         `json:"content,omitempty"`
	Caption        string         `json:"caption,omitempty"`
	MediaURL       string         `json:"mediaUrl,omitempty"`
	MediaMimeType  string         `json:"mediaMimeType,omitempty"`
	MediaFileName  string         `json:"mediaFileName,omitempty"`
	Status         MessageStatus  `json:"status"`
	ExternalID     string         `json:"externalId,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}
