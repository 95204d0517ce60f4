package domain

import "time"

type TicketStatus string

const (
	TicketOpen     TicketStatus = "OPEN"
	TicketPending  TicketStatus = "PENDING"
	TicketAssigned TicketStatus = "ASSIGNED"
	TicketClosed   TicketStatus = "CLOSED"
)

// OpenStatuses are the ticket states that count against the
// one-open-ticket-per-contact rule.
var OpenStatuses = []TicketStatus{TicketOpen, TicketPending, TicketAssigned}

type Channel string

const (
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelEmail    Channel = "EMAIL"
)

// MetaWhatsAppInstance is the ticket metadata key carrying the instance a
// conversation is pinned to.
const MetaWhatsAppInstance = "whatsappInstanceId"

// Ticket is the conversation container. The dispatch core creates one on
// demand when a contact has no open ticket and otherwise only reads it.
type Ticket struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId"`
	ContactID   string         `json:"contactId"`
	AgreementID string         `json:"agreementId,omitempty"`
	Channel     Channel        `json:"channel"`
	Status      TicketStatus   `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// InstanceID returns the WhatsApp instance pinned in the ticket metadata, if any.
func (t *Ticket) InstanceID() string {
	if t.Metadata == nil {
		return ""
	}
	id, _ := t.Metadata[MetaWhatsAppInstance].(string)
	return id
}

type Contact struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Instance identifies a broker-side WhatsApp session. BrokerID is the
// transport-level dispatch identifier and may differ from the storage id.
type Instance struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	BrokerID string `json:"brokerId,omitempty"`
	Name     string `json:"name,omitempty"`
}

// DispatchID is the identifier the transport should be called with.
func (i *Instance) DispatchID() string {
	if i.BrokerID != "" {
		return i.BrokerID
	}
	return i.ID
}
