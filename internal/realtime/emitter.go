package realtime

import "time"

// Event names published by the dispatch core.
const (
	EventMessageCreated = "message:created"
	EventMessageUpdated = "message:updated"
	EventTicketUpdated  = "ticket:updated"
	EventCircuitOpened  = "instance:circuit_opened"
	EventCircuitClosed  = "instance:circuit_closed"
)

// Event is the envelope fanned out to rooms. Consumers must treat events as
// eventually-consistent snapshots, not a strict log.
type Event struct {
	Name     string    `json:"event"`
	TenantID string    `json:"tenantId,omitempty"`
	TicketID string    `json:"ticketId,omitempty"`
	Payload  any       `json:"payload,omitempty"`
	At       time.Time `json:"at"`
}

// Emitter publishes events to tenant/ticket/agreement/user rooms.
// Fire-and-forget: no delivery guarantee is assumed by callers.
type Emitter interface {
	EmitToTenant(tenantID string, ev Event)
	EmitToTicket(ticketID string, ev Event)
	EmitToAgreement(agreementID string, ev Event)
	EmitToUser(userID string, ev Event)
}

// Room name construction, shared by the hub and the Redis emitter.
func tenantRoom(id string) string    { return "tenant:" + id }
func ticketRoom(id string) string    { return "ticket:" + id }
func agreementRoom(id string) string { return "agreement:" + id }
func userRoom(id string) string      { return "user:" + id }
