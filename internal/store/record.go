package store

import "encoding/json"

// Table names used by the change feed and the local cache.
const (
	TableTickets   = "tickets"
	TableResponses = "ticket_responses"
	TableUsers     = "users"
)

// Record is the table-agnostic row shape shared by the change feed and the
// local cache. The payload carries the full row as a JSON document so that
// consumers never depend on per-table column layouts.
type Record struct {
	ID               string
	TenantID         string
	Table            string
	CreatedAtSeconds int64
	UpdatedAtSeconds int64
	PayloadJSON      string
}

// TicketRecord converts a ticket row into the shared record shape.
func TicketRecord(ticket Ticket) Record {
	payload, _ := json.Marshal(ticket)
	return Record{
		ID:               ticket.ID,
		TenantID:         ticket.TenantID,
		Table:            TableTickets,
		CreatedAtSeconds: ticket.CreatedAtSeconds,
		UpdatedAtSeconds: ticket.UpdatedAtSeconds,
		PayloadJSON:      string(payload),
	}
}

// ResponseRecord converts a ticket response row into the shared record shape.
func ResponseRecord(response TicketResponse) Record {
	payload, _ := json.Marshal(response)
	return Record{
		ID:               response.ID,
		TenantID:         response.TenantID,
		Table:            TableResponses,
		CreatedAtSeconds: response.CreatedAtSeconds,
		UpdatedAtSeconds: response.CreatedAtSeconds,
		PayloadJSON:      string(payload),
	}
}

// UserRecord converts a user row into the shared record shape.
func UserRecord(user User) Record {
	payload, _ := json.Marshal(user)
	return Record{
		ID:               user.ID,
		TenantID:         user.TenantID,
		Table:            TableUsers,
		CreatedAtSeconds: user.CreatedAtSeconds,
		UpdatedAtSeconds: user.LastLoginAtSeconds,
		PayloadJSON:      string(payload),
	}
}
