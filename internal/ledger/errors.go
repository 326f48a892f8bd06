package ledger

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the numeric fault code a rejected operation reports to callers.
// The values are part of the external contract and must stay stable.
type Code int

const (
	CodeAlreadyOwnsTicket  Code = 101 // buy-ticket: caller already owns a ticket for this event
	CodeEventSoldOut       Code = 102 // buy-ticket: capacity reached
	CodeEventNotFound      Code = 103 // buy-ticket: event does not exist
	CodePaymentFailed      Code = 104 // buy-ticket: payment transfer failed
	CodeTicketUsed         Code = 201 // transfer-ticket: ticket already used
	CodeNoTicket           Code = 202 // transfer-ticket: no ticket to transfer
	CodeSelfTransfer       Code = 203 // transfer-ticket: recipient is the current owner
	CodeAlreadyCheckedIn   Code = 301 // check-in-ticket: already checked in
	CodeNotEventCreator    Code = 303 // check-in-ticket: caller is not the event creator
	CodeCheckInEventGone   Code = 304 // check-in by ticket id: event not found
	CodeTicketIDNotFound   Code = 305 // check-in by ticket id: ticket id not found
	CodeNotAdmin           Code = 401 // add-organizer: caller is not admin
	CodeNotOrganizer       Code = 402 // create-event: caller is not an approved organizer
	CodeNotCancelCreator   Code = 501 // cancel-event: caller is not the event creator
	CodeEventNotCancelled  Code = 506 // refund-ticket: event not cancelled, or refund transfer failed
	CodeNothingToRefund    Code = 507 // refund-ticket: no refundable ticket for the caller
)

// Error is a coded ledger fault. Every rule violation surfaces as one of
// these; infrastructure failures are wrapped with pkg/errors instead.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger fault %d: %s", e.Code, e.Message)
}

// Faults keyed by code. Kept as singletons so errors.Is works on exact faults.
var (
	ErrAlreadyOwnsTicket = &Error{CodeAlreadyOwnsTicket, "caller already owns a ticket for this event"}
	ErrEventSoldOut      = &Error{CodeEventSoldOut, "event is sold out"}
	ErrEventNotFound     = &Error{CodeEventNotFound, "event does not exist"}
	ErrPaymentFailed     = &Error{CodePaymentFailed, "payment transfer failed"}
	ErrTicketUsed        = &Error{CodeTicketUsed, "ticket already used"}
	ErrNoTicket          = &Error{CodeNoTicket, "no ticket to transfer"}
	ErrSelfTransfer      = &Error{CodeSelfTransfer, "cannot transfer a ticket to its current owner"}
	ErrAlreadyCheckedIn  = &Error{CodeAlreadyCheckedIn, "ticket already checked in"}
	ErrNotEventCreator   = &Error{CodeNotEventCreator, "caller is not the event creator"}
	ErrCheckInEventGone  = &Error{CodeCheckInEventGone, "event not found for ticket"}
	ErrTicketIDNotFound  = &Error{CodeTicketIDNotFound, "ticket id not found"}
	ErrNotAdmin          = &Error{CodeNotAdmin, "caller is not the admin"}
	ErrNotOrganizer      = &Error{CodeNotOrganizer, "caller is not an approved organizer"}
	ErrNotCancelCreator  = &Error{CodeNotCancelCreator, "caller is not the event creator"}
	ErrEventNotCancelled = &Error{CodeEventNotCancelled, "event is not cancelled"}
	ErrNothingToRefund   = &Error{CodeNothingToRefund, "no refundable ticket for caller"}
)

// CodeOf extracts the ledger fault code from err, or 0 when err carries none.
func CodeOf(err error) Code {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Code
	}
	return 0
}
