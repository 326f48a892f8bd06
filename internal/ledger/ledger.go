package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/ticketry/services/ledger/internal/models"
)

// DefaultMaxIndexScan bounds organizer-index traversals when no limit is
// configured. Queries cap their results at the bound instead of failing.
const DefaultMaxIndexScan = 256

// Config fixes the ledger's genesis parameters.
type Config struct {
	// Admin is the single identity allowed to approve organizers. Set once
	// at genesis, never changes.
	Admin models.Identity

	// Escrow is the identity holding ticket payments until refund.
	Escrow models.Identity

	// MaxIndexScan caps how many organizer-index entries a query walks.
	MaxIndexScan int
}

// Commit describes one committed mutating operation. The façade hands it to
// the commit hook while still holding the write lock, so hooks observe
// commits in the ledger's total order.
type Commit struct {
	Seq       uint64
	Operation string
	Actor     models.Identity
	EventID   uint64
	Payload   map[string]interface{}
	At        time.Time
}

// CommitHook receives every commit. It must not call back into the ledger.
type CommitHook func(Commit)

// Ledger is the façade over the event store, ticket store and organizer
// index. All mutating operations run one at a time under the write lock:
// preconditions are checked against committed state, mutations are staged
// in a tx, the monetary transfer (if any) runs, and only then does the tx
// commit. Any failure on the way discards the tx with zero state change.
type Ledger struct {
	mu       sync.RWMutex
	state    *store
	treasury Treasury

	admin        models.Identity
	escrow       models.Identity
	maxIndexScan int

	seq  uint64
	hook CommitHook

	now func() time.Time
}

// New creates a ledger with the given genesis configuration and treasury.
func New(cfg Config, treasury Treasury) (*Ledger, error) {
	if cfg.Admin.Zero() {
		return nil, errors.New("ledger: admin identity is required")
	}
	if cfg.Escrow.Zero() {
		return nil, errors.New("ledger: escrow identity is required")
	}
	if treasury == nil {
		return nil, errors.New("ledger: treasury is required")
	}

	maxScan := cfg.MaxIndexScan
	if maxScan <= 0 {
		maxScan = DefaultMaxIndexScan
	}

	return &Ledger{
		state:        newStore(),
		treasury:     treasury,
		admin:        cfg.Admin,
		escrow:       cfg.Escrow,
		maxIndexScan: maxScan,
		now:          time.Now,
	}, nil
}

// SetCommitHook installs the hook invoked after every commit.
func (l *Ledger) SetCommitHook(hook CommitHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

func (l *Ledger) committed(op string, actor models.Identity, eventID uint64, payload map[string]interface{}) {
	l.seq++
	if l.hook == nil {
		return
	}
	l.hook(Commit{
		Seq:       l.seq,
		Operation: op,
		Actor:     actor,
		EventID:   eventID,
		Payload:   payload,
		At:        l.now(),
	})
}

// AddOrganizer approves an identity as an organizer. Admin only. Re-adding
// an existing organizer succeeds without changing the set.
func (l *Ledger) AddOrganizer(caller, organizer models.Identity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireAdmin(caller); err != nil {
		return err
	}

	if l.isOrganizer(organizer) {
		return nil
	}

	t := newTx()
	t.addOrganizer(organizer)
	t.commit(l.state)

	l.committed(models.OpAddOrganizer, caller, 0, map[string]interface{}{
		"organizer": organizer.String(),
	})
	return nil
}

// EventParams carries the immutable fields of a new event.
type EventParams struct {
	Name         string
	Location     string
	Timestamp    int64
	Price        uint64
	TotalTickets uint32
	Image        string
}

// CreateEvent allocates the next event id and records the event. Organizer
// only. The returned id is sequential starting at 1.
func (l *Ledger) CreateEvent(caller models.Identity, p EventParams) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireOrganizer(caller); err != nil {
		return 0, err
	}

	id := l.state.nextEventID
	ev := models.Event{
		ID:           id,
		Creator:      caller,
		Name:         p.Name,
		Location:     p.Location,
		Image:        p.Image,
		Timestamp:    p.Timestamp,
		Price:        p.Price,
		TotalTickets: p.TotalTickets,
		CreatedAt:    l.now().Unix(),
	}

	t := newTx()
	t.putEvent(ev)
	t.appendIndex(caller, id)
	t.nextEventID = id + 1
	t.commit(l.state)

	l.committed(models.OpCreateEvent, caller, id, map[string]interface{}{
		"name":          p.Name,
		"location":      p.Location,
		"price":         p.Price,
		"total_tickets": p.TotalTickets,
	})
	return id, nil
}

// CancelEvent marks an event cancelled. Creator only. Cancelling an already
// cancelled event succeeds and changes nothing. Tickets, counters and the
// organizer index are untouched.
func (l *Ledger) CancelEvent(caller models.Identity, eventID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.state.event(eventID)
	if !ok {
		return ErrEventNotFound
	}
	if err := l.requireEventCreator(ev, caller, ErrNotCancelCreator); err != nil {
		return err
	}
	if ev.Cancelled {
		return nil
	}

	ev.Cancelled = true
	t := newTx()
	t.putEvent(ev)
	t.commit(l.state)

	l.committed(models.OpCancelEvent, caller, eventID, nil)
	return nil
}

// BuyTicket issues a ticket for the caller and moves the ticket price from
// the caller to escrow. The staged ticket and counter increment are
// discarded if the payment fails.
func (l *Ledger) BuyTicket(caller models.Identity, eventID uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.state.event(eventID)
	if !ok {
		return 0, ErrEventNotFound
	}
	existing, held := l.state.ticket(eventID, caller)
	if held && !existing.Refunded {
		return 0, ErrAlreadyOwnsTicket
	}
	if ev.TicketsSold >= ev.TotalTickets {
		return 0, ErrEventSoldOut
	}

	ticket := models.Ticket{
		ID:       uuid.New(),
		EventID:  eventID,
		Owner:    caller,
		IssuedAt: l.now().Unix(),
	}
	ev.TicketsSold++

	t := newTx()
	if held {
		t.delTicketID(existing.ID)
	}
	t.putTicket(ticket)
	t.putEvent(ev)

	if err := l.treasury.Transfer(caller, l.escrow, ev.Price); err != nil {
		return 0, errors.Wrap(ErrPaymentFailed, err.Error())
	}
	t.commit(l.state)

	l.committed(models.OpBuyTicket, caller, eventID, map[string]interface{}{
		"ticket_id": ticket.ID.String(),
		"price":     ev.Price,
	})
	return eventID, nil
}

// TransferTicket re-keys the caller's ticket to a new owner. The ticket must
// be unused, the recipient must differ from the caller and must not already
// hold a live ticket for the event.
func (l *Ledger) TransferTicket(caller models.Identity, eventID uint64, to models.Identity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ticket, ok := l.state.ticket(eventID, caller)
	if !ok || ticket.Refunded {
		return ErrNoTicket
	}
	if ticket.Used {
		return ErrTicketUsed
	}
	if to == caller {
		return ErrSelfTransfer
	}
	held, recipientHeld := l.state.ticket(eventID, to)
	if recipientHeld && !held.Refunded {
		return ErrAlreadyOwnsTicket
	}

	ticket.Owner = to
	t := newTx()
	t.delTicket(eventID, caller)
	if recipientHeld {
		t.delTicketID(held.ID)
	}
	t.putTicket(ticket)
	t.commit(l.state)

	l.committed(models.OpTransferTicket, caller, eventID, map[string]interface{}{
		"ticket_id": ticket.ID.String(),
		"to":        to.String(),
	})
	return nil
}

// CheckInTicket marks the attendee's ticket used. Event creator only; used
// is a one-way terminal flag.
func (l *Ledger) CheckInTicket(caller models.Identity, eventID uint64, attendee models.Identity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.state.event(eventID)
	if !ok {
		return ErrEventNotFound
	}
	if err := l.requireEventCreator(ev, caller, ErrNotEventCreator); err != nil {
		return err
	}

	ticket, ok := l.state.ticket(eventID, attendee)
	if !ok || ticket.Refunded {
		return ErrNoTicket
	}
	return l.checkIn(caller, ticket)
}

// CheckInTicketByID performs the same transition addressed by the opaque
// ticket id instead of (event, attendee).
func (l *Ledger) CheckInTicketByID(caller models.Identity, ticketID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ticket, ok := l.state.ticketByOpaqueID(ticketID)
	if !ok || ticket.Refunded {
		return ErrTicketIDNotFound
	}
	ev, ok := l.state.event(ticket.EventID)
	if !ok {
		return ErrCheckInEventGone
	}
	if err := l.requireEventCreator(ev, caller, ErrNotEventCreator); err != nil {
		return err
	}
	return l.checkIn(caller, ticket)
}

// checkIn stages and commits the used flag. Callers hold the write lock and
// have already authorized the event creator.
func (l *Ledger) checkIn(caller models.Identity, ticket models.Ticket) error {
	if ticket.Used {
		return ErrAlreadyCheckedIn
	}

	ticket.Used = true
	t := newTx()
	t.putTicket(ticket)
	t.commit(l.state)

	l.committed(models.OpCheckInTicket, caller, ticket.EventID, map[string]interface{}{
		"ticket_id": ticket.ID.String(),
		"attendee":  ticket.Owner.String(),
	})
	return nil
}

// RefundTicket returns the ticket price from escrow to the caller once the
// event is cancelled. The ticket stays in the store flagged refunded, so a
// repeat refund fails without moving funds. A missing event reports the
// same fault as an uncancelled one.
func (l *Ledger) RefundTicket(caller models.Identity, eventID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.state.event(eventID)
	if !ok || !ev.Cancelled {
		return ErrEventNotCancelled
	}

	ticket, ok := l.state.ticket(eventID, caller)
	if !ok || ticket.Refunded {
		return ErrNothingToRefund
	}

	ticket.Refunded = true
	t := newTx()
	t.putTicket(ticket)

	if err := l.treasury.Transfer(l.escrow, caller, ev.Price); err != nil {
		return errors.Wrap(ErrEventNotCancelled, err.Error())
	}
	t.commit(l.state)

	l.committed(models.OpRefundTicket, caller, eventID, map[string]interface{}{
		"ticket_id": ticket.ID.String(),
		"price":     ev.Price,
	})
	return nil
}

// Read-only queries. All run against committed state under the read lock.

// GetEvent returns the event record, if present.
func (l *Ledger) GetEvent(id uint64) (models.Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.event(id)
}

// GetTicket returns the ticket held by owner for the event, if present.
func (l *Ledger) GetTicket(eventID uint64, owner models.Identity) (models.Ticket, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.ticket(eventID, owner)
}

// GetTicketByID returns the ticket with the given opaque id, if present.
func (l *Ledger) GetTicketByID(id uuid.UUID) (models.Ticket, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.ticketByOpaqueID(id)
}

// IsAdmin reports whether the identity is the genesis admin.
func (l *Ledger) IsAdmin(id models.Identity) bool {
	return l.isAdmin(id)
}

// IsOrganizer reports whether the identity is an approved organizer.
func (l *Ledger) IsOrganizer(id models.Identity) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isOrganizer(id)
}

// Admin returns the genesis admin identity.
func (l *Ledger) Admin() models.Identity {
	return l.admin
}

// OrganizerEventsCount returns how many events the organizer created,
// walking at most MaxIndexScan index entries. Identities with no entries,
// including never-approved ones, report 0.
func (l *Ledger) OrganizerEventsCount(id models.Identity) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.state.organizerIdx[id])
	if n > l.maxIndexScan {
		n = l.maxIndexScan
	}
	return n
}

// OrganizerEvents returns the organizer's event ids in creation order,
// truncated at MaxIndexScan entries. Cancelled events stay listed.
func (l *Ledger) OrganizerEvents(id models.Identity) []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx := l.state.organizerIdx[id]
	n := len(idx)
	if n > l.maxIndexScan {
		n = l.maxIndexScan
	}
	out := make([]uint64, n)
	copy(out, idx[:n])
	return out
}

// Stats reports store sizes for gauges.
func (l *Ledger) Stats() (events, tickets, organizers int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.state.events), len(l.state.tickets), len(l.state.organizers)
}
