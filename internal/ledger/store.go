package ledger

import (
	"github.com/google/uuid"

	"example.com/ticketry/services/ledger/internal/models"
)

// ticketKey addresses the one active ticket an identity may hold per event.
type ticketKey struct {
	eventID uint64
	owner   models.Identity
}

// store is the authoritative committed state: events, tickets, the approved
// organizer set and the per-organizer index of created event ids. It is only
// ever touched under the façade's lock; mutations arrive exclusively through
// tx.commit so that no operation can leave a partial write behind.
type store struct {
	events       map[uint64]*models.Event
	tickets      map[ticketKey]*models.Ticket
	ticketByID   map[uuid.UUID]ticketKey
	organizers   map[models.Identity]struct{}
	organizerIdx map[models.Identity][]uint64
	nextEventID  uint64
}

func newStore() *store {
	return &store{
		events:       make(map[uint64]*models.Event),
		tickets:      make(map[ticketKey]*models.Ticket),
		ticketByID:   make(map[uuid.UUID]ticketKey),
		organizers:   make(map[models.Identity]struct{}),
		organizerIdx: make(map[models.Identity][]uint64),
		nextEventID:  1,
	}
}

func (s *store) event(id uint64) (models.Event, bool) {
	ev, ok := s.events[id]
	if !ok {
		return models.Event{}, false
	}
	return *ev, true
}

func (s *store) ticket(eventID uint64, owner models.Identity) (models.Ticket, bool) {
	t, ok := s.tickets[ticketKey{eventID, owner}]
	if !ok {
		return models.Ticket{}, false
	}
	return *t, true
}

func (s *store) ticketByOpaqueID(id uuid.UUID) (models.Ticket, bool) {
	key, ok := s.ticketByID[id]
	if !ok {
		return models.Ticket{}, false
	}
	return s.ticket(key.eventID, key.owner)
}

// tx is the staged mutation set of a single ledger operation. Writes
// accumulate here while preconditions and the monetary transfer run against
// committed state; commit applies everything in one step, and an abandoned
// tx simply leaves the store untouched.
type tx struct {
	eventPuts     map[uint64]models.Event
	ticketPuts    map[ticketKey]models.Ticket
	ticketDels    []ticketKey
	ticketIDPuts  map[uuid.UUID]ticketKey
	ticketIDDels  []uuid.UUID
	organizerAdds []models.Identity
	indexAppends  map[models.Identity][]uint64
	nextEventID   uint64 // 0 means unchanged
}

func newTx() *tx {
	return &tx{
		eventPuts:    make(map[uint64]models.Event),
		ticketPuts:   make(map[ticketKey]models.Ticket),
		ticketIDPuts: make(map[uuid.UUID]ticketKey),
		indexAppends: make(map[models.Identity][]uint64),
	}
}

func (t *tx) putEvent(ev models.Event) {
	t.eventPuts[ev.ID] = ev
}

func (t *tx) putTicket(tk models.Ticket) {
	key := ticketKey{tk.EventID, tk.Owner}
	t.ticketPuts[key] = tk
	t.ticketIDPuts[tk.ID] = key
}

func (t *tx) delTicket(eventID uint64, owner models.Identity) {
	t.ticketDels = append(t.ticketDels, ticketKey{eventID, owner})
}

// delTicketID retires an opaque id whose ticket is being replaced at the
// same (event, owner) key, so the dead id can never alias the replacement.
func (t *tx) delTicketID(id uuid.UUID) {
	t.ticketIDDels = append(t.ticketIDDels, id)
}

func (t *tx) addOrganizer(id models.Identity) {
	t.organizerAdds = append(t.organizerAdds, id)
}

func (t *tx) appendIndex(organizer models.Identity, eventID uint64) {
	t.indexAppends[organizer] = append(t.indexAppends[organizer], eventID)
}

// commit applies the staged mutations to the store. Deletes run before puts
// so a transfer that re-keys a ticket within the same event works no matter
// how the maps iterate.
func (t *tx) commit(s *store) {
	for _, key := range t.ticketDels {
		delete(s.tickets, key)
	}
	for _, id := range t.ticketIDDels {
		delete(s.ticketByID, id)
	}
	for key, tk := range t.ticketPuts {
		copied := tk
		s.tickets[key] = &copied
	}
	for id, key := range t.ticketIDPuts {
		s.ticketByID[id] = key
	}
	for id, ev := range t.eventPuts {
		copied := ev
		s.events[id] = &copied
	}
	for _, id := range t.organizerAdds {
		s.organizers[id] = struct{}{}
	}
	for organizer, ids := range t.indexAppends {
		s.organizerIdx[organizer] = append(s.organizerIdx[organizer], ids...)
	}
	if t.nextEventID != 0 {
		s.nextEventID = t.nextEventID
	}
}
