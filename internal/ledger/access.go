package ledger

import (
	"example.com/ticketry/services/ledger/internal/models"
)

// Access checks. Each require* either passes or returns the coded fault for
// the operation it guards; there is no partial authorization.

func (l *Ledger) isAdmin(id models.Identity) bool {
	return id == l.admin
}

func (l *Ledger) isOrganizer(id models.Identity) bool {
	_, ok := l.state.organizers[id]
	return ok
}

func (l *Ledger) requireAdmin(caller models.Identity) error {
	if !l.isAdmin(caller) {
		return ErrNotAdmin
	}
	return nil
}

func (l *Ledger) requireOrganizer(caller models.Identity) error {
	if !l.isOrganizer(caller) {
		return ErrNotOrganizer
	}
	return nil
}

// requireEventCreator checks creator-only operations. The fault differs per
// operation (303 for check-in, 501 for cancel), so the caller supplies it.
func (l *Ledger) requireEventCreator(ev models.Event, caller models.Identity, fault *Error) error {
	if ev.Creator != caller {
		return fault
	}
	return nil
}
