package ledger

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"example.com/ticketry/services/ledger/internal/models"
)

const (
	admin  = models.Identity("admin")
	escrow = models.Identity("escrow")
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryTreasury) {
	t.Helper()
	treasury := NewMemoryTreasury()
	l, err := New(Config{Admin: admin, Escrow: escrow}, treasury)
	require.NoError(t, err)
	return l, treasury
}

func approve(t *testing.T, l *Ledger, organizer models.Identity) {
	t.Helper()
	require.NoError(t, l.AddOrganizer(admin, organizer))
}

func createEvent(t *testing.T, l *Ledger, organizer models.Identity, price uint64, capacity uint32) uint64 {
	t.Helper()
	id, err := l.CreateEvent(organizer, EventParams{
		Name:         "concert",
		Location:     "main hall",
		Timestamp:    1900000000,
		Price:        price,
		TotalTickets: capacity,
		Image:        "ipfs://img",
	})
	require.NoError(t, err)
	return id
}

// frozenPayoutTreasury accepts payments but rejects payouts from escrow.
type frozenPayoutTreasury struct {
	*MemoryTreasury
}

func (t frozenPayoutTreasury) Transfer(from, to models.Identity, amount uint64) error {
	if from == escrow {
		return errors.New("payout rejected")
	}
	return t.MemoryTreasury.Transfer(from, to, amount)
}

func TestAddOrganizerRequiresAdmin(t *testing.T) {
	l, _ := newTestLedger(t)

	err := l.AddOrganizer("stranger", "org-1")
	require.Equal(t, CodeNotAdmin, CodeOf(err))
	require.False(t, l.IsOrganizer("org-1"))
}

func TestAddOrganizerIsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.AddOrganizer(admin, "org-1"))
	require.NoError(t, l.AddOrganizer(admin, "org-1"))
	require.True(t, l.IsOrganizer("org-1"))

	_, _, organizers := l.Stats()
	require.Equal(t, 1, organizers)
}

func TestCreateEventRequiresOrganizer(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.CreateEvent("stranger", EventParams{Name: "gig", Location: "bar", TotalTickets: 10})
	require.Equal(t, CodeNotOrganizer, CodeOf(err))
}

func TestCreateEventAssignsSequentialIDs(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")

	first := createEvent(t, l, "org-1", 100, 10)
	second := createEvent(t, l, "org-1", 100, 10)
	require.Equal(t, uint64(1), first)
	require.Equal(t, uint64(2), second)
}

func TestCreateEventCapturesCreationTime(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")

	id := createEvent(t, l, "org-1", 100, 10)
	ev, found := l.GetEvent(id)
	require.True(t, found)
	require.Greater(t, ev.CreatedAt, int64(0))
	require.Equal(t, models.Identity("org-1"), ev.Creator)
	require.Equal(t, uint32(0), ev.TicketsSold)
	require.False(t, ev.Cancelled)
}

func TestBuyTicketEchoesEventID(t *testing.T) {
	l, treasury := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 500, 10)
	treasury.Credit("buyer", 500)

	echoed, err := l.BuyTicket("buyer", id)
	require.NoError(t, err)
	require.Equal(t, id, echoed)

	ticket, found := l.GetTicket(id, "buyer")
	require.True(t, found)
	require.False(t, ticket.Used)
	require.NotEqual(t, uuid.Nil, ticket.ID)

	ev, _ := l.GetEvent(id)
	require.Equal(t, uint32(1), ev.TicketsSold)
	require.Equal(t, uint64(500), treasury.Balance(escrow))
	require.Equal(t, uint64(0), treasury.Balance("buyer"))
}

func TestBuyTicketTwiceFails(t *testing.T) {
	l, treasury := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 100, 10)
	treasury.Credit("buyer", 1000)

	_, err := l.BuyTicket("buyer", id)
	require.NoError(t, err)

	_, err = l.BuyTicket("buyer", id)
	require.Equal(t, CodeAlreadyOwnsTicket, CodeOf(err))

	ev, _ := l.GetEvent(id)
	require.Equal(t, uint32(1), ev.TicketsSold)
}

func TestBuyTicketUnknownEvent(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.BuyTicket("anyone", 42)
	require.Equal(t, CodeEventNotFound, CodeOf(err))
}

func TestBuyTicketEnforcesCapacity(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 0, 2)

	_, err := l.BuyTicket("a", id)
	require.NoError(t, err)
	_, err = l.BuyTicket("b", id)
	require.NoError(t, err)

	_, err = l.BuyTicket("c", id)
	require.Equal(t, CodeEventSoldOut, CodeOf(err))

	ev, _ := l.GetEvent(id)
	require.Equal(t, uint32(2), ev.TicketsSold)
}

func TestBuyTicketPaymentFailureLeavesNoTrace(t *testing.T) {
	treasury := NewMemoryTreasury()
	l, err := New(Config{Admin: admin, Escrow: escrow}, treasury)
	require.NoError(t, err)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 500, 10)

	// Buyer has no funds, so the transfer fails after the ticket and
	// counter increment were staged.
	_, err = l.BuyTicket("broke", id)
	require.Equal(t, CodePaymentFailed, CodeOf(err))

	_, found := l.GetTicket(id, "broke")
	require.False(t, found)
	ev, _ := l.GetEvent(id)
	require.Equal(t, uint32(0), ev.TicketsSold)
	require.Equal(t, uint64(0), treasury.Balance(escrow))

	// A later funded attempt succeeds.
	treasury.Credit("broke", 500)
	_, err = l.BuyTicket("broke", id)
	require.NoError(t, err)
}

func TestTransferTicket(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 0, 10)

	_, err := l.BuyTicket("alice", id)
	require.NoError(t, err)
	before, _ := l.GetTicket(id, "alice")

	require.NoError(t, l.TransferTicket("alice", id, "bob"))

	_, found := l.GetTicket(id, "alice")
	require.False(t, found)
	after, found := l.GetTicket(id, "bob")
	require.True(t, found)
	require.Equal(t, before.ID, after.ID)
	require.False(t, after.Used)

	// The opaque id follows the ticket to its new owner.
	byID, found := l.GetTicketByID(before.ID)
	require.True(t, found)
	require.Equal(t, models.Identity("bob"), byID.Owner)
}

func TestTransferTicketWithoutTicket(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 0, 10)

	err := l.TransferTicket("alice", id, "bob")
	require.Equal(t, CodeNoTicket, CodeOf(err))
}

func TestTransferTicketToSelf(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 0, 10)

	_, err := l.BuyTicket("alice", id)
	require.NoError(t, err)

	err = l.TransferTicket("alice", id, "alice")
	require.Equal(t, CodeSelfTransfer, CodeOf(err))

	// The ticket is untouched.
	ticket, found := l.GetTicket(id, "alice")
	require.True(t, found)
	require.False(t, ticket.Used)
}

func TestTransferTicketToExistingHolder(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 0, 10)

	_, err := l.BuyTicket("alice", id)
	require.NoError(t, err)
	_, err = l.BuyTicket("bob", id)
	require.NoError(t, err)

	err = l.TransferTicket("alice", id, "bob")
	require.Equal(t, CodeAlreadyOwnsTicket, CodeOf(err))
}

func TestCheckInRequiresEventCreator(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 0, 10)

	_, err := l.BuyTicket("alice", id)
	require.NoError(t, err)

	// Not even the ticket holder may check in.
	err = l.CheckInTicket("alice", id, "alice")
	require.Equal(t, CodeNotEventCreator, CodeOf(err))

	require.NoError(t, l.CheckInTicket("org-1", id, "alice"))
}

func TestCheckInIsTerminal(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 0, 10)

	_, err := l.BuyTicket("alice", id)
	require.NoError(t, err)
	require.NoError(t, l.CheckInTicket("org-1", id, "alice"))

	err = l.CheckInTicket("org-1", id, "alice")
	require.Equal(t, CodeAlreadyCheckedIn, CodeOf(err))

	// A used ticket can no longer be transferred.
	err = l.TransferTicket("alice", id, "bob")
	require.Equal(t, CodeTicketUsed, CodeOf(err))
}

func TestCheckInMissingTicket(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 0, 10)

	err := l.CheckInTicket("org-1", id, "ghost")
	require.Equal(t, CodeNoTicket, CodeOf(err))
}

func TestCheckInByTicketID(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 0, 10)

	_, err := l.BuyTicket("alice", id)
	require.NoError(t, err)
	ticket, _ := l.GetTicket(id, "alice")

	require.NoError(t, l.CheckInTicketByID("org-1", ticket.ID))

	err = l.CheckInTicketByID("org-1", ticket.ID)
	require.Equal(t, CodeAlreadyCheckedIn, CodeOf(err))
}

func TestCheckInByUnknownTicketID(t *testing.T) {
	l, _ := newTestLedger(t)

	err := l.CheckInTicketByID("org-1", uuid.New())
	require.Equal(t, CodeTicketIDNotFound, CodeOf(err))
}

func TestCancelEventRequiresCreator(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 0, 10)

	err := l.CancelEvent("stranger", id)
	require.Equal(t, CodeNotCancelCreator, CodeOf(err))

	err = l.CancelEvent("org-1", 42)
	require.Equal(t, CodeEventNotFound, CodeOf(err))
}

func TestCancelEventKeepsCountersAndIndex(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 0, 10)

	_, err := l.BuyTicket("alice", id)
	require.NoError(t, err)

	countBefore := l.OrganizerEventsCount("org-1")
	listBefore := l.OrganizerEvents("org-1")

	require.NoError(t, l.CancelEvent("org-1", id))
	// Repeat cancellation succeeds and changes nothing.
	require.NoError(t, l.CancelEvent("org-1", id))

	ev, _ := l.GetEvent(id)
	require.True(t, ev.Cancelled)
	require.Equal(t, uint32(1), ev.TicketsSold)

	require.Equal(t, countBefore, l.OrganizerEventsCount("org-1"))
	require.Equal(t, listBefore, l.OrganizerEvents("org-1"))

	// The ticket record is untouched by cancellation.
	ticket, found := l.GetTicket(id, "alice")
	require.True(t, found)
	require.False(t, ticket.Used)
	require.False(t, ticket.Refunded)
}

func TestRefundRequiresCancelledEvent(t *testing.T) {
	l, treasury := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 500, 10)
	treasury.Credit("alice", 500)

	_, err := l.BuyTicket("alice", id)
	require.NoError(t, err)

	err = l.RefundTicket("alice", id)
	require.Equal(t, CodeEventNotCancelled, CodeOf(err))

	// A missing event reports the same fault.
	err = l.RefundTicket("alice", 42)
	require.Equal(t, CodeEventNotCancelled, CodeOf(err))
}

func TestRefundTicket(t *testing.T) {
	l, treasury := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 500, 10)
	treasury.Credit("alice", 500)

	_, err := l.BuyTicket("alice", id)
	require.NoError(t, err)
	require.NoError(t, l.CancelEvent("org-1", id))

	require.NoError(t, l.RefundTicket("alice", id))
	require.Equal(t, uint64(500), treasury.Balance("alice"))
	require.Equal(t, uint64(0), treasury.Balance(escrow))

	ticket, found := l.GetTicket(id, "alice")
	require.True(t, found)
	require.True(t, ticket.Refunded)

	// A second refund must not double-pay.
	err = l.RefundTicket("alice", id)
	require.Equal(t, CodeNothingToRefund, CodeOf(err))
	require.Equal(t, uint64(500), treasury.Balance("alice"))
}

func TestRefundTransferFailureLeavesTicketRefundable(t *testing.T) {
	treasury := frozenPayoutTreasury{NewMemoryTreasury()}
	l, err := New(Config{Admin: admin, Escrow: escrow}, treasury)
	require.NoError(t, err)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 250, 10)
	treasury.Credit("alice", 250)

	_, err = l.BuyTicket("alice", id)
	require.NoError(t, err)
	require.NoError(t, l.CancelEvent("org-1", id))

	// The payout fails, so the refund flag must not stick.
	err = l.RefundTicket("alice", id)
	require.Equal(t, CodeEventNotCancelled, CodeOf(err))

	ticket, found := l.GetTicket(id, "alice")
	require.True(t, found)
	require.False(t, ticket.Refunded)

	// Retrying reports the same failure class, never silent success.
	err = l.RefundTicket("alice", id)
	require.Equal(t, CodeEventNotCancelled, CodeOf(err))
}

func TestRefundedTicketIDRetiredOnRebuy(t *testing.T) {
	l, treasury := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 500, 10)
	treasury.Credit("alice", 1000)

	_, err := l.BuyTicket("alice", id)
	require.NoError(t, err)
	refunded, _ := l.GetTicket(id, "alice")

	require.NoError(t, l.CancelEvent("org-1", id))
	require.NoError(t, l.RefundTicket("alice", id))

	_, err = l.BuyTicket("alice", id)
	require.NoError(t, err)
	fresh, _ := l.GetTicket(id, "alice")
	require.NotEqual(t, refunded.ID, fresh.ID)

	// The retired id must not alias the replacement ticket.
	_, found := l.GetTicketByID(refunded.ID)
	require.False(t, found)
	err = l.CheckInTicketByID("org-1", refunded.ID)
	require.Equal(t, CodeTicketIDNotFound, CodeOf(err))

	// The replacement remains addressable by its own id.
	byID, found := l.GetTicketByID(fresh.ID)
	require.True(t, found)
	require.False(t, byID.Used)
	require.NoError(t, l.CheckInTicketByID("org-1", fresh.ID))
}

func TestRefundedTicketIDRetiredOnTransferIn(t *testing.T) {
	l, treasury := newTestLedger(t)
	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 500, 10)
	treasury.Credit("alice", 500)
	treasury.Credit("bob", 500)

	_, err := l.BuyTicket("alice", id)
	require.NoError(t, err)
	_, err = l.BuyTicket("bob", id)
	require.NoError(t, err)
	refunded, _ := l.GetTicket(id, "alice")
	kept, _ := l.GetTicket(id, "bob")

	require.NoError(t, l.CancelEvent("org-1", id))
	require.NoError(t, l.RefundTicket("alice", id))

	// Bob's live ticket lands on the key alice's refunded one occupied.
	require.NoError(t, l.TransferTicket("bob", id, "alice"))

	_, found := l.GetTicketByID(refunded.ID)
	require.False(t, found)
	err = l.CheckInTicketByID("org-1", refunded.ID)
	require.Equal(t, CodeTicketIDNotFound, CodeOf(err))

	byID, found := l.GetTicketByID(kept.ID)
	require.True(t, found)
	require.Equal(t, models.Identity("alice"), byID.Owner)
}

func TestOrganizerIndexForStranger(t *testing.T) {
	l, _ := newTestLedger(t)

	require.Equal(t, 0, l.OrganizerEventsCount("nobody"))
	require.Empty(t, l.OrganizerEvents("nobody"))
}

func TestOrganizerIndexOrder(t *testing.T) {
	l, _ := newTestLedger(t)
	approve(t, l, "org-1")
	approve(t, l, "org-2")

	a := createEvent(t, l, "org-1", 0, 1)
	b := createEvent(t, l, "org-2", 0, 1)
	c := createEvent(t, l, "org-1", 0, 1)

	require.Equal(t, []uint64{a, c}, l.OrganizerEvents("org-1"))
	require.Equal(t, []uint64{b}, l.OrganizerEvents("org-2"))
	require.Equal(t, 2, l.OrganizerEventsCount("org-1"))
}

func TestOrganizerIndexIsBounded(t *testing.T) {
	treasury := NewMemoryTreasury()
	l, err := New(Config{Admin: admin, Escrow: escrow, MaxIndexScan: 3}, treasury)
	require.NoError(t, err)
	approve(t, l, "org-1")

	var ids []uint64
	for i := 0; i < 5; i++ {
		ids = append(ids, createEvent(t, l, "org-1", 0, 1))
	}

	require.Equal(t, 3, l.OrganizerEventsCount("org-1"))
	require.Equal(t, ids[:3], l.OrganizerEvents("org-1"))
}

func TestCommitHookObservesTotalOrder(t *testing.T) {
	l, _ := newTestLedger(t)

	var seqs []uint64
	var ops []string
	l.SetCommitHook(func(c Commit) {
		seqs = append(seqs, c.Seq)
		ops = append(ops, c.Operation)
	})

	approve(t, l, "org-1")
	id := createEvent(t, l, "org-1", 0, 10)
	_, err := l.BuyTicket("alice", id)
	require.NoError(t, err)

	require.Equal(t, []uint64{1, 2, 3}, seqs)
	require.Equal(t, []string{models.OpAddOrganizer, models.OpCreateEvent, models.OpBuyTicket}, ops)

	// Rejected operations never reach the hook.
	_, err = l.BuyTicket("alice", id)
	require.Error(t, err)
	require.Len(t, seqs, 3)
}

func TestEndToEndTicketLifecycle(t *testing.T) {
	l, treasury := newTestLedger(t)

	require.NoError(t, l.AddOrganizer(admin, "organizer"))
	id, err := l.CreateEvent("organizer", EventParams{
		Name:         "launch party",
		Location:     "warehouse 9",
		Timestamp:    1900000000,
		Price:        1000000,
		TotalTickets: 10,
		Image:        "ipfs://poster",
	})
	require.NoError(t, err)

	treasury.Credit("buyer", 2000000)
	_, err = l.BuyTicket("buyer", id)
	require.NoError(t, err)

	_, err = l.BuyTicket("buyer", id)
	require.Equal(t, CodeAlreadyOwnsTicket, CodeOf(err))

	require.NoError(t, l.TransferTicket("buyer", id, "guest"))
	require.NoError(t, l.CheckInTicket("organizer", id, "guest"))

	err = l.CheckInTicket("organizer", id, "guest")
	require.Equal(t, CodeAlreadyCheckedIn, CodeOf(err))
}

func TestStrangerIsLockedOut(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.CreateEvent("stranger", EventParams{Name: "gig", Location: "bar", TotalTickets: 1})
	require.Equal(t, CodeNotOrganizer, CodeOf(err))

	err = l.AddOrganizer("stranger", "stranger")
	require.Equal(t, CodeNotAdmin, CodeOf(err))
}

func TestGetAdmin(t *testing.T) {
	l, _ := newTestLedger(t)
	require.Equal(t, admin, l.Admin())
	require.True(t, l.IsAdmin(admin))
	require.False(t, l.IsAdmin("stranger"))
}
