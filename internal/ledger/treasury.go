package ledger

import (
	"sync"

	"github.com/pkg/errors"

	"example.com/ticketry/services/ledger/internal/models"
)

// Treasury moves funds between identities. Amounts are in the smallest
// currency unit. A transfer either fully completes or returns an error with
// no funds moved; the ledger commits its own state only after the transfer
// succeeds.
type Treasury interface {
	// Transfer moves amount from one identity to another.
	Transfer(from, to models.Identity, amount uint64) error

	// Balance reports the current balance of an identity.
	Balance(id models.Identity) uint64
}

// ErrInsufficientFunds is returned by a treasury when the payer cannot
// cover the transfer.
var ErrInsufficientFunds = errors.New("insufficient funds")

// MemoryTreasury is an in-process Treasury keeping balances in a map.
// It backs tests and single-node deployments; a real deployment substitutes
// a payment-provider adapter behind the same interface.
type MemoryTreasury struct {
	mu       sync.Mutex
	balances map[models.Identity]uint64
}

// NewMemoryTreasury creates an empty in-memory treasury.
func NewMemoryTreasury() *MemoryTreasury {
	return &MemoryTreasury{balances: make(map[models.Identity]uint64)}
}

// Credit adds funds to an identity. Used to seed accounts.
func (t *MemoryTreasury) Credit(id models.Identity, amount uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[id] += amount
}

// Transfer moves amount from one identity to another.
func (t *MemoryTreasury) Transfer(from, to models.Identity, amount uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.balances[from] < amount {
		return errors.Wrapf(ErrInsufficientFunds, "identity %s holds %d, needs %d", from, t.balances[from], amount)
	}

	t.balances[from] -= amount
	t.balances[to] += amount
	return nil
}

// Balance reports the current balance of an identity.
func (t *MemoryTreasury) Balance(id models.Identity) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[id]
}
