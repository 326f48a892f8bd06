package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Identity is an opaque principal naming an account. It is never parsed,
// only compared; over HTTP it arrives pre-resolved in the X-Ledger-Identity
// header.
type Identity string

// Zero reports whether the identity is unset.
func (i Identity) Zero() bool {
	return i == ""
}

func (i Identity) String() string {
	return string(i)
}

// Event is a sellable occasion. All descriptive fields are immutable after
// creation; only TicketsSold and Cancelled change afterwards.
type Event struct {
	ID           uint64   `json:"id"`
	Creator      Identity `json:"creator"`
	Name         string   `json:"name"`
	Location     string   `json:"location"`
	Image        string   `json:"image"`
	Timestamp    int64    `json:"timestamp"`
	Price        uint64   `json:"price"`
	TotalTickets uint32   `json:"total_tickets"`
	TicketsSold  uint32   `json:"tickets_sold"`
	CreatedAt    int64    `json:"created_at"`
	Cancelled    bool     `json:"cancelled"`
}

// Ticket is proof of purchase for one event. The ledger keys it by
// (event, owner); ID is the opaque handle used by check-in-by-ticket-id.
type Ticket struct {
	ID       uuid.UUID `json:"id"`
	EventID  uint64    `json:"event_id"`
	Owner    Identity  `json:"owner"`
	Used     bool      `json:"used"`
	Refunded bool      `json:"refunded"`
	IssuedAt int64     `json:"issued_at"`
}

// LedgerRecord is the journal row written for every committed mutating
// operation. Undispatched records are forwarded to Service Bus by the worker.
type LedgerRecord struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Seq         uint64         `gorm:"not null;uniqueIndex" json:"seq"`
	Operation   string         `gorm:"not null" json:"operation"`
	Actor       string         `gorm:"not null" json:"actor"`
	EventID     *uint64        `json:"event_id"`
	Payload     []byte         `gorm:"type:jsonb" json:"payload"`
	CommittedAt time.Time      `gorm:"not null" json:"committed_at"`
	Dispatched  bool           `gorm:"not null;default:false;index" json:"dispatched"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// Operation names recorded in the journal.
const (
	OpAddOrganizer   = "add-organizer"
	OpCreateEvent    = "create-event"
	OpCancelEvent    = "cancel-event"
	OpBuyTicket      = "buy-ticket"
	OpTransferTicket = "transfer-ticket"
	OpCheckInTicket  = "check-in-ticket"
	OpRefundTicket   = "refund-ticket"
)

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	if err := db.AutoMigrate(&LedgerRecord{}); err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}
	return nil
}
