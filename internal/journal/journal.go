package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/ticketry/services/ledger/internal/ledger"
	"example.com/ticketry/services/ledger/internal/models"
)

// Journal persists committed ledger operations. Records start undispatched;
// the worker forwards them to Service Bus and marks them dispatched, giving
// a transactional outbox over the in-memory ledger.
type Journal interface {
	Append(ctx context.Context, commit ledger.Commit) error
	GetUndispatched(ctx context.Context, limit int) ([]models.LedgerRecord, error)
	MarkDispatched(ctx context.Context, id uuid.UUID) error
}

// GormJournal implements Journal on a gorm database.
type GormJournal struct {
	db *gorm.DB
}

// NewGormJournal creates a journal backed by the given database.
func NewGormJournal(db *gorm.DB) *GormJournal {
	return &GormJournal{db: db}
}

// Append writes one committed operation.
func (j *GormJournal) Append(ctx context.Context, commit ledger.Commit) error {
	var payload []byte
	if commit.Payload != nil {
		data, err := json.Marshal(commit.Payload)
		if err != nil {
			return errors.Wrap(err, "failed to marshal commit payload")
		}
		payload = data
	}

	record := models.LedgerRecord{
		ID:          uuid.New(),
		Seq:         commit.Seq,
		Operation:   commit.Operation,
		Actor:       commit.Actor.String(),
		Payload:     payload,
		CommittedAt: commit.At,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if commit.EventID != 0 {
		eventID := commit.EventID
		record.EventID = &eventID
	}

	if err := j.db.WithContext(ctx).Create(&record).Error; err != nil {
		return errors.Wrap(err, "failed to append ledger record")
	}
	return nil
}

// GetUndispatched returns records not yet forwarded, oldest first.
func (j *GormJournal) GetUndispatched(ctx context.Context, limit int) ([]models.LedgerRecord, error) {
	var records []models.LedgerRecord
	err := j.db.WithContext(ctx).
		Where("dispatched = ?", false).
		Order("seq asc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get undispatched ledger records")
	}
	return records, nil
}

// MarkDispatched flags a record as forwarded.
func (j *GormJournal) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	result := j.db.WithContext(ctx).
		Model(&models.LedgerRecord{}).
		Where("id = ?", id).
		Update("dispatched", true)

	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark ledger record dispatched")
	}
	if result.RowsAffected == 0 {
		return errors.New("no ledger record updated")
	}
	return nil
}
