package services

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/ticketry/services/ledger/internal/journal"
	"example.com/ticketry/services/ledger/internal/messaging"
)

// JournalDispatcher forwards undispatched journal records to the publisher,
// marking each one dispatched after a successful send. It runs in the
// worker process; the API process only appends records.
type JournalDispatcher struct {
	journal   journal.Journal
	publisher messaging.Publisher
}

// NewJournalDispatcher creates a new journal dispatcher
func NewJournalDispatcher(jrnl journal.Journal, publisher messaging.Publisher) *JournalDispatcher {
	return &JournalDispatcher{
		journal:   jrnl,
		publisher: publisher,
	}
}

// Dispatch forwards up to limit records and returns how many were sent.
// A failed send stops the batch so ordering is preserved on retry.
func (d *JournalDispatcher) Dispatch(ctx context.Context, limit int) (int, error) {
	records, err := d.journal.GetUndispatched(ctx, limit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load undispatched records")
	}

	dispatched := 0
	for _, record := range records {
		if err := d.publisher.PublishRecord(ctx, record); err != nil {
			return dispatched, errors.Wrapf(err, "failed to publish record %s", record.ID)
		}
		if err := d.journal.MarkDispatched(ctx, record.ID); err != nil {
			return dispatched, errors.Wrapf(err, "failed to mark record %s dispatched", record.ID)
		}
		dispatched++
	}

	if dispatched > 0 {
		log.Info().Int("count", dispatched).Msg("dispatched ledger records")
	}
	return dispatched, nil
}
