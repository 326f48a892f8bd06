package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/ticketry/services/ledger/internal/cache"
	"example.com/ticketry/services/ledger/internal/journal"
	"example.com/ticketry/services/ledger/internal/ledger"
	"example.com/ticketry/services/ledger/internal/metrics"
	"example.com/ticketry/services/ledger/internal/models"
	"example.com/ticketry/services/ledger/internal/search"
	"example.com/ticketry/services/ledger/internal/tracing"
)

// Cache is the read-cache surface the service uses. *cache.RedisCache
// implements it; a disabled cache errors on Get/Set and no-ops Invalidate.
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
	Invalidate(ctx context.Context, keys ...string) error
}

// LedgerService composes the core ledger with the journal, cache, search
// index, metrics and tracing. The core alone decides what commits; the
// service handles everything that happens around a commit.
type LedgerService struct {
	core    *ledger.Ledger
	journal journal.Journal
	cache   Cache
	elastic *search.ElasticClient
	metrics *metrics.Metrics
	tracer  tracing.Tracer

	// pending holds commits awaiting side effects. The commit hook runs
	// under the ledger's write lock, so it only appends; the queue is
	// unbounded so no committed operation ever loses its journal record.
	mu      sync.Mutex
	pending []ledger.Commit
	wake    chan struct{}
}

// NewLedgerService creates a new ledger service. jrnl may be nil when the
// journal database is disabled.
func NewLedgerService(
	core *ledger.Ledger,
	jrnl journal.Journal,
	c Cache,
	elasticClient *search.ElasticClient,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *LedgerService {
	s := &LedgerService{
		core:    core,
		journal: jrnl,
		cache:   c,
		elastic: elasticClient,
		metrics: metricsCollector,
		tracer:  tracer,
		wake:    make(chan struct{}, 1),
	}

	core.SetCommitHook(func(commit ledger.Commit) {
		s.mu.Lock()
		s.pending = append(s.pending, commit)
		s.mu.Unlock()

		select {
		case s.wake <- struct{}{}:
		default:
		}
	})

	return s
}

// Run consumes commits and applies their side effects until ctx is done.
func (s *LedgerService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			s.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, commit := range batch {
				s.applySideEffects(ctx, commit)
			}
		}
	}
}

func (s *LedgerService) applySideEffects(ctx context.Context, c ledger.Commit) {
	txn := s.tracer.StartTransaction("ledger-commit-side-effects")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "operation", c.Operation)

	s.metrics.IncrementCounter("ledger." + c.Operation)

	if s.journal != nil {
		if err := s.journal.Append(ctx, c); err != nil {
			log.Error().Err(err).Uint64("seq", c.Seq).Str("operation", c.Operation).
				Msg("failed to journal ledger commit")
			s.tracer.RecordError(txn, err)
		}
	}

	// Second delete behind the synchronous one in the operation path, so a
	// read that re-cached between commit and invalidation gets cleaned up.
	if c.EventID != 0 {
		keys := []string{cache.EventCacheKey(c.EventID)}
		if c.Operation == models.OpCreateEvent || c.Operation == models.OpCancelEvent {
			keys = append(keys, cache.OrganizerEventsCacheKey(s.eventCreator(c)))
		}
		if err := s.cache.Invalidate(ctx, keys...); err != nil {
			log.Warn().Err(err).Msg("failed to invalidate cache after commit")
		}
	}

	if c.Operation == models.OpCreateEvent || c.Operation == models.OpCancelEvent {
		if ev, ok := s.core.GetEvent(c.EventID); ok {
			if err := s.elastic.IndexEvent(ctx, ev); err != nil {
				log.Warn().Err(err).Uint64("event_id", ev.ID).Msg("failed to index event")
				s.tracer.RecordError(txn, err)
			}
		}
	}

	s.RefreshGauges()
}

func (s *LedgerService) eventCreator(c ledger.Commit) models.Identity {
	if ev, ok := s.core.GetEvent(c.EventID); ok {
		return ev.Creator
	}
	return c.Actor
}

// invalidate drops cache keys before a mutating operation returns, so the
// next cached read cannot observe pre-commit state.
func (s *LedgerService) invalidate(ctx context.Context, keys ...string) {
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		log.Warn().Err(err).Strs("keys", keys).Msg("failed to invalidate cache")
	}
}

// timed wraps an operation with a tracer transaction and a timer metric.
func (s *LedgerService) timed(name string, fn func() error) error {
	txn := s.tracer.StartTransaction(name)
	start := time.Now()
	err := fn()
	s.metrics.RecordTimer(name, time.Since(start))
	if err != nil {
		s.tracer.RecordError(txn, err)
	}
	s.tracer.EndTransaction(txn)
	return err
}

// AddOrganizer approves an organizer on behalf of the caller.
func (s *LedgerService) AddOrganizer(ctx context.Context, caller, organizer models.Identity) error {
	return s.timed("add-organizer", func() error {
		return s.core.AddOrganizer(caller, organizer)
	})
}

// CreateEvent records a new event and returns its id.
func (s *LedgerService) CreateEvent(ctx context.Context, caller models.Identity, p ledger.EventParams) (uint64, error) {
	var id uint64
	err := s.timed("create-event", func() error {
		var err error
		id, err = s.core.CreateEvent(caller, p)
		return err
	})
	if err == nil {
		s.invalidate(ctx, cache.EventCacheKey(id), cache.OrganizerEventsCacheKey(caller))
	}
	return id, err
}

// CancelEvent cancels an event on behalf of its creator.
func (s *LedgerService) CancelEvent(ctx context.Context, caller models.Identity, eventID uint64) error {
	err := s.timed("cancel-event", func() error {
		return s.core.CancelEvent(caller, eventID)
	})
	if err == nil {
		s.invalidate(ctx, cache.EventCacheKey(eventID), cache.OrganizerEventsCacheKey(caller))
	}
	return err
}

// BuyTicket purchases a ticket for the caller and echoes the event id.
func (s *LedgerService) BuyTicket(ctx context.Context, caller models.Identity, eventID uint64) (uint64, error) {
	var echoed uint64
	err := s.timed("buy-ticket", func() error {
		var err error
		echoed, err = s.core.BuyTicket(caller, eventID)
		return err
	})
	if err == nil {
		s.invalidate(ctx, cache.EventCacheKey(eventID))
	}
	return echoed, err
}

// TransferTicket moves the caller's ticket to a new owner.
func (s *LedgerService) TransferTicket(ctx context.Context, caller models.Identity, eventID uint64, to models.Identity) error {
	err := s.timed("transfer-ticket", func() error {
		return s.core.TransferTicket(caller, eventID, to)
	})
	if err == nil {
		s.invalidate(ctx, cache.EventCacheKey(eventID))
	}
	return err
}

// CheckInTicket marks an attendee's ticket used.
func (s *LedgerService) CheckInTicket(ctx context.Context, caller models.Identity, eventID uint64, attendee models.Identity) error {
	err := s.timed("check-in-ticket", func() error {
		return s.core.CheckInTicket(caller, eventID, attendee)
	})
	if err == nil {
		s.invalidate(ctx, cache.EventCacheKey(eventID))
	}
	return err
}

// CheckInTicketByID marks a ticket used, addressed by its opaque id.
func (s *LedgerService) CheckInTicketByID(ctx context.Context, caller models.Identity, ticketID uuid.UUID) error {
	err := s.timed("check-in-ticket", func() error {
		return s.core.CheckInTicketByID(caller, ticketID)
	})
	if err == nil {
		if ticket, ok := s.core.GetTicketByID(ticketID); ok {
			s.invalidate(ctx, cache.EventCacheKey(ticket.EventID))
		}
	}
	return err
}

// RefundTicket refunds the caller's ticket for a cancelled event.
func (s *LedgerService) RefundTicket(ctx context.Context, caller models.Identity, eventID uint64) error {
	err := s.timed("refund-ticket", func() error {
		return s.core.RefundTicket(caller, eventID)
	})
	if err == nil {
		s.invalidate(ctx, cache.EventCacheKey(eventID))
	}
	return err
}

// GetEvent reads an event, via the cache when enabled.
func (s *LedgerService) GetEvent(ctx context.Context, id uint64) (models.Event, bool) {
	var cached models.Event
	if err := s.cache.Get(ctx, cache.EventCacheKey(id), &cached); err == nil {
		return cached, true
	}

	ev, ok := s.core.GetEvent(id)
	if !ok {
		return models.Event{}, false
	}
	if err := s.cache.Set(ctx, cache.EventCacheKey(id), ev); err != nil {
		log.Debug().Err(err).Uint64("event_id", id).Msg("event not cached")
	}
	return ev, true
}

// GetTicket reads a ticket by (event, owner).
func (s *LedgerService) GetTicket(ctx context.Context, eventID uint64, owner models.Identity) (models.Ticket, bool) {
	return s.core.GetTicket(eventID, owner)
}

// IsOrganizer reports whether the identity is an approved organizer.
func (s *LedgerService) IsOrganizer(ctx context.Context, id models.Identity) bool {
	return s.core.IsOrganizer(id)
}

// Admin returns the genesis admin identity.
func (s *LedgerService) Admin(ctx context.Context) models.Identity {
	return s.core.Admin()
}

// OrganizerEvents lists the organizer's event ids, via the cache when enabled.
func (s *LedgerService) OrganizerEvents(ctx context.Context, id models.Identity) []uint64 {
	var cached []uint64
	if err := s.cache.Get(ctx, cache.OrganizerEventsCacheKey(id), &cached); err == nil {
		return cached
	}

	events := s.core.OrganizerEvents(id)
	if err := s.cache.Set(ctx, cache.OrganizerEventsCacheKey(id), events); err != nil {
		log.Debug().Err(err).Str("organizer", id.String()).Msg("organizer events not cached")
	}
	return events
}

// OrganizerEventsCount counts the organizer's events.
func (s *LedgerService) OrganizerEventsCount(ctx context.Context, id models.Identity) int {
	return s.core.OrganizerEventsCount(id)
}

// SearchEvents queries the search index.
func (s *LedgerService) SearchEvents(ctx context.Context, query string, limit int) ([]map[string]interface{}, error) {
	return s.elastic.SearchEvents(ctx, query, limit)
}

// RefreshGauges updates store-size gauges.
func (s *LedgerService) RefreshGauges() {
	events, tickets, organizers := s.core.Stats()
	s.metrics.SetGauge("store.events", int64(events))
	s.metrics.SetGauge("store.tickets", int64(tickets))
	s.metrics.SetGauge("store.organizers", int64(organizers))
}
