package services

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/ticketry/services/ledger/config"
	"example.com/ticketry/services/ledger/internal/cache"
	"example.com/ticketry/services/ledger/internal/journal"
	"example.com/ticketry/services/ledger/internal/ledger"
	"example.com/ticketry/services/ledger/internal/metrics"
	"example.com/ticketry/services/ledger/internal/models"
	"example.com/ticketry/services/ledger/internal/search"
	"example.com/ticketry/services/ledger/internal/tracing"
)

const (
	testAdmin  = models.Identity("admin")
	testEscrow = models.Identity("escrow")
)

type mockJournal struct {
	mock.Mock
}

func (m *mockJournal) Append(ctx context.Context, commit ledger.Commit) error {
	args := m.Called(ctx, commit)
	return args.Error(0)
}

func (m *mockJournal) GetUndispatched(ctx context.Context, limit int) ([]models.LedgerRecord, error) {
	args := m.Called(ctx, limit)
	if records := args.Get(0); records != nil {
		return records.([]models.LedgerRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJournal) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// memoryCache backs cache-visibility tests with a plain map.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (c *memoryCache) Get(ctx context.Context, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[key]
	if !ok {
		return errors.New("key not found in cache")
	}
	return json.Unmarshal(data, value)
}

func (c *memoryCache) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = data
	return nil
}

func (c *memoryCache) Invalidate(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

func (c *memoryCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func newTestService(t *testing.T, jrnl journal.Journal) (*LedgerService, *ledger.MemoryTreasury) {
	t.Helper()

	redisCache, err := cache.NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	return newTestServiceWithCache(t, jrnl, redisCache)
}

func newTestServiceWithCache(t *testing.T, jrnl journal.Journal, c Cache) (*LedgerService, *ledger.MemoryTreasury) {
	t.Helper()

	treasury := ledger.NewMemoryTreasury()
	core, err := ledger.New(ledger.Config{Admin: testAdmin, Escrow: testEscrow}, treasury)
	require.NoError(t, err)

	elasticClient, err := search.NewElasticClient(config.ElasticConfig{Enabled: false})
	require.NoError(t, err)
	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)

	return NewLedgerService(core, jrnl, c, elasticClient, metrics.NewMetrics(), tracer), treasury
}

func TestServiceJournalsCommitsInOrder(t *testing.T) {
	jrnl := new(mockJournal)
	appended := make(chan ledger.Commit, 16)
	jrnl.On("Append", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		appended <- args.Get(1).(ledger.Commit)
	})

	svc, _ := newTestService(t, jrnl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	require.NoError(t, svc.AddOrganizer(ctx, testAdmin, "org-1"))
	id, err := svc.CreateEvent(ctx, "org-1", ledger.EventParams{Name: "gig", TotalTickets: 5})
	require.NoError(t, err)
	_, err = svc.BuyTicket(ctx, "buyer", id)
	require.NoError(t, err)

	var ops []string
	var seqs []uint64
	for i := 0; i < 3; i++ {
		select {
		case c := <-appended:
			ops = append(ops, c.Operation)
			seqs = append(seqs, c.Seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for journalled commit %d", i)
		}
	}

	require.Equal(t, []string{models.OpAddOrganizer, models.OpCreateEvent, models.OpBuyTicket}, ops)
	require.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestServiceRejectedOperationsAreNotJournalled(t *testing.T) {
	jrnl := new(mockJournal)
	svc, _ := newTestService(t, jrnl)

	ctx := context.Background()
	_, err := svc.BuyTicket(ctx, "buyer", 42)
	require.Equal(t, ledger.CodeEventNotFound, ledger.CodeOf(err))

	err = svc.AddOrganizer(ctx, "stranger", "org-1")
	require.Equal(t, ledger.CodeNotAdmin, ledger.CodeOf(err))

	// Nothing committed, so nothing was queued for the journal.
	jrnl.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestServiceRunsWithoutJournal(t *testing.T) {
	svc, _ := newTestService(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	require.NoError(t, svc.AddOrganizer(ctx, testAdmin, "org-1"))
	id, err := svc.CreateEvent(ctx, "org-1", ledger.EventParams{Name: "gig", TotalTickets: 1})
	require.NoError(t, err)

	ev, found := svc.GetEvent(ctx, id)
	require.True(t, found)
	require.Equal(t, "gig", ev.Name)
}

func TestServiceReadsFallBackWhenCacheDisabled(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.AddOrganizer(ctx, testAdmin, "org-1"))
	id, err := svc.CreateEvent(ctx, "org-1", ledger.EventParams{Name: "gig", TotalTickets: 3})
	require.NoError(t, err)

	ev, found := svc.GetEvent(ctx, id)
	require.True(t, found)
	require.Equal(t, models.Identity("org-1"), ev.Creator)

	require.Equal(t, []uint64{id}, svc.OrganizerEvents(ctx, "org-1"))
	require.Equal(t, 1, svc.OrganizerEventsCount(ctx, "org-1"))
	require.True(t, svc.IsOrganizer(ctx, "org-1"))
	require.Equal(t, testAdmin, svc.Admin(ctx))

	_, found = svc.GetEvent(ctx, id+1)
	require.False(t, found)
}

func TestServiceQueueIsLossless(t *testing.T) {
	jrnl := new(mockJournal)
	var appended int64
	jrnl.On("Append", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) {
		atomic.AddInt64(&appended, 1)
	})

	svc, _ := newTestService(t, jrnl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Commit far more operations than any fixed buffer would hold before
	// the consumer starts; every one must still reach the journal.
	const events = 2000
	require.NoError(t, svc.AddOrganizer(ctx, testAdmin, "org-1"))
	for i := 0; i < events; i++ {
		_, err := svc.CreateEvent(ctx, "org-1", ledger.EventParams{Name: "gig", TotalTickets: 1})
		require.NoError(t, err)
	}

	go svc.Run(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&appended) == events+1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCancelVisibleThroughCachedReads(t *testing.T) {
	fake := newMemoryCache()
	svc, _ := newTestServiceWithCache(t, nil, fake)
	ctx := context.Background()

	require.NoError(t, svc.AddOrganizer(ctx, testAdmin, "org-1"))
	id, err := svc.CreateEvent(ctx, "org-1", ledger.EventParams{Name: "gig", TotalTickets: 5})
	require.NoError(t, err)

	// Prime the cache through the read path.
	ev, found := svc.GetEvent(ctx, id)
	require.True(t, found)
	require.False(t, ev.Cancelled)
	require.True(t, fake.has(cache.EventCacheKey(id)))

	// Cancellation must be visible on the very next cached read.
	require.NoError(t, svc.CancelEvent(ctx, "org-1", id))
	ev, found = svc.GetEvent(ctx, id)
	require.True(t, found)
	require.True(t, ev.Cancelled)
}

func TestBuyVisibleThroughCachedReads(t *testing.T) {
	fake := newMemoryCache()
	svc, treasury := newTestServiceWithCache(t, nil, fake)
	ctx := context.Background()

	require.NoError(t, svc.AddOrganizer(ctx, testAdmin, "org-1"))
	id, err := svc.CreateEvent(ctx, "org-1", ledger.EventParams{Name: "gig", Price: 100, TotalTickets: 5})
	require.NoError(t, err)
	treasury.Credit("buyer", 100)

	_, found := svc.GetEvent(ctx, id)
	require.True(t, found)

	_, err = svc.BuyTicket(ctx, "buyer", id)
	require.NoError(t, err)

	ev, found := svc.GetEvent(ctx, id)
	require.True(t, found)
	require.Equal(t, uint32(1), ev.TicketsSold)
}

func TestOrganizerListingFreshAfterCreate(t *testing.T) {
	fake := newMemoryCache()
	svc, _ := newTestServiceWithCache(t, nil, fake)
	ctx := context.Background()

	require.NoError(t, svc.AddOrganizer(ctx, testAdmin, "org-1"))
	first, err := svc.CreateEvent(ctx, "org-1", ledger.EventParams{Name: "gig", TotalTickets: 1})
	require.NoError(t, err)

	require.Equal(t, []uint64{first}, svc.OrganizerEvents(ctx, "org-1"))

	second, err := svc.CreateEvent(ctx, "org-1", ledger.EventParams{Name: "encore", TotalTickets: 1})
	require.NoError(t, err)
	require.Equal(t, []uint64{first, second}, svc.OrganizerEvents(ctx, "org-1"))
}

func TestServiceRefreshGauges(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.AddOrganizer(ctx, testAdmin, "org-1"))
	_, err := svc.CreateEvent(ctx, "org-1", ledger.EventParams{Name: "gig", TotalTickets: 3})
	require.NoError(t, err)

	svc.RefreshGauges()

	gauges := svc.metrics.GetGauges()
	require.Equal(t, int64(1), gauges["store.events"])
	require.Equal(t, int64(0), gauges["store.tickets"])
	require.Equal(t, int64(1), gauges["store.organizers"])
}
