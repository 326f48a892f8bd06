package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"example.com/ticketry/services/ledger/config"
	"example.com/ticketry/services/ledger/internal/api"
	"example.com/ticketry/services/ledger/internal/cache"
	"example.com/ticketry/services/ledger/internal/journal"
	"example.com/ticketry/services/ledger/internal/ledger"
	"example.com/ticketry/services/ledger/internal/metrics"
	"example.com/ticketry/services/ledger/internal/models"
	"example.com/ticketry/services/ledger/internal/search"
	"example.com/ticketry/services/ledger/internal/services"
	"example.com/ticketry/services/ledger/internal/tracing"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server exposing the ledger operations`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize the ledger core
	treasury := ledger.NewMemoryTreasury()
	core, err := ledger.New(ledger.Config{
		Admin:        models.Identity(cfg.Ledger.AdminIdentity),
		Escrow:       models.Identity(cfg.Ledger.EscrowIdentity),
		MaxIndexScan: cfg.Ledger.MaxIndexScan,
	}, treasury)
	if err != nil {
		return err
	}

	// Initialize the journal database
	var jrnl journal.Journal
	if cfg.DB.Enabled {
		db, err := initJournalDatabase(cfg)
		if err != nil {
			return err
		}
		jrnl = journal.NewGormJournal(db)
	} else {
		log.Warn().Msg("Journal database disabled, committed operations are not persisted")
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache, _ = cache.NewRedisCache(config.RedisConfig{Enabled: false})
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return err
	}
	defer tracer.Close()

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
		elasticClient, _ = search.NewElasticClient(config.ElasticConfig{Enabled: false})
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()
	metricsCollector.SetHealth("ledger", true)

	// Initialize services
	ledgerService := services.NewLedgerService(core, jrnl, redisCache, elasticClient, metricsCollector, tracer)

	// Initialize the server
	server := api.NewServer(cfg, ledgerService, metricsCollector, tracer)

	g, ctx := errgroup.WithContext(ctx)

	// Consume commit side effects
	g.Go(func() error {
		if err := ledgerService.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// Start the server
	g.Go(func() error {
		return server.Start()
	})

	// Shut the server down on termination
	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API server error")
		return err
	}

	log.Info().Msg("API server shut down")
	return nil
}

func initJournalDatabase(cfg config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to journal database")
	}

	if err := models.SetupModels(db); err != nil {
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if cfg.DB.ConnMaxLifetime == 0 {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return db, nil
}
