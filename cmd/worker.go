package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/ticketry/services/ledger/config"
	"example.com/ticketry/services/ledger/internal/journal"
	"example.com/ticketry/services/ledger/internal/messaging"
	"example.com/ticketry/services/ledger/internal/services"
)

// dispatchBatch caps how many journal records one sweep forwards.
const dispatchBatch = 100

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that forwards journalled ledger operations to Service Bus`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if !cfg.DB.Enabled {
		return errors.New("the worker requires the journal database (database.enabled)")
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Initialize the journal database
	db, err := initJournalDatabase(cfg)
	if err != nil {
		return err
	}
	jrnl := journal.NewGormJournal(db)

	// Initialize the Service Bus publisher
	publisher, err := messaging.NewServiceBusPublisher(cfg.Azure)
	if err != nil {
		return err
	}
	defer publisher.Close()

	dispatcher := services.NewJournalDispatcher(jrnl, publisher)

	// Run the dispatch sweep on a schedule
	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting journal dispatch worker")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(30*time.Second),
			gocron.NewTask(func() {
				if _, err := dispatcher.Dispatch(ctx, dispatchBatch); err != nil {
					log.Error().Err(err).Msg("Failed to dispatch journal records")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
