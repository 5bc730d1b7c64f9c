// Command settlement runs the booking settlement pipeline: resolving paid
// bookings, crediting host wallets, refunding participants and sweeping
// wallet balances to payout accounts.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/iliyamo/booking-settlement/internal/config"
	"github.com/iliyamo/booking-settlement/internal/database"
	"github.com/iliyamo/booking-settlement/internal/joblog"
	"github.com/iliyamo/booking-settlement/internal/lease"
	"github.com/iliyamo/booking-settlement/internal/obs"
	"github.com/iliyamo/booking-settlement/internal/provider"
	"github.com/iliyamo/booking-settlement/internal/queue"
	"github.com/iliyamo/booking-settlement/internal/repository"
	"github.com/iliyamo/booking-settlement/internal/settlement"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "settlement",
		Short:         "Booking settlement pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runAllCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the process-wide dependencies shared by the commands.
type app struct {
	cfg    config.Config
	db     *sql.DB
	rdb    *redis.Client
	sink   *joblog.Sink
	runner *settlement.Runner

	shutdownTracer func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	obs.Version = Version
	shutdown, err := obs.InitTracer(ctx, "booking-settlement", cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		// Tracing is optional; stages still run without an exporter.
		log.Printf("tracing disabled: %v", err)
		shutdown = func(context.Context) error { return nil }
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	stripeClient, err := provider.NewStripe(cfg.StripeSecret)
	if err != nil {
		_ = db.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	sink := joblog.New(cfg.LogDir)
	deps := settlement.Deps{
		Store:    repository.NewStore(db),
		Provider: stripeClient,
		Logger:   sink,
	}
	// A nil *queue.Publisher must not end up inside the interface.
	if pub := queue.NewPublisher(cfg.RabbitURL); pub != nil {
		deps.Publisher = pub
	}

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil && cfg.Redis.Address() != "" {
		log.Printf("redis at %s unreachable; stage leases disabled", cfg.Redis.Address())
	}
	runner := settlement.NewPipeline(deps, cfg.SettlementOptions())
	if rdb != nil {
		runner = runner.WithLease(lease.NewRedis(rdb), cfg.LeaseTTL)
	}

	return &app{
		cfg:            cfg,
		db:             db,
		rdb:            rdb,
		sink:           sink,
		runner:         runner,
		shutdownTracer: shutdown,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := a.db.Close(); err != nil {
		log.Printf("close database: %v", err)
	}
	if err := a.shutdownTracer(ctx); err != nil {
		log.Printf("tracer shutdown: %v", err)
	}
}
