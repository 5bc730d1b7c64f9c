package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/iliyamo/booking-settlement/internal/config"
	"github.com/iliyamo/booking-settlement/internal/handler"
	"github.com/iliyamo/booking-settlement/internal/queue"
	"github.com/iliyamo/booking-settlement/internal/router"
	"github.com/iliyamo/booking-settlement/internal/settlement"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Schedule the stages on cron and serve the operational API",
		Long: `Run the long-lived process: each stage fires on its cron entry
(defaults, or SCHEDULE_FILE), the operational API listens on APP_PORT and,
when RABBITMQ_URL is set, settlement events are consumed into the event log.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	sched, err := config.LoadSchedule(a.cfg.ScheduleFile)
	if err != nil {
		return err
	}
	// Scheduled runs finish their batch after a shutdown signal.
	c, err := scheduleStages(context.WithoutCancel(ctx), a.runner, sched)
	if err != nil {
		return err
	}
	c.Start()
	log.Printf("scheduler started (%d entries, tz=%s)", len(c.Entries()), sched.Location())

	if a.cfg.RabbitURL != "" {
		consumer := queue.NewConsumer(a.cfg.RabbitURL, a.cfg.LogDir)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("event consumer stopped: %v", err)
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	router.RegisterRoutes(e)
	limit := router.TriggerLimit{Limit: a.cfg.TriggerRateLimit, Window: a.cfg.TriggerRateWindow}
	if a.rdb != nil {
		limit.Redis = a.rdb
	}
	if !router.RegisterStages(e, handler.NewStageHandler(a.runner), a.cfg.AdminJWTSecret, limit) {
		log.Printf("ADMIN_JWT_SECRET not set; manual stage trigger disabled")
	}

	addr := ":" + a.cfg.Port
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (env=%s)", addr, a.cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
	}

	log.Printf("shutting down")
	<-c.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := e.Shutdown(shutdownCtx); serr != nil {
		log.Printf("http shutdown: %v", serr)
	}
	return err
}

// scheduleStages registers one cron entry per enabled stage.  Overlapping
// firings of the same stage in this process are skipped.
func scheduleStages(ctx context.Context, runner *settlement.Runner, sched config.Schedule) (*cron.Cron, error) {
	c := cron.New(
		cron.WithLocation(sched.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	for _, name := range sched.Names() {
		entry := sched.Stages[name]
		if entry.Disabled || !runner.Has(name) {
			continue
		}
		name := name
		if _, err := c.AddFunc(entry.Spec, func() {
			// Errors are already logged by the runner.
			_, _ = runner.RunOne(ctx, name)
		}); err != nil {
			return nil, err
		}
	}
	return c, nil
}
