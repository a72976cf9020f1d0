package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/starforge/botpay/internal/core/events"
	paymentpkg "github.com/starforge/botpay/internal/payment"
	paymentpg "github.com/starforge/botpay/internal/payment/postgres"
	"github.com/starforge/botpay/pkg/logger"
)

var sweeperCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Start the reconciliation repair sweeper",
	Long:  `Periodically scans for completed payments whose ledger credit was lost to a partial failure and re-applies it`,
	Run: func(cmd *cobra.Command, args []string) {
		startSweeper()
	},
}

func startSweeper() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(config.Observability.Logging.Format, config.Observability.Logging.Level)
	log := logger.L()

	db, err := initDB(config.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open gorm connection: %v\n", err)
		os.Exit(1)
	}

	bus := events.NewEventBus(log)
	store := paymentpg.NewPaymentStore(gormDB)
	sweeper := paymentpkg.NewSweeper(store, bus, log, config.Sweeper.MinAge, config.Sweeper.BatchSize, config.Database.QueryTimeout)

	schedule := config.Sweeper.Schedule
	if schedule == "" {
		schedule = "@every 5m"
	}

	c := cron.New()
	_, err = c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		repaired, err := sweeper.Sweep(ctx)
		if err != nil {
			log.Error("reconciliation sweep failed", "error", err)
			return
		}
		if repaired > 0 {
			log.Warn("reconciliation sweep repaired credits", "repaired", repaired)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid sweeper schedule %q: %v\n", schedule, err)
		os.Exit(1)
	}

	log.Info("reconciliation sweeper started",
		"schedule", schedule,
		"min_age", config.Sweeper.MinAge,
		"batch_size", config.Sweeper.BatchSize)
	c.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received signal, shutting down sweeper", "signal", sig)

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		log.Warn("sweeper shutdown timeout reached, forcing exit")
	}
	bus.Drain()
}
