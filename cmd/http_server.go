package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	internal "github.com/starforge/botpay/internal"
	balancepkg "github.com/starforge/botpay/internal/balance"
	balancepg "github.com/starforge/botpay/internal/balance/postgres"
	"github.com/starforge/botpay/internal/core/events"
	"github.com/starforge/botpay/internal/notification"
	paymentpkg "github.com/starforge/botpay/internal/payment"
	paymentpg "github.com/starforge/botpay/internal/payment/postgres"
	"github.com/starforge/botpay/internal/subscription"
	"github.com/starforge/botpay/internal/transport"
	"github.com/starforge/botpay/internal/transport/rest"
	"github.com/starforge/botpay/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server that receives gateway callbacks and serves the billing API`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config         *internal.Config
	DB             *sqlx.DB
	GormDB         *gorm.DB
	Router         *chi.Mux
	Logger         *slog.Logger
	EventBus       *events.EventBus
	WebhookHandler *paymentpkg.WebhookHandler
	PaymentHandler *paymentpkg.Handler
	BalanceHandler *balancepkg.Handler
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	rest.RegisterAllRoutes(deps.Router, deps.DB.DB, deps.WebhookHandler, deps.PaymentHandler, deps.BalanceHandler, deps.Config.Admin.JWTSecret, deps.Logger)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           deps.Router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		// let in-flight notification handlers finish before the pool closes
		deps.EventBus.Drain()
		if err := deps.DB.Close(); err != nil {
			deps.Logger.Error("database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	deps.Logger.Info("server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(config.Observability.Logging.Format, config.Observability.Logging.Level)
	log := logger.L()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm connection: %w", err)
	}

	bus := events.NewEventBus(log)

	var dispatcher notification.Dispatcher
	if config.Telegram.Enabled && config.Telegram.BotToken != "" {
		tg, err := notification.NewTelegramDispatcher(config.Telegram.BotToken, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telegram dispatcher: %w", err)
		}
		dispatcher = tg
	} else {
		dispatcher = &notification.NopDispatcher{Logger: log}
	}
	notification.NewEventHandler(dispatcher, log).RegisterEventHandlers(bus)

	store := paymentpg.NewPaymentStore(gormDB)
	ledger := balancepg.NewLedgerRepository(gormDB)
	gateway := paymentpkg.NewRobokassaGateway(config.Robokassa)
	subs := subscription.NewService(gormDB, log)

	engine := paymentpkg.NewReconciliationEngine(gateway, store, subs, bus, config.Database.QueryTimeout, log)
	service := paymentpkg.NewPaymentService(store, gateway, config.Billing, log)
	sweeper := paymentpkg.NewSweeper(store, bus, log, config.Sweeper.MinAge, config.Sweeper.BatchSize, config.Database.QueryTimeout)

	baseHandler := transport.NewBaseHandler(log)

	return &Dependencies{
		Config:         config,
		DB:             db,
		GormDB:         gormDB,
		Router:         chi.NewRouter(),
		Logger:         log,
		EventBus:       bus,
		WebhookHandler: paymentpkg.NewWebhookHandler(baseHandler, engine, log),
		PaymentHandler: paymentpkg.NewHandler(baseHandler, service, sweeper, log),
		BalanceHandler: balancepkg.NewHandler(baseHandler, ledger, log),
	}, nil
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
