package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/recipebox/backend/internal/auth"
	"github.com/recipebox/backend/internal/catalog"
	"github.com/recipebox/backend/internal/config"
	"github.com/recipebox/backend/internal/credentials"
	"github.com/recipebox/backend/internal/credits"
	"github.com/recipebox/backend/internal/database"
	"github.com/recipebox/backend/internal/jobs"
	"github.com/recipebox/backend/internal/middleware"
	"github.com/recipebox/backend/internal/notify"
	"github.com/recipebox/backend/internal/oauth"
	"github.com/recipebox/backend/internal/repository"
	"github.com/recipebox/backend/internal/router"
	"github.com/recipebox/backend/internal/tokens"
	"github.com/recipebox/backend/internal/validate"
	"github.com/recipebox/backend/internal/verification"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	if cfg.SeedCatalog {
		if err := database.SeedCatalog(ctx, pool); err != nil {
			slog.Error("Catalog seed failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Default plan catalog seeded")
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Repositories
	accountRepo := repository.NewAccountRepo(pool)
	profileRepo := repository.NewProfileRepo(pool)
	verificationRepo := repository.NewVerificationRepo(pool)
	refreshRepo := repository.NewRefreshTokenRepo(pool)
	planRepo := repository.NewPlanRepo(pool)
	creditRepo := repository.NewCreditRepo(pool)

	// Domain services
	credentialStore, err := credentials.NewStore(accountRepo, cfg.BcryptCost)
	if err != nil {
		slog.Error("Failed to create credential store", "error", err)
		os.Exit(1)
	}
	ledger := verification.NewLedger(verificationRepo)
	issuer := tokens.NewIssuer(pool, refreshRepo, accountRepo, []byte(cfg.JWTSecret))
	cat := catalog.NewCatalog(planRepo)
	creditSvc := credits.NewService(pool, accountRepo, planRepo, creditRepo, cat, logger)

	var linker *oauth.Linker
	if cfg.GoogleEnabled() {
		linker = oauth.NewLinker(oauth.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURI,
			Timeout:      cfg.OAuthTimeout,
		}, logger)
	} else {
		slog.Warn("Google sign-in disabled: GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET or GOOGLE_REDIRECT_URI not set")
	}

	// Notification delivery falls back to the log when RabbitMQ is unavailable.
	var sender notify.Sender = notify.NewLogSender(logger)
	if cfg.RabbitMQURL != "" {
		amqpSender, err := notify.NewAMQPSender(cfg.RabbitMQURL, logger)
		if err != nil {
			slog.Warn("RabbitMQ unavailable, notifications will be logged only", "error", err)
		} else {
			defer amqpSender.Close()
			sender = amqpSender
		}
	}

	// River workers and periodic maintenance
	workers := river.NewWorkers()
	river.AddWorker(workers, notify.NewWorker(sender, cfg.FrontendURL, logger))
	jobs.AddWorkers(workers,
		jobs.NewGrantCreditsWorker(creditSvc, logger),
		jobs.NewPurgeTokensWorker(ledger, issuer, logger),
	)
	periodic, err := jobs.PeriodicJobs(jobs.Schedules{
		CreditGrant: cfg.CreditGrantSchedule,
		TokenPurge:  cfg.TokenPurgeSchedule,
	})
	if err != nil {
		slog.Error("Invalid job schedule", "error", err)
		os.Exit(1)
	}

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      workers,
		PeriodicJobs: periodic,
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertNotification := func(ctx context.Context, tx pgx.Tx, args notify.SendArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}

	authSvc := auth.NewService(auth.Deps{
		DB:            pool,
		Credentials:   credentialStore,
		Verifications: ledger,
		Linker:        linker,
		Tokens:        issuer,
		Accounts:      accountRepo,
		Profiles:      profileRepo,
		Notify:        insertNotification,
		Log:           logger,
	})

	validator, err := validate.New()
	if err != nil {
		slog.Error("Failed to compile request schemas", "error", err)
		os.Exit(1)
	}

	apiRouter := router.New(router.Handlers{
		Auth:        auth.NewHandler(authSvc, validator, logger),
		Catalog:     catalog.NewHandler(cat, logger),
		Credits:     credits.NewHandler(creditSvc, validator, logger),
		RequireAuth: middleware.RequireAccessToken(issuer, accountRepo),
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(apiRouter)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River client stop failed", "error", err)
	}
}
