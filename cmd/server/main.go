package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rollcall/ble-attendance/internal/auth"
	"github.com/rollcall/ble-attendance/internal/beacon"
	"github.com/rollcall/ble-attendance/internal/config"
	"github.com/rollcall/ble-attendance/internal/database"
	"github.com/rollcall/ble-attendance/internal/handler"
	"github.com/rollcall/ble-attendance/internal/jobs"
	"github.com/rollcall/ble-attendance/internal/middleware"
	"github.com/rollcall/ble-attendance/internal/obs"
	"github.com/rollcall/ble-attendance/internal/redis"
	"github.com/rollcall/ble-attendance/internal/repository"
	"github.com/rollcall/ble-attendance/internal/service"
	"github.com/rollcall/ble-attendance/internal/sse"
)

const healthCheckTimeout = 2 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("APP_ENV") == "production"
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	registry, err := cfg.BeaconRegistry()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse beacon org codes")
	}
	codec := beacon.NewCodec(registry)

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure auth")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	obs.Init()

	orgRepo := repository.NewOrganizationRepository(db.DB)
	membershipRepo := repository.NewMembershipRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)
	attendanceRepo := repository.NewAttendanceRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	sessionService := service.NewSessionService(
		orgRepo, membershipRepo, sessionRepo, attendanceRepo,
		service.NewRedisAttendanceGuard(redisClient.Client),
		broker,
		codec,
		service.SessionConfig{
			DefaultTTL:      cfg.SessionDefaultTTL(),
			MaxTTL:          cfg.SessionMaxTTL(),
			DuplicateWindow: cfg.DuplicateWindow(),
		},
	)

	authMiddleware := middleware.NewAuthMiddleware(issuer)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(
		middleware.NewRedisRateLimiter(redisClient.Client), cfg.RateLimitPerMin,
	)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(config.MaxRequestBodyBytes)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	sessionHandler := handler.NewSessionHandler(sessionService)
	eventsHandler := handler.NewEventsHandler(broker, sessionService)
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"database": db,
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
	}, healthCheckTimeout)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(obs.Instrument)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)

		// long-lived stream: no request timeout or body limit
		r.Get("/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Use(bodyLimitMiddleware.Handler)
			r.Mount("/", sessionHandler.Routes())
		})
	})

	cleanupJob := jobs.NewCleanupJob(sessionRepo, cfg.SessionRetention(), config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
