package cli

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"livequiz-session-service/internal/app"
	"livequiz-session-service/internal/config"
	"livequiz-session-service/internal/domain"
	"livequiz-session-service/internal/infra/memory"
	pgstore "livequiz-session-service/internal/infra/postgres"
	redisinfra "livequiz-session-service/internal/infra/redis"
	"livequiz-session-service/internal/observability"
	transport "livequiz-session-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the session coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	redisTTL := config.Duration(cfg.Redis.TTL, 10*time.Minute)

	var pool *pgxpool.Pool
	var bunDB *bun.DB
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		bunDB = bun.NewDB(sqldb, pgdialect.New())
		defer bunDB.Close()
	}

	staticLoader := memory.NewStaticQuestionLoader(nil)
	var loader memory.QuestionLoader = staticLoader
	if pool != nil {
		loader = pgstore.NewQuestionLoader(pool)
	}

	questionTTL := config.Duration(cfg.Questions.TTL, 10*time.Minute)
	var questionRepo app.QuestionRepository
	if redisClient != nil {
		questionRepo = redisinfra.NewQuestionRepository(redisClient, loader, questionTTL)
	} else {
		questionRepo = memory.NewQuestionRepository(loader, questionTTL)
	}

	var sessionStore app.SessionStore = memory.NewSessionStore()
	if redisClient != nil {
		sessionStore = redisinfra.NewSessionStore(sessionStore, redisClient, redisTTL)
	}
	connectionStore := memory.NewConnectionStore()

	var responseStore app.ResponseStore = memory.NewResponseStore()
	if bunDB != nil {
		responseStore = pgstore.NewResponseStore(bunDB)
	}

	var eventLog app.EventLog = memory.NewEventLog(0)
	if redisClient != nil {
		eventLog = redisinfra.NewEventLog(redisClient, 0)
	}

	metrics := observability.NewMetrics("livequiz")
	latency := app.NewLatencyWindow(0)
	broadcaster := app.NewBroadcaster()

	coordinator := app.NewSessionCoordinator(sessionStore, questionRepo, connectionStore, eventLog, broadcaster).WithMetrics(metrics)
	capture := app.NewResponseCaptureEngine(sessionStore, questionRepo, responseStore, connectionStore, eventLog, latency, app.CaptureConfig{
		MaxBatchSize: cfg.Capture.MaxBatchSize,
		RejectLate:   cfg.Capture.RejectLate,
	}).WithMetrics(metrics)

	staleTimeout := config.Duration(cfg.Heartbeat.StaleTimeout, 10*time.Second)
	sweepInterval := config.Duration(cfg.Heartbeat.SweepInterval, 5*time.Second)
	heartbeats := app.NewHeartbeatTracker(connectionStore, eventLog, latency, staleTimeout).WithMetrics(metrics)

	limitWindow := config.Duration(cfg.RateLimit.Window, time.Minute)
	limiter := app.NewRateLimiter(cfg.RateLimit.Limit, limitWindow)

	if pool == nil {
		seedDemoSession(ctx, staticLoader, coordinator)
	}

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	heartbeats.RunSweeper(jobCtx, sweepInterval)
	limiter.RunCleanup(jobCtx, 0)

	actionHandler := transport.NewActionHandler(coordinator, capture, heartbeats, limiter, eventLog)
	broadcastHandler := transport.NewBroadcastHandler(coordinator, broadcaster)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/api/action", actionHandler.ServeAction)
	mux.HandleFunc("/api/broadcast", broadcastHandler.ServeBroadcast)
	mux.HandleFunc("/ws", broadcastHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting session service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// seedDemoSession provisions a ready session with a small question set so
// the server is usable without Postgres; swap in the DB-backed loader in
// production.
func seedDemoSession(ctx context.Context, loader *memory.StaticQuestionLoader, coordinator *app.SessionCoordinator) {
	session, err := coordinator.Create(ctx, "demo-activity", 2, 30)
	if err != nil {
		log.Printf("seed demo session: %v", err)
		return
	}
	loader.Assign(session.ID, domain.QuestionSet{
		Questions: []domain.Question{
			{
				ID:       "q1",
				Position: 0,
				Text:     "What is 2 + 2?",
				Options: []domain.Option{
					{Key: "a", Text: "3"},
					{Key: "b", Text: "4"},
					{Key: "c", Text: "5"},
				},
				CorrectKey: "b",
				Type:       domain.QuestionMultipleChoice,
			},
			{
				ID:         "q2",
				Position:   1,
				Text:       "The sky is blue.",
				CorrectKey: "true",
				Type:       domain.QuestionTrueFalse,
			},
		},
	})
	log.Printf("seeded demo session %s (activity demo-activity)", session.ID)
}
