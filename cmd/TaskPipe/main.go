package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/TaskPipe/internal/api"
	"github.com/BTreeMap/TaskPipe/internal/health"
	"github.com/BTreeMap/TaskPipe/internal/jobs"
	"github.com/BTreeMap/TaskPipe/internal/lock"
	"github.com/BTreeMap/TaskPipe/internal/messaging"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/queue"
	"github.com/BTreeMap/TaskPipe/internal/recovery"
	"github.com/BTreeMap/TaskPipe/internal/scheduler"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/tasks"
	"github.com/BTreeMap/TaskPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TaskPipe state data
	DefaultStateDir = "/var/lib/taskpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "taskpipe.db"
	// DefaultHeartbeatInterval is the default cadence of the heartbeat schedule
	DefaultHeartbeatInterval = time.Minute
	// SchedulerLockName identifies the scheduler leader lock
	SchedulerLockName = "taskpipe-scheduler"
)

func main() {
	initializeLogger()
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("TaskPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("TaskPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL       string
	RedisURL          string
	StateDir          string
	APIAddr           string
	WorkerCount       int
	HeartbeatInterval time.Duration
	HeartbeatCron     string
	TwilioSID         string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	redisURL      *string
	apiAddr       *string
	workerCount   *int
	heartbeat     *time.Duration
	heartbeatCron *string
	twilioSID     string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("TASKPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		StateDir:          os.Getenv("TASKPIPE_STATE_DIR"),
		APIAddr:           os.Getenv("API_ADDR"),
		WorkerCount:       util.ParseIntEnv("WORKER_COUNT", jobs.DefaultWorkerCount),
		HeartbeatInterval: util.ParseDurationEnv("HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		HeartbeatCron:     os.Getenv("HEARTBEAT_CRON"),
		TwilioSID:         os.Getenv("TWILIO_ACCOUNT_SID"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No TASKPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"TASKPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"WORKER_COUNT", config.WorkerCount,
		"HEARTBEAT_INTERVAL", config.HeartbeatInterval,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for TaskPipe data (overrides $TASKPIPE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		redisURL:      flag.String("redis-url", config.RedisURL, "Redis URL for the job queue; empty uses the in-memory queue (overrides $REDIS_URL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		workerCount:   flag.Int("workers", config.WorkerCount, "number of concurrent job workers (overrides $WORKER_COUNT)"),
		heartbeat:     flag.Duration("heartbeat-interval", config.HeartbeatInterval, "heartbeat schedule interval (overrides $HEARTBEAT_INTERVAL)"),
		heartbeatCron: flag.String("heartbeat-cron", config.HeartbeatCron, "heartbeat cron expression, replaces the interval (overrides $HEARTBEAT_CRON)"),
		twilioSID:     config.TwilioSID,
	}
	flag.Parse()

	// A changed state directory moves the default SQLite path with it.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}
	return flags
}

// buildStore opens the store backend matching the DSN shape.
func buildStore(flags Flags) (store.Store, *store.PostgresStore, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		pg, err := store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
		if err != nil {
			return nil, nil, err
		}
		return pg, pg, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
	return st, nil, err
}

// buildQueue opens the Redis queue when configured, else the in-memory queue.
func buildQueue(flags Flags) (queue.Queue, error) {
	if *flags.redisURL != "" {
		return queue.NewRedisQueue(queue.WithRedisURL(*flags.redisURL))
	}
	slog.Warn("No Redis URL configured, using in-memory queue; jobs do not survive restarts")
	return queue.NewMemoryQueue(), nil
}

// buildMessenger wires Twilio delivery when credentials are present.
func buildMessenger(flags Flags) messaging.Service {
	if flags.twilioSID == "" {
		slog.Info("Twilio credentials not configured, send-message jobs disabled")
		return nil
	}
	svc, err := messaging.NewTwilioService()
	if err != nil {
		slog.Error("Failed to configure Twilio delivery, send-message jobs disabled", "error", err)
		return nil
	}
	return svc
}

func run(flags Flags) error {
	st, pg, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	q, err := buildQueue(flags)
	if err != nil {
		return err
	}
	defer q.Close()

	registry := jobs.NewRegistry()
	engine := jobs.NewEngine(st, q, registry, jobs.WithWorkerCount(*flags.workerCount))
	if err := tasks.RegisterAll(registry, tasks.Deps{
		Store:     st,
		Messenger: buildMessenger(flags),
		Submitter: engine,
	}); err != nil {
		return err
	}

	// Reconcile job state from the previous run before accepting new work.
	if _, err := recovery.NewManager(st, q).RecoverJobs(context.Background()); err != nil {
		return err
	}

	engine.Start(context.Background())

	var leader lock.Manager
	if pg != nil {
		leader = lock.NewPostgresLock(pg.DB(), SchedulerLockName)
	} else {
		leader = lock.NewLocalLock(*flags.stateDir)
	}
	sched := scheduler.NewScheduler(engine, leader)
	heartbeat := models.PeriodicScheduleEntry{JobType: tasks.TypeHeartbeat, Interval: *flags.heartbeat}
	if *flags.heartbeatCron != "" {
		heartbeat.Interval = 0
		heartbeat.Cron = *flags.heartbeatCron
	}
	if err := sched.Add(heartbeat); err != nil {
		return err
	}
	sched.Start()

	aggregator := health.NewAggregator(q, []health.Probe{
		&health.DataStoreProbe{Store: st},
		&health.QueueProbe{Queue: q},
		&health.BacklogProbe{Store: st},
	})

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, engine, aggregator, apiOpts...)
	server.Start()

	slog.Info("TaskPipe is running", "workers", *flags.workerCount, "api_addr", *flags.apiAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	// Stop intake first, then drain: scheduler, API, workers, queue, store.
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), api.DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API shutdown incomplete", "error", err)
	}
	engine.Stop()
	return nil
}
