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

	"github.com/convoflow/convoflow/internal/api"
	"github.com/convoflow/convoflow/internal/flow"
	"github.com/convoflow/convoflow/internal/lockfile"
	"github.com/convoflow/convoflow/internal/messaging"
	"github.com/convoflow/convoflow/internal/scheduler"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/twiliowhatsapp"
	"github.com/convoflow/convoflow/internal/util"
	"github.com/convoflow/convoflow/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ConvoFlow state data.
	DefaultStateDir = "/var/lib/convoflow"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "convoflow.db"
	// DefaultIdleSweepSchedule runs the idle-session sweep hourly.
	DefaultIdleSweepSchedule = "0 * * * *"
	// DefaultTenantID is used when no tenant is configured for the gateway.
	DefaultTenantID = "default"
)

// backingStore is the concrete store surface the binary wires together:
// flow/session persistence plus the durable job queue.
type backingStore interface {
	store.Store
	store.JobRepo
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	stateLock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer stateLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	msgService, twilioSvc, err := buildMessagingService(flags)
	if err != nil {
		slog.Error("Failed to initialize messaging service", "error", err)
		os.Exit(1)
	}

	engine := flow.NewEngine(st, st, msgService, nil)

	runner := store.NewJobRunner(st, time.Duration(*flags.jobPollSeconds)*time.Second)
	engine.RegisterJobHandlers(runner)
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Error("Failed to recover stale jobs", "error", err)
		os.Exit(1)
	}
	go runner.Run(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	idleWindow := time.Duration(*flags.idleHours) * time.Hour
	if err := sched.AddIdleSessionSweep(*flags.idleSweepCron, st, idleWindow); err != nil {
		slog.Error("Failed to schedule idle session sweep", "error", err)
		os.Exit(1)
	}

	if err := msgService.Start(ctx); err != nil {
		slog.Error("Failed to start messaging service", "error", err)
		os.Exit(1)
	}
	defer msgService.Stop()

	router := messaging.NewInboundRouter(st, engine, msgService)
	router.Start(ctx)

	server := api.NewServer(st, engine, msgService, *flags.apiAddr)
	if twilioSvc != nil {
		server.SetWebhookHandler(twilioSvc.TwilioWebhookHandler)
	}

	slog.Info("Bootstrapping ConvoFlow",
		"backend", *flags.backend,
		"tenant", *flags.tenantID,
		"api_addr", *flags.apiAddr,
		"dsn_set", *flags.dbDSN != "")
	if err := server.Run(ctx); err != nil {
		slog.Error("ConvoFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ConvoFlow exited successfully")
}

// Config holds environment configuration.
type Config struct {
	DatabaseURL    string
	WhatsAppDSN    string
	StateDir       string
	APIAddr        string
	Backend        string
	TenantID       string
	IdleHours      int
	JobPollSeconds int
	IdleSweepCron  string
}

// Flags holds command line flag values.
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	dbDSN          *string
	waDSN          *string
	apiAddr        *string
	backend        *string
	tenantID       *string
	idleHours      *int
	jobPollSeconds *int
	idleSweepCron  *string
}

// initializeLogger sets up structured logging with debug level.
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:       os.Getenv("CONVOFLOW_STATE_DIR"),
		APIAddr:        os.Getenv("API_ADDR"),
		Backend:        os.Getenv("MESSAGING_BACKEND"),
		TenantID:       os.Getenv("TENANT_ID"),
		IdleHours:      util.ParseIntEnv("IDLE_SESSION_HOURS", 24),
		JobPollSeconds: util.ParseIntEnv("JOB_POLL_SECONDS", 5),
		IdleSweepCron:  os.Getenv("IDLE_SWEEP_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CONVOFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	// The whatsmeow device store defaults to the flow database's neighbor.
	if config.WhatsAppDSN == "" && store.DetectDSNType(config.DatabaseURL) == "sqlite" {
		config.WhatsAppDSN = filepath.Join(filepath.Dir(config.DatabaseURL), "whatsmeow.db")
	}
	if config.Backend == "" {
		config.Backend = "whatsmeow"
	}
	if config.TenantID == "" {
		config.TenantID = DefaultTenantID
	}
	if config.IdleSweepCron == "" {
		config.IdleSweepCron = DefaultIdleSweepSchedule
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"CONVOFLOW_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.Backend,
		"TENANT_ID", config.TenantID)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:       flag.String("qr-output", "", "path to write login QR code"),
		numeric:        flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for ConvoFlow data (overrides $CONVOFLOW_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for the flow store (overrides $DATABASE_URL)"),
		waDSN:          flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow device store (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backend:        flag.String("messaging-backend", config.Backend, "messaging backend: whatsmeow or twilio (overrides $MESSAGING_BACKEND)"),
		tenantID:       flag.String("tenant-id", config.TenantID, "tenant that owns this messaging gateway (overrides $TENANT_ID)"),
		idleHours:      flag.Int("idle-session-hours", config.IdleHours, "hours before an idle session is abandoned (overrides $IDLE_SESSION_HOURS)"),
		jobPollSeconds: flag.Int("job-poll-seconds", config.JobPollSeconds, "durable job poll interval in seconds (overrides $JOB_POLL_SECONDS)"),
		idleSweepCron:  flag.String("idle-sweep-cron", config.IdleSweepCron, "cron schedule for the idle session sweep (overrides $IDLE_SWEEP_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend,
		"tenantID", *flags.tenantID)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage.
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStore selects the storage backend from the configured DSN.
func buildStore(flags Flags) (backingStore, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		st, err := store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	st, err := store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
	if err != nil {
		return nil, err
	}
	return st, nil
}

// buildMessagingService constructs the configured messaging backend. The
// second return value is non-nil only for Twilio, whose webhook handler must
// be mounted on the API server.
func buildMessagingService(flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	switch *flags.backend {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client, *flags.tenantID)
		return svc, svc, nil
	default:
		var waOpts []whatsapp.Option
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		if *flags.waDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client, *flags.tenantID), nil, nil
	}
}
