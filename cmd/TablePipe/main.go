package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/TablePipe/internal/api"
	"github.com/BTreeMap/TablePipe/internal/cloudapi"
	"github.com/BTreeMap/TablePipe/internal/conversation"
	"github.com/BTreeMap/TablePipe/internal/dedup"
	"github.com/BTreeMap/TablePipe/internal/flow"
	"github.com/BTreeMap/TablePipe/internal/genai"
	"github.com/BTreeMap/TablePipe/internal/lockfile"
	"github.com/BTreeMap/TablePipe/internal/messaging"
	"github.com/BTreeMap/TablePipe/internal/scheduler"
	"github.com/BTreeMap/TablePipe/internal/session"
	"github.com/BTreeMap/TablePipe/internal/store"
	"github.com/BTreeMap/TablePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/TablePipe/internal/util"
	"github.com/BTreeMap/TablePipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TablePipe state data
	DefaultStateDir = "/var/lib/tablepipe"
	// DefaultAppDBFileName is the default SQLite database for conversations
	DefaultAppDBFileName = "tablepipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Transports
const (
	TransportCloudAPI  = "cloudapi"
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"
)

// Dedup backends
const (
	DedupMemory = "memory"
	DedupRedis  = "redis"
	DedupStore  = "store"
)

// maintenanceJob is the scheduler name of the session sweep.
const maintenanceJob = "maintenance"

func main() {
	loadDotEnv()
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	slog.Info("Bootstrapping TablePipe", "transport", flags.Transport, "dedup", flags.DedupBackend, "api_addr", flags.APIAddr)
	if err := run(flags); err != nil {
		slog.Error("TablePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("TablePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	APIAddr           string
	StateDir          string
	DatabaseURL       string
	Transport         string
	MetaToken         string
	MetaPhoneNumberID string
	MetaVerifyToken   string
	MetaAppSecret     string
	MetaGraphVersion  string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
	TwilioValidate    bool
	WhatsAppDBDSN     string
	OpenAIKey         string
	OpenAIModel       string
	DedupBackend      string
	RedisURL          string
	SessionTimeout    time.Duration
	DedupWindow       time.Duration
	BookingURL        string
	DefaultLanguage   string
	MaxFlowReprompts  int
}

// Flags holds the effective settings after command line overrides.
type Flags struct {
	Config
	QROutput    string
	NumericCode bool
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
}

// parseLogLevel maps LOG_LEVEL to a slog level; unknown values mean debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig reads the environment (after .env) and fills defaults.
func loadEnvironmentConfig() Config {
	config := Config{
		APIAddr:           util.GetEnv("API_ADDR", api.DefaultServerAddress),
		StateDir:          util.GetEnv("TABLEPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Transport:         strings.ToLower(util.GetEnv("TRANSPORT", TransportCloudAPI)),
		MetaToken:         os.Getenv("META_WHATSAPP_TOKEN"),
		MetaPhoneNumberID: os.Getenv("META_WHATSAPP_PHONE_NUMBER_ID"),
		MetaVerifyToken:   os.Getenv("META_WEBHOOK_VERIFY_TOKEN"),
		MetaAppSecret:     os.Getenv("META_APP_SECRET"),
		MetaGraphVersion:  util.GetEnv("META_GRAPH_VERSION", cloudapi.DefaultGraphVersion),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:  os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioValidate:    util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", true),
		WhatsAppDBDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       util.GetEnv("OPENAI_MODEL", string(genai.DefaultModel)),
		DedupBackend:      strings.ToLower(util.GetEnv("DEDUP_BACKEND", DedupMemory)),
		RedisURL:          os.Getenv("REDIS_URL"),
		SessionTimeout:    util.ParseDurationEnv("SESSION_TIMEOUT", session.DefaultTimeout),
		DedupWindow:       util.ParseDurationEnv("DEDUP_WINDOW", dedup.DefaultWindow),
		BookingURL:        os.Getenv("BOOKING_URL"),
		DefaultLanguage:   util.GetEnv("DEFAULT_LANGUAGE", conversation.DefaultLanguage),
		MaxFlowReprompts:  util.ParseIntEnv("MAX_FLOW_REPROMPTS", flow.DefaultMaxReprompts),
	}

	slog.Debug("environment variables loaded",
		"TRANSPORT", config.Transport,
		"TABLEPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"META_WHATSAPP_TOKEN_SET", config.MetaToken != "",
		"META_APP_SECRET_SET", config.MetaAppSecret != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"DEDUP_BACKEND", config.DedupBackend,
		"SESSION_TIMEOUT", config.SessionTimeout,
		"DEDUP_WINDOW", config.DedupWindow)
	return config
}

// parseCommandLineFlags applies command line overrides to config.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	f := Flags{Config: config}
	fs.StringVar(&f.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.StateDir, "state-dir", config.StateDir, "state directory for TablePipe data (overrides $TABLEPIPE_STATE_DIR)")
	fs.StringVar(&f.DatabaseURL, "db-dsn", config.DatabaseURL, "application database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)")
	fs.StringVar(&f.Transport, "transport", config.Transport, "cloudapi, twilio or whatsmeow (overrides $TRANSPORT)")
	fs.StringVar(&f.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&f.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.OpenAIModel, "openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&f.DedupBackend, "dedup", config.DedupBackend, "dedup backend: memory, redis or store (overrides $DEDUP_BACKEND)")
	fs.StringVar(&f.RedisURL, "redis-url", config.RedisURL, "Redis URL for the redis dedup backend (overrides $REDIS_URL)")
	fs.DurationVar(&f.SessionTimeout, "session-timeout", config.SessionTimeout, "session inactivity timeout (overrides $SESSION_TIMEOUT)")
	fs.StringVar(&f.QROutput, "qr-output", "", "path to write the whatsmeow login QR code")
	fs.BoolVar(&f.NumericCode, "numeric-code", false, "use a numeric whatsmeow login code instead of a QR code")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	f.Transport = strings.ToLower(f.Transport)
	f.DedupBackend = strings.ToLower(f.DedupBackend)

	if f.DatabaseURL == "" {
		f.DatabaseURL = filepath.Join(f.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", f.DatabaseURL)
	}
	if f.WhatsAppDBDSN == "" {
		f.WhatsAppDBDSN = "file:" + filepath.Join(f.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	return f, nil
}

// validateConfig reports missing credentials before anything is started.
func validateConfig(f Flags) error {
	var problems []string
	switch f.Transport {
	case TransportCloudAPI:
		if f.MetaToken == "" || f.MetaPhoneNumberID == "" {
			problems = append(problems, "META_WHATSAPP_TOKEN and META_WHATSAPP_PHONE_NUMBER_ID are required for the cloudapi transport")
		}
		if f.MetaVerifyToken == "" {
			problems = append(problems, "META_WEBHOOK_VERIFY_TOKEN is required for the cloudapi transport")
		}
	case TransportTwilio:
		if f.TwilioAccountSID == "" || f.TwilioAuthToken == "" || f.TwilioFromNumber == "" {
			problems = append(problems, "TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required for the twilio transport")
		}
	case TransportWhatsmeow:
	default:
		problems = append(problems, fmt.Sprintf("unknown transport %q", f.Transport))
	}
	switch f.DedupBackend {
	case DedupMemory, DedupStore:
	case DedupRedis:
		if f.RedisURL == "" {
			problems = append(problems, "REDIS_URL is required for the redis dedup backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown dedup backend %q", f.DedupBackend))
	}
	if f.OpenAIKey == "" {
		problems = append(problems, "OPENAI_API_KEY is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func run(f Flags) error {
	if err := validateConfig(f); err != nil {
		return err
	}

	lock, err := lockfile.AcquireLock(f.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(buildStoreOptions(f.DatabaseURL)...)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := buildTransport(f)
	if err != nil {
		return err
	}
	defer svc.Stop()

	seen, purgers, closeSeen, err := buildDedup(ctx, f, st)
	if err != nil {
		return err
	}
	defer closeSeen()

	agent, err := genai.NewClient(buildGenAIOptions(f)...)
	if err != nil {
		return fmt.Errorf("failed to create OpenAI client: %w", err)
	}

	sessions := session.NewMemoryStore(session.WithTimeout(f.SessionTimeout))
	flows := flow.NewMachine(sessions, buildFlowOptions(f)...)
	orchestrator := conversation.NewOrchestrator(svc, st, sessions, seen, flows,
		conversation.WithAgent(agent),
		conversation.WithTranscriber(agent),
		conversation.WithLocalizer(conversation.NewLocalizer(agent, conversation.DefaultLocalizationTTL)),
		conversation.WithDefaultLanguage(f.DefaultLanguage),
	)
	dispatcher := conversation.NewDispatcher(orchestrator)
	defer dispatcher.Stop()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	maintenance := conversation.NewMaintenance(sessions, st, purgers...)
	if err := sched.AddJob(maintenanceJob, scheduler.DefaultMaintenanceSpec, maintenance.Run); err != nil {
		return err
	}

	server := api.NewServer(svc, dispatcher, st, sessions, seen, buildAPIOptions(f)...)
	return server.Run(ctx)
}

// buildStoreOptions picks the SQL backend from the DSN shape.
func buildStoreOptions(dsn string) []store.Option {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

func openStore(opts ...store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(opts...)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return store.NewSQLiteStore(opts...)
}

// buildTransport constructs the messaging service for f.Transport.
func buildTransport(f Flags) (messaging.Service, error) {
	switch f.Transport {
	case TransportCloudAPI:
		client, err := cloudapi.NewClient(
			cloudapi.WithToken(f.MetaToken),
			cloudapi.WithPhoneNumberID(f.MetaPhoneNumberID),
			cloudapi.WithGraphVersion(f.MetaGraphVersion),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Cloud API client: %w", err)
		}
		return messaging.NewCloudAPIService(client), nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(f.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(f.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(f.TwilioFromNumber),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if f.TwilioValidate {
			opts = append(opts, messaging.WithSignatureValidation(client))
		}
		return messaging.NewTwilioService(client, opts...), nil
	case TransportWhatsmeow:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(f)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create whatsmeow client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", f.Transport)
	}
}

func buildWhatsAppOptions(f Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if f.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(f.QROutput))
	}
	if f.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if f.WhatsAppDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(f.WhatsAppDBDSN))
	}
	return waOpts
}

// buildDedup returns the cache, the purgers to schedule and a close function.
func buildDedup(ctx context.Context, f Flags, st store.Store) (dedup.Cache, []conversation.Purger, func(), error) {
	noop := func() {}
	switch f.DedupBackend {
	case DedupRedis:
		c, err := dedup.NewRedisCache(ctx, f.RedisURL, f.DedupWindow)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("failed to connect dedup cache to redis: %w", err)
		}
		return c, nil, func() {
			if err := c.Close(); err != nil {
				slog.Warn("buildDedup: redis close failed", "error", err)
			}
		}, nil
	case DedupStore:
		repo, ok := st.(dedup.Repo)
		if !ok {
			return nil, nil, noop, errors.New("store backend does not support persistent dedup")
		}
		c := dedup.NewStoreCache(repo, f.DedupWindow)
		return c, []conversation.Purger{c}, noop, nil
	default:
		return dedup.NewMemoryCache(f.DedupWindow), nil, noop, nil
	}
}

func buildGenAIOptions(f Flags) []genai.Option {
	var genaiOpts []genai.Option
	if f.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(f.OpenAIKey))
	}
	if f.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(f.OpenAIModel))
	}
	return genaiOpts
}

func buildFlowOptions(f Flags) []flow.Option {
	opts := []flow.Option{flow.WithMaxReprompts(f.MaxFlowReprompts)}
	if f.BookingURL != "" {
		opts = append(opts, flow.WithBookingURL(f.BookingURL))
	}
	return opts
}

func buildAPIOptions(f Flags) []api.Option {
	apiOpts := []api.Option{api.WithAddr(f.APIAddr)}
	if f.MetaVerifyToken != "" {
		apiOpts = append(apiOpts, api.WithVerifyToken(f.MetaVerifyToken))
	}
	if f.MetaAppSecret != "" {
		apiOpts = append(apiOpts, api.WithAppSecret(f.MetaAppSecret))
	}
	return apiOpts
}
