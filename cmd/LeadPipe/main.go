package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/crm"
	"github.com/BTreeMap/LeadPipe/internal/engine"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/notify"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LeadPipe state data
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "leadpipe.db"
)

// DefaultProviders is the provider order used when AI_PROVIDERS is unset
var DefaultProviders = []string{"openai"}

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	storeOpts := buildStoreOptions(flags)
	providerCfg := buildProviderConfig(config, flags)
	crmOpts := buildCRMOptions(config)
	notifyOpts := buildNotifyOptions(config)
	apiOpts := buildAPIOptions(config, flags)

	slog.Info("Bootstrapping LeadPipe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "crm", len(crmOpts), "notify", len(notifyOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr,
		"providers", providerCfg.Order)
	if err := api.Run(storeOpts, providerCfg, crmOpts, notifyOpts, apiOpts...); err != nil {
		slog.Error("LeadPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LeadPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	APIAddr     string

	Providers   []string
	AITimeout   time.Duration
	OpenAIKey   string
	OpenAIModel string
	ClaudeKey   string
	ClaudeModel string
	XAIKey      string
	XAIModel    string
	GeminiKey   string
	GeminiModel string

	HistoryLimit     int
	FollowUpsEnabled bool
	RetentionDays    int

	CRMBaseURL      string
	CRMTokenURL     string
	CRMClientID     string
	CRMClientSecret string
	CRMAPIVersion   string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	apiAddr   *string
	providers *string
	openaiKey *string
	aiTimeout *time.Duration
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to debug.
func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
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
		StateDir:    os.Getenv("LEADPIPE_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		APIAddr:     os.Getenv("API_ADDR"),

		Providers:   util.ParseListEnv("AI_PROVIDERS"),
		AITimeout:   util.ParseDurationEnv("AI_TIMEOUT", genai.DefaultTimeout),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		ClaudeKey:   os.Getenv("ANTHROPIC_API_KEY"),
		ClaudeModel: os.Getenv("ANTHROPIC_MODEL"),
		XAIKey:      os.Getenv("XAI_API_KEY"),
		XAIModel:    os.Getenv("XAI_MODEL"),
		GeminiKey:   os.Getenv("GEMINI_API_KEY"),
		GeminiModel: os.Getenv("GEMINI_MODEL"),

		HistoryLimit:     util.ParseIntEnv("HISTORY_LIMIT", engine.DefaultHistoryLimit),
		FollowUpsEnabled: util.ParseBoolEnv("FOLLOWUPS_ENABLED", true),
		RetentionDays:    util.ParseIntEnv("WEBHOOK_LOG_RETENTION_DAYS", api.DefaultRetentionDays),

		CRMBaseURL:      os.Getenv("CRM_API_BASE"),
		CRMTokenURL:     os.Getenv("CRM_TOKEN_URL"),
		CRMClientID:     os.Getenv("CRM_CLIENT_ID"),
		CRMClientSecret: os.Getenv("CRM_CLIENT_SECRET"),
		CRMAPIVersion:   os.Getenv("CRM_API_VERSION"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LEADPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if len(config.Providers) == 0 {
		config.Providers = DefaultProviders
	}

	slog.Debug("environment variables loaded",
		"LEADPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"AI_PROVIDERS", config.Providers,
		"AI_TIMEOUT", config.AITimeout,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ANTHROPIC_API_KEY_SET", config.ClaudeKey != "",
		"XAI_API_KEY_SET", config.XAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"HISTORY_LIMIT", config.HistoryLimit,
		"FOLLOWUPS_ENABLED", config.FollowUpsEnabled,
		"WEBHOOK_LOG_RETENTION_DAYS", config.RetentionDays,
		"CRM_CLIENT_SECRET_SET", config.CRMClientSecret != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for LeadPipe data (overrides $LEADPIPE_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		providers: flag.String("ai-providers", strings.Join(config.Providers, ","), "ordered, comma separated AI providers (overrides $AI_PROVIDERS)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		aiTimeout: flag.Duration("ai-timeout", config.AITimeout, "per-provider generation deadline (overrides $AI_TIMEOUT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"providers", *flags.providers,
		"openaiKeySet", *flags.openaiKey != "",
		"aiTimeout", *flags.aiTimeout)

	// Follow a moved state directory when the DSN is still the default SQLite path
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates the state directory and, for SQLite, the database directory
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildProviderConfig assembles the ordered provider configuration
func buildProviderConfig(config Config, flags Flags) genai.ProviderConfig {
	var order []string
	for _, name := range strings.Split(*flags.providers, ",") {
		if name = strings.TrimSpace(name); name != "" {
			order = append(order, name)
		}
	}
	return genai.ProviderConfig{
		Order:       order,
		OpenAIKey:   *flags.openaiKey,
		OpenAIModel: config.OpenAIModel,
		ClaudeKey:   config.ClaudeKey,
		ClaudeModel: config.ClaudeModel,
		XAIKey:      config.XAIKey,
		XAIModel:    config.XAIModel,
		GeminiKey:   config.GeminiKey,
		GeminiModel: config.GeminiModel,
	}
}

// buildCRMOptions constructs platform client options
func buildCRMOptions(config Config) []crm.Option {
	var opts []crm.Option
	if config.CRMBaseURL != "" {
		opts = append(opts, crm.WithBaseURL(config.CRMBaseURL))
	}
	if config.CRMTokenURL != "" {
		opts = append(opts, crm.WithTokenURL(config.CRMTokenURL))
	}
	if config.CRMClientID != "" || config.CRMClientSecret != "" {
		opts = append(opts, crm.WithOAuthClient(config.CRMClientID, config.CRMClientSecret))
	}
	if config.CRMAPIVersion != "" {
		opts = append(opts, crm.WithAPIVersion(config.CRMAPIVersion))
	}
	return opts
}

// buildNotifyOptions constructs owner-notification options
func buildNotifyOptions(config Config) []notify.Option {
	var opts []notify.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, notify.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, notify.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, notify.WithFromNumber(config.TwilioFromNumber))
	}
	return opts
}

// buildAPIOptions constructs API server and engine options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithStateDir(*flags.stateDir),
		api.WithAITimeout(*flags.aiTimeout),
		api.WithHistoryLimit(config.HistoryLimit),
		api.WithFollowUps(config.FollowUpsEnabled),
		api.WithRetentionDays(config.RetentionDays),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
