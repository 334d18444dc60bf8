// Command CoachPipe runs the value proposition coach.
//
//	CoachPipe [flags] serve   HTTP API plus the configured WhatsApp transport
//	CoachPipe [flags] chat    interactive coaching session in the terminal
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CoachPipe/internal/api"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/search"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CoachPipe/internal/usage"
	"github.com/BTreeMap/CoachPipe/internal/util"
	"github.com/BTreeMap/CoachPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CoachPipe state data
	DefaultStateDir = "/var/lib/coachpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "coachpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultRetentionDays is how long idle sessions are kept
	DefaultRetentionDays = 30
)

// Run modes.
const (
	ModeServe = "serve"
	ModeChat  = "chat"
)

// Messaging backends.
const (
	BackendNone     = "none"
	BackendTwilio   = "twilio"
	BackendWhatsApp = "whatsapp"
)

func main() {
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, config, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(os.Stderr, flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("CoachPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CoachPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseDSN      string
	OpenAIKey        string
	OpenAIModel      string
	PerplexityKey    string
	DailyTokenCap    int
	APIAddr          string
	EventLogPath     string
	PersonaTemplates string
	MessagingBackend string
	WhatsAppDSN      string
	RetentionDays    int
	Debug            bool
}

// Flags holds command line flag values
type Flags struct {
	mode             string
	stateDir         *string
	dbDSN            *string
	openaiKey        *string
	openaiModel      *string
	perplexityKey    *string
	dailyTokenCap    *int
	apiAddr          *string
	eventLog         *string
	personaTemplates *string
	messaging        *string
	waDSN            *string
	qrOutput         *string
	numeric          *bool
	retentionDays    *int
	workflow         *string
	debug            *bool
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	// The logger is not configured yet; report .env problems on the default handler.
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:         util.GetEnvOrDefault("COACHPIPE_STATE_DIR", DefaultStateDir),
		DatabaseDSN:      os.Getenv("DATABASE_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		PerplexityKey:    os.Getenv("PERPLEXITY_API_KEY"),
		DailyTokenCap:    util.ParseIntEnv("DAILY_TOKEN_CAP", usage.DefaultDailyCap),
		APIAddr:          util.GetEnvOrDefault("API_ADDR", api.DefaultAddr),
		EventLogPath:     os.Getenv("EVENT_LOG_PATH"),
		PersonaTemplates: os.Getenv("PERSONA_TEMPLATES"),
		MessagingBackend: util.GetEnvOrDefault("MESSAGING_BACKEND", BackendNone),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		RetentionDays:    util.ParseIntEnv("SESSION_RETENTION_DAYS", DefaultRetentionDays),
		Debug:            util.ParseBoolEnv("COACHPIPE_DEBUG", false),
	}

	// Without an explicit DSN, keep everything in SQLite under the state directory.
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = defaultWhatsAppDSN(config.StateDir)
	}
	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses args with environment defaults. The first
// positional argument selects the mode.
func parseCommandLineFlags(fs *flag.FlagSet, config Config, args []string) (Flags, error) {
	flags := Flags{
		stateDir:         fs.String("state-dir", config.StateDir, "state directory for CoachPipe data (overrides $COACHPIPE_STATE_DIR)"),
		dbDSN:            fs.String("db-dsn", config.DatabaseDSN, "SQLite path or Postgres DSN for sessions (overrides $DATABASE_DSN)"),
		openaiKey:        fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key; enables generated coaching text (overrides $OPENAI_API_KEY)"),
		openaiModel:      fs.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		perplexityKey:    fs.String("perplexity-api-key", config.PerplexityKey, "Perplexity API key; enables research citations (overrides $PERPLEXITY_API_KEY)"),
		dailyTokenCap:    fs.Int("daily-token-cap", config.DailyTokenCap, "tokens allowed per day across all sessions (overrides $DAILY_TOKEN_CAP)"),
		apiAddr:          fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		eventLog:         fs.String("event-log", config.EventLogPath, "JSONL event log path (overrides $EVENT_LOG_PATH)"),
		personaTemplates: fs.String("persona-templates", config.PersonaTemplates, "YAML file overriding persona templates (overrides $PERSONA_TEMPLATES)"),
		messaging:        fs.String("messaging", config.MessagingBackend, "messaging backend: none, twilio or whatsapp (overrides $MESSAGING_BACKEND)"),
		waDSN:            fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:         fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:          fs.Bool("numeric-code", false, "print the WhatsApp pairing code instead of a QR code"),
		retentionDays:    fs.Int("retention-days", config.RetentionDays, "delete sessions idle for this many days (overrides $SESSION_RETENTION_DAYS)"),
		workflow:         fs.String("workflow", "", "workflow for new chat sessions"),
		debug:            fs.Bool("debug", config.Debug, "enable debug logging (overrides $COACHPIPE_DEBUG)"),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	flags.mode = ModeServe
	if fs.NArg() > 0 {
		flags.mode = fs.Arg(0)
	}
	if flags.mode != ModeServe && flags.mode != ModeChat {
		return flags, fmt.Errorf("unknown mode %q (want %s or %s)", flags.mode, ModeServe, ModeChat)
	}
	switch *flags.messaging {
	case BackendNone, BackendTwilio, BackendWhatsApp:
	default:
		return flags, fmt.Errorf("unknown messaging backend %q", *flags.messaging)
	}

	// Follow a -state-dir override when the DSNs were only defaulted from the old one.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		}
		if *flags.waDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.waDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
	}
	return flags, nil
}

// initializeLogger installs a text handler on w. Chat mode stays quiet
// unless debugging so logs do not interleave with the conversation.
func initializeLogger(w io.Writer, flags Flags) {
	level := slog.LevelInfo
	if flags.mode == ModeChat {
		level = slog.LevelWarn
	}
	if *flags.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	slog.Debug("logger initialized", "level", level.String(), "mode", flags.mode)
}

// ensureDirectoriesExist creates the state directory and, for a SQLite DSN,
// the directory holding the database file.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if store.DetectDSNType(*flags.dbDSN) == store.TypeSQLite {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
	if store.DetectDSNType(*flags.dbDSN) == store.TypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		opts = append(opts, genai.WithModel(*flags.openaiModel))
	}
	return opts
}

// buildSearchOptions constructs research client options. cache may be nil.
func buildSearchOptions(flags Flags, cache search.Cache) []search.Option {
	opts := []search.Option{search.WithAPIKey(*flags.perplexityKey)}
	if cache != nil {
		opts = append(opts, search.WithCache(cache))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var opts []api.Option
	if *flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(*flags.apiAddr))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var opts []whatsapp.Option
	if *flags.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		opts = append(opts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return opts
}

// buildTwilioOptions reads the Twilio credentials; the client falls back
// to the same variables when they are empty.
func buildTwilioOptions() []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(os.Getenv("TWILIO_ACCOUNT_SID")),
		twiliowhatsapp.WithAuthToken(os.Getenv("TWILIO_AUTH_TOKEN")),
		twiliowhatsapp.WithFromWhats(os.Getenv("TWILIO_FROM_NUMBER")),
	}
}
