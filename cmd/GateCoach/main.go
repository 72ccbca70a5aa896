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

	"github.com/BTreeMap/GateCoach/internal/api"
	"github.com/BTreeMap/GateCoach/internal/flow"
	"github.com/BTreeMap/GateCoach/internal/genai"
	"github.com/BTreeMap/GateCoach/internal/lockfile"
	"github.com/BTreeMap/GateCoach/internal/messaging"
	"github.com/BTreeMap/GateCoach/internal/scheduler"
	"github.com/BTreeMap/GateCoach/internal/security"
	"github.com/BTreeMap/GateCoach/internal/store"
	"github.com/BTreeMap/GateCoach/internal/twiliowhatsapp"
	"github.com/BTreeMap/GateCoach/internal/util"
	"github.com/BTreeMap/GateCoach/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for GateCoach state data
	DefaultStateDir = "/var/lib/gatecoach"
	// DefaultAppDBFileName is the SQLite file holding conversations and coaching state
	DefaultAppDBFileName = "gatecoach.db"
	// DefaultWhatsAppDBFileName is the SQLite file holding the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	DefaultSystemPromptFile = "prompts/gate_voice.md"
	DefaultKnowledgeDir     = "prompts/knowledge"
)

// Messaging transports selectable with -transport.
const (
	TransportNone     = "none"
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

func main() {
	initializeLogger(util.ParseBoolEnv("GATECOACH_DEBUG", false))

	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse command line flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping GateCoach", "transport", *flags.transport, "state_dir", *flags.stateDir)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("GateCoach failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("GateCoach exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	AdminToken       string
	AdminUserID      string
	SystemPromptFile string
	KnowledgeDir     string
	PolicyFile       string
	Transport        string
	TwilioWebhookURL string
	PruneSchedule    string

	MaxMessageLength      int
	MaxPerMinute          int
	MaxPerHour            int
	MaxSuspiciousAttempts int
	BlockDuration         time.Duration
	AgentTimeout          time.Duration
	HistoryLimit          int
}

// Flags holds command line flag values
type Flags struct {
	qrOutput         *string
	numeric          *bool
	stateDir         *string
	appDBDSN         *string
	whatsappDBDSN    *string
	openaiKey        *string
	openaiModel      *string
	apiAddr          *string
	adminToken       *string
	adminUserID      *string
	systemPromptFile *string
	knowledgeDir     *string
	policyFile       *string
	transport        *string
	pruneSchedule    *string
}

func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("GATECOACH_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		APIAddr:          os.Getenv("API_ADDR"),
		AdminToken:       os.Getenv("ADMIN_API_TOKEN"),
		AdminUserID:      os.Getenv("ADMIN_USER_ID"),
		SystemPromptFile: os.Getenv("SYSTEM_PROMPT_FILE"),
		KnowledgeDir:     os.Getenv("KNOWLEDGE_DIR"),
		PolicyFile:       os.Getenv("POLICY_FILE"),
		Transport:        strings.ToLower(strings.TrimSpace(os.Getenv("MESSAGING_TRANSPORT"))),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		PruneSchedule:    os.Getenv("PRUNE_SCHEDULE"),

		MaxMessageLength:      util.ParseIntEnv("MAX_MESSAGE_LENGTH", security.DefaultMaxMessageLength),
		MaxPerMinute:          util.ParseIntEnv("MAX_MESSAGES_PER_MINUTE", security.DefaultMaxPerMinute),
		MaxPerHour:            util.ParseIntEnv("MAX_MESSAGES_PER_HOUR", security.DefaultMaxPerHour),
		MaxSuspiciousAttempts: util.ParseIntEnv("MAX_SUSPICIOUS_ATTEMPTS", security.DefaultMaxSuspiciousAttempts),
		BlockDuration:         util.ParseDurationEnv("BLOCK_DURATION", security.DefaultBlockDuration),
		AgentTimeout:          util.ParseDurationEnv("AGENT_TIMEOUT", flow.DefaultAgentTimeout),
		HistoryLimit:          util.ParseIntEnv("HISTORY_LIMIT", flow.DefaultHistoryLimit),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No GATECOACH_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.SystemPromptFile == "" {
		config.SystemPromptFile = DefaultSystemPromptFile
	}
	if config.KnowledgeDir == "" {
		config.KnowledgeDir = DefaultKnowledgeDir
	}
	if config.Transport == "" {
		config.Transport = TransportNone
	}
	if config.PruneSchedule == "" {
		config.PruneSchedule = scheduler.DefaultPruneSchedule
	}

	slog.Debug("environment variables loaded",
		"GATECOACH_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"ADMIN_API_TOKEN_SET", config.AdminToken != "",
		"ADMIN_USER_ID_SET", config.AdminUserID != "",
		"POLICY_FILE", config.PolicyFile,
		"MESSAGING_TRANSPORT", config.Transport)

	return config
}

// parseCommandLineFlags parses args with environment defaults. When only the
// state directory changes, DSNs that still point at the old default follow it.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:         fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:          fs.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:         fs.String("state-dir", config.StateDir, "state directory for GateCoach data (overrides $GATECOACH_STATE_DIR)"),
		appDBDSN:         fs.String("db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_URL)"),
		whatsappDBDSN:    fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:        fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:      fs.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		apiAddr:          fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		adminToken:       fs.String("admin-token", config.AdminToken, "bearer token for operator routes (overrides $ADMIN_API_TOKEN)"),
		adminUserID:      fs.String("admin-user", config.AdminUserID, "chat user id allowed to run admin commands (overrides $ADMIN_USER_ID)"),
		systemPromptFile: fs.String("system-prompt-file", config.SystemPromptFile, "coach voice prompt (overrides $SYSTEM_PROMPT_FILE)"),
		knowledgeDir:     fs.String("knowledge-dir", config.KnowledgeDir, "directory of markdown framework notes (overrides $KNOWLEDGE_DIR)"),
		policyFile:       fs.String("policy-file", config.PolicyFile, "YAML coaching policy (overrides $POLICY_FILE)"),
		transport:        fs.String("transport", config.Transport, "messaging transport: none, whatsapp or twilio (overrides $MESSAGING_TRANSPORT)"),
		pruneSchedule:    fs.String("prune-schedule", config.PruneSchedule, "cron schedule for dropping idle rate-limit records (overrides $PRUNE_SCHEDULE)"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if *flags.stateDir != config.StateDir {
		if *flags.appDBDSN == defaultAppDSN(config.StateDir) {
			*flags.appDBDSN = defaultAppDSN(*flags.stateDir)
			slog.Debug("Updated application DSN based on state directory", "new_state_dir", *flags.stateDir)
		}
		if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
			slog.Debug("Updated WhatsApp DSN based on state directory", "new_state_dir", *flags.stateDir)
		}
	}

	switch *flags.transport {
	case TransportNone, TransportWhatsApp, TransportTwilio:
	default:
		return Flags{}, fmt.Errorf("unknown transport %q", *flags.transport)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"appDBDSN_set", *flags.appDBDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"apiAddr", *flags.apiAddr,
		"policyFile", *flags.policyFile,
		"transport", *flags.transport)

	return flags, nil
}

// ensureDirectoriesExist creates the state directory and the parent of a
// file-based application database.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if dsn := *flags.appDBDSN; dsn != "" && store.DetectDSNType(dsn) != "postgres" {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(dsn, "file:")))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.systemPromptFile != "" {
		genaiOpts = append(genaiOpts, genai.WithSystemPromptFile(*flags.systemPromptFile))
	}
	if *flags.knowledgeDir != "" {
		genaiOpts = append(genaiOpts, genai.WithKnowledgeDir(*flags.knowledgeDir))
	}
	return genaiOpts
}

func buildSecurityOptions(config Config, flags Flags) []security.Option {
	secOpts := []security.Option{
		security.WithMaxMessageLength(config.MaxMessageLength),
		security.WithRateLimits(config.MaxPerMinute, config.MaxPerHour),
		security.WithSuspicionPolicy(config.MaxSuspiciousAttempts, config.BlockDuration),
	}
	if *flags.adminUserID != "" {
		secOpts = append(secOpts, security.WithAdminUserID(*flags.adminUserID))
	}
	return secOpts
}

func buildFlowOptions(config Config, policy *flow.Policy) []flow.Option {
	return []flow.Option{
		flow.WithHistoryLimit(config.HistoryLimit),
		flow.WithAgentTimeout(config.AgentTimeout),
		flow.WithPolicy(policy),
	}
}

func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.adminToken != "" {
		apiOpts = append(apiOpts, api.WithAdminToken(*flags.adminToken))
	}
	return apiOpts
}

// loadPolicy returns the built-in tables when path is empty.
func loadPolicy(path string) (*flow.Policy, error) {
	if path == "" {
		return flow.DefaultPolicy(), nil
	}
	return flow.LoadPolicy(path)
}

// run wires every component and blocks until ctx is cancelled or the API
// server fails.
func run(ctx context.Context, config Config, flags Flags) (err error) {
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, lock.Release()) }()

	st, err := store.New(*flags.appDBDSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	agent, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	policy, err := loadPolicy(*flags.policyFile)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	pipeline := security.NewPipeline(security.NewRateStore(), buildSecurityOptions(config, flags)...)
	coach := flow.NewCoachFlow(pipeline, st, agent, buildFlowOptions(config, policy)...)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.SchedulePrune(*flags.pruneSchedule, pipeline.Limiter()); err != nil {
		return err
	}

	apiOpts := buildAPIOptions(flags)

	svc, err := newMessagingService(ctx, config, flags)
	if err != nil {
		return err
	}
	if svc != nil {
		if tw, ok := svc.(*messaging.TwilioService); ok {
			apiOpts = append(apiOpts, api.WithTwilioWebhook(tw.TwilioWebhookHandler))
		}
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("starting messaging service: %w", err)
		}
		handler := messaging.NewResponseHandler(svc, coach, pipeline.Limiter(),
			messaging.WithAdminUserID(*flags.adminUserID),
			messaging.WithDedup(st))
		handler.Start(ctx)
		defer func() {
			if stopErr := svc.Stop(); stopErr != nil {
				slog.Warn("run: messaging service stop failed", "error", stopErr)
			}
			handler.Wait()
		}()
	}

	server := api.NewServer(coach, pipeline.Limiter(), apiOpts...)
	return server.Start(ctx)
}

// newMessagingService returns nil for the none transport.
func newMessagingService(ctx context.Context, config Config, flags Flags) (messaging.Service, error) {
	switch *flags.transport {
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("connecting to WhatsApp: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, fmt.Errorf("creating Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if config.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(client.Validator(), config.TwilioWebhookURL))
		} else {
			slog.Warn("run: TWILIO_WEBHOOK_URL not set, webhook signatures are not checked")
		}
		return messaging.NewTwilioService(client, opts...), nil
	default:
		slog.Info("run: no messaging transport configured, serving the HTTP API only")
		return nil, nil
	}
}
