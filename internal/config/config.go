package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "LISTEN_ADDR"
	envVarServerOrigin    = "SERVER_ORIGIN"
	envVarMode            = "MODE"
	envVarLogFormat       = "LOG_FORMAT"
	envVarLogLevel        = "LOG_LEVEL"
	envVarShutdownTimeout = "SHUTDOWN_TIMEOUT"

	// Host (Android app) attestation.
	envVarAndroidAppPackage         = "ANDROID_APP_PACKAGE"
	envVarAndroidAppCert256         = "ANDROID_APP_CERT256"
	envVarGoogleServiceAccountEmail = "GOOGLE_SERVICE_ACCOUNT_EMAIL"
	envVarGoogleServiceAccountKey   = "GOOGLE_SERVICE_ACCOUNT_KEY"
	envVarIntegrityEndpoint         = "INTEGRITY_ENDPOINT"
	envVarIntegrityTokenEndpoint    = "INTEGRITY_TOKEN_ENDPOINT"
	envVarHostTokenMaxAge           = "HOST_TOKEN_MAX_AGE"

	// Client (browser) proof-of-humanity.
	envVarTurnstileSecretKey = "TURNSTYLE_SECRET_KEY"
	envVarTurnstileEndpoint  = "TURNSTYLE_ENDPOINT"

	// TURN REST ephemeral credentials.
	envVarTURNEnabled      = "TURN_ENABLED"
	envVarTURNSharedSecret = "TURN_SHARED_SECRET"
	envVarTURNTTLSeconds   = "TURN_TTL_SECONDS"

	// Signaling hardening.
	envVarErrorBudgetLimit     = "ERROR_BUDGET_LIMIT"
	envVarMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"
	envVarClientRelayTimeout   = "CLIENT_RELAY_TIMEOUT"
	envVarHostRelayTimeout     = "HOST_RELAY_TIMEOUT"
)

const (
	DefaultListenAddr      = "127.0.0.1:5000"
	DefaultShutdownTimeout = 10 * time.Second

	DefaultIntegrityEndpoint      = "https://playintegrity.googleapis.com"
	DefaultIntegrityTokenEndpoint = "https://oauth2.googleapis.com/token"
	DefaultTurnstileEndpoint      = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	DefaultHostTokenMaxAge        = 60 * time.Minute

	DefaultTURNTTLSeconds int64 = 6 * 60 * 60

	DefaultErrorBudgetLimit           = 8
	DefaultMaxMessageBytes      int64 = 1 << 20 // 1MiB
	DefaultMaxMessagesPerSecond       = 50
	DefaultClientRelayTimeout         = 5 * time.Second
	// Mobile hosts answer relayed requests slower than browsers,
	// especially when backgrounded.
	DefaultHostRelayTimeout = 15 * time.Second

	// prodOrigin is the deployment convention: the instance answering for
	// this origin is the production one.
	prodOrigin = "screenstream.io"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	ServerOrigin    string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// Host attestation (Play Integrity).
	AndroidAppPackage         string
	AndroidAppCert256         string
	GoogleServiceAccountEmail string
	GoogleServiceAccountKey   string
	IntegrityEndpoint         string
	IntegrityTokenEndpoint    string
	HostTokenMaxAge           time.Duration

	// Client verification (Turnstile).
	TurnstileSecretKey string
	TurnstileEndpoint  string

	// TURN REST credentials. TURNEnabled gates whether minted TURN
	// entries are surfaced in per-join ICE server sets at all.
	TURNEnabled      bool
	TURNSharedSecret string
	TURNTTLSeconds   int64

	// Signaling hardening.
	ErrorBudgetLimit     int
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	ClientRelayTimeout   time.Duration
	HostRelayTimeout     time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	env := func(key, fallback string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return fallback
	}

	origin := env(envVarServerOrigin, "")

	modeDefault := string(ModeDev)
	if origin == prodOrigin {
		modeDefault = string(ModeProd)
	}
	if v, ok := lookup(envVarMode); ok && v != "" {
		modeDefault = v
	}

	fs := flag.NewFlagSet("screenstream-relay", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", env(envVarListenAddr, DefaultListenAddr), "host:port to listen on")
	mode := fs.String("mode", modeDefault, "dev or prod")
	logFormat := fs.String("log-format", env(envVarLogFormat, ""), "log format: text or json (default depends on mode)")
	logLevel := fs.String("log-level", env(envVarLogLevel, ""), "log level: debug, info, warn, error (default depends on mode)")
	shutdownTimeout := fs.Duration("shutdown-timeout", DefaultShutdownTimeout, "grace period for in-flight connections on shutdown")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      *listenAddr,
		ServerOrigin:    origin,
		ShutdownTimeout: *shutdownTimeout,

		AndroidAppPackage:         env(envVarAndroidAppPackage, ""),
		AndroidAppCert256:         env(envVarAndroidAppCert256, ""),
		GoogleServiceAccountEmail: env(envVarGoogleServiceAccountEmail, ""),
		IntegrityEndpoint:         env(envVarIntegrityEndpoint, DefaultIntegrityEndpoint),
		IntegrityTokenEndpoint:    env(envVarIntegrityTokenEndpoint, DefaultIntegrityTokenEndpoint),
		HostTokenMaxAge:           DefaultHostTokenMaxAge,

		TurnstileSecretKey: env(envVarTurnstileSecretKey, ""),
		TurnstileEndpoint:  env(envVarTurnstileEndpoint, DefaultTurnstileEndpoint),

		TURNSharedSecret: env(envVarTURNSharedSecret, ""),
		TURNTTLSeconds:   DefaultTURNTTLSeconds,

		ErrorBudgetLimit:     DefaultErrorBudgetLimit,
		MaxMessageBytes:      DefaultMaxMessageBytes,
		MaxMessagesPerSecond: DefaultMaxMessagesPerSecond,
		ClientRelayTimeout:   DefaultClientRelayTimeout,
		HostRelayTimeout:     DefaultHostRelayTimeout,
	}

	// PEM keys arrive from the environment with literal "\n" sequences.
	cfg.GoogleServiceAccountKey = strings.ReplaceAll(env(envVarGoogleServiceAccountKey, ""), `\n`, "\n")

	switch Mode(*mode) {
	case ModeDev, ModeProd:
		cfg.Mode = Mode(*mode)
	default:
		return Config{}, fmt.Errorf("invalid %s %q (expected dev or prod)", envVarMode, *mode)
	}

	format := LogFormat(*logFormat)
	if *logFormat == "" {
		format = defaultLogFormatForMode(cfg.Mode)
	}
	switch format {
	case LogFormatText, LogFormatJSON:
		cfg.LogFormat = format
	default:
		return Config{}, fmt.Errorf("invalid %s %q (expected text or json)", envVarLogFormat, *logFormat)
	}

	level := *logLevel
	if level == "" {
		level = defaultLogLevelForMode(cfg.Mode)
	}
	parsedLevel, err := parseLogLevel(level)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = parsedLevel

	if v, ok := lookup(envVarShutdownTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarShutdownTimeout, v)
		}
		cfg.ShutdownTimeout = d
	}
	if v, ok := lookup(envVarHostTokenMaxAge); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarHostTokenMaxAge, v)
		}
		cfg.HostTokenMaxAge = d
	}

	if v, ok := lookup(envVarTURNEnabled); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q", envVarTURNEnabled, v)
		}
		cfg.TURNEnabled = b
	}
	if v, ok := lookup(envVarTURNTTLSeconds); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarTURNTTLSeconds, v)
		}
		cfg.TURNTTLSeconds = n
	}
	if cfg.TURNEnabled && strings.TrimSpace(cfg.TURNSharedSecret) == "" {
		return Config{}, fmt.Errorf("%s is required when %s is set", envVarTURNSharedSecret, envVarTURNEnabled)
	}

	if v, ok := lookup(envVarErrorBudgetLimit); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarErrorBudgetLimit, v)
		}
		cfg.ErrorBudgetLimit = n
	}
	if v, ok := lookup(envVarMaxMessageBytes); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarMaxMessageBytes, v)
		}
		cfg.MaxMessageBytes = n
	}
	if v, ok := lookup(envVarMaxMessagesPerSecond); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarMaxMessagesPerSecond, v)
		}
		cfg.MaxMessagesPerSecond = n
	}
	if v, ok := lookup(envVarClientRelayTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarClientRelayTimeout, v)
		}
		cfg.ClientRelayTimeout = d
	}
	if v, ok := lookup(envVarHostRelayTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarHostRelayTimeout, v)
		}
		cfg.HostRelayTimeout = d
	}

	if cfg.Mode == ModeProd && cfg.ServerOrigin == "" {
		return Config{}, fmt.Errorf("%s is required in prod mode", envVarServerOrigin)
	}

	return cfg, nil
}

func defaultLogFormatForMode(mode Mode) LogFormat {
	if mode == ModeProd {
		return LogFormatJSON
	}
	return LogFormatText
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

// NewLogger builds the process logger from config.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
