package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "MULTICAM_LISTEN_ADDR"
	envVarPublicHost      = "MULTICAM_PUBLIC_HOST"
	envVarRedisURL        = "MULTICAM_REDIS_URL"
	envVarSlotCount       = "MULTICAM_SLOT_COUNT"
	envVarMode            = "MULTICAM_MODE"
	envVarLogFormat       = "MULTICAM_LOG_FORMAT"
	envVarLogLevel        = "MULTICAM_LOG_LEVEL"
	envVarShutdownTimeout = "MULTICAM_SHUTDOWN_TIMEOUT"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout   = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval  = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes = "MAX_SIGNALING_MESSAGE_BYTES"

	// Shared state store retry policy.
	envVarStoreRetryInitialInterval = "STORE_RETRY_INITIAL_INTERVAL"
	envVarStoreRetryMaxElapsed      = "STORE_RETRY_MAX_ELAPSED"
	envVarStoreBootstrapAttempts    = "STORE_BOOTSTRAP_ATTEMPTS"
)

const (
	DefaultListenAddr = "0.0.0.0:8080"
	DefaultRedisURL   = "redis://127.0.0.1:6379/0"
	DefaultSlotCount  = 3
	DefaultShutdown   = 15 * time.Second

	DefaultMode Mode = ModeDev

	DefaultSignalingWSIdleTimeout   = 60 * time.Second
	DefaultSignalingWSPingInterval  = 20 * time.Second
	DefaultMaxSignalingMessageBytes = int64(64 * 1024)

	DefaultStoreRetryInitialInterval = 100 * time.Millisecond
	DefaultStoreRetryMaxElapsed      = 5 * time.Second
	DefaultStoreBootstrapAttempts    = 5
)

// maxSlotCount bounds MULTICAM_SLOT_COUNT. The slot set is intentionally
// small and closed; a large value almost certainly indicates a typo.
const maxSlotCount = 16

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
	ListenAddr string
	// PublicHost is the address advertised to camera devices in connection
	// bootstrap payloads. When empty, the first non-loopback IPv4 interface
	// address is used.
	PublicHost      string
	RedisURL        string
	SlotCount       int
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	SignalingWSIdleTimeout   time.Duration
	SignalingWSPingInterval  time.Duration
	MaxSignalingMessageBytes int64

	StoreRetryInitialInterval time.Duration
	StoreRetryMaxElapsed      time.Duration
	StoreBootstrapAttempts    int

	// ICEServers are advertised to cameras and control clients via
	// GET /webrtc/ice so both ends of a peer connection agree on STUN/TURN.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// Slots returns the configured slot ids, 1..SlotCount.
func (c Config) Slots() []int {
	out := make([]int, 0, c.SlotCount)
	for id := 1; id <= c.SlotCount; id++ {
		out = append(out, id)
	}
	return out
}

// SlotInRange reports whether id identifies a configured camera slot.
func (c Config) SlotInRange(id int) bool {
	return id >= 1 && id <= c.SlotCount
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicHost := envOrDefault(lookup, envVarPublicHost, "")
	redisURL := envOrDefault(lookup, envVarRedisURL, DefaultRedisURL)
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	slotCount, err := envIntOrDefault(lookup, envVarSlotCount, DefaultSlotCount)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	signalingWSIdleTimeout := DefaultSignalingWSIdleTimeout
	if raw, ok := lookup(envVarSignalingWSIdleTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSignalingWSIdleTimeout, raw, err)
		}
		signalingWSIdleTimeout = d
	}

	signalingWSPingInterval := DefaultSignalingWSPingInterval
	if raw, ok := lookup(envVarSignalingWSPingInterval); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSignalingWSPingInterval, raw, err)
		}
		signalingWSPingInterval = d
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	storeRetryInitialInterval := DefaultStoreRetryInitialInterval
	if raw, ok := lookup(envVarStoreRetryInitialInterval); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarStoreRetryInitialInterval, raw, err)
		}
		storeRetryInitialInterval = d
	}

	storeRetryMaxElapsed := DefaultStoreRetryMaxElapsed
	if raw, ok := lookup(envVarStoreRetryMaxElapsed); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarStoreRetryMaxElapsed, raw, err)
		}
		storeRetryMaxElapsed = d
	}

	storeBootstrapAttempts, err := envIntOrDefault(lookup, envVarStoreBootstrapAttempts, DefaultStoreBootstrapAttempts)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("multicam-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&publicHost, "public-host", publicHost, "Host advertised in camera bootstrap payloads (env "+envVarPublicHost+")")
	fs.StringVar(&redisURL, "redis-url", redisURL, "Redis URL for the shared state store (env "+envVarRedisURL+")")
	fs.IntVar(&slotCount, "slot-count", slotCount, "Number of camera slots (env "+envVarSlotCount+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.DurationVar(&storeRetryInitialInterval, "store-retry-initial-interval", storeRetryInitialInterval, "Initial backoff interval for shared state store retries (env "+envVarStoreRetryInitialInterval+")")
	fs.DurationVar(&storeRetryMaxElapsed, "store-retry-max-elapsed", storeRetryMaxElapsed, "Give up retrying a shared state store call after this duration (env "+envVarStoreRetryMaxElapsed+")")
	fs.IntVar(&storeBootstrapAttempts, "store-bootstrap-attempts", storeBootstrapAttempts, "Session bootstrap attempts before the process fails fast (env "+envVarStoreBootstrapAttempts+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if strings.TrimSpace(redisURL) == "" {
		return Config{}, fmt.Errorf("%s/--redis-url must not be empty", envVarRedisURL)
	}
	if slotCount < 1 || slotCount > maxSlotCount {
		return Config{}, fmt.Errorf("%s/--slot-count must be in 1..%d; got %d", envVarSlotCount, maxSlotCount, slotCount)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if storeRetryInitialInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--store-retry-initial-interval must be > 0", envVarStoreRetryInitialInterval)
	}
	if storeRetryMaxElapsed <= 0 {
		return Config{}, fmt.Errorf("%s/--store-retry-max-elapsed must be > 0", envVarStoreRetryMaxElapsed)
	}
	if storeBootstrapAttempts < 1 {
		return Config{}, fmt.Errorf("%s/--store-bootstrap-attempts must be >= 1", envVarStoreBootstrapAttempts)
	}

	if publicHost == "" {
		publicHost = firstNonLoopbackIPv4()
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicHost:      publicHost,
		RedisURL:        redisURL,
		SlotCount:       slotCount,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		SignalingWSIdleTimeout:   signalingWSIdleTimeout,
		SignalingWSPingInterval:  signalingWSPingInterval,
		MaxSignalingMessageBytes: maxSignalingMessageBytes,

		StoreRetryInitialInterval: storeRetryInitialInterval,
		StoreRetryMaxElapsed:      storeRetryMaxElapsed,
		StoreBootstrapAttempts:    storeBootstrapAttempts,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// firstNonLoopbackIPv4 finds the address camera devices on the same network
// should dial. Falls back to localhost when no interface qualifies.
func firstNonLoopbackIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "localhost"
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
