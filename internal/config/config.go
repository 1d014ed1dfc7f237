package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v4"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/signlink/signlink-relay/internal/origin"
)

const (
	envVarListenAddr      = "SIGNLINK_LISTEN_ADDR"
	envVarAllowedOrigins  = "SIGNLINK_ALLOWED_ORIGINS"
	envVarMode            = "SIGNLINK_MODE"
	envVarLogFormat       = "SIGNLINK_LOG_FORMAT"
	envVarLogLevel        = "SIGNLINK_LOG_LEVEL"
	envVarLogFile         = "SIGNLINK_LOG_FILE"
	envVarShutdownTimeout = "SIGNLINK_SHUTDOWN_TIMEOUT"

	envVarWSIdleTimeout     = "SIGNLINK_WS_IDLE_TIMEOUT"
	envVarWSPingInterval    = "SIGNLINK_WS_PING_INTERVAL"
	envVarMaxMessageBytes   = "SIGNLINK_MAX_MESSAGE_BYTES"
	envVarMessagesPerSecond = "SIGNLINK_MESSAGES_PER_SECOND"
	envVarSendQueueBytes    = "SIGNLINK_SEND_QUEUE_BYTES"

	envVarPipelineQueueSize = "SIGNLINK_PIPELINE_QUEUE_SIZE"
	envVarJPEGQuality       = "SIGNLINK_JPEG_QUALITY"
	envVarModelManifest     = "SIGNLINK_MODEL_MANIFEST"
	envVarDetectorURL       = "SIGNLINK_DETECTOR_URL"
	envVarClassifierURL     = "SIGNLINK_CLASSIFIER_URL"
	envVarLabelsPath        = "SIGNLINK_LABELS"
	envVarModelTimeout      = "SIGNLINK_MODEL_TIMEOUT"
	envVarMaxHands          = "SIGNLINK_MAX_HANDS"
	envVarMinConfidence     = "SIGNLINK_MIN_CONFIDENCE"

	envVarCaptureSource  = "SIGNLINK_CAPTURE_SOURCE"
	envVarCaptureTimeout = "SIGNLINK_CAPTURE_TIMEOUT"
	envVarStreamFPS      = "SIGNLINK_STREAM_FPS"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultWSIdleTimeout     = 60 * time.Second
	DefaultWSPingInterval    = 20 * time.Second
	DefaultMaxMessageBytes   = int64(2 << 20)
	DefaultMessagesPerSecond = 50
	DefaultSendQueueBytes    = 8 << 20

	DefaultPipelineQueueSize = 16
	DefaultJPEGQuality       = 90
	DefaultModelTimeout      = 5 * time.Second
	DefaultMaxHands          = 2
	DefaultMinConfidence     = 0.5

	DefaultCaptureTimeout = 2 * time.Second
	DefaultStreamFPS      = 10
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
	ListenAddr      string `validate:"required"`
	AllowedOrigins  []string
	Mode            Mode      `validate:"oneof=dev prod"`
	LogFormat       LogFormat `validate:"oneof=text json"`
	LogLevel        slog.Level
	LogFile         string
	ShutdownTimeout time.Duration `validate:"gt=0s"`

	WSIdleTimeout     time.Duration `validate:"gt=0s"`
	WSPingInterval    time.Duration `validate:"gt=0s,ltfield=WSIdleTimeout"`
	MaxMessageBytes   int64         `validate:"gt=0"`
	MessagesPerSecond int           `validate:"gte=0"`
	SendQueueBytes    int           `validate:"gt=0"`

	PipelineQueueSize int `validate:"gt=0"`
	JPEGQuality       int `validate:"min=1,max=100"`
	// ModelManifest, when set, takes precedence over the individual model
	// settings below.
	ModelManifest string
	DetectorURL   string        `validate:"omitempty,url"`
	ClassifierURL string        `validate:"omitempty,url"`
	LabelsPath    string        `validate:"required_with=ClassifierURL"`
	ModelTimeout  time.Duration `validate:"gt=0s"`
	MaxHands      int           `validate:"gt=0"`
	MinConfidence float64       `validate:"gte=0,lte=1"`

	// CaptureSource selects the publisher's frame source: empty (blank
	// frames only), dir:<path>, or an http(s) snapshot URL.
	CaptureSource  string
	CaptureTimeout time.Duration `validate:"gt=0s"`
	StreamFPS      int           `validate:"gt=0,lte=60"`

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports a malformed ICE configuration. Load still succeeds
// in that case so the signaling paths stay up; /webrtc/ice surfaces the error.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
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
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	logFile := envOrDefault(lookup, envVarLogFile, "")
	ice := iceSettings{
		JSON:       envOrDefault(lookup, envICEServersJSON, ""),
		STUN:       DefaultSTUNURL,
		TURN:       envOrDefault(lookup, envTurnURLs, ""),
		Username:   envOrDefault(lookup, envTurnUsername, ""),
		Credential: envOrDefault(lookup, envTurnCredential, ""),
	}
	// An explicitly empty value turns the default STUN server off.
	if v, ok := lookup(envStunURLs); ok {
		ice.STUN = v
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	messagesPerSecond, err := envIntOrDefault(lookup, envVarMessagesPerSecond, DefaultMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueBytes, err := envIntOrDefault(lookup, envVarSendQueueBytes, DefaultSendQueueBytes)
	if err != nil {
		return Config{}, err
	}

	pipelineQueueSize, err := envIntOrDefault(lookup, envVarPipelineQueueSize, DefaultPipelineQueueSize)
	if err != nil {
		return Config{}, err
	}
	jpegQuality, err := envIntOrDefault(lookup, envVarJPEGQuality, DefaultJPEGQuality)
	if err != nil {
		return Config{}, err
	}
	modelManifest := envOrDefault(lookup, envVarModelManifest, "")
	detectorURL := envOrDefault(lookup, envVarDetectorURL, "")
	classifierURL := envOrDefault(lookup, envVarClassifierURL, "")
	labelsPath := envOrDefault(lookup, envVarLabelsPath, "")
	modelTimeout, err := envDurationOrDefault(lookup, envVarModelTimeout, DefaultModelTimeout)
	if err != nil {
		return Config{}, err
	}
	maxHands, err := envIntOrDefault(lookup, envVarMaxHands, DefaultMaxHands)
	if err != nil {
		return Config{}, err
	}
	minConfidence := DefaultMinConfidence
	if raw, ok := lookup(envVarMinConfidence); ok && strings.TrimSpace(raw) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMinConfidence, raw, err)
		}
		minConfidence = f
	}

	captureSource := envOrDefault(lookup, envVarCaptureSource, "")
	captureTimeout, err := envDurationOrDefault(lookup, envVarCaptureTimeout, DefaultCaptureTimeout)
	if err != nil {
		return Config{}, err
	}
	streamFPS, err := envIntOrDefault(lookup, envVarStreamFPS, DefaultStreamFPS)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("signlink-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&logFile, "log-file", logFile, "Also write logs to this file, rotated by size (env "+envVarLogFile+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Send ping frames at this interval (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&messagesPerSecond, "messages-per-second", messagesPerSecond, "Max inbound WebSocket messages per second per connection (0 = unlimited; env "+envVarMessagesPerSecond+")")
	fs.IntVar(&sendQueueBytes, "send-queue-bytes", sendQueueBytes, "Outbound bytes buffered per connection before messages are dropped (env "+envVarSendQueueBytes+")")

	fs.IntVar(&pipelineQueueSize, "pipeline-queue-size", pipelineQueueSize, "Pending pipeline jobs before frames are dropped (env "+envVarPipelineQueueSize+")")
	fs.IntVar(&jpegQuality, "jpeg-quality", jpegQuality, "JPEG quality for annotated frames, 1-100 (env "+envVarJPEGQuality+")")
	fs.StringVar(&modelManifest, "model-manifest", modelManifest, "YAML model manifest; overrides the individual model flags (env "+envVarModelManifest+")")
	fs.StringVar(&detectorURL, "detector-url", detectorURL, "Hand landmark service URL (env "+envVarDetectorURL+")")
	fs.StringVar(&classifierURL, "classifier-url", classifierURL, "Sign classifier service URL (env "+envVarClassifierURL+")")
	fs.StringVar(&labelsPath, "labels", labelsPath, "Class labels file, one per line (env "+envVarLabelsPath+")")
	fs.DurationVar(&modelTimeout, "model-timeout", modelTimeout, "Timeout for a single model call (env "+envVarModelTimeout+")")
	fs.IntVar(&maxHands, "max-hands", maxHands, "Max hands detected per frame (env "+envVarMaxHands+")")
	fs.Float64Var(&minConfidence, "min-confidence", minConfidence, "Min hand detection confidence, 0-1 (env "+envVarMinConfidence+")")

	fs.StringVar(&captureSource, "capture-source", captureSource, "Stream capture source: dir:<path> or http(s) snapshot URL (env "+envVarCaptureSource+")")
	fs.DurationVar(&captureTimeout, "capture-timeout", captureTimeout, "Timeout for a single capture read (env "+envVarCaptureTimeout+")")
	fs.IntVar(&streamFPS, "stream-fps", streamFPS, "Frames per second published on /video_feed (env "+envVarStreamFPS+")")

	fs.StringVar(&ice.JSON, "ice-servers-json", ice.JSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&ice.STUN, "stun-urls", ice.STUN, "comma-separated STUN URLs, empty for none ("+envStunURLs+")")
	fs.StringVar(&ice.TURN, "turn-urls", ice.TURN, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&ice.Username, "turn-username", ice.Username, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&ice.Credential, "turn-credential", ice.Credential, "TURN credential ("+envTurnCredential+")")

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

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:      strings.TrimSpace(listenAddr),
		AllowedOrigins:  allowedOrigins,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		LogFile:         strings.TrimSpace(logFile),
		ShutdownTimeout: shutdownTimeout,

		WSIdleTimeout:     wsIdleTimeout,
		WSPingInterval:    wsPingInterval,
		MaxMessageBytes:   maxMessageBytes,
		MessagesPerSecond: messagesPerSecond,
		SendQueueBytes:    sendQueueBytes,

		PipelineQueueSize: pipelineQueueSize,
		JPEGQuality:       jpegQuality,
		ModelManifest:     strings.TrimSpace(modelManifest),
		DetectorURL:       strings.TrimSpace(detectorURL),
		ClassifierURL:     strings.TrimSpace(classifierURL),
		LabelsPath:        strings.TrimSpace(labelsPath),
		ModelTimeout:      modelTimeout,
		MaxHands:          maxHands,
		MinConfidence:     minConfidence,

		CaptureSource:  strings.TrimSpace(captureSource),
		CaptureTimeout: captureTimeout,
		StreamFPS:      streamFPS,
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, describeValidation(err)
	}

	// A bad ICE config only affects clients that ask for it, so it is kept on
	// the Config instead of failing startup.
	iceServers, err := ice.servers()
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

var fieldFlags = map[string]string{
	"ListenAddr":        "listen-addr",
	"Mode":              "mode",
	"LogFormat":         "log-format",
	"ShutdownTimeout":   "shutdown-timeout",
	"WSIdleTimeout":     "ws-idle-timeout",
	"WSPingInterval":    "ws-ping-interval",
	"MaxMessageBytes":   "max-message-bytes",
	"MessagesPerSecond": "messages-per-second",
	"SendQueueBytes":    "send-queue-bytes",
	"PipelineQueueSize": "pipeline-queue-size",
	"JPEGQuality":       "jpeg-quality",
	"DetectorURL":       "detector-url",
	"ClassifierURL":     "classifier-url",
	"LabelsPath":        "labels",
	"ModelTimeout":      "model-timeout",
	"MaxHands":          "max-hands",
	"MinConfidence":     "min-confidence",
	"CaptureTimeout":    "capture-timeout",
	"StreamFPS":         "stream-fps",
}

// describeValidation reports the first failing field by its flag name.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	name := fieldFlags[fe.StructField()]
	if name == "" {
		name = fe.StructField()
	}
	switch fe.Tag() {
	case "ltfield":
		return fmt.Errorf("--%s (%v) must be < --%s", name, fe.Value(), fieldFlags[fe.Param()])
	case "required_with":
		return fmt.Errorf("--%s is required when --%s is set", name, fieldFlags[fe.Param()])
	case "":
		return fmt.Errorf("invalid --%s %v", name, fe.Value())
	default:
		if fe.Param() != "" {
			return fmt.Errorf("invalid --%s %v (%s=%s)", name, fe.Value(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("invalid --%s %v (%s)", name, fe.Value(), fe.Tag())
	}
}

// NewLogger builds the process logger. With LogFile set, records go to both
// stdout and a size-rotated file.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(out, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
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

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
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

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
