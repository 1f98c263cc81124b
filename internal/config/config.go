// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ashita-ai/denwa/internal/auth"
	"github.com/ashita-ai/denwa/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Database settings. An empty DatabaseURL disables the durable mirror.
	DatabaseURL string
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.

	// Media bridge settings.
	MediaStreamURL      string // ws:// or wss:// base; calls dial {base}/stream/{call_id}.
	MediaConnectTimeout time.Duration
	MediaWriteTimeout   time.Duration
	MediaPingInterval   time.Duration
	GreetingFile        string

	// Agent roster and session lifecycle.
	Agents            []model.AgentConfig
	InactivityTimeout time.Duration
	JanitorInterval   time.Duration
	MaxFlowErrors     int

	// Pipeline stages. Empty URLs select the no-op stage.
	STTURL          string
	ReasonerURL     string
	TTSURL          string
	PipelineAPIKey  string
	PipelineTimeout time.Duration

	// Utterance segmentation.
	SilenceThreshold  float64
	SilenceTimeout    time.Duration
	MaxUtteranceBytes int

	// JWT settings.
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiration     time.Duration
	CallTokenTTL      time.Duration
	OperatorKeyHash   string // Argon2id hash of the operator API key.

	// Rate limiting for POST /v1/events.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint    string
	OTELInsecure    bool
	OTELSampleRatio float64
	ServiceName     string

	// Operational settings.
	LogLevel        string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var l loader
	cfg := Config{
		Port:                l.int("DENWA_PORT", 8080),
		ReadTimeout:         l.duration("DENWA_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        l.duration("DENWA_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(l.int("DENWA_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		NotifyURL:           envStr("NOTIFY_URL", ""),
		MediaStreamURL:      envStr("DENWA_MEDIA_STREAM_URL", "ws://localhost:8765"),
		MediaConnectTimeout: l.duration("DENWA_MEDIA_CONNECT_TIMEOUT", 10*time.Second),
		MediaWriteTimeout:   l.duration("DENWA_MEDIA_WRITE_TIMEOUT", 5*time.Second),
		MediaPingInterval:   l.duration("DENWA_MEDIA_PING_INTERVAL", 20*time.Second),
		GreetingFile:        envStr("DENWA_GREETING_FILE", "greeting.wav"),
		InactivityTimeout:   l.duration("DENWA_INACTIVITY_TIMEOUT", 30*time.Minute),
		JanitorInterval:     l.duration("DENWA_JANITOR_INTERVAL", time.Minute),
		MaxFlowErrors:       l.int("DENWA_MAX_FLOW_ERRORS", 3),
		STTURL:              envStr("DENWA_STT_URL", ""),
		ReasonerURL:         envStr("DENWA_REASONER_URL", ""),
		TTSURL:              envStr("DENWA_TTS_URL", ""),
		PipelineAPIKey:      envStr("DENWA_PIPELINE_API_KEY", ""),
		PipelineTimeout:     l.duration("DENWA_PIPELINE_TIMEOUT", 15*time.Second),
		SilenceThreshold:    l.float("DENWA_SILENCE_THRESHOLD", 0.01),
		SilenceTimeout:      l.duration("DENWA_SILENCE_TIMEOUT", 700*time.Millisecond),
		MaxUtteranceBytes:   l.int("DENWA_MAX_UTTERANCE_BYTES", 320000),
		JWTPrivateKeyPath:   envStr("DENWA_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("DENWA_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       l.duration("DENWA_JWT_EXPIRATION", 24*time.Hour),
		CallTokenTTL:        l.duration("DENWA_CALL_TOKEN_TTL", time.Hour),
		OperatorKeyHash:     envStr("DENWA_OPERATOR_KEY_HASH", ""),
		RateLimitRPS:        l.float("DENWA_RATE_LIMIT_RPS", 50),
		RateLimitBurst:      l.int("DENWA_RATE_LIMIT_BURST", 100),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        l.bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		OTELSampleRatio:     l.float("DENWA_OTEL_SAMPLE_RATIO", 1),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "denwa"),
		LogLevel:            envStr("DENWA_LOG_LEVEL", "info"),
		ShutdownTimeout:     l.duration("DENWA_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	agents, err := model.ParseRoster(envStr("DENWA_AGENTS", "agent-1:3"))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("DENWA_AGENTS: %w", err))
	}
	cfg.Agents = agents

	if len(l.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(l.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: DENWA_PORT must be between 1 and 65535"))
	}
	if c.MediaStreamURL == "" {
		errs = append(errs, fmt.Errorf("config: DENWA_MEDIA_STREAM_URL is required"))
	} else if u, err := url.Parse(c.MediaStreamURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("config: DENWA_MEDIA_STREAM_URL must be a ws:// or wss:// URL"))
	}
	if len(c.Agents) == 0 {
		errs = append(errs, fmt.Errorf("config: DENWA_AGENTS must list at least one agent"))
	}
	if c.MaxFlowErrors <= 0 {
		errs = append(errs, fmt.Errorf("config: DENWA_MAX_FLOW_ERRORS must be positive"))
	}
	if c.InactivityTimeout <= 0 || c.JanitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: DENWA_INACTIVITY_TIMEOUT and DENWA_JANITOR_INTERVAL must be positive"))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("config: DENWA_SILENCE_THRESHOLD must be in [0, 1)"))
	}
	if c.MaxUtteranceBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: DENWA_MAX_UTTERANCE_BYTES must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: DENWA_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, fmt.Errorf("config: rate limits must not be negative"))
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("config: DENWA_OTEL_SAMPLE_RATIO must be in [0, 1]"))
	}
	if c.OperatorKeyHash != "" {
		if _, err := auth.ParseKeyHash(c.OperatorKeyHash); err != nil {
			errs = append(errs, fmt.Errorf("config: DENWA_OPERATOR_KEY_HASH: %w", err))
		}
	}
	return errors.Join(errs...)
}

// loader accumulates parse errors so Load can report all of them at once.
type loader struct {
	errs []error
}

func (l *loader) int(key string, defaultVal int) int {
	v, err := envInt(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) float(key string, defaultVal float64) float64 {
	v, err := envFloat(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) bool(key string, defaultVal bool) bool {
	v, err := envBool(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) duration(key string, defaultVal time.Duration) time.Duration {
	v, err := envDuration(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
