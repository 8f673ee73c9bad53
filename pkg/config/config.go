package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable for the relay process. All values come from
// WAKECALL_* environment variables; LoadFromEnv applies defaults and rejects
// values that would leave the process in a broken state.
type Config struct {
	Addr string

	// PublicHost is the externally reachable host used to build the telephony
	// webhook and media-stream callback URLs (no scheme, no trailing slash).
	PublicHost string

	DatabaseURL string

	// Telephony credentials and outbound-call settings.
	TelephonyAccountSID   string
	TelephonyAuthToken    string
	TelephonyCallerID     string
	ValidateWebhooks      bool
	OutboundPlaceAttempts int

	// Conversational AI session settings.
	AIRealtimeURL        string
	AIAPIKey             string
	AIModel              string
	AIVoice              string
	AITranscriptionModel string
	VADSilenceDuration   time.Duration

	// Relay timing.
	CallTimeLimit    time.Duration
	RelayGracePeriod time.Duration

	// WebSocket keepalive and write discipline.
	WSPingInterval   time.Duration
	WSWriteTimeout   time.Duration
	AIConnectTimeout time.Duration

	// HTTP server operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("WAKECALL_ADDR", ":8080"),
		PublicHost:            strings.TrimSpace(os.Getenv("WAKECALL_PUBLIC_HOST")),
		DatabaseURL:           strings.TrimSpace(os.Getenv("WAKECALL_DATABASE_URL")),
		TelephonyAccountSID:   strings.TrimSpace(os.Getenv("WAKECALL_TWILIO_ACCOUNT_SID")),
		TelephonyAuthToken:    strings.TrimSpace(os.Getenv("WAKECALL_TWILIO_AUTH_TOKEN")),
		TelephonyCallerID:     strings.TrimSpace(os.Getenv("WAKECALL_TWILIO_CALLER_ID")),
		ValidateWebhooks:      envBoolOr("WAKECALL_VALIDATE_WEBHOOKS", true),
		OutboundPlaceAttempts: envIntOr("WAKECALL_OUTBOUND_PLACE_ATTEMPTS", 3),
		AIRealtimeURL:         envOr("WAKECALL_AI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		AIAPIKey:              strings.TrimSpace(os.Getenv("WAKECALL_AI_API_KEY")),
		AIModel:               envOr("WAKECALL_AI_MODEL", "gpt-4o-realtime-preview"),
		AIVoice:               envOr("WAKECALL_AI_VOICE", "ash"),
		AITranscriptionModel:  envOr("WAKECALL_AI_TRANSCRIPTION_MODEL", "whisper-1"),
		VADSilenceDuration:    envDurationOr("WAKECALL_VAD_SILENCE", 500*time.Millisecond),
		CallTimeLimit:         envDurationOr("WAKECALL_CALL_TIME_LIMIT", 30*time.Minute),
		RelayGracePeriod:      envDurationOr("WAKECALL_RELAY_GRACE_PERIOD", 5*time.Second),
		WSPingInterval:        envDurationOr("WAKECALL_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:        envDurationOr("WAKECALL_WS_WRITE_TIMEOUT", 5*time.Second),
		AIConnectTimeout:      envDurationOr("WAKECALL_AI_CONNECT_TIMEOUT", 10*time.Second),
		ReadHeaderTimeout:     envDurationOr("WAKECALL_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("WAKECALL_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	if cfg.PublicHost == "" {
		return Config{}, fmt.Errorf("WAKECALL_PUBLIC_HOST must be set")
	}
	if strings.Contains(cfg.PublicHost, "://") {
		return Config{}, fmt.Errorf("WAKECALL_PUBLIC_HOST must be a bare host, without scheme")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("WAKECALL_DATABASE_URL must be set")
	}
	if cfg.TelephonyAccountSID == "" {
		return Config{}, fmt.Errorf("WAKECALL_TWILIO_ACCOUNT_SID must be set")
	}
	if cfg.TelephonyAuthToken == "" {
		return Config{}, fmt.Errorf("WAKECALL_TWILIO_AUTH_TOKEN must be set")
	}
	if cfg.TelephonyCallerID == "" {
		return Config{}, fmt.Errorf("WAKECALL_TWILIO_CALLER_ID must be set")
	}
	if cfg.OutboundPlaceAttempts <= 0 {
		return Config{}, fmt.Errorf("WAKECALL_OUTBOUND_PLACE_ATTEMPTS must be > 0")
	}
	if cfg.AIAPIKey == "" {
		return Config{}, fmt.Errorf("WAKECALL_AI_API_KEY must be set")
	}
	if !strings.HasPrefix(cfg.AIRealtimeURL, "wss://") && !strings.HasPrefix(cfg.AIRealtimeURL, "ws://") {
		return Config{}, fmt.Errorf("WAKECALL_AI_REALTIME_URL must be a ws:// or wss:// URL")
	}
	if cfg.VADSilenceDuration <= 0 {
		return Config{}, fmt.Errorf("WAKECALL_VAD_SILENCE must be > 0")
	}
	if cfg.CallTimeLimit <= 0 {
		return Config{}, fmt.Errorf("WAKECALL_CALL_TIME_LIMIT must be > 0")
	}
	if cfg.RelayGracePeriod <= 0 {
		return Config{}, fmt.Errorf("WAKECALL_RELAY_GRACE_PERIOD must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("WAKECALL_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("WAKECALL_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.AIConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("WAKECALL_AI_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("WAKECALL_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("WAKECALL_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
