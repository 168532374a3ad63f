package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stride-coach/stride/pkg/coach/tools"
	"github.com/stride-coach/stride/pkg/gateway/live/upstream"
)

type Config struct {
	Addr string

	// Record store
	DatabaseURL   string
	DBMaxSessions int64
	AutoMigrate   bool

	// Realtime upstream
	OpenAIAPIKey        string
	RealtimeURL         string
	RealtimeVoice       string
	UpstreamDialTimeout time.Duration

	// Live WebSocket mode (/ws/chat/{user_id}).
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	WSMaxMessageBytes int64
	WSOutboundQueue   int
	// WSMaxSessionsPerUser caps concurrent live sessions per user id; 0 means no cap.
	WSMaxSessionsPerUser int

	// Coaching tools
	ToolTimeout     time.Duration
	WeatherBaseURL  string
	WeatherTimeout  time.Duration
	DefaultLocation string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	MetricsEnabled      bool
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("STRIDE_ADDR", ":8000"),
		DatabaseURL:          envOr("STRIDE_DATABASE_URL", "sqlite://./stride.db"),
		DBMaxSessions:        envInt64Or("STRIDE_DB_MAX_SESSIONS", 64),
		AutoMigrate:          envBoolOr("STRIDE_AUTO_MIGRATE", true),
		OpenAIAPIKey:         envOr("STRIDE_OPENAI_API_KEY", envOr("OPENAI_API_KEY", "")),
		RealtimeURL:          envOr("STRIDE_REALTIME_URL", upstream.DefaultURL),
		RealtimeVoice:        envOr("STRIDE_REALTIME_VOICE", upstream.DefaultVoice),
		UpstreamDialTimeout:  envDurationOr("STRIDE_UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		WSPingInterval:       envDurationOr("STRIDE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:       envDurationOr("STRIDE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSMaxMessageBytes:    envInt64Or("STRIDE_WS_MAX_MESSAGE_BYTES", 1<<20), // 1 MiB
		WSOutboundQueue:      envIntOr("STRIDE_WS_OUTBOUND_QUEUE", 256),
		WSMaxSessionsPerUser: envIntOr("STRIDE_WS_MAX_SESSIONS_PER_USER", 0),
		ToolTimeout:          envDurationOr("STRIDE_TOOL_TIMEOUT", 0),
		WeatherBaseURL:       envOr("STRIDE_WEATHER_BASE_URL", "https://wttr.in"),
		WeatherTimeout:       envDurationOr("STRIDE_WEATHER_TIMEOUT", 5*time.Second),
		DefaultLocation:      envOr("STRIDE_DEFAULT_LOCATION", tools.DefaultLocation),
		CORSAllowedOrigins:   make(map[string]struct{}),
		ReadHeaderTimeout:    envDurationOr("STRIDE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("STRIDE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsEnabled:       envBoolOr("STRIDE_METRICS_ENABLED", true),
	}

	for _, origin := range splitCSV(os.Getenv("STRIDE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.DBMaxSessions <= 0 {
		return Config{}, fmt.Errorf("STRIDE_DB_MAX_SESSIONS must be > 0")
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return Config{}, fmt.Errorf("STRIDE_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval < 0 {
		return Config{}, fmt.Errorf("STRIDE_WS_PING_INTERVAL must be >= 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("STRIDE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("STRIDE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSOutboundQueue <= 0 {
		return Config{}, fmt.Errorf("STRIDE_WS_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.WSMaxSessionsPerUser < 0 {
		return Config{}, fmt.Errorf("STRIDE_WS_MAX_SESSIONS_PER_USER must be >= 0")
	}
	if cfg.ToolTimeout < 0 {
		return Config{}, fmt.Errorf("STRIDE_TOOL_TIMEOUT must be >= 0")
	}
	if cfg.WeatherTimeout <= 0 {
		return Config{}, fmt.Errorf("STRIDE_WEATHER_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("STRIDE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("STRIDE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if !strings.HasPrefix(cfg.RealtimeURL, "ws://") && !strings.HasPrefix(cfg.RealtimeURL, "wss://") {
		return Config{}, fmt.Errorf("STRIDE_REALTIME_URL must be a ws:// or wss:// URL")
	}

	return cfg, nil
}

// RequireAPIKey reports a configuration error when live chat cannot dial upstream.
func (c Config) RequireAPIKey() error {
	if strings.TrimSpace(c.OpenAIAPIKey) == "" {
		return fmt.Errorf("STRIDE_OPENAI_API_KEY (or OPENAI_API_KEY) must be set")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
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

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
