package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Backend service
	BackendURL     string
	BackendAnonKey string
	BackendTimeout time.Duration

	// Session continuity
	GraceWindow       time.Duration
	DebounceWindow    time.Duration
	EscalationTimeout time.Duration
	ReconnectPulse    time.Duration
	RecoveryTimeout   time.Duration

	// Connectivity probe
	ProbeInterval    time.Duration
	ProbeMaxInterval time.Duration

	// Session
	SessionSecret string
	SessionMaxAge int

	// Preview
	PreviewTimeout time.Duration
	PreviewMaxSize int64
	PreviewTTL     time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitPublic  int

	// Retention
	ScanRetentionDays     int
	RecoveryRetentionDays int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BackendURL = os.Getenv("BACKEND_URL")
	if cfg.BackendURL == "" {
		missing = append(missing, "BACKEND_URL")
	}

	cfg.BackendAnonKey = os.Getenv("BACKEND_ANON_KEY")
	if cfg.BackendAnonKey == "" {
		missing = append(missing, "BACKEND_ANON_KEY")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.BackendTimeout = getEnvDuration("BACKEND_TIMEOUT", 10*time.Second)
	cfg.GraceWindow = getEnvDuration("GRACE_WINDOW", 5*time.Minute)
	cfg.DebounceWindow = getEnvDuration("DEBOUNCE_WINDOW", 300*time.Millisecond)
	cfg.EscalationTimeout = getEnvDuration("ESCALATION_TIMEOUT", 2*time.Second)
	cfg.ReconnectPulse = getEnvDuration("RECONNECT_PULSE", 500*time.Millisecond)
	cfg.RecoveryTimeout = getEnvDuration("RECOVERY_TIMEOUT", 5*time.Second)
	cfg.ProbeInterval = getEnvDuration("PROBE_INTERVAL", 30*time.Second)
	cfg.ProbeMaxInterval = getEnvDuration("PROBE_MAX_INTERVAL", 5*time.Minute)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.PreviewTimeout = getEnvDuration("PREVIEW_TIMEOUT", 10*time.Second)
	cfg.PreviewMaxSize = getEnvInt64("PREVIEW_MAX_SIZE", 2097152)
	cfg.PreviewTTL = getEnvDuration("PREVIEW_TTL", 24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitPublic = getEnvInt("RATE_LIMIT_PUBLIC", 60)
	cfg.ScanRetentionDays = getEnvInt("SCAN_RETENTION_DAYS", 90)
	cfg.RecoveryRetentionDays = getEnvInt("RECOVERY_RETENTION_DAYS", 14)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
