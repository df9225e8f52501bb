package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is loaded from the environment once at startup. Every knob of
// the session core lives here so tests can build a Config literal and
// deployments stay twelve-factor.
type Config struct {
	Profile  string
	HTTPAddr string

	DBDriver string
	DBDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SessionMasterKey string
	JWTIssuer        string
	JWTAudience      string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration

	IdleTimeout          time.Duration
	AbsoluteTimeout      time.Duration
	TimeoutWarningWindow time.Duration
	SessionSweepInterval time.Duration
	SessionRetention     time.Duration

	MaxSessionsPerUser int
	SessionLimitPolicy string

	LoginMaxFailures   int
	LoginFailureWindow time.Duration

	APIRateLimitRPM  int
	AuthRateLimitRPM int

	ExpectedOrigin string
	CookieDomain   string
	CookieSecure   bool

	AuditChainID string

	ShutdownTimeout time.Duration

	OTELMetricsEnabled        bool
	OTELTracesEnabled         bool
	OTELLogsEnabled           bool
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELServiceName           string
	OTELEnvironment           string
	OTELMetricsExportInterval time.Duration
}

// Session limit policies. EvictOldest is the documented default: a new
// login always succeeds and the least-recently-active session is
// displaced. RejectNew refuses the login instead.
const (
	SessionLimitEvictOldest = "evict_oldest"
	SessionLimitRejectNew   = "reject_new"
)

func Load(ctx context.Context) (*Config, error) {
	cfg, err := load()
	recordConfigValidationEvent(ctx, profileOf(cfg), outcomeOf(err), classifyConfigLoadError(err))
	return cfg, err
}

func load() (*Config, error) {
	cfg := &Config{
		Profile:  getEnv("APP_PROFILE", "dev"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DBDriver: getEnv("DB_DRIVER", "sqlite"),
		DBDSN:    getEnv("DB_DSN", "file:sessions.db?_pragma=busy_timeout(5000)"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		SessionMasterKey: getEnv("SESSION_MASTER_KEY", ""),
		JWTIssuer:        getEnv("JWT_ISSUER", "secure-session-core"),
		JWTAudience:      getEnv("JWT_AUDIENCE", "admin-console"),

		SessionLimitPolicy: getEnv("SESSION_LIMIT_POLICY", SessionLimitEvictOldest),

		ExpectedOrigin: getEnv("EXPECTED_ORIGIN", ""),
		CookieDomain:   getEnv("COOKIE_DOMAIN", ""),

		AuditChainID: getEnv("AUDIT_CHAIN_ID", "global"),

		OTELExporterOTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELServiceName:          getEnv("OTEL_SERVICE_NAME", "secure-session-core"),
		OTELEnvironment:          getEnv("OTEL_ENVIRONMENT", "dev"),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.AccessTokenTTL, err = getDuration("ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.RefreshTokenTTL, err = getDuration("REFRESH_TOKEN_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.IdleTimeout, err = getDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.AbsoluteTimeout, err = getDuration("SESSION_ABSOLUTE_TIMEOUT", 8*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.TimeoutWarningWindow, err = getDuration("SESSION_TIMEOUT_WARNING_WINDOW", 5*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.SessionSweepInterval, err = getDuration("SESSION_SWEEP_INTERVAL", time.Hour); err != nil {
		return cfg, err
	}
	if cfg.SessionRetention, err = getDuration("SESSION_RETENTION", 30*24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.MaxSessionsPerUser, err = getInt("MAX_SESSIONS_PER_USER", 5); err != nil {
		return cfg, err
	}
	if cfg.LoginMaxFailures, err = getInt("LOGIN_MAX_FAILURES", 5); err != nil {
		return cfg, err
	}
	if cfg.LoginFailureWindow, err = getDuration("LOGIN_FAILURE_WINDOW", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.APIRateLimitRPM, err = getInt("API_RATE_LIMIT_RPM", 300); err != nil {
		return cfg, err
	}
	if cfg.AuthRateLimitRPM, err = getInt("AUTH_RATE_LIMIT_RPM", 30); err != nil {
		return cfg, err
	}
	if cfg.CookieSecure, err = getBool("COOKIE_SECURE", true); err != nil {
		return cfg, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return cfg, err
	}
	if cfg.OTELMetricsEnabled, err = getBool("OTEL_METRICS_ENABLED", false); err != nil {
		return cfg, err
	}
	if cfg.OTELTracesEnabled, err = getBool("OTEL_TRACES_ENABLED", false); err != nil {
		return cfg, err
	}
	if cfg.OTELLogsEnabled, err = getBool("OTEL_LOGS_ENABLED", false); err != nil {
		return cfg, err
	}
	if cfg.OTELExporterOTLPInsecure, err = getBool("OTEL_EXPORTER_OTLP_INSECURE", true); err != nil {
		return cfg, err
	}
	if cfg.OTELMetricsExportInterval, err = getDuration("OTEL_METRICS_EXPORT_INTERVAL", 15*time.Second); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.SessionMasterKey) < 32 {
		return fmt.Errorf("validate config: SESSION_MASTER_KEY must be at least 32 bytes")
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("validate config: unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.SessionLimitPolicy {
	case SessionLimitEvictOldest, SessionLimitRejectNew:
	default:
		return fmt.Errorf("validate config: unsupported SESSION_LIMIT_POLICY %q", c.SessionLimitPolicy)
	}
	if c.MaxSessionsPerUser < 1 {
		return fmt.Errorf("validate config: MAX_SESSIONS_PER_USER must be >= 1")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("validate config: REFRESH_TOKEN_TTL must exceed ACCESS_TOKEN_TTL")
	}
	if c.IdleTimeout <= 0 || c.AbsoluteTimeout <= c.IdleTimeout {
		return fmt.Errorf("validate config: SESSION_ABSOLUTE_TIMEOUT must exceed SESSION_IDLE_TIMEOUT")
	}
	if c.SessionSweepInterval <= 0 || c.SessionRetention <= 0 {
		return fmt.Errorf("validate config: SESSION_SWEEP_INTERVAL and SESSION_RETENTION must be positive")
	}
	if c.IsProd() {
		if !c.CookieSecure {
			return fmt.Errorf("validate config: COOKIE_SECURE must be true in prod")
		}
		if c.ExpectedOrigin == "" {
			return fmt.Errorf("validate config: EXPECTED_ORIGIN is required in prod")
		}
	}
	return nil
}

func (c *Config) IsProd() bool {
	return normalizeConfigProfile(c.Profile) == "prod"
}

func profileOf(c *Config) string {
	if c == nil {
		return "unknown"
	}
	return c.Profile
}

func outcomeOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
