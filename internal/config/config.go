package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName          string
	AppVersion       string
	Mode             string
	Environment      string
	InstanceID       string
	AuthCookieSecure bool
	SessionTTLMin    int

	HTTPAddr string

	OTLPEndpoint string

	Cloud CloudConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimit RateLimitConfig

	RailProvider      string
	RailEndpoint      string
	RailAPIKey        string
	RailWebhookSecret string

	RatesSourceURL string

	// SchedulerJobs restricts which background jobs this instance runs,
	// comma separated. Empty runs everything.
	SchedulerJobs string

	OperatorBootstrapKey string

	NotifyURL       string
	NotifyAuthToken string

	AgentDBPath     string
	AgentServerURL  string
	AgentListenAddr string
	AgentDeviceID   string
	AgentAuthToken  string
}

type CloudConfig struct {
	TenantID   string
	TenantName string
	Metrics    CloudMetricsConfig
}

// RateLimitConfig guards the public intake endpoints. Rates are tokens per
// second. Disabled limiters allow everything, so an unset redis only costs
// the protection, never availability.
type RateLimitConfig struct {
	Enabled            bool
	IntakeGroupRate    float64
	IntakeGroupBurst   int
	IntakeDeviceRate   float64
	IntakeDeviceBurst  int
	SessionDeviceRate  float64
	SessionDeviceBurst int
}

type CloudMetricsConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	mode := normalizeMode(getenv("APP_MODE", ModeOSS))
	environment := getenv("ENVIRONMENT", "development")
	authCookieSecure := environment == "production"
	if !authCookieSecure {
		authCookieSecure = getenvBool("AUTH_COOKIE_SECURE", false)
	}

	instanceID := strings.TrimSpace(getenv("INSTANCE_ID", ""))
	if instanceID == "" {
		if host, err := os.Hostname(); err == nil {
			instanceID = host
		}
	}

	cfg := Config{
		AppName:          getenv("APP_SERVICE", "tontine"),
		AppVersion:       getenv("APP_VERSION", "0.1.0"),
		Mode:             mode,
		Environment:      environment,
		InstanceID:       instanceID,
		AuthCookieSecure: authCookieSecure,
		SessionTTLMin:    int(getenvInt64("SESSION_TTL_MINUTES", 30)),
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:     getenv("OTLP_ENDPOINT", "localhost:4317"),
		Cloud: CloudConfig{
			TenantID:   strings.TrimSpace(getenv("CLOUD_TENANT_ID", "")),
			TenantName: getenv("CLOUD_TENANT_NAME", ""),
			Metrics: CloudMetricsConfig{
				Enabled:   getenvBool("CLOUD_METRICS_ENABLED", true),
				Exporter:  strings.ToLower(getenv("CLOUD_METRICS_EXPORTER", "")),
				Endpoint:  strings.TrimSpace(getenv("CLOUD_METRICS_ENDPOINT", "")),
				AuthToken: strings.TrimSpace(getenv("CLOUD_METRICS_AUTH_TOKEN", "")),
			},
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tontine"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 0)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 0)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 0)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 0)),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           int(getenvInt64("REDIS_DB", 0)),
		RateLimit: RateLimitConfig{
			Enabled:            getenvBool("RATE_LIMIT_ENABLED", false),
			IntakeGroupRate:    getenvFloat("RATE_LIMIT_INTAKE_GROUP_RATE", 20),
			IntakeGroupBurst:   int(getenvInt64("RATE_LIMIT_INTAKE_GROUP_BURST", 40)),
			IntakeDeviceRate:   getenvFloat("RATE_LIMIT_INTAKE_DEVICE_RATE", 5),
			IntakeDeviceBurst:  int(getenvInt64("RATE_LIMIT_INTAKE_DEVICE_BURST", 10)),
			SessionDeviceRate:  getenvFloat("RATE_LIMIT_SESSION_DEVICE_RATE", 1),
			SessionDeviceBurst: int(getenvInt64("RATE_LIMIT_SESSION_DEVICE_BURST", 5)),
		},
		RailProvider:      strings.ToLower(getenv("RAIL_PROVIDER", "mock")),
		RailEndpoint:      strings.TrimSpace(getenv("RAIL_ENDPOINT", "")),
		RailAPIKey:        strings.TrimSpace(getenv("RAIL_API_KEY", "")),
		RailWebhookSecret: strings.TrimSpace(getenv("RAIL_WEBHOOK_SECRET", "")),
		RatesSourceURL:    strings.TrimSpace(getenv("RATES_SOURCE_URL", "")),
		SchedulerJobs:     strings.TrimSpace(getenv("SCHEDULER_JOBS", "")),

		OperatorBootstrapKey: strings.TrimSpace(getenv("OPERATOR_BOOTSTRAP_KEY", "")),
		NotifyURL:         strings.TrimSpace(getenv("NOTIFY_URL", "")),
		NotifyAuthToken:   strings.TrimSpace(getenv("NOTIFY_AUTH_TOKEN", "")),
		AgentDBPath:       getenv("AGENT_DB_PATH", "tontine-agent.db"),
		AgentServerURL:    getenv("AGENT_SERVER_URL", "http://localhost:8080"),
		AgentListenAddr:   getenv("AGENT_LISTEN_ADDR", "127.0.0.1:7337"),
		AgentDeviceID:     strings.TrimSpace(getenv("AGENT_DEVICE_ID", "")),
		AgentAuthToken:    strings.TrimSpace(getenv("AGENT_AUTH_TOKEN", "")),
	}

	return cfg
}

const (
	ModeOSS        = "oss"
	ModeCloud      = "cloud"
	ModeStandalone = "standalone"
)

func (c Config) IsCloud() bool {
	return c.Mode == ModeCloud
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeCloud:
		return ModeCloud
	case ModeStandalone, ModeOSS:
		return ModeOSS
	default:
		return ModeOSS
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
