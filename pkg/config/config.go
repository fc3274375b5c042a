package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Config holds the configuration for the synergy agent
type Config struct {
	// MQTT configuration
	MQTTBroker   string
	MQTTPort     int
	MQTTUser     string
	MQTTPassword string
	MQTTClientID string

	// Redis configuration
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Postgres configuration
	PostgresHost               string
	PostgresPort               int
	PostgresUser               string
	PostgresPassword           string
	PostgresDB                 string
	PostgresSSLMode            string
	PostgresMaxConnections     int
	PostgresMaxIdleConnections int
	PostgresConnMaxLifetime    time.Duration

	// Service configuration
	ServiceName  string
	HealthPort   int
	LogLevel     string
	EnvFile      string
	StoreBackend string // "postgres" or "memory"
	EventSource  string // "postgres" or "redis"
	RulesFile    string // optional YAML relationship/adjacency/blueprint rules

	// Scheduling
	DetectionInterval   time.Duration
	CalibrationInterval time.Duration
	RunOnStart          bool

	// Event window aggregation
	LookbackDays  int
	WindowMinutes int
	TimeZone      string

	// Co-occurrence detector
	CoMinOccurrences       int
	CoMinConfidence        float64
	CoMaxSetSize           int
	CoMaxEntitiesPerWindow int

	// Time-of-day detector
	TodMinShare  float64
	TodMinDays   int
	TodMinSample int

	// Chain builder
	MinPatternSupport   float64
	WindowCompatibility float64
	MaxBranching        int
	MaxChains           int

	// External context providers
	WeatherURL        string
	CarbonURL         string
	SportsURL         string
	CalendarURL       string
	ContextTimeout    time.Duration
	ContextRetries    int
	ContextBackoff    time.Duration
	ContextCacheSize  int
	ContextCacheTTL   time.Duration
	Latitude          float64
	Longitude         float64
	EnergyPricePerKWh float64

	// Feedback and calibration
	FeedbackQueueSize    int
	FeedbackCacheSize    int
	FeedbackCacheTTL     time.Duration
	CalibrationLookback  time.Duration
	TargetSuccessRate    float64
	LearningRate         float64
	MaxWeightStep        float64
	MinWeight            float64
	MinFeedbackSamples   int
	WeakeningDrop        float64
	StrengtheningRatio   float64
	StableTolerance      float64
	ReviewMaxSuccessRate float64
	ReviewMinSamples     int
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		MQTTBroker: "localhost",
		MQTTPort:   1883,

		RedisHost: "localhost",
		RedisPort: 6379,
		RedisDB:   0,

		PostgresHost:               "localhost",
		PostgresPort:               5432,
		PostgresUser:               "jeeves",
		PostgresDB:                 "jeeves",
		PostgresSSLMode:            "disable",
		PostgresMaxConnections:     10,
		PostgresMaxIdleConnections: 5,
		PostgresConnMaxLifetime:    30 * time.Minute,

		ServiceName:  "synergy-agent",
		HealthPort:   8080,
		LogLevel:     "info",
		EnvFile:      ".env",
		StoreBackend: "postgres",
		EventSource:  "postgres",

		DetectionInterval:   24 * time.Hour,
		CalibrationInterval: 7 * 24 * time.Hour,

		LookbackDays:  30,
		WindowMinutes: 5,
		TimeZone:      "Local",

		CoMinOccurrences:       5,
		CoMinConfidence:        0.5,
		CoMaxSetSize:           3,
		CoMaxEntitiesPerWindow: 12,

		TodMinShare:  0.2,
		TodMinDays:   5,
		TodMinSample: 10,

		MinPatternSupport:   0.5,
		WindowCompatibility: 2.0,
		MaxBranching:        3,
		MaxChains:           500,

		ContextTimeout:   5 * time.Second,
		ContextRetries:   2,
		ContextBackoff:   500 * time.Millisecond,
		ContextCacheSize: 256,
		ContextCacheTTL:  6 * time.Hour,

		// Helsinki coordinates
		Latitude:          60.1695,
		Longitude:         24.9354,
		EnergyPricePerKWh: 0.25,

		FeedbackQueueSize:    256,
		FeedbackCacheSize:    1024,
		FeedbackCacheTTL:     15 * time.Minute,
		CalibrationLookback:  7 * 24 * time.Hour,
		TargetSuccessRate:    0.85,
		LearningRate:         0.5,
		MaxWeightStep:        0.05,
		MinWeight:            0.02,
		MinFeedbackSamples:   3,
		WeakeningDrop:        0.5,
		StrengtheningRatio:   1.25,
		StableTolerance:      0.15,
		ReviewMaxSuccessRate: 0.2,
		ReviewMinSamples:     10,
	}
}

// LoadEnvFile loads variables from the configured .env file if it exists.
// Variables already present in the environment win.
func (c *Config) LoadEnvFile() {
	if v := os.Getenv("JEEVES_ENV_FILE"); v != "" {
		c.EnvFile = v
	}
	if c.EnvFile == "" {
		return
	}
	if err := godotenv.Load(c.EnvFile); err != nil {
		slog.Debug("No env file loaded", "path", c.EnvFile, "error", err)
	}
}

// LoadFromEnv loads configuration from environment variables with JEEVES_ prefix
func (c *Config) LoadFromEnv() {
	// MQTT configuration
	envString("JEEVES_MQTT_BROKER", &c.MQTTBroker)
	envInt("JEEVES_MQTT_PORT", &c.MQTTPort)
	envString("JEEVES_MQTT_USER", &c.MQTTUser)
	envString("JEEVES_MQTT_PASSWORD", &c.MQTTPassword)
	envString("JEEVES_MQTT_CLIENT_ID", &c.MQTTClientID)

	// Redis configuration
	envString("JEEVES_REDIS_HOST", &c.RedisHost)
	envInt("JEEVES_REDIS_PORT", &c.RedisPort)
	envString("JEEVES_REDIS_PASSWORD", &c.RedisPassword)
	envInt("JEEVES_REDIS_DB", &c.RedisDB)

	// Postgres configuration
	envString("JEEVES_POSTGRES_HOST", &c.PostgresHost)
	envInt("JEEVES_POSTGRES_PORT", &c.PostgresPort)
	envString("JEEVES_POSTGRES_USER", &c.PostgresUser)
	envString("JEEVES_POSTGRES_PASSWORD", &c.PostgresPassword)
	envString("JEEVES_POSTGRES_DB", &c.PostgresDB)
	envString("JEEVES_POSTGRES_SSLMODE", &c.PostgresSSLMode)
	envInt("JEEVES_POSTGRES_MAX_CONNECTIONS", &c.PostgresMaxConnections)
	envInt("JEEVES_POSTGRES_MAX_IDLE_CONNECTIONS", &c.PostgresMaxIdleConnections)
	envDuration("JEEVES_POSTGRES_CONN_MAX_LIFETIME", &c.PostgresConnMaxLifetime)

	// Service configuration
	envString("JEEVES_SERVICE_NAME", &c.ServiceName)
	envInt("JEEVES_HEALTH_PORT", &c.HealthPort)
	envString("JEEVES_LOG_LEVEL", &c.LogLevel)
	envString("JEEVES_STORE_BACKEND", &c.StoreBackend)
	envString("JEEVES_EVENT_SOURCE", &c.EventSource)
	envString("JEEVES_RULES_FILE", &c.RulesFile)

	// Scheduling
	envDuration("JEEVES_DETECTION_INTERVAL", &c.DetectionInterval)
	envDuration("JEEVES_CALIBRATION_INTERVAL", &c.CalibrationInterval)
	envBool("JEEVES_RUN_ON_START", &c.RunOnStart)

	// Aggregation and detectors
	envInt("JEEVES_LOOKBACK_DAYS", &c.LookbackDays)
	envInt("JEEVES_WINDOW_MINUTES", &c.WindowMinutes)
	envString("JEEVES_TIMEZONE", &c.TimeZone)
	envInt("JEEVES_CO_MIN_OCCURRENCES", &c.CoMinOccurrences)
	envFloat("JEEVES_CO_MIN_CONFIDENCE", &c.CoMinConfidence)
	envInt("JEEVES_CO_MAX_SET_SIZE", &c.CoMaxSetSize)
	envInt("JEEVES_CO_MAX_ENTITIES_PER_WINDOW", &c.CoMaxEntitiesPerWindow)
	envFloat("JEEVES_TOD_MIN_SHARE", &c.TodMinShare)
	envInt("JEEVES_TOD_MIN_DAYS", &c.TodMinDays)
	envInt("JEEVES_TOD_MIN_SAMPLES", &c.TodMinSample)

	// Chain builder
	envFloat("JEEVES_MIN_PATTERN_SUPPORT", &c.MinPatternSupport)
	envFloat("JEEVES_WINDOW_COMPATIBILITY", &c.WindowCompatibility)
	envInt("JEEVES_MAX_BRANCHING", &c.MaxBranching)
	envInt("JEEVES_MAX_CHAINS", &c.MaxChains)

	// Context providers
	envString("JEEVES_WEATHER_URL", &c.WeatherURL)
	envString("JEEVES_CARBON_URL", &c.CarbonURL)
	envString("JEEVES_SPORTS_URL", &c.SportsURL)
	envString("JEEVES_CALENDAR_URL", &c.CalendarURL)
	envDuration("JEEVES_CONTEXT_TIMEOUT", &c.ContextTimeout)
	envInt("JEEVES_CONTEXT_RETRIES", &c.ContextRetries)
	envDuration("JEEVES_CONTEXT_BACKOFF", &c.ContextBackoff)
	envInt("JEEVES_CONTEXT_CACHE_SIZE", &c.ContextCacheSize)
	envDuration("JEEVES_CONTEXT_CACHE_TTL", &c.ContextCacheTTL)
	envFloat("JEEVES_LATITUDE", &c.Latitude)
	envFloat("JEEVES_LONGITUDE", &c.Longitude)
	envFloat("JEEVES_ENERGY_PRICE_PER_KWH", &c.EnergyPricePerKWh)

	// Feedback and calibration
	envInt("JEEVES_FEEDBACK_QUEUE_SIZE", &c.FeedbackQueueSize)
	envInt("JEEVES_FEEDBACK_CACHE_SIZE", &c.FeedbackCacheSize)
	envDuration("JEEVES_FEEDBACK_CACHE_TTL", &c.FeedbackCacheTTL)
	envDuration("JEEVES_CALIBRATION_LOOKBACK", &c.CalibrationLookback)
	envFloat("JEEVES_TARGET_SUCCESS_RATE", &c.TargetSuccessRate)
	envFloat("JEEVES_LEARNING_RATE", &c.LearningRate)
	envFloat("JEEVES_MAX_WEIGHT_STEP", &c.MaxWeightStep)
	envFloat("JEEVES_MIN_WEIGHT", &c.MinWeight)
	envInt("JEEVES_MIN_FEEDBACK_SAMPLES", &c.MinFeedbackSamples)
	envFloat("JEEVES_WEAKENING_DROP", &c.WeakeningDrop)
	envFloat("JEEVES_STRENGTHENING_RATIO", &c.StrengtheningRatio)
	envFloat("JEEVES_STABLE_TOLERANCE", &c.StableTolerance)
	envFloat("JEEVES_REVIEW_MAX_SUCCESS_RATE", &c.ReviewMaxSuccessRate)
	envInt("JEEVES_REVIEW_MIN_SAMPLES", &c.ReviewMinSamples)
}

// LoadFromFlags parses command-line flags and overrides config values
func (c *Config) LoadFromFlags() {
	c.RegisterFlags(pflag.CommandLine)
	pflag.Parse()
}

// RegisterFlags binds config fields to the given flag set
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	// MQTT flags
	fs.StringVar(&c.MQTTBroker, "mqtt-broker", c.MQTTBroker, "MQTT broker hostname")
	fs.IntVar(&c.MQTTPort, "mqtt-port", c.MQTTPort, "MQTT broker port")
	fs.StringVar(&c.MQTTUser, "mqtt-user", c.MQTTUser, "MQTT username")
	fs.StringVar(&c.MQTTPassword, "mqtt-password", c.MQTTPassword, "MQTT password")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", c.MQTTClientID, "MQTT client ID")

	// Redis flags
	fs.StringVar(&c.RedisHost, "redis-host", c.RedisHost, "Redis hostname")
	fs.IntVar(&c.RedisPort, "redis-port", c.RedisPort, "Redis port")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database number")

	// Postgres flags
	fs.StringVar(&c.PostgresHost, "postgres-host", c.PostgresHost, "Postgres hostname")
	fs.IntVar(&c.PostgresPort, "postgres-port", c.PostgresPort, "Postgres port")
	fs.StringVar(&c.PostgresUser, "postgres-user", c.PostgresUser, "Postgres user")
	fs.StringVar(&c.PostgresPassword, "postgres-password", c.PostgresPassword, "Postgres password")
	fs.StringVar(&c.PostgresDB, "postgres-db", c.PostgresDB, "Postgres database")

	// Service flags
	fs.StringVar(&c.ServiceName, "service-name", c.ServiceName, "Service name")
	fs.IntVar(&c.HealthPort, "health-port", c.HealthPort, "Health check HTTP port")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&c.StoreBackend, "store", c.StoreBackend, "Record store backend (postgres, memory)")
	fs.StringVar(&c.EventSource, "event-source", c.EventSource, "Event source (postgres, redis)")
	fs.StringVar(&c.RulesFile, "rules-file", c.RulesFile, "YAML relationship and blueprint rules")

	// Scheduling flags
	fs.DurationVar(&c.DetectionInterval, "detection-interval", c.DetectionInterval, "Interval between detection runs")
	fs.DurationVar(&c.CalibrationInterval, "calibration-interval", c.CalibrationInterval, "Interval between calibration runs")
	fs.BoolVar(&c.RunOnStart, "run-on-start", c.RunOnStart, "Run detection immediately on startup")

	// Detection flags
	fs.IntVar(&c.LookbackDays, "lookback-days", c.LookbackDays, "Event lookback horizon in days")
	fs.IntVar(&c.WindowMinutes, "window-minutes", c.WindowMinutes, "Co-occurrence window size in minutes")
	fs.StringVar(&c.TimeZone, "timezone", c.TimeZone, "Time zone for time-of-day patterns")
	fs.IntVar(&c.CoMinOccurrences, "min-occurrences", c.CoMinOccurrences, "Minimum co-occurrences for a pattern")
	fs.Float64Var(&c.MinPatternSupport, "min-pattern-support", c.MinPatternSupport, "Minimum pattern support for default results")

	// Context flags
	fs.Float64Var(&c.Latitude, "latitude", c.Latitude, "Geographic latitude for daylight and season")
	fs.Float64Var(&c.Longitude, "longitude", c.Longitude, "Geographic longitude for daylight")
	fs.DurationVar(&c.ContextTimeout, "context-timeout", c.ContextTimeout, "Per-call timeout for context providers")

	// Calibration flags
	fs.Float64Var(&c.TargetSuccessRate, "target-success-rate", c.TargetSuccessRate, "Target automation success rate")
	fs.Float64Var(&c.MaxWeightStep, "max-weight-step", c.MaxWeightStep, "Maximum weight change per calibration cycle")
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT broker is required")
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("MQTT port must be between 1 and 65535")
	}
	if c.RedisPort <= 0 || c.RedisPort > 65535 {
		return fmt.Errorf("Redis port must be between 1 and 65535")
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return fmt.Errorf("Health port must be between 1 and 65535")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("Service name is required")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	switch c.StoreBackend {
	case "postgres":
		if c.PostgresHost == "" || c.PostgresDB == "" {
			return fmt.Errorf("Postgres host and database are required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store backend: %s (must be postgres or memory)", c.StoreBackend)
	}

	if c.EventSource != "postgres" && c.EventSource != "redis" {
		return fmt.Errorf("invalid event source: %s (must be postgres or redis)", c.EventSource)
	}
	if c.EventSource == "postgres" && c.StoreBackend != "postgres" {
		return fmt.Errorf("postgres event source requires the postgres store")
	}

	if c.LookbackDays <= 0 {
		return fmt.Errorf("lookback days must be positive")
	}
	if c.WindowMinutes <= 0 {
		return fmt.Errorf("window minutes must be positive")
	}
	if c.CoMaxSetSize < 2 || c.CoMaxSetSize > 3 {
		return fmt.Errorf("co-occurrence max set size must be 2 or 3")
	}
	if c.TargetSuccessRate <= 0 || c.TargetSuccessRate > 1 {
		return fmt.Errorf("target success rate must be in (0, 1]")
	}
	if c.MaxWeightStep <= 0 || c.MaxWeightStep > 0.5 {
		return fmt.Errorf("max weight step must be in (0, 0.5]")
	}
	if c.ContextRetries < 0 {
		return fmt.Errorf("context retries must be >= 0")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	return nil
}

// Location resolves the configured time zone
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %s: %w", c.TimeZone, err)
	}
	return loc, nil
}

// SlogLevel maps the configured log level to slog
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MQTTAddress returns the full MQTT broker address
func (c *Config) MQTTAddress() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTBroker, c.MQTTPort)
}

// RedisAddress returns the full Redis address
func (c *Config) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// PostgresConnectionString returns the lib/pq connection string
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode)
}

// Window returns the co-occurrence window size
func (c *Config) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// Lookback returns the event lookback horizon
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
