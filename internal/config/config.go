package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Lock      LockConfig
	Webhook   WebhookConfig
	Session   SessionConfig
	MQTT      MQTTConfig
	Directory DirectoryConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL prefixes callback URLs embedded in voice markup (ring group, IVR).
	PublicBaseURL string
}

type DBConfig struct {
	// Driver is "pgx" (Postgres) or "sqlite" (single node).
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Path is the SQLite database file when Driver is sqlite.
	Path string
}

type RedisConfig struct {
	Host string
	Port int
}

// LockConfig tunes the lock/cache coordinator.
type LockConfig struct {
	TTL                 time.Duration
	WaitTimeout         time.Duration
	HealthCheckInterval time.Duration
}

type WebhookConfig struct {
	// Budget is the provider's expected response time. Internal waits must stay under it.
	Budget            time.Duration
	IdempotencyWindow time.Duration
	RateLimit         float64
	RateBurst         int
}

// SessionConfig signs the opaque ring-group session token.
type SessionConfig struct {
	Secret string
	TTL    time.Duration
}

type MQTTConfig struct {
	// Broker is optional; event publishing is disabled when empty.
	Broker      string
	ClientID    string
	TopicPrefix string
}

type DirectoryConfig struct {
	// File is an optional YAML directory. When empty, the SQL directory is used.
	File string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.DB.Driver = strings.TrimSpace(os.Getenv("DB_DRIVER"))
	c.DB.Path = strings.TrimSpace(os.Getenv("DB_PATH"))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = optionalInt("DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	// Duration env vars are optional; defaults applied in Validate().
	c.Lock.TTL = mustDuration("LOCK_TTL")
	c.Lock.WaitTimeout = mustDuration("LOCK_WAIT_TIMEOUT")
	c.Lock.HealthCheckInterval = mustDuration("HEALTH_RECHECK_INTERVAL")

	c.Webhook.Budget = mustDuration("WEBHOOK_BUDGET")
	c.Webhook.IdempotencyWindow = mustDuration("IDEMPOTENCY_WINDOW")
	c.Webhook.RateLimit = optionalFloat("WEBHOOK_RATE_LIMIT")
	c.Webhook.RateBurst = optionalInt("WEBHOOK_RATE_BURST")

	c.Session.Secret = os.Getenv("SESSION_TOKEN_SECRET")
	c.Session.TTL = mustDuration("SESSION_TOKEN_TTL")

	c.MQTT.Broker = strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	c.MQTT.ClientID = strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	c.MQTT.TopicPrefix = strings.TrimSpace(os.Getenv("MQTT_TOPIC_PREFIX"))

	c.Directory.File = strings.TrimSpace(os.Getenv("DIRECTORY_FILE"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" && c.IsProduction() {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required in production"))
	}

	errs = append(errs, c.validateDB()...)

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Webhook.Budget <= 0 {
		c.Webhook.Budget = 8 * time.Second
	}
	if c.Webhook.IdempotencyWindow <= 0 {
		c.Webhook.IdempotencyWindow = 10 * time.Minute
	}
	if c.Webhook.RateLimit <= 0 {
		c.Webhook.RateLimit = 50
	}
	if c.Webhook.RateBurst <= 0 {
		c.Webhook.RateBurst = 100
	}

	if c.Lock.TTL <= 0 {
		c.Lock.TTL = 10 * time.Second
	}
	if c.Lock.WaitTimeout <= 0 {
		c.Lock.WaitTimeout = 5 * time.Second
	}
	if c.Lock.HealthCheckInterval <= 0 {
		c.Lock.HealthCheckInterval = 60 * time.Second
	}
	if c.Lock.WaitTimeout >= c.Webhook.Budget {
		// A lock wait that outlives the provider budget means the caller hears silence.
		errs = append(errs, fmt.Errorf("LOCK_WAIT_TIMEOUT (%s) must be shorter than WEBHOOK_BUDGET (%s)", c.Lock.WaitTimeout, c.Webhook.Budget))
	}

	if c.Session.Secret == "" {
		errs = append(errs, errors.New("SESSION_TOKEN_SECRET is required"))
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 15 * time.Minute
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "cloud-pbx"
		}
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "pbx"
		}
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Driver == "" {
		c.DB.Driver = "pgx"
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			errs = append(errs, errors.New("DB_PATH is required when DB_DRIVER=sqlite"))
		}
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_DRIVER=sqlite is not allowed in production"))
		}
		return errs
	case "pgx":
	default:
		return append(errs, fmt.Errorf("DB_DRIVER must be one of pgx, sqlite, got %q", c.DB.Driver))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// DSN returns the driver-specific data source name.
func (c Config) DSN() string {
	if c.DB.Driver == "sqlite" {
		return fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", c.DB.Path)
	}
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return 0
	}
	return n
}

func optionalFloat(key string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return 0
	}
	return f
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
