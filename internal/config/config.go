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
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Ingest   IngestConfig
	Sessions SessionConfig
	Auth     AuthConfig
}

type AppConfig struct {
	Env  string
	Port int

	// RESTDebug switches schema validation to collect-all-errors mode.
	RESTDebug bool

	HealthCacheTTL time.Duration
}

type DBConfig struct {
	// Type selects the storage backend: postgres or memory.
	Type string

	// URL is a full connection string; when set it wins over the
	// discrete fields below.
	URL string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// MaxSize is the advertised storage ceiling in bytes.
	MaxSize int64

	TrashRetentionDays int
	BackfillDerived    bool
}

// RedisConfig is optional; an empty Host disables Redis entirely and the
// service runs with in-process caches only.
type RedisConfig struct {
	Host string
	Port int
}

type IngestConfig struct {
	Workers   int
	QueueSize int

	// AllowMissingUser disables the username gate.
	AllowMissingUser bool

	// MaxConcurrent bounds concurrent ingest requests via Redis; 0
	// disables the cap.
	MaxConcurrent int
}

type SessionConfig struct {
	// StitchWindow joins consecutive physical sessions of one user+server.
	StitchWindow time.Duration
	// ActiveWindow marks a session active in listings.
	ActiveWindow time.Duration
}

type AuthConfig struct {
	// AdminTokenSecret guards mutation endpoints when set; empty means
	// the API is open (self-hosted default).
	AdminTokenSecret string
	TokenTTL         time.Duration
}

const defaultDBMaxSize = 1 << 30 // 1 GiB

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := optInt("PORT", 3000)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.RESTDebug = boolEnv("REST_DEBUG")
	{
		ms, err := optInt("HEALTH_CHECK_CACHE_TTL_MS", 5000)
		ms, parseErrs = appendParseErr(parseErrs, ms, err)
		c.App.HealthCacheTTL = time.Duration(ms) * time.Millisecond
	}

	c.DB.Type = strings.TrimSpace(os.Getenv("DB_TYPE"))
	c.DB.URL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optInt("DB_PORT", 5432)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	{
		n, err := optInt64("DB_MAX_SIZE", defaultDBMaxSize)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.DB.MaxSize = n
	}
	{
		n, err := optInt("TRASH_RETENTION_DAYS", 30)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.TrashRetentionDays = n
	}
	c.DB.BackfillDerived = boolEnv("BACKFILL_DERIVED")

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optInt("REDIS_PORT", 6379)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	{
		n, err := optInt("INGEST_WORKERS", 4)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Ingest.Workers = n
	}
	{
		n, err := optInt("INGEST_QUEUE_SIZE", 256)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Ingest.QueueSize = n
	}
	c.Ingest.AllowMissingUser = boolEnv("ALLOW_MISSING_USER")
	{
		n, err := optInt("INGEST_MAX_CONCURRENT", 0)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Ingest.MaxConcurrent = n
	}

	// Duration env vars are optional; defaults applied in Validate().
	c.Sessions.StitchWindow = optDuration("SESSION_STITCH_WINDOW")
	c.Sessions.ActiveWindow = optDuration("ACTIVE_SESSION_WINDOW")

	c.Auth.AdminTokenSecret = os.Getenv("ADMIN_TOKEN_SECRET")
	c.Auth.TokenTTL = optDuration("ADMIN_TOKEN_TTL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		c.App.Env = "local"
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Type == "" {
		c.DB.Type = "postgres"
	}
	switch c.DB.Type {
	case "memory":
		// No connection settings needed.
	case "postgres":
		if c.DB.URL == "" {
			if c.DB.Host == "" {
				errs = append(errs, errors.New("DB_HOST is required (or set DATABASE_URL)"))
			}
			if c.DB.Port <= 0 || c.DB.Port > 65535 {
				errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
			}
			if c.DB.User == "" {
				errs = append(errs, errors.New("DB_USER is required (or set DATABASE_URL)"))
			}
			if c.DB.Name == "" {
				errs = append(errs, errors.New("DB_NAME is required (or set DATABASE_URL)"))
			}
		}
		if strings.TrimSpace(c.DB.SSLMode) == "" {
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
	default:
		errs = append(errs, fmt.Errorf("DB_TYPE must be postgres or memory, got %q", c.DB.Type))
	}

	if c.DB.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_SIZE must be positive, got %d", c.DB.MaxSize))
	}
	if c.DB.TrashRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("TRASH_RETENTION_DAYS must not be negative, got %d", c.DB.TrashRetentionDays))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Ingest.MaxConcurrent > 0 && c.Redis.Host == "" {
		errs = append(errs, errors.New("INGEST_MAX_CONCURRENT requires REDIS_HOST"))
	}

	if c.Ingest.Workers <= 0 {
		errs = append(errs, fmt.Errorf("INGEST_WORKERS must be positive, got %d", c.Ingest.Workers))
	}
	if c.Ingest.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("INGEST_QUEUE_SIZE must be positive, got %d", c.Ingest.QueueSize))
	}

	if c.Sessions.StitchWindow <= 0 {
		c.Sessions.StitchWindow = 3 * time.Hour
	}
	if c.Sessions.ActiveWindow <= 0 {
		c.Sessions.ActiveWindow = 2 * time.Hour
	}
	if c.Sessions.ActiveWindow > c.Sessions.StitchWindow {
		errs = append(errs, errors.New("ACTIVE_SESSION_WINDOW must not exceed SESSION_STITCH_WINDOW"))
	}

	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	if c.DB.URL != "" {
		return c.DB.URL
	}
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

func optInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt64(key string, def int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optDuration(key string) time.Duration {
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

func boolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "true" || v == "1" || v == "yes"
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
	b.WriteString("configuration errors:")
	for _, e := range errs {
		b.WriteString("\n  - ")
		b.WriteString(e.Error())
	}
	return errors.New(b.String())
}
