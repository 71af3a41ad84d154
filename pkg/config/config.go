package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every environment variable this service reads.
const EnvPrefix = "CREDITS"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

// Environment variable names referenced outside struct tags (tests, error messages).
const (
	EnvAppEnv   = "CREDITS_APP_ENV"
	EnvDBDSN    = "CREDITS_DB_DSN"
	EnvDBHost   = "CREDITS_DB_HOST"
	EnvDBUser   = "CREDITS_DB_USER"
	EnvDBName   = "CREDITS_DB_NAME"
	EnvRedisURL = "CREDITS_REDIS_URL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Ledger       LedgerConfig
	Cache        CacheConfig
	Checkin      CheckinConfig
	Reconcile    ReconcileConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CREDITS_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"CREDITS_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CREDITS_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"CREDITS_SERVICE_KIND" default:"ledger"`
}

type DBConfig struct {
	DSN    string `envconfig:"CREDITS_DB_DSN"`
	Driver string `envconfig:"CREDITS_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CREDITS_DB_HOST"`
	LegacyPort     int    `envconfig:"CREDITS_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CREDITS_DB_USER"`
	LegacyPassword string `envconfig:"CREDITS_DB_PASSWORD"`
	LegacyName     string `envconfig:"CREDITS_DB_NAME"`
	LegacySSLMode  string `envconfig:"CREDITS_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CREDITS_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CREDITS_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CREDITS_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CREDITS_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"CREDITS_REDIS_URL" required:"true"`
	Address      string        `envconfig:"CREDITS_REDIS_ADDR"`
	Password     string        `envconfig:"CREDITS_REDIS_PASSWORD"`
	DB           int           `envconfig:"CREDITS_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CREDITS_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CREDITS_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CREDITS_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CREDITS_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CREDITS_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// LedgerConfig tunes the optimistic-retry loop in the ledger engine.
type LedgerConfig struct {
	MaxRetries     int           `envconfig:"CREDITS_LEDGER_MAX_RETRIES" default:"5"`
	AttemptTimeout time.Duration `envconfig:"CREDITS_LEDGER_ATTEMPT_TIMEOUT" default:"3s"`
}

// CacheConfig bounds staleness for the read-only query facade.
type CacheConfig struct {
	BalanceTTL   time.Duration `envconfig:"CREDITS_CACHE_BALANCE_TTL" default:"30s"`
	AggregateTTL time.Duration `envconfig:"CREDITS_CACHE_AGGREGATE_TTL" default:"1m"`
}

// CheckinConfig configures the daily check-in grant.
type CheckinConfig struct {
	RewardAmount int64  `envconfig:"CREDITS_CHECKIN_REWARD_AMOUNT" default:"10"`
	CurrencyCode string `envconfig:"CREDITS_CHECKIN_CURRENCY" default:"credits"`
	StreakWindow int    `envconfig:"CREDITS_CHECKIN_STREAK_WINDOW" default:"366"`
}

// ReconcileConfig configures the balance audit worker.
type ReconcileConfig struct {
	Interval  time.Duration `envconfig:"CREDITS_RECONCILE_INTERVAL" default:"24h"`
	BatchSize int           `envconfig:"CREDITS_RECONCILE_BATCH_SIZE" default:"500"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"CREDITS_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
