package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Password     PasswordConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Stripe       StripeConfig
	Billing      BillingConfig
	Outbox       OutboxConfig
	Cron         CronConfig
	CORS         CORSConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Billing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STORYFRAME_APP_ENV" required:"true"`
	Port         string `envconfig:"STORYFRAME_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"STORYFRAME_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STORYFRAME_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"STORYFRAME_LOG_FORMAT" default:"json"`
	// AppURL is where setup links for provisioned accounts point.
	AppURL string `envconfig:"STORYFRAME_APP_URL" default:"http://localhost:3000"`
	// MetricsAddr is where background workers expose /metrics. Empty disables it.
	MetricsAddr string `envconfig:"STORYFRAME_METRICS_ADDR"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"STORYFRAME_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"STORYFRAME_DB_DSN"`
	Driver string `envconfig:"STORYFRAME_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"STORYFRAME_DB_HOST"`
	LegacyPort     int    `envconfig:"STORYFRAME_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STORYFRAME_DB_USER"`
	LegacyPassword string `envconfig:"STORYFRAME_DB_PASSWORD"`
	LegacyName     string `envconfig:"STORYFRAME_DB_NAME"`
	LegacySSLMode  string `envconfig:"STORYFRAME_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STORYFRAME_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STORYFRAME_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STORYFRAME_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STORYFRAME_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	// SlowQueryThreshold logs statements slower than this at warn. Zero disables.
	SlowQueryThreshold time.Duration `envconfig:"STORYFRAME_DB_SLOW_QUERY_THRESHOLD" default:"250ms"`
	// TxRetries re-runs a transaction aborted by a serialization failure or deadlock.
	TxRetries int `envconfig:"STORYFRAME_DB_TX_RETRIES" default:"2"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STORYFRAME_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STORYFRAME_REDIS_ADDR"`
	Password     string        `envconfig:"STORYFRAME_REDIS_PASSWORD"`
	DB           int           `envconfig:"STORYFRAME_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STORYFRAME_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STORYFRAME_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STORYFRAME_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STORYFRAME_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STORYFRAME_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"STORYFRAME_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"STORYFRAME_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"STORYFRAME_JWT_EXPIRATION_MINUTES" required:"true"`
	SetupTokenTTL     int    `envconfig:"STORYFRAME_SETUP_TOKEN_TTL_MINUTES" default:"4320"`
}

// SetupLinkTTL returns how long a provisioned account's setup link stays valid.
func (j JWTConfig) SetupLinkTTL() time.Duration {
	if j.SetupTokenTTL <= 0 {
		return 0
	}
	return time.Duration(j.SetupTokenTTL) * time.Minute
}

type PasswordConfig struct {
	ArgonMemoryKB    int `envconfig:"STORYFRAME_ARGON_MEMORY_KB" default:"65536"`
	ArgonTime        int `envconfig:"STORYFRAME_ARGON_TIME" default:"3"`
	ArgonParallelism int `envconfig:"STORYFRAME_ARGON_PARALLELISM" default:"2"`
	ArgonSaltLen     int `envconfig:"STORYFRAME_ARGON_SALT_LEN" default:"16"`
	ArgonKeyLen      int `envconfig:"STORYFRAME_ARGON_KEY_LEN" default:"32"`
}

type FeatureFlagsConfig struct {
	AutoMigrate      bool `envconfig:"STORYFRAME_AUTO_MIGRATE" default:"false"`
	LazyProvisioning bool `envconfig:"STORYFRAME_FEATURE_LAZY_PROVISIONING" default:"true"`
}

type EventingConfig struct {
	WebhookIdempotencyTTL time.Duration `envconfig:"STORYFRAME_EVENTING_WEBHOOK_IDEMPOTENCY_TTL" default:"168h"`
	WebhookInFlightTTL    time.Duration `envconfig:"STORYFRAME_EVENTING_WEBHOOK_IN_FLIGHT_TTL" default:"2m"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"STORYFRAME_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"STORYFRAME_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"STORYFRAME_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	BillingTopic             string `envconfig:"STORYFRAME_PUBSUB_BILLING_TOPIC" default:"sf-billing-events"`
	BillingSubscription      string `envconfig:"STORYFRAME_PUBSUB_BILLING_SUBSCRIPTION"`
	NotificationTopic        string `envconfig:"STORYFRAME_PUBSUB_NOTIFICATION_TOPIC" default:"sf-notification-events"`
	NotificationSubscription string `envconfig:"STORYFRAME_PUBSUB_NOTIFICATION_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"STORYFRAME_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"STORYFRAME_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"STORYFRAME_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"STORYFRAME_OUTBOX_RETENTION" default:"720h"`
}

type CronConfig struct {
	Interval       time.Duration `envconfig:"STORYFRAME_CRON_INTERVAL" default:"5m"`
	LockTTL        time.Duration `envconfig:"STORYFRAME_CRON_LOCK_TTL" default:"4m"`
	JobTimeout     time.Duration `envconfig:"STORYFRAME_CRON_JOB_TIMEOUT" default:"4m"`
	GraceBatchSize int           `envconfig:"STORYFRAME_CRON_GRACE_BATCH_SIZE" default:"200"`
	// Jobs limits the worker to the named jobs; empty runs all of them.
	Jobs []string `envconfig:"STORYFRAME_CRON_JOBS"`
}

type CORSConfig struct {
	AllowedOrigins []string `envconfig:"STORYFRAME_CORS_ALLOWED_ORIGINS" default:"*"`
}

type StripeConfig struct {
	APIKey string `envconfig:"STORYFRAME_STRIPE_API_KEY"`
	Secret string `envconfig:"STORYFRAME_STRIPE_SECRET"`
	Env    string `envconfig:"STORYFRAME_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// BillingConfig maps Stripe price ids onto subscription tiers.
type BillingConfig struct {
	StandardPriceIDs         []string `envconfig:"STORYFRAME_BILLING_STANDARD_PRICE_IDS"`
	PremiumPriceIDs          []string `envconfig:"STORYFRAME_BILLING_PREMIUM_PRICE_IDS"`
	UnlimitedCommunityPrices []string `envconfig:"STORYFRAME_BILLING_UNLIMITED_COMMUNITY_PRICE_IDS"`

	StandardCredits           int `envconfig:"STORYFRAME_BILLING_STANDARD_CREDITS" default:"100"`
	PremiumCredits            int `envconfig:"STORYFRAME_BILLING_PREMIUM_CREDITS" default:"400"`
	UnlimitedCommunityCredits int `envconfig:"STORYFRAME_BILLING_UNLIMITED_COMMUNITY_CREDITS" default:"1000000"`
}

func (b BillingConfig) validate() error {
	seen := map[string]string{}
	groups := map[string][]string{
		EnvBillingStandardPrices:  b.StandardPriceIDs,
		EnvBillingPremiumPrices:   b.PremiumPriceIDs,
		EnvBillingCommunityPrices: b.UnlimitedCommunityPrices,
	}
	for env, ids := range groups {
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if prev, ok := seen[id]; ok && prev != env {
				return fmt.Errorf("price %s listed in both %s and %s", id, prev, env)
			}
			seen[id] = env
		}
	}
	if b.StandardCredits < 0 || b.PremiumCredits < 0 || b.UnlimitedCommunityCredits < 0 {
		return fmt.Errorf("billing credit grants must be non-negative")
	}
	return nil
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
