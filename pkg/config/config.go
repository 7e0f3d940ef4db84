package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App           AppConfig
	Service       ServiceConfig
	DB            DBConfig
	Redis         RedisConfig
	JWT           JWTConfig
	FeatureFlags  FeatureFlagsConfig
	Dispatch      DispatchConfig
	Tracking      TrackingConfig
	Notifications NotificationsConfig
	OrderSync     OrderSyncConfig
	GCP           GCPConfig
	PubSub        PubSubConfig
	Outbox        OutboxConfig
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
	Env          string `envconfig:"PLATEFLEET_APP_ENV" required:"true"`
	Port         string `envconfig:"PLATEFLEET_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"PLATEFLEET_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PLATEFLEET_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PLATEFLEET_SERVICE_KIND" default:"api"`
	// InternalKey guards the service-to-service endpoints. Empty means
	// the guard is disabled, which is only acceptable in development.
	InternalKey string `envconfig:"PLATEFLEET_SERVICE_INTERNAL_KEY"`
}

type DBConfig struct {
	DSN    string `envconfig:"PLATEFLEET_DB_DSN"`
	Driver string `envconfig:"PLATEFLEET_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PLATEFLEET_DB_HOST"`
	LegacyPort     int    `envconfig:"PLATEFLEET_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PLATEFLEET_DB_USER"`
	LegacyPassword string `envconfig:"PLATEFLEET_DB_PASSWORD"`
	LegacyName     string `envconfig:"PLATEFLEET_DB_NAME"`
	LegacySSLMode  string `envconfig:"PLATEFLEET_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PLATEFLEET_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PLATEFLEET_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PLATEFLEET_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PLATEFLEET_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PLATEFLEET_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PLATEFLEET_REDIS_ADDR"`
	Password     string        `envconfig:"PLATEFLEET_REDIS_PASSWORD"`
	DB           int           `envconfig:"PLATEFLEET_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PLATEFLEET_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PLATEFLEET_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PLATEFLEET_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PLATEFLEET_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PLATEFLEET_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"PLATEFLEET_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"PLATEFLEET_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"PLATEFLEET_JWT_EXPIRATION_MINUTES" default:"1440"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"PLATEFLEET_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"PLATEFLEET_AUTO_MIGRATE" default:"false"`
}

type DispatchConfig struct {
	// SearchRadiusKM bounds the geo query for candidate agents.
	SearchRadiusKM    float64       `envconfig:"PLATEFLEET_DISPATCH_SEARCH_RADIUS_KM" default:"10"`
	MaxCandidates     int           `envconfig:"PLATEFLEET_DISPATCH_MAX_CANDIDATES" default:"25"`
	RetryInterval     time.Duration `envconfig:"PLATEFLEET_DISPATCH_RETRY_INTERVAL" default:"30s"`
	BaseFee           string        `envconfig:"PLATEFLEET_DISPATCH_BASE_FEE" default:"2.50"`
	PerMinuteRate     string        `envconfig:"PLATEFLEET_DISPATCH_PER_MINUTE_RATE" default:"0.35"`
	PendingMaxAge     time.Duration `envconfig:"PLATEFLEET_DISPATCH_PENDING_MAX_AGE" default:"15m"`
	RetryBatchSize    int           `envconfig:"PLATEFLEET_DISPATCH_RETRY_BATCH_SIZE" default:"50"`
	DefaultSpeedKMH   float64       `envconfig:"PLATEFLEET_DISPATCH_DEFAULT_SPEED_KMH" default:"25"`
	MinETAMinutes     int           `envconfig:"PLATEFLEET_DISPATCH_MIN_ETA_MINUTES" default:"1"`
	PrepBufferMinutes int           `envconfig:"PLATEFLEET_DISPATCH_PREP_BUFFER_MINUTES" default:"5"`
}

type TrackingConfig struct {
	StaleAfter            time.Duration `envconfig:"PLATEFLEET_TRACKING_STALE_AFTER" default:"5m"`
	HeartbeatMinGap       time.Duration `envconfig:"PLATEFLEET_TRACKING_HEARTBEAT_MIN_GAP" default:"2s"`
	AdminChannel          string        `envconfig:"PLATEFLEET_TRACKING_ADMIN_CHANNEL" default:"admin"`
	DeliveryChannelPrefix string        `envconfig:"PLATEFLEET_TRACKING_DELIVERY_CHANNEL_PREFIX" default:"delivery"`
}

type NotificationsConfig struct {
	RetentionDays  int `envconfig:"PLATEFLEET_NOTIFICATIONS_RETENTION_DAYS" default:"30"`
	CleanupBatch   int `envconfig:"PLATEFLEET_NOTIFICATIONS_CLEANUP_BATCH" default:"500"`
	ListPageLimit  int `envconfig:"PLATEFLEET_NOTIFICATIONS_LIST_PAGE_LIMIT" default:"50"`
	UnreadCountCap int `envconfig:"PLATEFLEET_NOTIFICATIONS_UNREAD_COUNT_CAP" default:"99"`
}

type OrderSyncConfig struct {
	BaseURL     string        `envconfig:"PLATEFLEET_ORDER_SERVICE_URL"`
	Timeout     time.Duration `envconfig:"PLATEFLEET_ORDER_SERVICE_TIMEOUT" default:"10s"`
	ServiceKey  string        `envconfig:"PLATEFLEET_ORDER_SERVICE_KEY"`
}

// Enabled reports whether the order mirror has an upstream to call.
func (o OrderSyncConfig) Enabled() bool {
	return strings.TrimSpace(o.BaseURL) != ""
}

type GCPConfig struct {
	ProjectID              string `envconfig:"PLATEFLEET_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"PLATEFLEET_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PLATEFLEET_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	DeliveryEventsTopic        string `envconfig:"PLATEFLEET_PUBSUB_DELIVERY_EVENTS_TOPIC" default:"plf-delivery-events"`
	DeliveryEventsSubscription string `envconfig:"PLATEFLEET_PUBSUB_DELIVERY_EVENTS_SUBSCRIPTION"`
	NotificationTopic          string `envconfig:"PLATEFLEET_PUBSUB_NOTIFICATION_TOPIC" default:"plf-notification-events"`
	NotificationSubscription   string `envconfig:"PLATEFLEET_PUBSUB_NOTIFICATION_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"PLATEFLEET_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"PLATEFLEET_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"PLATEFLEET_OUTBOX_MAX_ATTEMPTS" default:"10"`
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
