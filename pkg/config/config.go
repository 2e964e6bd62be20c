package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Tenants   TenantsConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Queue     QueueConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Outbox    OutboxRelayConfig
	Security  SecurityConfig
	Admin     AdminConfig
	Cache     CacheConfig
	Scheduler SchedulerConfig
}

type ServerConfig struct {
	HTTPPort    int           `mapstructure:"http_port"`
	MetricsPort int           `mapstructure:"metrics_port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// DatabaseConfig describes the super-tenant database.
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// TenantsConfig holds the template used for tenant databases and the
// request routing knobs.
type TenantsConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	User               string        `mapstructure:"user"`
	Password           string        `mapstructure:"password"`
	SSLMode            string        `mapstructure:"ssl_mode"`
	MaxOpenConns       int           `mapstructure:"max_open_conns"`
	MaxIdleConns       int           `mapstructure:"max_idle_conns"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ReapInterval       time.Duration `mapstructure:"reap_interval"`
	APIKeyHeader       string        `mapstructure:"api_key_header"`
	SuperPathPrefixes  []string      `mapstructure:"super_path_prefixes"`
	ProvisionLockTTL   time.Duration `mapstructure:"provision_lock_ttl"`
	ConnectMaxAttempts uint          `mapstructure:"connect_max_attempts"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ClientID      string   `mapstructure:"client_id"`
	EventTopic    string   `mapstructure:"event_topic"`
	DLQTopic      string   `mapstructure:"dlq_topic"`
	JobTopic      string   `mapstructure:"job_topic"`
	JobRetryTopic string   `mapstructure:"job_retry_topic"`
	JobDLQTopic   string   `mapstructure:"job_dlq_topic"`
	JobGroup      string   `mapstructure:"job_group"`
}

type QueueConfig struct {
	Driver      string        `mapstructure:"driver"` // redis or kafka
	KeyPrefix   string        `mapstructure:"key_prefix"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Concurrency int           `mapstructure:"concurrency"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type SecurityConfig struct {
	// CredentialsKey is a hex-encoded 32 byte key. Empty disables encryption.
	CredentialsKey string `mapstructure:"credentials_key"`
}

type AdminConfig struct {
	Parallelism int `mapstructure:"parallelism"`
}

type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StalledAfter time.Duration `mapstructure:"stalled_after"`
}

type CacheConfig struct {
	MaxEntries int64         `mapstructure:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/coursegrid/")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COURSEGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// The provisioning lock is not renewed, so it must outlive the job holding it.
func (c *Config) validate() error {
	if c.Tenants.ProvisionLockTTL <= c.Queue.JobTimeout {
		return fmt.Errorf("tenants.provision_lock_ttl (%s) must exceed queue.job_timeout (%s)",
			c.Tenants.ProvisionLockTTL, c.Queue.JobTimeout)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "coursegrid")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("tenants.host", "localhost")
	v.SetDefault("tenants.port", 5432)
	v.SetDefault("tenants.ssl_mode", "disable")
	v.SetDefault("tenants.max_open_conns", 10)
	v.SetDefault("tenants.max_idle_conns", 2)
	v.SetDefault("tenants.idle_timeout", "15m")
	v.SetDefault("tenants.reap_interval", "1m")
	v.SetDefault("tenants.api_key_header", "X-Tenant-Api-Key")
	v.SetDefault("tenants.super_path_prefixes", []string{"/tenants"})
	v.SetDefault("tenants.provision_lock_ttl", "20m")
	v.SetDefault("tenants.connect_max_attempts", 4)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("kafka.client_id", "coursegrid")
	v.SetDefault("kafka.event_topic", "coursegrid.tenant.events")
	v.SetDefault("kafka.dlq_topic", "coursegrid.tenant.events.dlq")
	v.SetDefault("kafka.job_topic", "coursegrid.jobs")
	v.SetDefault("kafka.job_retry_topic", "coursegrid.jobs.retry")
	v.SetDefault("kafka.job_dlq_topic", "coursegrid.jobs.dlq")
	v.SetDefault("kafka.job_group", "coursegrid-workers")
	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.key_prefix", "coursegrid:jobs")
	v.SetDefault("queue.job_timeout", "15m")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.backoff_base", "10s")
	v.SetDefault("auth.issuer", "coursegrid")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("admin.parallelism", 1)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.ttl", "1m")
	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.stalled_after", "15m")
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
