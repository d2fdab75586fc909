package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	GeeLark    GeeLarkConfig    `mapstructure:"geelark"`
	DaisySMS   DaisySMSConfig   `mapstructure:"daisysms"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Automation AutomationConfig `mapstructure:"automation"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// DatabaseConfig selects between the sqlite file store and postgres.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`   // sqlite file
	URL             string        `mapstructure:"url"`    // postgres DSN, wins over the discrete fields
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// DSN returns the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		if c.URL != "" {
			return c.URL
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path + "?_busy_timeout=5000"
}

type GeeLarkConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	AppID   string        `mapstructure:"app_id"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DaisySMSConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Service        string        `mapstructure:"service"`
	LongTermRental bool          `mapstructure:"long_term_rental"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// BatchConfig holds the pipeline's concurrency cap and poll budgets.
type BatchConfig struct {
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	InstallAttempts    int           `mapstructure:"install_attempts"`
	TaskStartAttempts  int           `mapstructure:"task_start_attempts"`
	ReadyAttempts      int           `mapstructure:"ready_attempts"`
	ReadyStabilization time.Duration `mapstructure:"ready_stabilization"`
	RentalAttempts     int           `mapstructure:"rental_attempts"`
	RentalBaseDelay    time.Duration `mapstructure:"rental_base_delay"`
	RentalMaxDelay     time.Duration `mapstructure:"rental_max_delay"`
}

type AutomationConfig struct {
	LoginFlowID    string `mapstructure:"login_flow_id"`
	UsernamePrefix string `mapstructure:"username_prefix"`
	UsernameLength int    `mapstructure:"username_length"`
	Password       string `mapstructure:"password"`
	AppPackage     string `mapstructure:"app_package"`
}

type MonitorConfig struct {
	MaxWait      time.Duration `mapstructure:"max_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SetupGrace   time.Duration `mapstructure:"setup_grace"` // skip task checks while setup is this young
}

type CleanupConfig struct {
	StuckAfter       time.Duration `mapstructure:"stuck_after"`
	RentalStuckAfter time.Duration `mapstructure:"rental_stuck_after"`
}

// StorageConfig configures the batch report archive.
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"` // r2, s3, s3compatible, minio
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

type RedisConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Addr    string        `mapstructure:"addr"`
	DB      int           `mapstructure:"db"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type RabbitMQConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets come from the environment
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("geelark.base_url", "GEELARK_API_BASE_URL")
	v.BindEnv("geelark.app_id", "GEELARK_APP_ID")
	v.BindEnv("geelark.api_key", "GEELARK_API_KEY")
	v.BindEnv("daisysms.base_url", "DAISYSMS_API_BASE_URL")
	v.BindEnv("daisysms.api_key", "DAISYSMS_API_KEY")
	v.BindEnv("automation.password", "TIKTOK_AUTOMATION_PASSWORD")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("rabbitmq.url", "RABBITMQ_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/phonefarm.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("geelark.base_url", "https://openapi.geelark.com")
	v.SetDefault("geelark.timeout", "30s")

	v.SetDefault("daisysms.base_url", "https://daisysms.com/stubs/handler_api.php")
	v.SetDefault("daisysms.service", "tiktok")
	v.SetDefault("daisysms.long_term_rental", false)
	v.SetDefault("daisysms.timeout", "30s")

	v.SetDefault("batch.max_concurrent", 5)
	v.SetDefault("batch.poll_interval", "2s")
	v.SetDefault("batch.install_attempts", 30)
	v.SetDefault("batch.task_start_attempts", 150)
	v.SetDefault("batch.ready_attempts", 60)
	v.SetDefault("batch.ready_stabilization", "5s")
	v.SetDefault("batch.rental_attempts", 5)
	v.SetDefault("batch.rental_base_delay", "2s")
	v.SetDefault("batch.rental_max_delay", "30s")

	v.SetDefault("automation.login_flow_id", "568610393463722230")
	v.SetDefault("automation.username_prefix", "spectre_")
	v.SetDefault("automation.username_length", 6)
	v.SetDefault("automation.app_package", "com.zhiliaoapp.musically")

	v.SetDefault("monitor.max_wait", "30m")
	v.SetDefault("monitor.poll_interval", "30s")
	v.SetDefault("monitor.setup_grace", "5m")

	v.SetDefault("cleanup.stuck_after", "30m")
	v.SetDefault("cleanup.rental_stuck_after", "25m")

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.bucket", "phonefarm-reports")
	v.SetDefault("storage.prefix", "batches")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", "24h")

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.exchange", "provisioning")
	v.SetDefault("rabbitmq.routing_key", "batch.completed")
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Batch.MaxConcurrent < 1 {
		return fmt.Errorf("batch.max_concurrent must be at least 1, got %d", c.Batch.MaxConcurrent)
	}
	if c.Batch.RentalAttempts < 1 {
		return fmt.Errorf("batch.rental_attempts must be at least 1, got %d", c.Batch.RentalAttempts)
	}
	if c.Batch.TaskStartAttempts < 1 || c.Batch.InstallAttempts < 1 || c.Batch.ReadyAttempts < 1 {
		return fmt.Errorf("batch poll attempts must be positive")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}
