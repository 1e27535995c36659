package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the custody service
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Grants       GrantConfig        `mapstructure:"grants"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Fabric       FabricConfig       `mapstructure:"fabric"`
	Notification NotificationConfig `mapstructure:"notification"`
	HPRID        HPRIDConfig        `mapstructure:"hprid"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	LogLevel     string             `mapstructure:"log_level"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	TLSEnabled   bool   `mapstructure:"tls_enabled"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`

	// RateLimit caps notifying calls per caller per RatePeriod; 0 disables
	RateLimit  int           `mapstructure:"rate_limit"`
	RatePeriod time.Duration `mapstructure:"rate_period"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int           `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// GrantConfig holds the grant store configuration
type GrantConfig struct {
	Dir         string        `mapstructure:"dir"`
	InMemory    bool          `mapstructure:"in_memory"`
	TTL         time.Duration `mapstructure:"ttl"`
	GCInterval  time.Duration `mapstructure:"gc_interval"`
	GCThreshold float64       `mapstructure:"gc_threshold"`
}

// ArchiveConfig selects where sealed blobs are archived
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"` // "leveldb" or "fabric"
	Path    string `mapstructure:"path"`
}

// FabricConfig holds Hyperledger Fabric gateway configuration
type FabricConfig struct {
	PeerEndpoint  string        `mapstructure:"peer_endpoint"`
	GatewayPeer   string        `mapstructure:"gateway_peer"`
	MSPID         string        `mapstructure:"msp_id"`
	CertPath      string        `mapstructure:"cert_path"`
	KeyPath       string        `mapstructure:"key_path"`
	TLSCertPath   string        `mapstructure:"tls_cert_path"`
	ChannelName   string        `mapstructure:"channel_name"`
	ChaincodeName string        `mapstructure:"chaincode_name"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

// NotificationConfig holds the SMS gateway configuration
type NotificationConfig struct {
	Provider string        `mapstructure:"provider"` // "sms" or "log"
	URL      string        `mapstructure:"url"`
	APIKey   string        `mapstructure:"api_key"`
	Sender   string        `mapstructure:"sender"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HPRIDConfig holds the health professional registry verification endpoint
type HPRIDConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
	Environment    string  `mapstructure:"environment"`
}

// Load loads configuration from config files and environment variables
func Load() (*Config, error) {
	return LoadWith(viper.New())
}

// LoadWith loads configuration through the given viper instance
func LoadWith(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/medvault")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("MEDVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.rate_limit", 30)
	v.SetDefault("server.rate_period", time.Minute)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "medvault")
	v.SetDefault("database.user", "medvault")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.query_timeout", 5*time.Second)

	v.SetDefault("grants.dir", "./data/grants")
	v.SetDefault("grants.in_memory", false)
	v.SetDefault("grants.ttl", 10*time.Minute)
	v.SetDefault("grants.gc_interval", 5*time.Minute)
	v.SetDefault("grants.gc_threshold", 0.5)

	v.SetDefault("archive.backend", "leveldb")
	v.SetDefault("archive.path", "./data/archive")

	v.SetDefault("fabric.channel_name", "healthcare")
	v.SetDefault("fabric.chaincode_name", "record-archive")
	v.SetDefault("fabric.submit_timeout", 15*time.Second)

	v.SetDefault("notification.provider", "log")
	v.SetDefault("notification.timeout", 10*time.Second)
	v.SetDefault("notification.sender", "MEDVAULT")

	v.SetDefault("hprid.timeout", 10*time.Second)

	v.SetDefault("jwt.issuer", "medvault")
	v.SetDefault("jwt.audience", "medvault-api")

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_rate", 0.1)
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("log_level", "info")
}

func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET_KEY"); jwtSecret != "" {
		config.JWT.SecretKey = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

func validate(config *Config) error {
	if config.JWT.SecretKey == "" {
		return fmt.Errorf("JWT secret key is required")
	}

	if config.Database.URL == "" && config.Database.Password == "" {
		return fmt.Errorf("database password is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.RateLimit > 0 && config.Server.RatePeriod <= 0 {
		return fmt.Errorf("rate_period must be positive when rate_limit is set")
	}

	if config.Database.QueryTimeout <= 0 {
		return fmt.Errorf("database query_timeout must be positive")
	}

	if config.Grants.TTL <= 0 {
		return fmt.Errorf("grant ttl must be positive")
	}

	if config.HPRID.URL == "" {
		return fmt.Errorf("hprid verification url is required")
	}

	switch config.Archive.Backend {
	case "leveldb":
	case "fabric":
		if config.Fabric.PeerEndpoint == "" || config.Fabric.MSPID == "" {
			return fmt.Errorf("fabric archive requires peer_endpoint and msp_id")
		}
	default:
		return fmt.Errorf("unknown archive backend: %s", config.Archive.Backend)
	}

	switch config.Notification.Provider {
	case "log":
	case "sms":
		if config.Notification.URL == "" {
			return fmt.Errorf("sms notification requires url")
		}
	default:
		return fmt.Errorf("unknown notification provider: %s", config.Notification.Provider)
	}

	return nil
}

// DSN returns the Postgres connection string for the database section
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}
