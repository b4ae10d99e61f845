// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"psu-service/internal/model"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Traffic  TrafficConfig  `mapstructure:"traffic"`
	Link     LinkConfig     `mapstructure:"link"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Database DatabaseConfig `mapstructure:"database"`
	Security SecurityConfig `mapstructure:"security"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// TrafficConfig controls the serial traffic log
type TrafficConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// LinkConfig selects the serial device and the reconnect schedule
type LinkConfig struct {
	PortName     string        `mapstructure:"port_name"`
	Match        []string      `mapstructure:"match"`
	BaudRate     int           `mapstructure:"baud_rate"`
	DataBits     int           `mapstructure:"data_bits"`
	Parity       string        `mapstructure:"parity"`
	StopBits     string        `mapstructure:"stop_bits"`
	FastInterval time.Duration `mapstructure:"fast_interval"`
	SlowInterval time.Duration `mapstructure:"slow_interval"`
	FastAttempts int           `mapstructure:"fast_attempts"`
	QueueSize    int           `mapstructure:"queue_size"`
}

// ProtocolConfig holds exchange timing
type ProtocolConfig struct {
	IdentityTimeout time.Duration `mapstructure:"identity_timeout"`
	AnswerTimeout   time.Duration `mapstructure:"answer_timeout"`
	FlushTimeout    time.Duration `mapstructure:"flush_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	EventBuffer     int           `mapstructure:"event_buffer"`
}

// MonitorConfig drives the polling cycle
type MonitorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	MaxVoltage   string        `mapstructure:"max_voltage"`
	Persist      bool          `mapstructure:"persist"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	SSLMode      string        `mapstructure:"sslmode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
	Migrations   string        `mapstructure:"migrations"`
	Retention    time.Duration `mapstructure:"retention"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	APIKey         string   `mapstructure:"api_key"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load reads configuration from path, or from config.yaml in the usual places
// when path is empty, and applies PSU_SERVICE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/psu-service")
	}

	v.SetEnvPrefix("PSU_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8084")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Traffic log defaults
	v.SetDefault("traffic.enabled", true)
	v.SetDefault("traffic.output", "./logs/traffic.log")
	v.SetDefault("traffic.max_size", 20)
	v.SetDefault("traffic.max_backups", 5)
	v.SetDefault("traffic.max_age", 7)

	// Link defaults, KORAD KA3005P
	v.SetDefault("link.port_name", "")
	v.SetDefault("link.match", []string{"0416:5011"})
	v.SetDefault("link.baud_rate", 9600)
	v.SetDefault("link.data_bits", 8)
	v.SetDefault("link.parity", "none")
	v.SetDefault("link.stop_bits", "1")
	v.SetDefault("link.fast_interval", "1000ms")
	v.SetDefault("link.slow_interval", "1500ms")
	v.SetDefault("link.fast_attempts", 5)
	v.SetDefault("link.queue_size", 64)

	// Protocol defaults
	v.SetDefault("protocol.identity_timeout", "250ms")
	v.SetDefault("protocol.answer_timeout", "150ms")
	v.SetDefault("protocol.flush_timeout", "100ms")
	v.SetDefault("protocol.settle_delay", "500ms")
	v.SetDefault("protocol.event_buffer", 64)

	// Monitor defaults
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.poll_interval", "0s")
	v.SetDefault("monitor.retry_delay", "200ms")
	v.SetDefault("monitor.max_voltage", "31")
	v.SetDefault("monitor.persist", false)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "psu_service")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.migrations", "file://migrations")
	v.SetDefault("database.retention", "720h")

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{"*"})

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// App defaults
	v.SetDefault("app.name", "psu-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	if config.Link.PortName == "" && len(config.Link.Match) == 0 {
		return fmt.Errorf("link.port_name or link.match is required")
	}
	if _, err := config.Link.VidPids(); err != nil {
		return fmt.Errorf("link.match: %w", err)
	}
	if config.Link.FastAttempts < 1 {
		return fmt.Errorf("link.fast_attempts must be at least 1")
	}

	if config.Protocol.IdentityTimeout <= 0 || config.Protocol.AnswerTimeout <= 0 {
		return fmt.Errorf("protocol timeouts must be positive")
	}
	if config.Protocol.SettleDelay < 0 {
		return fmt.Errorf("protocol.settle_delay must not be negative")
	}

	if _, err := config.Monitor.MaxVoltageValue(); err != nil {
		return fmt.Errorf("monitor.max_voltage: %w", err)
	}
	if config.Monitor.Persist && !config.Database.Enabled {
		return fmt.Errorf("monitor.persist requires database.enabled")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// VidPids parses the configured USB identifiers
func (l *LinkConfig) VidPids() ([]model.VidPid, error) {
	ids := make([]model.VidPid, 0, len(l.Match))
	for _, s := range l.Match {
		id, err := model.ParseVidPid(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MaxVoltageValue returns the highest voltage a client may set
func (m *MonitorConfig) MaxVoltageValue() (decimal.Decimal, error) {
	v, err := decimal.NewFromString(m.MaxVoltage)
	if err != nil {
		return decimal.Zero, err
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("must be positive, got %s", v)
	}
	return v, nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == "development"
}
