package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Settlement   SettlementConfig   `mapstructure:"settlement"`
	Notarization NotarizationConfig `mapstructure:"notarization"`
	Vault        VaultConfig        `mapstructure:"vault"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// SettlementConfig contains settlement network configuration
type SettlementConfig struct {
	Mode            string        `mapstructure:"mode"` // simulated, live
	GatewayURL      string        `mapstructure:"gateway_url"`
	MirrorURL       string        `mapstructure:"mirror_url"`
	OperatorAccount string        `mapstructure:"operator_account"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	TransferFee     int64         `mapstructure:"transfer_fee"`
	RateSourceURL   string        `mapstructure:"rate_source_url"`
	FallbackRate    float64       `mapstructure:"fallback_rate"`
}

// NotarizationConfig contains notarization network configuration
type NotarizationConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// VaultConfig contains key vault configuration
type VaultConfig struct {
	MasterSecret string `mapstructure:"master_secret"`
}

// LedgerConfig contains contribution ledger configuration
type LedgerConfig struct {
	MinContribution   int64  `mapstructure:"min_contribution"`
	AnonymizationSalt string `mapstructure:"anonymization_salt"`
}

// ReconcileConfig contains reconciliation job configuration
type ReconcileConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	RunInterval  time.Duration `mapstructure:"run_interval"`
	VerifyWindow time.Duration `mapstructure:"verify_window"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./internal/config")
	}

	// Set environment variable prefix
	viper.SetEnvPrefix("CROWDLEDGER")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}
	if secret := os.Getenv("CROWDLEDGER_MASTER_SECRET"); secret != "" {
		config.Vault.MasterSecret = secret
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// App defaults
	viper.SetDefault("app.name", "crowdledger")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)

	// Settlement defaults
	viper.SetDefault("settlement.mode", "simulated")
	viper.SetDefault("settlement.gateway_url", "https://testnet.gateway.example.com/api")
	viper.SetDefault("settlement.mirror_url", "https://testnet.mirror.example.com/api/v1")
	viper.SetDefault("settlement.operator_account", "0.0.6808286")
	viper.SetDefault("settlement.request_timeout", "30s")
	viper.SetDefault("settlement.transfer_fee", 2000000)
	viper.SetDefault("settlement.fallback_rate", 0.0016)

	// Notarization defaults
	viper.SetDefault("notarization.base_url", "http://localhost:3001")
	viper.SetDefault("notarization.request_timeout", "30s")

	// Ledger defaults (minimum contribution in currency of record)
	viper.SetDefault("ledger.min_contribution", 1000)

	// Reconcile defaults
	viper.SetDefault("reconcile.enabled", true)
	viper.SetDefault("reconcile.run_interval", "5m")
	viper.SetDefault("reconcile.verify_window", "24h")
	viper.SetDefault("reconcile.batch_size", 50)

	// Storage defaults
	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.connection_string", "./data/crowdledger.db")
	viper.SetDefault("storage.max_connections", 25)
	viper.SetDefault("storage.max_idle_time", "15m")

	// Server defaults
	viper.SetDefault("server.port", 8081)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")
	viper.SetDefault("server.enable_metrics", true)
	viper.SetDefault("server.enable_health", true)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Settlement.Mode != "simulated" && c.Settlement.Mode != "live" {
		return fmt.Errorf("settlement mode must be simulated or live, got %q", c.Settlement.Mode)
	}
	if c.Settlement.Mode == "live" {
		if c.Settlement.GatewayURL == "" {
			return fmt.Errorf("settlement gateway URL is required in live mode")
		}
		if c.Settlement.MirrorURL == "" {
			return fmt.Errorf("settlement mirror URL is required in live mode")
		}
		if c.Settlement.OperatorAccount == "" {
			return fmt.Errorf("settlement operator account is required in live mode")
		}
	}
	if c.Vault.MasterSecret == "" {
		return fmt.Errorf("vault master secret is required")
	}
	if c.Ledger.MinContribution <= 0 {
		return fmt.Errorf("minimum contribution must be positive")
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Reconcile.Enabled && c.Reconcile.RunInterval <= 0 {
		return fmt.Errorf("reconcile run interval must be positive")
	}
	return nil
}
