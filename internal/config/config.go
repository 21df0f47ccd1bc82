package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration loaded from files and environment variables.
type Config struct {
	AppName  string `mapstructure:"app_name"`
	Env      string `mapstructure:"app_env"`
	LogLevel string `mapstructure:"log_level"`

	Platform        string `mapstructure:"platform"`
	PlatformBaseURL string `mapstructure:"platform_base_url"`

	AccountsFile string `mapstructure:"accounts_file"`
	StartDate    string `mapstructure:"start_date"`
	EndDate      string `mapstructure:"end_date"`
	WindowDays   int    `mapstructure:"window_days"`

	PageBudget     int  `mapstructure:"page_budget"`
	Workers        int  `mapstructure:"workers"`
	Parallel       bool `mapstructure:"parallel"`
	IncludeContent bool `mapstructure:"include_content"`

	RequestDelayMinMs int           `mapstructure:"request_delay_min_ms"`
	RequestDelayMaxMs int           `mapstructure:"request_delay_max_ms"`
	AccountDelayMinMs int           `mapstructure:"account_delay_min_ms"`
	AccountDelayMaxMs int           `mapstructure:"account_delay_max_ms"`
	RequestDelayMin   time.Duration `mapstructure:"-"`
	RequestDelayMax   time.Duration `mapstructure:"-"`
	AccountDelayMin   time.Duration `mapstructure:"-"`
	AccountDelayMax   time.Duration `mapstructure:"-"`

	FetchRetryAttempts int `mapstructure:"fetch_retry_attempts"`

	CredentialCachePath string        `mapstructure:"credential_cache_path"`
	CredentialTTLHours  int64         `mapstructure:"credential_ttl_hours"`
	CredentialTTL       time.Duration `mapstructure:"-"`

	StorageType string `mapstructure:"storage_type"`
	BBoltPath   string `mapstructure:"bbolt_path"`

	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	PublishersFile string `mapstructure:"publishers_file"`
	ExportCSVPath  string `mapstructure:"export_csv_path"`
}

// Load reads configuration from environment variables and config files.
func Load() (*Config, error) {
	_ = godotenv.Load("configs/.env")

	v := viper.New()

	v.SetDefault("app_name", "account-harvester")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("platform", "wechat")
	v.SetDefault("platform_base_url", "https://mp.weixin.qq.com")
	v.SetDefault("accounts_file", "./configs/accounts.txt")
	v.SetDefault("window_days", 30)
	v.SetDefault("page_budget", 10)
	v.SetDefault("workers", 3)
	v.SetDefault("parallel", false)
	v.SetDefault("include_content", false)
	v.SetDefault("request_delay_min_ms", 1000)
	v.SetDefault("request_delay_max_ms", 3000)
	v.SetDefault("account_delay_min_ms", 15000)
	v.SetDefault("account_delay_max_ms", 30000)
	v.SetDefault("fetch_retry_attempts", 3)
	v.SetDefault("credential_cache_path", "./data/credential.json")
	v.SetDefault("credential_ttl_hours", int64(96))
	v.SetDefault("storage_type", "bbolt")
	v.SetDefault("bbolt_path", "./data/harvester.db")
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "postgres")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_db", "account_harvester")
	v.SetDefault("postgres_sslmode", "disable")
	v.SetDefault("publishers_file", "")
	v.SetDefault("export_csv_path", "")

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.PageBudget < 0 {
		cfg.PageBudget = 0
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("invalid workers (must be positive)")
	}
	if cfg.CredentialTTLHours <= 0 {
		return nil, fmt.Errorf("invalid credential_ttl_hours (must be positive)")
	}
	if cfg.RequestDelayMinMs < 0 || cfg.RequestDelayMaxMs < cfg.RequestDelayMinMs {
		return nil, fmt.Errorf("invalid request delay range [%d,%d]ms", cfg.RequestDelayMinMs, cfg.RequestDelayMaxMs)
	}
	if cfg.AccountDelayMinMs < 0 || cfg.AccountDelayMaxMs < cfg.AccountDelayMinMs {
		return nil, fmt.Errorf("invalid account delay range [%d,%d]ms", cfg.AccountDelayMinMs, cfg.AccountDelayMaxMs)
	}

	cfg.RequestDelayMin = time.Duration(cfg.RequestDelayMinMs) * time.Millisecond
	cfg.RequestDelayMax = time.Duration(cfg.RequestDelayMaxMs) * time.Millisecond
	cfg.AccountDelayMin = time.Duration(cfg.AccountDelayMinMs) * time.Millisecond
	cfg.AccountDelayMax = time.Duration(cfg.AccountDelayMaxMs) * time.Millisecond
	cfg.CredentialTTL = time.Duration(cfg.CredentialTTLHours) * time.Hour

	return &cfg, nil
}

// PostgresDSN renders the lib/pq connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode,
	)
}
