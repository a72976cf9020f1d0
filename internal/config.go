package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Robokassa     RobokassaConfig     `mapstructure:"robokassa"`
	Telegram      TelegramConfig      `mapstructure:"telegram"`
	Billing       BillingConfig       `mapstructure:"billing"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Sweeper       SweeperConfig       `mapstructure:"sweeper"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	Source          string        `mapstructure:"source"`
}

// RobokassaConfig carries merchant credentials. Password1 signs outgoing
// payment URLs, Password2 verifies result callbacks. The test passwords are
// used when a callback arrives with IsTest=1 or when the global test flag is
// set.
type RobokassaConfig struct {
	MerchantLogin string `mapstructure:"merchant_login"`
	Password1     string `mapstructure:"password1"`
	Password2     string `mapstructure:"password2"`
	TestPassword1 string `mapstructure:"test_password1"`
	TestPassword2 string `mapstructure:"test_password2"`
	BaseURL       string `mapstructure:"base_url"`
	IsTest        bool   `mapstructure:"is_test"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	Enabled  bool   `mapstructure:"enabled"`
}

// StarPackage is a purchasable bundle: the ruble price the gateway charges and
// the stars credited to the balance once the payment completes. Stars are
// fixed at invoice creation and never recomputed from callback data.
type StarPackage struct {
	ID               string `mapstructure:"id" json:"id"`
	AmountRub        string `mapstructure:"amount_rub" json:"amount_rub"`
	Stars            int64  `mapstructure:"stars" json:"stars"`
	SubscriptionTier string `mapstructure:"subscription_tier" json:"subscription_tier,omitempty"`
}

func (p StarPackage) Amount() (decimal.Decimal, error) {
	return decimal.NewFromString(p.AmountRub)
}

type BillingConfig struct {
	Packages []StarPackage `mapstructure:"packages"`
}

func (c *BillingConfig) PackageByID(id string) (StarPackage, bool) {
	for _, p := range c.Packages {
		if p.ID == id {
			return p, true
		}
	}
	return StarPackage{}, false
}

type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type SweeperConfig struct {
	Schedule  string        `mapstructure:"schedule"`
	MinAge    time.Duration `mapstructure:"min_age"`
	BatchSize int           `mapstructure:"batch_size"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- ENV LOADING -----------------

// LoadConfigFromEnv builds the config from environment variables for container
// deployments where no config.yml is mounted.
func LoadConfigFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("SERVER_PORT", 8080),
			BaseURL:           getEnv("SERVER_BASE_URL", "http://localhost:8080"),
			ReadHeaderTimeout: getEnvAsDuration("SERVER_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			QueryTimeout:    getEnvAsDuration("DB_QUERY_TIMEOUT", 5*time.Second),
			Source:          getEnv("DB_SOURCE", ""),
		},
		Robokassa: RobokassaConfig{
			MerchantLogin: getEnv("ROBOKASSA_MERCHANT_LOGIN", ""),
			Password1:     getEnv("ROBOKASSA_PASSWORD1", ""),
			Password2:     getEnv("ROBOKASSA_PASSWORD2", ""),
			TestPassword1: getEnv("ROBOKASSA_TEST_PASSWORD1", ""),
			TestPassword2: getEnv("ROBOKASSA_TEST_PASSWORD2", ""),
			BaseURL:       getEnv("ROBOKASSA_BASE_URL", "https://auth.robokassa.ru/Merchant/Index.aspx"),
			IsTest:        getEnv("ROBOKASSA_IS_TEST", "false") == "true",
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			Enabled:  getEnv("TELEGRAM_ENABLED", "false") == "true",
		},
		Billing: BillingConfig{
			Packages: getEnvAsPackages("BILLING_PACKAGES"),
		},
		Admin: AdminConfig{
			JWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		},
		Sweeper: SweeperConfig{
			Schedule:  getEnv("SWEEPER_SCHEDULE", "@every 5m"),
			MinAge:    getEnvAsDuration("SWEEPER_MIN_AGE", 2*time.Minute),
			BatchSize: getEnvAsInt("SWEEPER_BATCH_SIZE", 100),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvAsPackages reads a JSON array of star packages, e.g.
// BILLING_PACKAGES='[{"id":"starter","amount_rub":"100.00","stars":50}]'.
// Malformed JSON yields an empty list, which Validate rejects at startup.
func getEnvAsPackages(key string) []StarPackage {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var packages []StarPackage
	if err := json.Unmarshal([]byte(value), &packages); err != nil {
		return nil
	}
	return packages
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}
	if err := c.Robokassa.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("robokassa config: %v", err))
	}
	if err := c.Billing.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("billing config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	if c.BaseURL != "" {
		if _, err := url.Parse(c.BaseURL); err != nil {
			return fmt.Errorf("invalid base_url %s: %w", c.BaseURL, err)
		}
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *RobokassaConfig) Validate() error {
	if c.MerchantLogin == "" {
		return errors.New("merchant_login is required")
	}
	if c.Password1 == "" || c.Password2 == "" {
		return errors.New("password1 and password2 are required")
	}
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	return nil
}

func (c *BillingConfig) Validate() error {
	if len(c.Packages) == 0 {
		return errors.New("at least one star package is required")
	}
	seen := make(map[string]bool, len(c.Packages))
	for _, p := range c.Packages {
		if p.ID == "" {
			return errors.New("package id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate package id %s", p.ID)
		}
		seen[p.ID] = true

		amount, err := p.Amount()
		if err != nil {
			return fmt.Errorf("package %s: invalid amount_rub %q", p.ID, p.AmountRub)
		}
		if !amount.IsPositive() {
			return fmt.Errorf("package %s: amount_rub must be positive", p.ID)
		}
		if p.Stars <= 0 {
			return fmt.Errorf("package %s: stars must be positive", p.ID)
		}
	}
	return nil
}
