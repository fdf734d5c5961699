package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Configuration struct {
	Server    ServerConfig    `validate:"required"`
	Database  DatabaseConfig  `validate:"required"`
	Logging   LoggingConfig   `validate:"required"`
	Billing   BillingConfig   `validate:"required"`
	Scheduler SchedulerConfig
	CORS      CORSConfig `mapstructure:"cors"`
}

type ServerConfig struct {
	Address string `validate:"required"`
}

type DatabaseConfig struct {
	// Path of the SQLite file; ":memory:" for an ephemeral store.
	Path string `validate:"required"`
}

type LoggingConfig struct {
	Level string `validate:"required,oneof=debug info warn error"`
}

type BillingConfig struct {
	PrepaidLeadDays int           `mapstructure:"prepaid_lead_days" validate:"gte=0,lte=31"`
	MonthCount      string        `mapstructure:"month_count" validate:"required,oneof=heuristic calendar"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout" validate:"gt=0"`
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration `validate:"required_if=Enabled true"`
	Workers  int           `validate:"gte=0"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// NewConfig loads config.yaml (if any), then .env and SETTLEMENT_* variables
// on top of the defaults.
func NewConfig() (*Configuration, error) {
	// Load .env file, ignoring errors if it doesn't exist
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/settlement")

	v.SetEnvPrefix("SETTLEMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(
		".", "_",
		"-", "_",
	))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var config Configuration
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults mirrors Default so every key is known to viper; AutomaticEnv
// only overrides keys viper has seen.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("billing.prepaid_lead_days", d.Billing.PrepaidLeadDays)
	v.SetDefault("billing.month_count", d.Billing.MonthCount)
	v.SetDefault("billing.lock_timeout", d.Billing.LockTimeout)
	v.SetDefault("scheduler.enabled", d.Scheduler.Enabled)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.workers", d.Scheduler.Workers)
	v.SetDefault("cors.allowed_origins", d.CORS.AllowedOrigins)
}

func (c Configuration) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// Default returns the local development configuration. Useful for tests and
// scripts that should not read the environment.
func Default() *Configuration {
	return &Configuration{
		Server:   ServerConfig{Address: ":8080"},
		Database: DatabaseConfig{Path: "./settlement.db"},
		Logging:  LoggingConfig{Level: "info"},
		Billing: BillingConfig{
			PrepaidLeadDays: 0,
			MonthCount:      "heuristic",
			LockTimeout:     5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: time.Hour,
			Workers:  4,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		},
	}
}
