// Copyright 2024 Coinbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configuration loads the service configuration from a YAML file
// and CHAINLEDGER_-prefixed environment variables. Environment variables
// override file values; optional .env files are loaded first.
package configuration

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/coinbase/chainledger/types"
)

// BaseConfig holds settings shared by every component.
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// ProcessorConfig holds the ledger processor's settings.
type ProcessorConfig struct {
	Topic             string          `mapstructure:"topic"`
	Token             types.TokenType `mapstructure:"token"`
	MaxProcessingTime time.Duration   `mapstructure:"max_processing_time"`
	FlushInterval     time.Duration   `mapstructure:"flush_interval"`
	GenesisFile       string          `mapstructure:"genesis_file"`
	ForksFile         string          `mapstructure:"forks_file"`
}

// DatabaseConfig holds the relational store configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// BadgerConfig holds the cache tiers' disk settings. Zero-valued tuning
// fields leave the database defaults untouched.
type BadgerConfig struct {
	Dir                string `mapstructure:"dir"`
	InMemory           bool   `mapstructure:"in_memory"`
	TableSizeGB        int64  `mapstructure:"table_size_gb"`
	ValueLogFileSizeMB int64  `mapstructure:"value_log_file_size_mb"`
	WriterShards       int    `mapstructure:"writer_shards"`
}

// NATSConfig holds NATS JetStream configuration. The consumer's ack wait
// is not configured here; the runner derives it from the processor's
// MaxProcessingTime.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	StreamName     string        `mapstructure:"stream_name"`
	ConsumerName   string        `mapstructure:"consumer_name"`
	ConnectionName string        `mapstructure:"connection_name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	MaxDeliver     int           `mapstructure:"max_deliver"`
}

// MetricsConfig holds the metrics endpoint settings. An empty Addr
// disables the server.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Configuration is the processor service's full configuration tree.
type Configuration struct {
	BaseConfig `mapstructure:",squash"`
	Processor  ProcessorConfig `mapstructure:"processor"`
	Database   DatabaseConfig  `mapstructure:"database"`
	Badger     BadgerConfig    `mapstructure:"badger"`
	NATS       NATSConfig      `mapstructure:"nats"`
	Metrics    MetricsConfig   `mapstructure:"metrics"`
}

// Load reads the configuration from configFile, falling back to a
// config.yaml found on the search path when configFile is empty. envPath
// points at the directory holding optional .env files.
func Load(configFile string, envPath string) (*Configuration, error) {
	v := configureViper(configFile, envPath)

	// Set defaults
	v.SetDefault("processor.topic", "chainledger.blocks")
	v.SetDefault("processor.token", string(types.NativeToken))
	v.SetDefault("processor.max_processing_time", "1m")
	v.SetDefault("processor.flush_interval", "30s")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "10m")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream_name", "CHAINLEDGER")
	v.SetDefault("nats.consumer_name", "chainledger-processor")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.max_deliver", 5)
	v.SetDefault("metrics.addr", ":2112")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found, use environment variables
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if cfg.Database.Host == "" {
		return nil, errors.New("database.host is required")
	}
	if cfg.Database.DBName == "" {
		return nil, errors.New("database.dbname is required")
	}
	if !cfg.Badger.InMemory && cfg.Badger.Dir == "" {
		return nil, errors.New("badger.dir is required unless badger.in_memory is set")
	}
	if err := cfg.Processor.Token.Valid(); err != nil {
		return nil, fmt.Errorf("processor.token: %w", err)
	}

	return &cfg, nil
}

// configureViper returns a viper instance with the config file and
// environment variables set
func configureViper(configFile string, envPath string) *viper.Viper {
	v := viper.New()

	// Load environment variables
	loadEnv(envPath)

	// Set config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		// Search for config.yaml in multiple locations:
		// 1. Current directory
		v.AddConfigPath(".")
		// 2. The processor binary's directory
		v.AddConfigPath("examples/processor/")
		// 3. Config directory
		v.AddConfigPath("config/")
	}

	// Set environment variables
	v.SetEnvPrefix("CHAINLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind all environment variables
	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables.
// This is required for viper to map env vars to config struct fields when
// no config file exists
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"sentry_dsn",
		// Processor
		"processor.topic",
		"processor.token",
		"processor.max_processing_time",
		"processor.flush_interval",
		"processor.genesis_file",
		"processor.forks_file",
		// Database
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.dbname",
		"database.sslmode",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.conn_max_idle_time",
		// Badger
		"badger.dir",
		"badger.in_memory",
		"badger.table_size_gb",
		"badger.value_log_file_size_mb",
		"badger.writer_shards",
		// NATS
		"nats.url",
		"nats.stream_name",
		"nats.consumer_name",
		"nats.connection_name",
		"nats.max_reconnects",
		"nats.reconnect_wait",
		"nats.max_deliver",
		// Metrics
		"metrics.addr",
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string) {
	// Shared base first, then local overrides.
	envFiles := []string{".env", ".env.local"}

	// Default to config directory
	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate) // Overload lets later files override earlier ones
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
