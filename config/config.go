package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

var (
	GlobalConfigCallback Callback[GlobalConfig]
	CfgFlag              = flag.String("config", "config.toml", "Configuration file (toml format)")

	BackoffMaxElapsedTime = 5 * time.Minute
	Timeout               = 1000 * time.Millisecond
)

// GlobalConfig is the part of the configuration that packages may react to
// through GlobalConfigCallback without importing the full config.
type GlobalConfig interface {
	LoggerConfig() LoggerConfig
}

// Callback distributes a value to subscribers registered before or after
// the value became available.
type Callback[T any] struct {
	callbacks []func(T)
	value     *T
}

func (c *Callback[T]) AddCallback(f func(T)) {
	c.callbacks = append(c.callbacks, f)
	if c.value != nil {
		f(*c.value)
	}
}

func (c *Callback[T]) Call(v T) {
	c.value = &v
	for _, f := range c.callbacks {
		f(v)
	}
}

type Config struct {
	DB      DBConfig      `toml:"db"`
	Logger  LoggerConfig  `toml:"logger"`
	Chain   ChainConfig   `toml:"chain"`
	Sync    SyncConfig    `toml:"sync"`
	Confirm ConfirmConfig `toml:"confirm"`
	Redis   RedisConfig   `toml:"redis"`
}

type LoggerConfig struct {
	Level       string `toml:"level"` // valid values are: DEBUG, INFO, WARN, ERROR, DPANIC, PANIC, FATAL (zap)
	File        string `toml:"file"`
	MaxFileSize int    `toml:"max_file_size"` // In megabytes
	Console     bool   `toml:"console"`
}

type DBConfig struct {
	Host             string `toml:"host" envconfig:"DB_HOST"`
	Port             int    `toml:"port" envconfig:"DB_PORT"`
	Database         string `toml:"database" envconfig:"DB_DATABASE"`
	Username         string `toml:"username" envconfig:"DB_USERNAME"`
	Password         string `toml:"password" envconfig:"DB_PASSWORD"`
	LogQueries       bool   `toml:"log_queries"`
	DropTableAtStart bool   `toml:"drop_table_at_start"`
	HistoryDrop      uint64 `toml:"history_drop"` // audit log retention in seconds, 0 disables pruning
}

type ChainConfig struct {
	NodeURL         string `toml:"node_url" envconfig:"CHAIN_NODE_URL"`
	APIKey          string `toml:"api_key" envconfig:"CHAIN_API_KEY"`
	ChainID         uint64 `toml:"chain_id"`
	ContractAddress string `toml:"contract_address"`
	TokenAddress    string `toml:"token_address"`
	TokenSymbol     string `toml:"token_symbol"`
	TokenDecimals   int32  `toml:"token_decimals"`
	// ConfirmationDepth is the number of blocks behind the head that are
	// considered immune to reorgs.
	ConfirmationDepth uint64 `toml:"confirmation_depth"`
}

type SyncConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
	// MaxLogRange models the provider-side cap on a single log range query.
	MaxLogRange uint64 `toml:"max_log_range"`
}

type ConfirmConfig struct {
	DelaySeconds   int `toml:"delay_seconds"` // initial delay before the first receipt check
	MaxAttempts    int `toml:"max_attempts"`
	BackoffSeconds int `toml:"backoff_seconds"`
	Concurrency    int `toml:"concurrency"`
}

type RedisConfig struct {
	Address  string `toml:"address" envconfig:"REDIS_ADDRESS"`
	Password string `toml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `toml:"db"`
}

func BuildConfig() (*Config, error) {
	cfg := &Config{}
	if err := ParseConfigFile(cfg, *CfgFlag); err != nil {
		return nil, err
	}
	if err := ReadEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ParseConfigFile(cfg *Config, fileName string) error {
	content, err := os.ReadFile(fileName)
	if err != nil {
		return fmt.Errorf("error opening config file: %w", err)
	}

	_, err = toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

func ReadEnv(cfg interface{}) error {
	err := envconfig.Process("", cfg)
	if err != nil {
		return fmt.Errorf("error reading env config: %w", err)
	}
	return nil
}

func (c Config) LoggerConfig() LoggerConfig {
	return c.Logger
}

// FullNodeURL appends the API key, if any, to the configured node URL.
func (c ChainConfig) FullNodeURL() (*url.URL, error) {
	u, err := url.Parse(c.NodeURL)
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		q := u.Query()
		q.Set("x-apikey", c.APIKey)
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func (c SyncConfig) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c ConfirmConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

func (c ConfirmConfig) Backoff() time.Duration {
	if c.BackoffSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.BackoffSeconds) * time.Second
}
