package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "NIGHTBATCH"

// Config holds all nightbatch configuration.
// Priority: env vars (a .env file fills unset ones) > config file > defaults.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Log      LogConfig      `mapstructure:"log"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Panel    PanelConfig    `mapstructure:"panel"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, libsql or postgres
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type ExecutorConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BatchConfig struct {
	Params string `mapstructure:"params"`
	Cron   string `mapstructure:"cron"`
}

type NotifyConfig struct {
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
}

type PanelConfig struct {
	Addr string `mapstructure:"addr"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", "file:nightbatch.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("executor.pool_size", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("batch.params", "")
	v.SetDefault("batch.cron", "0 2 * * *")
	v.SetDefault("notify.amqp_url", "")
	v.SetDefault("notify.exchange", "flowrun.notifications")
	v.SetDefault("panel.addr", "")
	v.SetDefault("tracing.enabled", false)
}

// loadConfig layers defaults, an optional config file and NIGHTBATCH_*
// variables. A missing .env is fine; a missing config file named explicitly
// is not.
func loadConfig(configFile, envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case "memory", "libsql":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want memory, libsql or postgres)", c.Store.Driver)
	}
	if c.Executor.PoolSize < 0 {
		return fmt.Errorf("executor.pool_size must not be negative, got %d", c.Executor.PoolSize)
	}
	return nil
}
