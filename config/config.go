// Copyright 2023-2025 Buf Technologies, Inc.
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

// Package config loads the configuration of the reborn commands from a YAML
// file and REBORN_* environment variables, and turns it into pool options.
package config

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/reborndb/reborn-go"
	"github.com/reborndb/reborn-go/discovery"
	"github.com/reborndb/reborn-go/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load. Nested keys
// are joined with underscores, so zookeeper.path is read from
// REBORN_ZOOKEEPER_PATH.
const EnvPrefix = "REBORN"

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

//nolint:gochecknoglobals
var absolutePath = regexp.MustCompile(`^/[^\s]*$`)

type ZookeeperConfig struct {
	Servers        []string      `mapstructure:"servers"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	Path           string        `mapstructure:"path"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

type RedisConfig struct {
	PoolSize      int           `mapstructure:"pool_size"`
	MinIdleConns  int           `mapstructure:"min_idle_conns"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Password      string        `mapstructure:"password"`
	PingOnAcquire bool          `mapstructure:"ping_on_acquire"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	// Address is where /metrics is served. Empty disables the endpoint.
	Address string `mapstructure:"address"`
}

type ProbeConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Key      string        `mapstructure:"key"`
}

type Config struct {
	Zookeeper ZookeeperConfig `mapstructure:"zookeeper"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Probe     ProbeConfig     `mapstructure:"probe"`
}

// Load reads the configuration. If path is empty, a file named
// reborn.yaml is looked up in the working directory and its config
// subdirectory, and defaults are used when there is none. Environment
// variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("reborn")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("zookeeper.servers", []string{"127.0.0.1:2181"})
	v.SetDefault("zookeeper.session_timeout", 30*time.Second)
	v.SetDefault("zookeeper.path", "")
	v.SetDefault("zookeeper.retry_base_delay", discovery.DefaultRetryBaseDelay)
	v.SetDefault("zookeeper.retry_max_delay", discovery.DefaultRetryMaxDelay)
	v.SetDefault("redis.pool_size", 0)
	v.SetDefault("redis.min_idle_conns", 0)
	v.SetDefault("redis.timeout", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.ping_on_acquire", false)
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.format", logging.FormatText)
	v.SetDefault("metrics.address", "")
	v.SetDefault("probe.interval", 5*time.Second)
	v.SetDefault("probe.key", "reborn:probe")
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Zookeeper),
		validation.Field(&c.Redis),
		validation.Field(&c.Logging),
		validation.Field(&c.Metrics),
		validation.Field(&c.Probe),
	)
}

func (c ZookeeperConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Servers,
			validation.Required,
			validation.Each(validation.Required, validation.By(validateHostPort)),
		),
		validation.Field(&c.SessionTimeout, validation.Required, validation.Min(time.Duration(0)).Exclusive()),
		validation.Field(&c.Path, validation.Required, validation.Match(absolutePath)),
		validation.Field(&c.RetryBaseDelay, validation.Required, validation.Min(time.Duration(0)).Exclusive()),
		validation.Field(&c.RetryMaxDelay,
			validation.Required,
			validation.Min(c.RetryBaseDelay).Error("must not be less than retry_base_delay"),
		),
	)
}

func (c RedisConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.PoolSize, validation.Min(0)),
		validation.Field(&c.MinIdleConns, validation.Min(0)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

func (c LoggingConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
		validation.Field(&c.Format,
			validation.Required,
			validation.In(logging.FormatText, logging.FormatJSON),
		),
	)
}

func (c MetricsConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Address, validation.By(validateHostPort)),
	)
}

func (c ProbeConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Duration(0)).Exclusive()),
		validation.Field(&c.Key, validation.Required),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if addr == "" {
		return nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}
	if err := is.Port.Validate(port); err != nil {
		return validation.NewError("validation_invalid_port", "invalid port")
	}
	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}
	return nil
}

// NewLogger returns a logger writing to w as configured.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	return logging.New(c.Logging.Level, c.Logging.Format, w)
}

// PoolOptions returns the options for a pool created from this
// configuration.
func (c *Config) PoolOptions(logger *slog.Logger, reg prometheus.Registerer) []reborn.Option {
	return []reborn.Option{
		reborn.WithRedisOptions(&redis.Options{
			PoolSize:     c.Redis.PoolSize,
			MinIdleConns: c.Redis.MinIdleConns,
		}),
		reborn.WithTimeout(c.Redis.Timeout),
		reborn.WithPassword(c.Redis.Password),
		reborn.WithPingOnAcquire(c.Redis.PingOnAcquire),
		reborn.WithRetryBackoff(c.Zookeeper.RetryBaseDelay, c.Zookeeper.RetryMaxDelay),
		reborn.WithLogger(logger),
		reborn.WithMetricsRegisterer(reg),
	}
}
