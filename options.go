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

package reborn

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/reborndb/reborn-go/conn"
	"github.com/reborndb/reborn-go/discovery"
	"github.com/redis/go-redis/v9"
)

// Option is an option used to customize the behavior of a Pool.
type Option interface {
	apply(*poolOptions)
}

// WithRedisOptions configures the template used for every per-proxy
// client. Addr, the timeouts and (if WithPassword is used) Password are
// overwritten for each proxy. The template is copied; later changes to it
// have no effect.
func WithRedisOptions(opts *redis.Options) Option {
	return optionFunc(func(o *poolOptions) {
		o.redis = opts
	})
}

// WithTimeout configures the connect, read and write timeout of every
// per-proxy client. If not specified, or if not positive,
// [conn.DefaultTimeout] is used.
func WithTimeout(timeout time.Duration) Option {
	return optionFunc(func(o *poolOptions) {
		o.timeout = timeout
	})
}

// WithPassword configures the password used to authenticate with every
// proxy. If not specified, no password is sent.
func WithPassword(password string) Option {
	return optionFunc(func(o *poolOptions) {
		o.password = password
	})
}

// WithPingOnAcquire makes Get validate every connection with a PING
// before returning it.
func WithPingOnAcquire(ping bool) Option {
	return optionFunc(func(o *poolOptions) {
		o.pingOnAcquire = ping
	})
}

// WithConnFactory configures the factory used to open a per-proxy pool.
// When used, WithRedisOptions, WithTimeout, WithPassword and
// WithPingOnAcquire have no effect.
func WithConnFactory(factory conn.Factory) Option {
	return optionFunc(func(o *poolOptions) {
		o.factory = factory
	})
}

// WithLogger configures the logger of the pool. If not specified,
// [slog.Default] is used.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(o *poolOptions) {
		o.logger = logger
	})
}

// WithMetricsRegisterer configures where the pool's prometheus collectors
// are registered. If not specified, metrics are collected but not
// registered anywhere.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return optionFunc(func(o *poolOptions) {
		o.registerer = reg
	})
}

// WithRetryBackoff configures the delays between failed reads from
// ZooKeeper. Reads are retried forever with a delay that starts at base
// and grows exponentially up to maxDelay. It only applies to pools
// created with NewPool. If not specified, the delays range from
// [discovery.DefaultRetryBaseDelay] to [discovery.DefaultRetryMaxDelay].
func WithRetryBackoff(base, maxDelay time.Duration) Option {
	return optionFunc(func(o *poolOptions) {
		o.retryBase = base
		o.retryMax = maxDelay
	})
}

type optionFunc func(*poolOptions)

func (f optionFunc) apply(opts *poolOptions) {
	f(opts)
}

type poolOptions struct {
	redis         *redis.Options
	timeout       time.Duration
	password      string
	pingOnAcquire bool
	factory       conn.Factory
	logger        *slog.Logger
	registerer    prometheus.Registerer
	retryBase     time.Duration
	retryMax      time.Duration
}

func newPoolOptions(opts []Option) *poolOptions {
	options := &poolOptions{
		retryBase: discovery.DefaultRetryBaseDelay,
		retryMax:  discovery.DefaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt.apply(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.factory == nil {
		options.factory = conn.NewRedisFactory(conn.RedisConfig{
			Options:       options.redis,
			Timeout:       options.timeout,
			Password:      options.password,
			PingOnAcquire: options.pingOnAcquire,
		})
	}
	return options
}
