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

package conn

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the pools created by NewRedisFactory.
type RedisConfig struct {
	// Options is a template for every per-proxy client. Addr is always
	// overwritten, and so are the timeouts. May be nil.
	Options *redis.Options
	// Timeout is used as the dial, read and write timeout. If zero,
	// DefaultTimeout is used.
	Timeout time.Duration
	// Password, if non-empty, is used to authenticate with each proxy.
	Password string
	// PingOnAcquire makes Get establish and validate the connection with a
	// PING before handing it out. Without it, Get is lazy and connection
	// errors surface on the first command.
	PingOnAcquire bool
}

// NewRedisFactory returns a Factory that backs every endpoint with a
// *redis.Client. The client is the connection pool; checked out
// connections are *redis.Conn values pinned to one pooled connection.
func NewRedisFactory(config RedisConfig) Factory {
	return redisFactory{config: config}
}

type redisFactory struct {
	config RedisConfig
}

func (f redisFactory) New(endpoint Endpoint) (Pool, error) {
	var opts redis.Options
	if f.config.Options != nil {
		opts = *f.config.Options
	}
	opts.Addr = endpoint.String()
	if f.config.Password != "" {
		opts.Password = f.config.Password
	}
	timeout := f.config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	return &redisPool{
		endpoint: endpoint,
		client:   redis.NewClient(&opts),
		ping:     f.config.PingOnAcquire,
	}, nil
}

type redisPool struct {
	endpoint Endpoint
	client   *redis.Client
	ping     bool
}

func (p *redisPool) Get(ctx context.Context) (*redis.Conn, error) {
	cn := p.client.Conn()
	if !p.ping {
		return cn, nil
	}
	if err := cn.Ping(ctx).Err(); err != nil {
		_ = cn.Close()
		return nil, err
	}
	return cn, nil
}

func (p *redisPool) Close() error {
	return p.client.Close()
}

func (p *redisPool) String() string {
	return "redis(" + p.endpoint.String() + ")"
}
