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

// Package conn provides the representation of a per-proxy connection pool.
// A pool is the primitive used for load balancing by the
// [github.com/reborndb/reborn-go] package. A single pool owns every
// physical connection to a single proxy endpoint.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTimeout is the connect, read and write timeout used for a proxy
// when no explicit timeout is configured.
const DefaultTimeout = 2 * time.Second

// Endpoint is the network address of one proxy.
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint parses a "host:port" string. IPv6 hosts must be enclosed
// in square brackets.
func ParseEndpoint(hostPort string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Endpoint{}, err
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("address %q: missing host", hostPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("address %q: invalid port: %w", hostPort, err)
	}
	if port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("address %q: port %d out of range", hostPort, port)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// String returns the endpoint in "host:port" form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Pool is a pool of connections to a single proxy.
type Pool interface {
	// Get checks a connection out of the pool. The caller must Close the
	// returned connection to hand it back.
	Get(ctx context.Context) (*redis.Conn, error)
	// Close closes the pool and every idle connection in it. Connections
	// that are checked out when Close is called become unusable.
	Close() error
}

// Factory opens a Pool for a newly discovered endpoint.
type Factory interface {
	New(Endpoint) (Pool, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(Endpoint) (Pool, error)

// New implements Factory.
func (f FactoryFunc) New(endpoint Endpoint) (Pool, error) {
	return f(endpoint)
}

var errNilPool = errors.New("factory returned nil pool")

// Open calls factory.New and guards against factories that return neither
// a pool nor an error.
func Open(factory Factory, endpoint Endpoint) (Pool, error) {
	pool, err := factory.New(endpoint)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("%s: %w", endpoint, errNilPool)
	}
	return pool, nil
}
