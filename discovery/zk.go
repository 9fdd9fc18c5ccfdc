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

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/reborndb/reborn-go/internal"
)

const (
	// DefaultRetryBaseDelay is the first delay between failed reads.
	DefaultRetryBaseDelay = 100 * time.Millisecond
	// DefaultRetryMaxDelay caps the delay between failed reads.
	DefaultRetryMaxDelay = 30 * time.Second

	closeWait = 5 * time.Second
)

// ZKOption customizes a client created by NewZKClient.
type ZKOption interface {
	apply(*ZKClient)
}

type zkOptionFunc func(*ZKClient)

func (f zkOptionFunc) apply(c *ZKClient) {
	f(c)
}

// WithLogger configures the logger used by the client, its caches and the
// underlying ZooKeeper connection. If not specified, [slog.Default] is used.
func WithLogger(logger *slog.Logger) ZKOption {
	return zkOptionFunc(func(c *ZKClient) {
		c.logger = logger
	})
}

// WithRetryBackoff configures how children caches retry failed reads.
// Retries never give up; the delay grows exponentially from base and is
// capped at maxDelay. Non-positive values keep the defaults.
func WithRetryBackoff(base, maxDelay time.Duration) ZKOption {
	return zkOptionFunc(func(c *ZKClient) {
		if base > 0 {
			c.retryBase = base
		}
		if maxDelay > 0 {
			c.retryMax = maxDelay
		}
	})
}

// zkConn is the part of *zk.Conn used by this package.
type zkConn interface {
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Close()
}

type dialFunc func(servers []string, sessionTimeout time.Duration, logger zk.Logger) (zkConn, <-chan zk.Event, error)

func dialZK(servers []string, sessionTimeout time.Duration, logger zk.Logger) (zkConn, <-chan zk.Event, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return conn, events, nil
}

// ZKClient is a Client backed by a ZooKeeper ensemble. The underlying
// connection reconnects on its own for as long as the client is open.
type ZKClient struct {
	servers        []string
	sessionTimeout time.Duration
	retryBase      time.Duration
	retryMax       time.Duration
	logger         *slog.Logger
	clock          internal.Clock
	dial           dialFunc

	state atomic.Int32

	mu sync.Mutex
	// +checklocks:mu
	conn zkConn
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	done chan struct{}
	// +checklocks:mu
	listeners []registeredListener
	// +checklocks:mu
	nextID int
}

type registeredListener struct {
	id       int
	listener StateListener
}

var _ Client = (*ZKClient)(nil)

// NewZKClient creates an unstarted client for the given ensemble.
func NewZKClient(servers []string, sessionTimeout time.Duration, opts ...ZKOption) *ZKClient {
	client := &ZKClient{
		servers:        servers,
		sessionTimeout: sessionTimeout,
		retryBase:      DefaultRetryBaseDelay,
		retryMax:       DefaultRetryMaxDelay,
		logger:         slog.Default(),
		clock:          internal.NewRealClock(),
		dial:           dialZK,
	}
	for _, opt := range opts {
		opt.apply(client)
	}
	return client
}

// Start implements Client.
func (c *ZKClient) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}
	conn, events, err := c.dial(c.servers, c.sessionTimeout, zkLogger{c.logger})
	if err != nil {
		return fmt.Errorf("discovery: connect to %v: %w", c.servers, err)
	}
	c.conn = conn
	c.done = make(chan struct{})
	go c.watchSession(events, c.done)
	return nil
}

// State implements Client.
func (c *ZKClient) State() State {
	return State(c.state.Load())
}

// AddStateListener implements Client.
func (c *ZKClient) AddStateListener(listener StateListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, registeredListener{id: id, listener: listener})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, registered := range c.listeners {
			if registered.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// NewChildrenCache implements Client.
func (c *ZKClient) NewChildrenCache(path string) ChildrenCache {
	return newZKChildrenCache(c, path)
}

// Close implements Client.
func (c *ZKClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.Close()
	select {
	case <-done:
	case <-c.clock.After(closeWait):
		c.logger.Warn("zookeeper session did not shut down in time")
	}
	return nil
}

func (c *ZKClient) connection() (zkConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, ErrNotStarted
	}
	return c.conn, nil
}

func (c *ZKClient) watchSession(events <-chan zk.Event, done chan struct{}) {
	defer close(done)
	var tracker sessionTracker
	for event := range events {
		if event.Type != zk.EventSession {
			continue
		}
		next, changed := tracker.observe(event.State)
		if !changed {
			continue
		}
		c.state.Store(int32(next))
		c.logger.Info("zookeeper connection state changed",
			slog.String("state", next.String()),
			slog.String("server", event.Server),
		)
		c.mu.Lock()
		listeners := make([]registeredListener, len(c.listeners))
		copy(listeners, c.listeners)
		c.mu.Unlock()
		for _, registered := range listeners {
			registered.listener.StateChanged(next)
		}
	}
}

// sessionTracker turns raw ZooKeeper session events into State
// transitions. A session is reported as connected the first time it is
// established and as reconnected every time after that.
type sessionTracker struct {
	state      State
	hadSession bool
}

func (t *sessionTracker) observe(zkState zk.State) (State, bool) {
	var next State
	switch zkState {
	case zk.StateHasSession:
		if t.state == StateConnected || t.state == StateReconnected {
			return t.state, false
		}
		next = StateConnected
		if t.hadSession {
			next = StateReconnected
		}
		t.hadSession = true
	case zk.StateDisconnected:
		if !t.state.Promotable() && t.state != StateReadOnly {
			return t.state, false
		}
		next = StateSuspended
	case zk.StateExpired, zk.StateAuthFailed:
		next = StateLost
	case zk.StateConnectedReadOnly:
		next = StateReadOnly
	default:
		return t.state, false
	}
	if next == t.state {
		return t.state, false
	}
	t.state = next
	return next, true
}

// zkLogger routes the ZooKeeper library's log output to slog.
type zkLogger struct {
	logger *slog.Logger
}

func (l zkLogger) Printf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "zookeeper"))
}
