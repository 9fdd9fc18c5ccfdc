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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/reborndb/reborn-go/conn"
	"github.com/reborndb/reborn-go/discovery"
	"github.com/reborndb/reborn-go/internal/metrics"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// ErrEmptyPool is returned by Get when no proxy is available.
var ErrEmptyPool = errors.New("reborn: proxy list empty")

// Pool hands out connections to the online proxies of a reborn cluster in
// round-robin order. It is safe for concurrent use.
type Pool struct {
	path        string
	client      discovery.Client
	closeClient bool
	cache       discovery.ChildrenCache
	builder     snapshotBuilder
	logger      *slog.Logger
	metrics     *metrics.Metrics
	selector    *roundRobin

	//nolint:containedCtx
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool

	removeStateListener func()

	// NB: only set from tests
	updateHook func()

	// +checkatomic
	active atomic.Pointer[snapshot]
	// +checkatomic
	candidate atomic.Pointer[snapshot]
	// +checkatomic
	state atomic.Int32
	// +checkatomic
	membershipChanged atomic.Bool
	// +checkatomic
	promotions atomic.Uint64
	updates    chan struct{}

	// open holds every per-proxy pool that has not been closed, by
	// address. It is only used by the goroutine running reconcile.
	open map[string]*entry
}

// NewPool creates a pool that watches the given path of a ZooKeeper
// ensemble. The pool owns the ZooKeeper session and closes it in Close.
//
// NewPool blocks until the children of path have been read, or until ctx
// is done. The pool may still be empty when NewPool returns, if the
// session was not yet fully established; it fills up as soon as it is.
func NewPool(ctx context.Context, servers []string, sessionTimeout time.Duration, path string, opts ...Option) (*Pool, error) {
	options := newPoolOptions(opts)
	client := discovery.NewZKClient(
		servers,
		sessionTimeout,
		discovery.WithLogger(options.logger),
		discovery.WithRetryBackoff(options.retryBase, options.retryMax),
	)
	return newPoolFromOptions(ctx, client, true, path, options)
}

// NewPoolWithClient creates a pool that watches path through client. The
// client is started if it is not started yet. If closeClient is true, the
// client is closed by the pool's Close method, and also when creating the
// pool fails.
func NewPoolWithClient(ctx context.Context, client discovery.Client, closeClient bool, path string, opts ...Option) (*Pool, error) {
	return newPoolFromOptions(ctx, client, closeClient, path, newPoolOptions(opts))
}

func newPoolFromOptions(ctx context.Context, client discovery.Client, closeClient bool, path string, options *poolOptions) (*Pool, error) {
	pool, err := newPool(client, closeClient, path, options)
	if err != nil {
		if closeClient {
			_ = client.Close()
		}
		return nil, err
	}
	if err := pool.start(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}

func newPool(client discovery.Client, closeClient bool, path string, options *poolOptions) (*Pool, error) {
	poolMetrics, err := metrics.New(options.registerer)
	if err != nil {
		return nil, fmt.Errorf("reborn: register metrics: %w", err)
	}
	logger := options.logger.With(slog.String("path", path))
	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		path:        path,
		client:      client,
		closeClient: closeClient,
		builder: snapshotBuilder{
			factory: options.factory,
			logger:  logger,
			metrics: poolMetrics,
		},
		logger:   logger,
		metrics:  poolMetrics,
		selector: newRoundRobin(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		updates:  make(chan struct{}, 1),
		open:     map[string]*entry{},
	}
	pool.active.Store(emptySnapshot)
	pool.candidate.Store(emptySnapshot)
	return pool, nil
}

// Get checks a connection out of the next proxy in round-robin order. The
// caller must Close the connection when done with it. Get returns
// ErrEmptyPool if no proxy is available; errors from the proxy's pool are
// returned unchanged.
func (p *Pool) Get(ctx context.Context) (*redis.Conn, error) {
	active := p.active.Load()
	if len(active.entries) == 0 {
		p.metrics.Acquired(metrics.ResultEmpty)
		return nil, ErrEmptyPool
	}
	e := active.entries[p.selector.next(len(active.entries))]
	cn, err := e.pool.Get(ctx)
	if err != nil {
		p.metrics.Acquired(metrics.ResultError)
		return nil, err
	}
	p.metrics.Acquired(metrics.ResultOK)
	return cn, nil
}

// Endpoints returns the proxies Get currently picks from, in order.
func (p *Pool) Endpoints() []conn.Endpoint {
	return p.active.Load().endpoints()
}

// Close stops watching the membership path and closes every per-proxy
// pool. The coordination client is closed too if the pool owns it. Close
// returns the first error reported by a per-proxy pool; errors from the
// coordination service are only logged. Calling Close more than once is a
// no-op.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.release()
	p.cancel()
	<-p.done

	p.active.Store(emptySnapshot)
	p.candidate.Store(emptySnapshot)
	p.recordSizes()

	grp, _ := errgroup.WithContext(context.Background())
	var closeErr atomic.Pointer[error]
	for addr, e := range p.open {
		delete(p.open, addr)
		grp.Go(func() error {
			if err := p.closeEntry(e); err != nil {
				// Only the first failure is returned. Every failure has
				// already been logged by closeEntry.
				closeErr.CompareAndSwap(nil, &err)
			}
			return nil
		})
	}
	_ = grp.Wait()
	if errPtr := closeErr.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// release stops watching and lets go of the coordination client.
func (p *Pool) release() {
	if p.cache != nil {
		if err := p.cache.Close(); err != nil {
			p.logger.Error("failed to close membership watcher", slog.Any("error", err))
		}
	}
	if p.removeStateListener != nil {
		p.removeStateListener()
	}
	if p.closeClient {
		if err := p.client.Close(); err != nil {
			p.logger.Error("failed to close coordination client", slog.Any("error", err))
		}
	}
}

func (p *Pool) closeEntry(e *entry) error {
	err := e.pool.Close()
	p.metrics.Closed(err)
	if err != nil {
		p.logger.Error("failed to close proxy pool",
			slog.String("proxy", e.endpoint.String()),
			slog.Any("error", err),
		)
		return fmt.Errorf("close %s: %w", e.endpoint, err)
	}
	p.logger.Info("remove proxy", slog.String("proxy", e.endpoint.String()))
	return nil
}
