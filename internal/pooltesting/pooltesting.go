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

// Package pooltesting provides fakes for the collaborators of a reborn
// pool: a conn.Factory whose pools record how they are used, and a
// discovery.Client whose membership and state are set by the test.
package pooltesting

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/reborndb/reborn-go/conn"
	"github.com/reborndb/reborn-go/discovery"
	"github.com/redis/go-redis/v9"
)

// FakePool is an implementation of conn.Pool that can be used for testing.
// The connections it hands out are never dialed: they only fail once a
// command is sent through them.
//
// To create new instances of FakePool, use a FakeFactory.
type FakePool struct {
	Index    int
	Endpoint conn.Endpoint

	factory *FakeFactory
	client  *redis.Client
	gets    atomic.Int64
	closes  atomic.Int32

	mu sync.Mutex
	// +checklocks:mu
	getErr error
	// +checklocks:mu
	closeErr error
}

// Get implements conn.Pool. Every call is recorded in the factory's
// acquisition log, including calls that fail.
func (p *FakePool) Get(context.Context) (*redis.Conn, error) {
	p.gets.Add(1)
	p.factory.recordAcquire(p.Index)
	p.mu.Lock()
	err := p.getErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.client.Conn(), nil
}

// Close implements conn.Pool. It returns the error configured with
// SetCloseErr, if any, but the pool is considered closed either way.
func (p *FakePool) Close() error {
	p.closes.Add(1)
	_ = p.client.Close()
	p.factory.poolClosed(p)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// SetGetErr makes subsequent calls to Get fail with err.
func (p *FakePool) SetGetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getErr = err
}

// SetCloseErr makes Close fail with err.
func (p *FakePool) SetCloseErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeErr = err
}

// Gets returns the number of times Get was called.
func (p *FakePool) Gets() int {
	return int(p.gets.Load())
}

// Closes returns the number of times Close was called.
func (p *FakePool) Closes() int {
	return int(p.closes.Load())
}

func (p *FakePool) String() string {
	return fmt.Sprintf("fake#%d(%s)", p.Index, p.Endpoint)
}

// FakeFactory is an implementation of conn.Factory that can be used for
// testing. It marks the pools created with its New method with an index
// in sequential order. So the first pool created is a *FakePool with an
// Index of 1. The second will have Index 2, and so on.
type FakeFactory struct {
	// OnClose, if set, is called by every pool when it is closed, before
	// Close returns. It should be set immediately after the factory is
	// created, before any pools are created, to avoid races.
	OnClose func(*FakePool) // +checklocksignore: only written before use.

	poolsUpdate chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	index int
	// +checklocks:mu
	open map[*FakePool]struct{}
	// +checklocks:mu
	created []*FakePool
	// +checklocks:mu
	failures map[string]error
	// +checklocks:mu
	acquired []int
}

var _ conn.Factory = (*FakeFactory)(nil)

// NewFakeFactory constructs a new FakeFactory.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{
		poolsUpdate: make(chan struct{}, 1),
		open:        map[*FakePool]struct{}{},
		failures:    map[string]error{},
	}
}

// New implements conn.Factory. Test code can asynchronously await a call
// to New or to a pool's Close using the AwaitPoolUpdate method.
func (f *FakeFactory) New(endpoint conn.Endpoint) (conn.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[endpoint.String()]; err != nil {
		return nil, err
	}
	f.index++
	pool := &FakePool{
		Index:    f.index,
		Endpoint: endpoint,
		factory:  f,
		client:   redis.NewClient(&redis.Options{Addr: endpoint.String()}),
	}
	f.open[pool] = struct{}{}
	f.created = append(f.created, pool)
	f.notify()
	return pool, nil
}

// FailFor makes New fail with err for the given "host:port" address. A nil
// err clears the failure.
func (f *FakeFactory) FailFor(addr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, addr)
		return
	}
	f.failures[addr] = err
}

// Created returns every pool created so far, in creation order.
func (f *FakeFactory) Created() []*FakePool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakePool(nil), f.created...)
}

// Open returns the pools that have been created and not yet closed,
// ordered by index.
func (f *FakeFactory) Open() []*FakePool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openLocked()
}

// Acquired returns the indexes of the pools that Get was called on, in
// call order.
func (f *FakeFactory) Acquired() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.acquired...)
}

// AwaitPoolUpdate waits for a concurrent change to the set of open pools,
// via calls to New or Close. It may return immediately if there was a past
// change that has yet to be acknowledged via a call to this method. It
// returns a snapshot of the open pools on success, or the context error if
// the context is done first.
func (f *FakeFactory) AwaitPoolUpdate(ctx context.Context) ([]*FakePool, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.poolsUpdate:
		return f.Open(), nil
	}
}

func (f *FakeFactory) recordAcquire(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = append(f.acquired, index)
}

func (f *FakeFactory) poolClosed(pool *FakePool) {
	if f.OnClose != nil {
		f.OnClose(pool)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, pool)
	f.notify()
}

// +checklocks:f.mu
func (f *FakeFactory) openLocked() []*FakePool {
	pools := make([]*FakePool, 0, len(f.open))
	for pool := range f.open {
		pools = append(pools, pool)
	}
	sort.Slice(pools, func(i, j int) bool {
		return pools[i].Index < pools[j].Index
	})
	return pools
}

// +checklocks:f.mu
func (f *FakeFactory) notify() {
	select {
	case f.poolsUpdate <- struct{}{}:
	default:
	}
}

// Record returns the JSON membership record for a proxy.
func Record(addr, state string) []byte {
	data, err := json.Marshal(map[string]string{"addr": addr, "state": state})
	if err != nil {
		panic(err) //nolint:forbidigo
	}
	return data
}

// FakeClient is an implementation of discovery.Client that can be used for
// testing. Its state only changes when SetState is called, and every
// children cache it creates is the same FakeCache.
type FakeClient struct {
	// Cache is returned by every call to NewChildrenCache.
	Cache *FakeCache

	mu sync.Mutex
	// +checklocks:mu
	state discovery.State
	// +checklocks:mu
	startErr error
	// +checklocks:mu
	closeErr error
	// +checklocks:mu
	starts int
	// +checklocks:mu
	closes int
	// +checklocks:mu
	paths []string
	// +checklocks:mu
	listeners map[int]discovery.StateListener
	// +checklocks:mu
	nextID int
}

var _ discovery.Client = (*FakeClient)(nil)

// NewFakeClient constructs a new FakeClient in the given state.
func NewFakeClient(state discovery.State) *FakeClient {
	return &FakeClient{
		Cache:     NewFakeCache(),
		state:     state,
		listeners: map[int]discovery.StateListener{},
	}
}

// Start implements discovery.Client.
func (c *FakeClient) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return c.startErr
}

// State implements discovery.Client.
func (c *FakeClient) State() discovery.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddStateListener implements discovery.Client.
func (c *FakeClient) AddStateListener(listener discovery.StateListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = listener
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// NewChildrenCache implements discovery.Client. It always returns Cache.
func (c *FakeClient) NewChildrenCache(path string) discovery.ChildrenCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, path)
	return c.Cache
}

// Close implements discovery.Client.
func (c *FakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return c.closeErr
}

// SetState changes the state and synchronously notifies every listener.
func (c *FakeClient) SetState(state discovery.State) {
	c.mu.Lock()
	c.state = state
	listeners := make([]discovery.StateListener, 0, len(c.listeners))
	for _, listener := range c.listeners {
		listeners = append(listeners, listener)
	}
	c.mu.Unlock()
	for _, listener := range listeners {
		listener.StateChanged(state)
	}
}

// SetStartErr makes Start fail with err.
func (c *FakeClient) SetStartErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startErr = err
}

// SetCloseErr makes Close fail with err.
func (c *FakeClient) SetCloseErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
}

// Starts returns the number of calls to Start.
func (c *FakeClient) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// Closes returns the number of calls to Close.
func (c *FakeClient) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Listeners returns the number of registered state listeners.
func (c *FakeClient) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// Paths returns the paths passed to NewChildrenCache.
func (c *FakeClient) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

// FakeCache is an implementation of discovery.ChildrenCache whose children
// are set by the test. Changes made after Start are reported to listeners
// synchronously, one event per change.
type FakeCache struct {
	mu sync.Mutex
	// +checklocks:mu
	children map[string]discovery.ChildData
	// +checklocks:mu
	listeners []discovery.ChildListener
	// +checklocks:mu
	started bool
	// +checklocks:mu
	startErr error
	// +checklocks:mu
	closeErr error
	// +checklocks:mu
	closes int
}

var _ discovery.ChildrenCache = (*FakeCache)(nil)

// NewFakeCache constructs an empty FakeCache.
func NewFakeCache() *FakeCache {
	return &FakeCache{children: map[string]discovery.ChildData{}}
}

// AddListener implements discovery.ChildrenCache.
func (c *FakeCache) AddListener(listener discovery.ChildListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// Start implements discovery.ChildrenCache. Like the real cache, the
// initial children are reported as a whole with a single
// EventInitialized.
func (c *FakeCache) Start(context.Context) error {
	c.mu.Lock()
	if c.startErr != nil {
		c.mu.Unlock()
		return c.startErr
	}
	c.started = true
	c.mu.Unlock()
	c.Emit(discovery.Event{Type: discovery.EventInitialized})
	return nil
}

// CurrentData implements discovery.ChildrenCache.
func (c *FakeCache) CurrentData() []discovery.ChildData {
	c.mu.Lock()
	defer c.mu.Unlock()
	children := make([]discovery.ChildData, 0, len(c.children))
	for _, child := range c.children {
		children = append(children, child)
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].Path < children[j].Path
	})
	return children
}

// Close implements discovery.ChildrenCache.
func (c *FakeCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return c.closeErr
}

// SetChild creates or updates a child. After Start, the change is
// reported as EventChildAdded or EventChildUpdated.
func (c *FakeCache) SetChild(path string, data []byte) {
	c.mu.Lock()
	old, exists := c.children[path]
	child := discovery.ChildData{Path: path, Data: data}
	eventType := discovery.EventChildAdded
	if exists {
		child.Version = old.Version + 1
		eventType = discovery.EventChildUpdated
	}
	c.children[path] = child
	started := c.started
	c.mu.Unlock()
	if started {
		c.Emit(discovery.Event{Type: eventType, Data: &child})
	}
}

// RemoveChild deletes a child. After Start, the change is reported as
// EventChildRemoved.
func (c *FakeCache) RemoveChild(path string) {
	c.mu.Lock()
	old, exists := c.children[path]
	delete(c.children, path)
	started := c.started
	c.mu.Unlock()
	if exists && started {
		c.Emit(discovery.Event{Type: discovery.EventChildRemoved, Data: &old})
	}
}

// Emit delivers event to every listener without touching the children.
func (c *FakeCache) Emit(event discovery.Event) {
	c.mu.Lock()
	listeners := append([]discovery.ChildListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, listener := range listeners {
		listener.ChildEvent(event)
	}
}

// SetStartErr makes Start fail with err.
func (c *FakeCache) SetStartErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startErr = err
}

// SetCloseErr makes Close fail with err.
func (c *FakeCache) SetCloseErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
}

// Closes returns the number of calls to Close.
func (c *FakeCache) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}
