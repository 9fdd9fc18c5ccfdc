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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
)

// zkChildrenCache mirrors the children of a ZooKeeper path. A single
// goroutine owns the watches: every fired watch invalidates what it covered,
// and the next refresh re-reads (and re-watches) only that.
type zkChildrenCache struct {
	client *ZKClient
	path   string
	logger *slog.Logger

	initialized chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	data map[string]ChildData
	// +checklocks:mu
	listeners []ChildListener
	// +checklocks:mu
	started bool
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	cancel context.CancelFunc
	// +checklocks:mu
	done chan struct{}
}

func newZKChildrenCache(client *ZKClient, path string) *zkChildrenCache {
	return &zkChildrenCache{
		client:      client,
		path:        path,
		logger:      client.logger.With(slog.String("path", path)),
		initialized: make(chan struct{}),
		data:        map[string]ChildData{},
	}
}

func (c *zkChildrenCache) AddListener(listener ChildListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

func (c *zkChildrenCache) Start(ctx context.Context) error {
	conn, err := c.client.connection()
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("discovery: cache for %s already started", c.path)
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, conn, c.done)
	c.mu.Unlock()

	select {
	case <-c.initialized:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *zkChildrenCache) CurrentData() []ChildData {
	c.mu.Lock()
	defer c.mu.Unlock()
	children := make([]ChildData, 0, len(c.data))
	for _, child := range c.data {
		children = append(children, child)
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].Path < children[j].Path
	})
	return children
}

func (c *zkChildrenCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// watchState records which watches are currently armed, along with what
// was read when they were armed. An empty key stands for the watch on the
// parent's children.
type watchState struct {
	children bool
	names    []string
	data     map[string]ChildData
}

func (w *watchState) invalidate(key string) {
	if key == "" {
		w.children = false
		return
	}
	delete(w.data, key)
}

func (c *zkChildrenCache) run(ctx context.Context, conn zkConn, done chan struct{}) {
	defer close(done)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.client.retryBase
	retry.MaxInterval = c.client.retryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	fired := make(chan string)
	state := &watchState{data: map[string]ChildData{}}
	initialized := false
	for {
		if err := c.refresh(ctx, conn, state, fired, initialized); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := retry.NextBackOff()
			c.logger.Warn("failed to read children, retrying",
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
			if !c.sleep(ctx, delay) {
				return
			}
			continue
		}
		retry.Reset()
		if !initialized {
			initialized = true
			close(c.initialized)
			c.dispatch(Event{Type: EventInitialized})
		}

		select {
		case <-ctx.Done():
			return
		case key := <-fired:
			state.invalidate(key)
		}
		// Coalesce whatever else fired in the meantime into one refresh.
		for drained := false; !drained; {
			select {
			case key := <-fired:
				state.invalidate(key)
			default:
				drained = true
			}
		}
	}
}

func (c *zkChildrenCache) sleep(ctx context.Context, delay time.Duration) bool {
	timer := c.client.clock.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.Chan():
		return true
	}
}

func (c *zkChildrenCache) refresh(ctx context.Context, conn zkConn, state *watchState, fired chan<- string, notify bool) error {
	if !state.children {
		names, watch, err := c.watchChildren(conn)
		if err != nil {
			return err
		}
		state.children = true
		state.names = names
		go awaitWatch(ctx, watch, "", fired)
	}

	next := make(map[string]ChildData, len(state.names))
	for _, name := range state.names {
		childPath := path.Join(c.path, name)
		if child, ok := state.data[name]; ok {
			next[childPath] = child
			continue
		}
		data, stat, watch, err := conn.GetW(childPath)
		if errors.Is(err, zk.ErrNoNode) {
			// Deleted after it was listed; the children watch has fired.
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", childPath, err)
		}
		child := ChildData{Path: childPath, Data: data, Version: stat.Version}
		// A retry after a later failure in this pass reuses this read and
		// its watch.
		state.data[name] = child
		go awaitWatch(ctx, watch, name, fired)
		next[childPath] = child
	}
	for name := range state.data {
		if _, ok := next[path.Join(c.path, name)]; !ok {
			delete(state.data, name)
		}
	}

	c.mu.Lock()
	previous := c.data
	c.data = next
	c.mu.Unlock()
	if notify {
		for _, event := range diffChildren(previous, next) {
			c.dispatch(event)
		}
	}
	return nil
}

// watchChildren lists the children of the cache's path and arms a watch
// on them. If the path does not exist, the watch is armed on its creation
// instead and no children are returned.
func (c *zkChildrenCache) watchChildren(conn zkConn) ([]string, <-chan zk.Event, error) {
	names, _, watch, err := conn.ChildrenW(c.path)
	if err == nil {
		return names, watch, nil
	}
	if !errors.Is(err, zk.ErrNoNode) {
		return nil, nil, fmt.Errorf("list %s: %w", c.path, err)
	}
	exists, _, watch, err := conn.ExistsW(c.path)
	if err != nil {
		return nil, nil, fmt.Errorf("watch %s: %w", c.path, err)
	}
	if exists {
		return nil, nil, fmt.Errorf("list %s: created concurrently", c.path)
	}
	c.logger.Warn("watched path does not exist yet")
	return nil, watch, nil
}

func (c *zkChildrenCache) dispatch(event Event) {
	c.mu.Lock()
	listeners := make([]ChildListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, listener := range listeners {
		listener.ChildEvent(event)
	}
}

func awaitWatch(ctx context.Context, watch <-chan zk.Event, key string, fired chan<- string) {
	select {
	case <-ctx.Done():
		return
	case <-watch:
	}
	select {
	case <-ctx.Done():
	case fired <- key:
	}
}

func diffChildren(previous, next map[string]ChildData) []Event {
	var events []Event
	for childPath, child := range next {
		old, ok := previous[childPath]
		switch {
		case !ok:
			events = append(events, Event{Type: EventChildAdded, Data: &child})
		case old.Version != child.Version || !bytes.Equal(old.Data, child.Data):
			events = append(events, Event{Type: EventChildUpdated, Data: &child})
		}
	}
	for childPath, old := range previous {
		if _, ok := next[childPath]; !ok {
			events = append(events, Event{Type: EventChildRemoved, Data: &old})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Data.Path < events[j].Data.Path
	})
	return events
}
