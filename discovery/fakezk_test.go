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
	"path"
	"sort"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// fakeZK is an in-memory stand-in for a ZooKeeper connection. Watches are
// one-shot, like the real thing: they receive a single event and are then
// closed.
type fakeZK struct {
	events chan zk.Event

	mu           sync.Mutex
	nodes        map[string]*fakeNode
	childWatches map[string][]chan zk.Event
	dataWatches  map[string][]chan zk.Event
	existWatches map[string][]chan zk.Event
	childrenErrs []error
	getErrs      map[string][]error
	closed       bool
}

type fakeNode struct {
	data    []byte
	version int32
}

func newFakeZK() *fakeZK {
	return &fakeZK{
		events:       make(chan zk.Event, 16),
		nodes:        map[string]*fakeNode{},
		childWatches: map[string][]chan zk.Event{},
		dataWatches:  map[string][]chan zk.Event{},
		existWatches: map[string][]chan zk.Event{},
		getErrs:      map[string][]error{},
	}
}

func (f *fakeZK) dial(_ []string, _ time.Duration, _ zk.Logger) (zkConn, <-chan zk.Event, error) {
	return f, f.events, nil
}

func (f *fakeZK) failChildren(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.childrenErrs = append(f.childrenErrs, errs...)
}

// failGet makes the next reads of nodePath fail with errs, in order.
func (f *fakeZK) failGet(nodePath string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErrs[nodePath] = append(f.getErrs[nodePath], errs...)
}

// dataWatchCount returns the number of armed data watches on nodePath.
func (f *fakeZK) dataWatchCount(nodePath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dataWatches[nodePath])
}

func (f *fakeZK) ChildrenW(nodePath string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, nil, zk.ErrClosing
	}
	if len(f.childrenErrs) > 0 {
		err := f.childrenErrs[0]
		f.childrenErrs = f.childrenErrs[1:]
		return nil, nil, nil, err
	}
	if _, ok := f.nodes[nodePath]; !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	var names []string
	for candidate := range f.nodes {
		if candidate != nodePath && path.Dir(candidate) == nodePath {
			names = append(names, path.Base(candidate))
		}
	}
	sort.Strings(names)
	watch := make(chan zk.Event, 1)
	f.childWatches[nodePath] = append(f.childWatches[nodePath], watch)
	return names, &zk.Stat{}, watch, nil
}

func (f *fakeZK) GetW(nodePath string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, nil, zk.ErrClosing
	}
	if errs := f.getErrs[nodePath]; len(errs) > 0 {
		f.getErrs[nodePath] = errs[1:]
		return nil, nil, nil, errs[0]
	}
	node, ok := f.nodes[nodePath]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	watch := make(chan zk.Event, 1)
	f.dataWatches[nodePath] = append(f.dataWatches[nodePath], watch)
	return node.data, &zk.Stat{Version: node.version}, watch, nil
}

func (f *fakeZK) ExistsW(nodePath string) (bool, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, nil, nil, zk.ErrClosing
	}
	watch := make(chan zk.Event, 1)
	f.existWatches[nodePath] = append(f.existWatches[nodePath], watch)
	_, ok := f.nodes[nodePath]
	return ok, &zk.Stat{}, watch, nil
}

func (f *fakeZK) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, watches := range []map[string][]chan zk.Event{f.childWatches, f.dataWatches, f.existWatches} {
		for nodePath := range watches {
			fireLocked(watches, nodePath, zk.Event{Type: zk.EventNotWatching, Path: nodePath})
		}
	}
	close(f.events)
}

func (f *fakeZK) session(state zk.State) {
	f.events <- zk.Event{Type: zk.EventSession, State: state, Server: "fake:2181"}
}

func (f *fakeZK) create(nodePath string, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[nodePath] = &fakeNode{data: []byte(data)}
	fireLocked(f.existWatches, nodePath, zk.Event{Type: zk.EventNodeCreated, Path: nodePath})
	parent := path.Dir(nodePath)
	fireLocked(f.childWatches, parent, zk.Event{Type: zk.EventNodeChildrenChanged, Path: parent})
}

func (f *fakeZK) set(nodePath string, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node := f.nodes[nodePath]
	node.data = []byte(data)
	node.version++
	fireLocked(f.dataWatches, nodePath, zk.Event{Type: zk.EventNodeDataChanged, Path: nodePath})
}

func (f *fakeZK) delete(nodePath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, nodePath)
	fireLocked(f.dataWatches, nodePath, zk.Event{Type: zk.EventNodeDeleted, Path: nodePath})
	parent := path.Dir(nodePath)
	fireLocked(f.childWatches, parent, zk.Event{Type: zk.EventNodeChildrenChanged, Path: parent})
}

func fireLocked(watches map[string][]chan zk.Event, nodePath string, event zk.Event) {
	for _, watch := range watches[nodePath] {
		watch <- event
		close(watch)
	}
	delete(watches, nodePath)
}

// expire fires every armed watch with EventNotWatching, the way a session
// expiry does, without closing the connection.
func (f *fakeZK) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, watches := range []map[string][]chan zk.Event{f.childWatches, f.dataWatches, f.existWatches} {
		for nodePath := range watches {
			fireLocked(watches, nodePath, zk.Event{Type: zk.EventNotWatching, Path: nodePath, Err: zk.ErrSessionExpired})
		}
	}
}

// setSilently changes a node without firing any watch, like a write that
// happened while the session was gone.
func (f *fakeZK) setSilently(nodePath string, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node := f.nodes[nodePath]
	node.data = []byte(data)
	node.version++
}
