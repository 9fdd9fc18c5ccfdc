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

// Package discovery provides access to the coordination service that
// publishes proxy membership. A [Client] is a session with the service; it
// reports session [State] transitions and creates a [ChildrenCache] for a
// path. A children cache mirrors the children of that path (and their data)
// and notifies listeners whenever a child is added, updated or removed.
//
// [NewZKClient] returns a Client backed by Apache ZooKeeper.
package discovery

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned when a children cache is started before
	// its client.
	ErrNotStarted = errors.New("discovery: client not started")
	// ErrClosed is returned when starting a client or cache that has
	// already been closed.
	ErrClosed = errors.New("discovery: closed")
)

// Client is a session with the coordination service.
type Client interface {
	// Start connects the client. It does not wait for a session to be
	// established. Calling Start on a started client is a no-op.
	Start(ctx context.Context) error
	// State returns the most recently observed session state.
	State() State
	// AddStateListener registers a listener for session state
	// transitions. Listeners are invoked serially from a single goroutine
	// and must not block. The returned function removes the listener.
	AddStateListener(StateListener) (remove func())
	// NewChildrenCache creates an unstarted cache of the children of path.
	NewChildrenCache(path string) ChildrenCache
	// Close ends the session and releases all resources.
	Close() error
}

// ChildrenCache mirrors the children of one path.
type ChildrenCache interface {
	// AddListener registers a listener for child events. Listeners are
	// invoked serially from a single goroutine and must not block.
	AddListener(ChildListener)
	// Start begins watching and blocks until the initial set of children
	// has been loaded, or until ctx is done. No child events are delivered
	// for the initial load; an EventInitialized event marks its end.
	Start(ctx context.Context) error
	// CurrentData returns the current children, sorted by path.
	CurrentData() []ChildData
	// Close stops watching. No listener is invoked after Close returns.
	Close() error
}

// ChildData is the state of a single child node.
type ChildData struct {
	// Path is the full path of the child.
	Path string
	// Data is the content of the child node.
	Data []byte
	// Version is the data version of the child node. It changes every time
	// Data is written.
	Version int32
}

// EventType identifies the kind of a child Event.
type EventType int

const (
	EventChildAdded = EventType(iota + 1)
	EventChildUpdated
	EventChildRemoved
	EventInitialized
)

func (t EventType) String() string {
	switch t {
	case EventChildAdded:
		return "CHILD_ADDED"
	case EventChildUpdated:
		return "CHILD_UPDATED"
	case EventChildRemoved:
		return "CHILD_REMOVED"
	case EventInitialized:
		return "INITIALIZED"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event describes a change to a children cache. Data is nil for
// EventInitialized. For EventChildRemoved it holds the last known data.
type Event struct {
	Type EventType
	Data *ChildData
}

// ChildListener receives child events.
type ChildListener interface {
	ChildEvent(Event)
}

// ChildListenerFunc adapts a function to the ChildListener interface.
type ChildListenerFunc func(Event)

// ChildEvent implements ChildListener.
func (f ChildListenerFunc) ChildEvent(event Event) {
	f(event)
}

// StateListener receives session state transitions.
type StateListener interface {
	StateChanged(State)
}

// StateListenerFunc adapts a function to the StateListener interface.
type StateListenerFunc func(State)

// StateChanged implements StateListener.
func (f StateListenerFunc) StateChanged(state State) {
	f(state)
}
