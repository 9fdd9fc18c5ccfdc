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
	"fmt"
	"log/slog"

	"github.com/reborndb/reborn-go/discovery"
	"github.com/reborndb/reborn-go/internal/metrics"
)

// start registers the listeners, waits for the initial membership, builds
// and (if the session allows it) promotes the first list of proxies, and
// then hands reconciliation over to a background goroutine. If start
// fails, everything it acquired is released.
func (p *Pool) start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			p.release()
			p.cancel()
		}
	}()
	if err := p.client.Start(ctx); err != nil {
		return fmt.Errorf("reborn: start coordination client: %w", err)
	}
	p.removeStateListener = p.client.AddStateListener(stateListener{pool: p})
	p.cache = p.client.NewChildrenCache(p.path)
	p.cache.AddListener(childListener{pool: p})
	if err := p.cache.Start(ctx); err != nil {
		return fmt.Errorf("reborn: start watcher on %s: %w", p.path, err)
	}
	// A state delivered to the listener since it was registered is newer
	// than what State returns here.
	p.seedState(p.client.State())
	p.membershipChanged.Store(true)
	p.reconcile()
	go p.run(p.ctx)
	return nil
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.updates:
			p.reconcile()
		}
	}
}

// signal wakes up the reconcile goroutine. Signals sent while it is busy
// are coalesced into one.
func (p *Pool) signal() {
	select {
	case p.updates <- struct{}{}:
	default:
	}
}

func (p *Pool) seedState(state discovery.State) {
	if p.state.CompareAndSwap(int32(discovery.StateLatent), int32(state)) {
		p.metrics.SetState(int32(state))
	}
}

func (p *Pool) storeState(state discovery.State) {
	p.state.Store(int32(state))
	p.metrics.SetState(int32(state))
}

// reconcile rebuilds the candidate list if membership changed, promotes it
// if the session is healthy, and then closes every per-proxy pool that is
// in neither list.
func (p *Pool) reconcile() {
	if p.membershipChanged.Swap(false) {
		candidate := p.builder.build(p.cache.CurrentData(), p.open)
		for _, e := range candidate.entries {
			p.open[e.endpoint.String()] = e
		}
		p.candidate.Store(candidate)
	}

	state := discovery.State(p.state.Load())
	candidate := p.candidate.Load()
	if state.Promotable() && p.active.Load() != candidate {
		p.active.Store(candidate)
		generation := p.promotions.Add(1)
		p.metrics.Promoted()
		p.logger.Info("promoted proxy list",
			slog.Uint64("generation", generation),
			slog.Int("size", len(candidate.entries)),
			slog.String("state", state.String()),
		)
	}
	p.logger.Info("all pools",
		slog.Any("active", p.active.Load().addrs()),
		slog.String("state", state.String()),
	)

	p.retire()
	p.recordSizes()
	if p.updateHook != nil {
		p.updateHook()
	}
}

// retire closes the pools that are in neither the active nor the
// candidate list. A pool is only ever retired after the list that dropped
// it has been published.
func (p *Pool) retire() {
	inUse := make(map[*entry]struct{}, len(p.open))
	for _, e := range p.active.Load().entries {
		inUse[e] = struct{}{}
	}
	for _, e := range p.candidate.Load().entries {
		inUse[e] = struct{}{}
	}
	for addr, e := range p.open {
		if _, ok := inUse[e]; ok {
			continue
		}
		delete(p.open, addr)
		_ = p.closeEntry(e)
	}
}

func (p *Pool) recordSizes() {
	p.metrics.SetPoolSize(metrics.PoolActive, len(p.active.Load().entries))
	p.metrics.SetPoolSize(metrics.PoolCandidate, len(p.candidate.Load().entries))
}

// childListener reacts to changes of the membership path.
type childListener struct {
	pool *Pool
}

func (l childListener) ChildEvent(event discovery.Event) {
	attrs := []any{slog.String("type", event.Type.String())}
	if event.Data != nil {
		attrs = append(attrs,
			slog.String("child", event.Data.Path),
			slog.Int("version", int(event.Data.Version)),
		)
	}
	l.pool.logger.Info("zookeeper event received", attrs...)
	switch event.Type {
	case discovery.EventChildAdded, discovery.EventChildUpdated, discovery.EventChildRemoved:
		l.pool.membershipChanged.Store(true)
		l.pool.signal()
	default:
	}
}

// stateListener tracks the session state of the coordination client.
type stateListener struct {
	pool *Pool
}

func (l stateListener) StateChanged(state discovery.State) {
	l.pool.logger.Info("coordination state changed", slog.String("state", state.String()))
	l.pool.storeState(state)
	l.pool.signal()
}
