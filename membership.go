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
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/reborndb/reborn-go/conn"
	"github.com/reborndb/reborn-go/discovery"
	"github.com/reborndb/reborn-go/internal/metrics"
)

const proxyStateOnline = "online"

var errIncompleteRecord = errors.New("record needs both addr and state")

// proxyRecord is the data of one child of the membership path.
type proxyRecord struct {
	Addr  string `json:"addr"`
	State string `json:"state"`
}

func parseRecord(data []byte) (proxyRecord, error) {
	var record proxyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return proxyRecord{}, err
	}
	if record.Addr == "" || record.State == "" {
		return proxyRecord{}, errIncompleteRecord
	}
	return record, nil
}

// entry is the per-proxy pool of one endpoint.
type entry struct {
	endpoint conn.Endpoint
	pool     conn.Pool
}

// snapshot is an ordered list of entries. It is never modified once it has
// been published.
type snapshot struct {
	entries []*entry
}

//nolint:gochecknoglobals
var emptySnapshot = &snapshot{}

func (s *snapshot) endpoints() []conn.Endpoint {
	endpoints := make([]conn.Endpoint, len(s.entries))
	for i, e := range s.entries {
		endpoints[i] = e.endpoint
	}
	return endpoints
}

func (s *snapshot) addrs() []string {
	addrs := make([]string, len(s.entries))
	for i, e := range s.entries {
		addrs[i] = e.endpoint.String()
	}
	return addrs
}

// snapshotBuilder turns the children of the membership path into a
// snapshot.
type snapshotBuilder struct {
	factory conn.Factory
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// build returns a snapshot with one entry per online proxy, in the order of
// children. The entry of an address found in open is reused; for other
// addresses a new per-proxy pool is opened. build never closes anything and
// never modifies open.
func (b *snapshotBuilder) build(children []discovery.ChildData, open map[string]*entry) *snapshot {
	entries := make([]*entry, 0, len(children))
	seen := make(map[string]struct{}, len(children))
	for _, child := range children {
		record, err := parseRecord(child.Data)
		if err != nil {
			b.skip(child, metrics.SkipParse, slog.Any("error", err))
			continue
		}
		if record.State != proxyStateOnline {
			b.skip(child, metrics.SkipOffline, slog.String("state", record.State))
			continue
		}
		endpoint, err := conn.ParseEndpoint(record.Addr)
		if err != nil {
			b.skip(child, metrics.SkipAddress, slog.Any("error", err))
			continue
		}
		key := endpoint.String()
		if _, ok := seen[key]; ok {
			b.skip(child, metrics.SkipDuplicate, slog.String("proxy", key))
			continue
		}
		existing, ok := open[key]
		if !ok {
			pool, err := conn.Open(b.factory, endpoint)
			if err != nil {
				b.skip(child, metrics.SkipFactory, slog.String("proxy", key), slog.Any("error", err))
				continue
			}
			b.logger.Info("add new proxy", slog.String("proxy", key))
			existing = &entry{endpoint: endpoint, pool: pool}
		}
		seen[key] = struct{}{}
		entries = append(entries, existing)
	}
	if len(entries) == 0 {
		return emptySnapshot
	}
	return &snapshot{entries: entries}
}

func (b *snapshotBuilder) skip(child discovery.ChildData, reason string, attrs ...any) {
	b.metrics.Skipped(reason)
	attrs = append([]any{slog.String("path", child.Path), slog.String("reason", reason)}, attrs...)
	b.logger.Warn("skipping proxy record", attrs...)
}
