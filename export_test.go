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

	"github.com/reborndb/reborn-go/conn"
	"github.com/reborndb/reborn-go/discovery"
)

// NewPoolWithUpdateHook is like NewPoolWithClient, but calls hook at the
// end of every reconciliation, including the first one.
func NewPoolWithUpdateHook(
	ctx context.Context,
	client discovery.Client,
	closeClient bool,
	path string,
	hook func(),
	opts ...Option,
) (*Pool, error) {
	pool, err := newPool(client, closeClient, path, newPoolOptions(opts))
	if err != nil {
		return nil, err
	}
	pool.updateHook = hook
	if err := pool.start(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}

func (p *Pool) CandidateEndpoints() []conn.Endpoint {
	return p.candidate.Load().endpoints()
}

func (p *Pool) Promotions() uint64 {
	return p.promotions.Load()
}
