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

// Package clocktest adapts clockwork's fake clock to the internal.Clock
// interface. Go interface compatibility is nominal for method signatures
// that mention other interfaces, so NewTimer has to re-box clockwork's
// Timer as an internal.Timer.
package clocktest

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/reborndb/reborn-go/internal"
)

// FakeClock is a clock that only moves when told to.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock creates a new FakeClock using clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

// NewTimer implements internal.Clock.
func (f fakeClock) NewTimer(d time.Duration) internal.Timer {
	return f.FakeClock.NewTimer(d)
}
