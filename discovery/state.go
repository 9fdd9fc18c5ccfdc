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

import "fmt"

// State is the session state of a coordination client, as observed by the
// client's state listeners.
type State int32

const (
	// StateLatent means no session state has been observed yet.
	StateLatent = State(iota)
	// StateConnected is reported once, when the first session is
	// established.
	StateConnected
	// StateSuspended means the connection was lost but the session may
	// still be alive. Data read while suspended may be stale.
	StateSuspended
	// StateReconnected is reported when a session is (re-)established after
	// a suspension or a loss.
	StateReconnected
	// StateLost means the session expired. Watches and ephemeral nodes are
	// gone until a new session is established.
	StateLost
	// StateReadOnly means the client is connected to a server that is
	// partitioned from the quorum.
	StateReadOnly
)

// Promotable reports whether data observed in this state is consistent
// enough to be acted upon.
func (s State) Promotable() bool {
	return s == StateConnected || s == StateReconnected
}

func (s State) String() string {
	switch s {
	case StateLatent:
		return "latent"
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	case StateReconnected:
		return "reconnected"
	case StateLost:
		return "lost"
	case StateReadOnly:
		return "read-only"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}
