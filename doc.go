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

// Package reborn provides a client-side pool of Redis connections spread
// over the proxies of a reborn cluster. Proxies register themselves in a
// coordination service (Apache ZooKeeper) as children of a single path,
// each child holding a small JSON record:
//
//	{"addr": "10.0.0.1:19000", "state": "online"}
//
// To create a pool use [NewPool], which connects to a ZooKeeper ensemble
// and owns that session, or [NewPoolWithClient], which uses a
// [discovery.Client] supplied by the caller. Connections are checked out
// with [Pool.Get] in round-robin order over the online proxies and must be
// closed by the caller when done:
//
//	pool, err := reborn.NewPool(ctx, []string{"zk1:2181"}, 30*time.Second, "/zk/reborn/db_test/proxy")
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//	cn, err := pool.Get(ctx)
//	if err != nil {
//		return err
//	}
//	defer cn.Close()
//	return cn.Set(ctx, "k", "v", 0).Err()
//
// # Membership
//
// The pool watches the children of its path. Every time a child is added,
// updated or removed, it rebuilds a candidate list of proxies from all the
// children: records that do not parse, are not online, or name a proxy
// that is already listed are skipped. The per-proxy pool of a proxy that
// stays in the list is reused, so its connections survive membership
// changes.
//
// The candidate list only replaces the list used by Get while the session
// with the coordination service is healthy (connected or reconnected).
// While the session is suspended or lost, Get keeps using the last list
// that was promoted, and the latest candidate is promoted as soon as the
// session comes back. The per-proxy pool of a proxy is closed once it is
// in neither list.
//
// # Closing
//
// [Pool.Close] stops watching, closes the coordination session if the pool
// owns it, and closes every per-proxy pool. Connections checked out before
// Close may fail afterwards.
package reborn
