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

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Acquired(ResultOK)
	m.Acquired(ResultOK)
	m.Acquired(ResultEmpty)
	m.Skipped(SkipOffline)
	m.Promoted()
	m.Closed(nil)
	m.Closed(errors.New("boom"))
	m.SetPoolSize(PoolActive, 3)
	m.SetPoolSize(PoolCandidate, 2)
	m.SetState(1)

	assert.InDelta(t, 2, testutil.ToFloat64(m.acquires.WithLabelValues(ResultOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.acquires.WithLabelValues(ResultEmpty)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.skipped.WithLabelValues(SkipOffline)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.promotions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.closes.WithLabelValues(ResultError)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.poolSize.WithLabelValues(PoolActive)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.state), 0)

	expected := `
# HELP reborn_promotions_total Number of times a candidate pool became active
# TYPE reborn_promotions_total counter
reborn_promotions_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "reborn_promotions_total"))
}

func TestMetrics_SharedRegistry(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	require.NoError(t, err)
	second, err := New(reg)
	require.NoError(t, err)

	first.Promoted()
	second.Promoted()
	assert.InDelta(t, 2, testutil.ToFloat64(first.promotions), 0)
}

func TestMetrics_Unregistered(t *testing.T) {
	t.Parallel()
	m, err := New(nil)
	require.NoError(t, err)
	m.Acquired(ResultError)
	assert.InDelta(t, 1, testutil.ToFloat64(m.acquires.WithLabelValues(ResultError)), 0)
}

func TestHandler(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.SetPoolSize(PoolActive, 2)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `reborn_pool_size{pool="active"} 2`)
}
