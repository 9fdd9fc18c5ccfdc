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

// Package metrics holds the prometheus collectors exported by a pool.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reborn"

// Acquisition results.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultEmpty = "empty"
)

// Reasons a membership record is left out of a snapshot.
const (
	SkipParse     = "parse"
	SkipOffline   = "offline"
	SkipAddress   = "address"
	SkipDuplicate = "duplicate"
	SkipFactory   = "factory"
)

// Pool gauge labels.
const (
	PoolActive    = "active"
	PoolCandidate = "candidate"
)

// Metrics is the set of collectors for one pool.
type Metrics struct {
	acquires   *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	promotions prometheus.Counter
	closes     *prometheus.CounterVec
	poolSize   *prometheus.GaugeVec
	state      prometheus.Gauge
}

// New creates the collectors and registers them with reg. If reg is nil,
// the collectors work but are not exported anywhere. Collectors that are
// already registered with reg, by another pool for instance, are shared.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		acquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acquires_total",
				Help:      "Connection acquisitions by result",
			},
			[]string{"result"},
		),
		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_records_total",
				Help:      "Membership records left out of a pool by reason",
			},
			[]string{"reason"},
		),
		promotions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "promotions_total",
				Help:      "Number of times a candidate pool became active",
			},
		),
		closes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "closed_pools_total",
				Help:      "Per-proxy pools closed, by result",
			},
			[]string{"result"},
		),
		poolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_size",
				Help:      "Number of proxies in the active and candidate pools",
			},
			[]string{"pool"},
		),
		state: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Coordination session state as a number",
			},
		),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	m.acquires = register(reg, m.acquires, &err)
	m.skipped = register(reg, m.skipped, &err)
	m.promotions = register(reg, m.promotions, &err)
	m.closes = register(reg, m.closes, &err)
	m.poolSize = register(reg, m.poolSize, &err)
	m.state = register(reg, m.state, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C, errp *error) C {
	if *errp != nil {
		return collector
	}
	err := reg.Register(collector)
	if err == nil {
		return collector
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing
		}
	}
	*errp = err
	return collector
}

// Acquired counts a Get by result.
func (m *Metrics) Acquired(result string) {
	m.acquires.WithLabelValues(result).Inc()
}

// Skipped counts a record left out of a snapshot.
func (m *Metrics) Skipped(reason string) {
	m.skipped.WithLabelValues(reason).Inc()
}

// Promoted counts a promotion.
func (m *Metrics) Promoted() {
	m.promotions.Inc()
}

// Closed counts a per-proxy pool close.
func (m *Metrics) Closed(err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.closes.WithLabelValues(result).Inc()
}

// SetPoolSize records the size of the active or candidate pool.
func (m *Metrics) SetPoolSize(pool string, size int) {
	m.poolSize.WithLabelValues(pool).Set(float64(size))
}

// SetState records the coordination session state.
func (m *Metrics) SetState(state int32) {
	m.state.Set(float64(state))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
