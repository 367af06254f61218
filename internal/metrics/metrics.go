// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics declares the Prometheus instruments the view syncer
// exports, grounded on cdc-sink's internal/staging/stage.metrics.go
// (per-table histogram/counter vectors registered via promauto),
// adapted here to per-client-group and per-query-hash labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets mirrors cdc-sink's default latency histogram buckets.
var LatencyBuckets = []float64{
	.001, .002, .005, .01, .02, .05, .1, .2, .5, 1, 2, 5, 10, 20, 50,
}

var groupLabels = []string{"client_group"}

var (
	HydrationDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "viewsyncer_hydration_duration_seconds",
		Help:    "the length of time it took to hydrate a query pipeline",
		Buckets: LatencyBuckets,
	}, []string{"client_group", "query_hash"})

	PokesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "viewsyncer_pokes_sent_total",
		Help: "the number of poke transactions sent to clients",
	}, groupLabels)

	PokeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "viewsyncer_poke_failures_total",
		Help: "the number of per-client poke failures observed during broadcast",
	}, groupLabels)

	RowCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "viewsyncer_cvr_row_count",
		Help: "the number of rows currently tracked in a client group's CVR",
	}, groupLabels)

	ActiveQueries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "viewsyncer_active_queries",
		Help: "the number of hydrated query pipelines for a client group",
	}, groupLabels)

	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "viewsyncer_evictions_total",
		Help: "the number of queries evicted due to TTL expiry or LRU pressure",
	}, groupLabels)

	AdvanceDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "viewsyncer_advance_duration_seconds",
		Help:    "the length of time it took to advance all pipelines for one version-ready signal",
		Buckets: LatencyBuckets,
	}, groupLabels)
)
