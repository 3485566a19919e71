// Copyright 2026 The Replikit Authors
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

// Package metrics holds shared prometheus label sets and buckets, the
// way the teacher's internal/staging/stage/metrics.go does, plus the
// counters/histograms for the sync engine's push/pull/echo paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets is the shared histogram bucket scheme for duration
// metrics across the sync engine.
var LatencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// TableLabels is the shared label set for per-table metrics.
var TableLabels = []string{"table"}

var (
	// PushBatchSize records the number of outbox rows in each push batch.
	PushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncengine_push_batch_size",
		Help:    "number of outbox rows drained per push",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// PushDuration records wall time for a full push cycle.
	PushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncengine_push_duration_seconds",
		Help:    "time taken to drain and commit one push batch",
		Buckets: LatencyBuckets,
	})

	// PushErrors counts failed push attempts.
	PushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncengine_push_errors_total",
		Help: "number of push batches that failed and rolled back",
	})

	// PullApplyDuration records time to apply one inbound replication event.
	PullApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncengine_pull_apply_duration_seconds",
		Help:    "time taken to apply one inbound replication event",
		Buckets: LatencyBuckets,
	}, TableLabels)

	// PullApplyErrors counts apply failures other than missing-table.
	PullApplyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncengine_pull_apply_errors_total",
		Help: "number of inbound replication events that failed to apply",
	}, TableLabels)

	// EchoCacheHits counts inbound events suppressed by the echo cache.
	EchoCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncengine_echo_cache_hits_total",
		Help: "number of inbound replication events dropped as echoes",
	}, TableLabels)

	// EchoCacheMisses counts inbound events that found no matching echo entry.
	EchoCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncengine_echo_cache_misses_total",
		Help: "number of inbound replication events applied because no echo entry matched",
	}, TableLabels)

	// EchoCacheEvictions counts entries removed by timeout rather than by a matching echo.
	EchoCacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncengine_echo_cache_evictions_total",
		Help: "number of echo cache entries removed by timeout without a matching inbound event",
	}, TableLabels)
)
