// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package metrics wires the daemon's Prometheus counters and histograms,
// grouped and namespaced the way cubefs-inodedb/metrics/metric.go builds
// its registry: a package-level *prometheus.Registry plus a handful of
// pre-registered vectors that call sites reach for by name instead of
// declaring their own.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "sid"

var Registry = prometheus.NewRegistry()

var (
	PhaseTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "phase_total",
		Help:      "Number of times a scan phase was entered.",
	}, []string{"phase"})

	PhaseFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "phase_failed_total",
		Help:      "Number of scan phases that returned an error.",
	}, []string{"phase"})

	PhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "phase_duration_seconds",
		Help:      "Wall-clock time spent executing one scan phase.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"phase"})

	WorkerSpawnTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "spawn_total",
		Help:      "Number of worker processes spawned.",
	})

	WorkerExitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "exit_total",
		Help:      "Number of worker processes that exited, by reason.",
	}, []string{"reason"})

	WorkerTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "timeout_total",
		Help:      "Number of worker executions that exceeded the execution timeout.",
	})

	SyncMergeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "merge_total",
		Help:      "Number of records processed by the proxy-side sync merge, by verdict.",
	}, []string{"verdict"})

	StoreKeyCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "key_count",
		Help:      "Approximate number of keys in the KV store.",
	})
)

func init() {
	Registry.MustRegister(
		PhaseTotal,
		PhaseFailedTotal,
		PhaseDuration,
		WorkerSpawnTotal,
		WorkerExitTotal,
		WorkerTimeoutTotal,
		SyncMergeTotal,
		StoreKeyCount,
	)
}
