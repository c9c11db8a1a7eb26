/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the sandbox service's Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	SamplesStored     prometheus.Counter
	AnalysesQueued    prometheus.Counter
	CheckinsTotal     *prometheus.CounterVec
	ReportsTotal      *prometheus.CounterVec
	RevertsScheduled  prometheus.Counter
	WatchdogReclaimed prometheus.Counter
	QueueDepth        prometheus.Gauge
	AnalysesRunning   prometheus.Gauge
}

// NewMetrics builds a fresh registry with all collectors registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		SamplesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "gimc_sandbox_samples_stored_total",
			Help: "Samples written to the encrypted store.",
		}),
		AnalysesQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "gimc_sandbox_analyses_queued_total",
			Help: "Analyses created.",
		}),
		CheckinsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gimc_sandbox_checkins_total",
			Help: "Analysis VM checkins by outcome.",
		}, []string{"outcome"}),
		ReportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gimc_sandbox_reports_total",
			Help: "Report and error submissions by outcome.",
		}, []string{"outcome"}),
		RevertsScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "gimc_sandbox_reverts_scheduled_total",
			Help: "Asynchronous VM reverts scheduled.",
		}),
		WatchdogReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gimc_sandbox_watchdog_reclaimed_total",
			Help: "Analyses failed by the watchdog.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gimc_sandbox_queue_depth",
			Help: "Analyses waiting in the pending state.",
		}),
		AnalysesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gimc_sandbox_analyses_running",
			Help: "Analyses currently assigned to an analysis VM.",
		}),
	}
}
