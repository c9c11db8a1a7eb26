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

package evaluation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the evaluation service's Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	SubmissionsTotal   prometheus.Counter
	CheckinsTotal      *prometheus.CounterVec
	UpdatesTotal       *prometheus.CounterVec
	RevertsScheduled   prometheus.Counter
	WatchdogReclaimed  prometheus.Counter
	QueueDepth         prometheus.Gauge
	CandidatesBuilding prometheus.Gauge
}

// NewMetrics builds a fresh registry with all collectors registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		SubmissionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gimc_evaluation_submissions_total",
			Help: "Candidate submissions accepted.",
		}),
		CheckinsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gimc_evaluation_checkins_total",
			Help: "Build VM checkins by outcome.",
		}, []string{"outcome"}),
		UpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gimc_evaluation_updates_total",
			Help: "Build VM updates by outcome.",
		}, []string{"outcome"}),
		RevertsScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "gimc_evaluation_reverts_scheduled_total",
			Help: "Asynchronous VM reverts scheduled.",
		}),
		WatchdogReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gimc_evaluation_watchdog_reclaimed_total",
			Help: "Candidates failed by the build watchdog.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gimc_evaluation_queue_depth",
			Help: "Candidates waiting in the pending state.",
		}),
		CandidatesBuilding: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gimc_evaluation_candidates_building",
			Help: "Candidates currently assigned to a build VM.",
		}),
	}
}
