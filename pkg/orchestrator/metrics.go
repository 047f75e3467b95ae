// Copyright 2025 The Corral Authors
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

package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts executions by kind and terminal status, their durations,
// and the token and cost totals the model gateway reported. A nil *Metrics
// records nothing.
type Metrics struct {
	executions *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	tokens     *prometheus.CounterVec
	cost       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corral_executions_total",
			Help: "Executions by kind and terminal status.",
		}, []string{"kind", "status"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corral_execution_duration_seconds",
			Help:    "Wall-clock execution duration by kind.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"kind"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "corral_tokens_total",
			Help: "Model tokens consumed, by direction.",
		}, []string{"direction"}),
		cost: factory.NewCounter(prometheus.CounterOpts{
			Name: "corral_model_cost_usd_total",
			Help: "Cumulative model cost in USD.",
		}),
	}
}

func (m *Metrics) observe(rec *Record, duration time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(rec.Kind), string(rec.Status)).Inc()
	m.durations.WithLabelValues(string(rec.Kind)).Observe(duration.Seconds())
	m.tokens.WithLabelValues("input").Add(float64(rec.InputTokens))
	m.tokens.WithLabelValues("output").Add(float64(rec.OutputTokens))
	m.cost.Add(rec.Cost)
}
