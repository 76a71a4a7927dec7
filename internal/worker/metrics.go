// COPYRIGHT 2024 FERMI NATIONAL ACCELERATOR LABORATORY
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
//
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fermitools/weewx-prompush/internal/metrics"
)

// Metrics
var (
	recordsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weewx_prompush",
		Name:      "records_total",
		Help:      "The number of records the forwarder finished handling, by outcome",
	},
		[]string{
			"outcome",
		},
	)
	deliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weewx_prompush",
		Name:      "delivery_attempts_total",
		Help:      "The number of POSTs made to the pushgateway, by result",
	},
		[]string{
			"result",
		},
	)
	attemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "weewx_prompush",
		Name:      "delivery_attempt_duration_seconds",
		Help:      "How long each POST to the pushgateway took",
		Buckets:   prometheus.DefBuckets,
	})
	queueBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "weewx_prompush",
		Name:      "queue_backlog",
		Help:      "The number of records left waiting in the queue when the last record was dequeued",
	})
	lastDeliveredRecord = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "weewx_prompush",
		Name:      "last_delivered_record_timestamp_seconds",
		Help:      "The dateTime of the most recently delivered record",
	})
)

func init() {
	metrics.MetricsRegistry.MustRegister(recordsHandled)
	metrics.MetricsRegistry.MustRegister(deliveryAttempts)
	metrics.MetricsRegistry.MustRegister(attemptDuration)
	metrics.MetricsRegistry.MustRegister(queueBacklog)
	metrics.MetricsRegistry.MustRegister(lastDeliveredRecord)

	// Expose every outcome from the start, so a push before the first record already carries zeros
	for _, o := range allOutcomes() {
		recordsHandled.WithLabelValues(o.String())
	}
}
