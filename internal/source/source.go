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

// Package source contains the record sources that feed the forwarder.  A source announces every finalized weewx
// archive record to the handlers registered with OnNewRecord.  Handlers must return quickly, since sources call them
// inline.
package source

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fermitools/weewx-prompush/internal/metrics"
	"github.com/fermitools/weewx-prompush/internal/record"
)

// RecordSource is anything that can announce new records
type RecordSource interface {
	OnNewRecord(handler func(record.Record))
}

// Metrics
var (
	sourceRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weewx_prompush",
		Name:      "source_records_total",
		Help:      "The number of records read by a record source, by source and whether they could be decoded",
	},
		[]string{
			"source",
			"result",
		},
	)
)

func init() {
	metrics.MetricsRegistry.MustRegister(sourceRecords)
}

// Dispatcher is the in-process RecordSource.  Embedders call Emit for each new record, and the other sources in this
// package use it to fan records out to their handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []func(record.Record)
}

// OnNewRecord registers handler to be called for every record emitted from now on
func (d *Dispatcher) OnNewRecord(handler func(record.Record)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

// Emit calls every registered handler with r, in registration order
func (d *Dispatcher) Emit(r record.Record) {
	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()
	for _, handler := range handlers {
		handler(r)
	}
}
