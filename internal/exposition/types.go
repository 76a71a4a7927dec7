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

// Package exposition renders weewx records in the Prometheus text exposition format as accepted by the Pushgateway.
package exposition

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/prometheus/common/model"
)

// MetricType is the Prometheus type written in a "# TYPE" line
type MetricType string

const (
	Gauge   MetricType = "gauge"
	Counter MetricType = "counter"
	Untyped MetricType = "untyped"
)

// ParseMetricType checks that s names a metric type we can emit.  Histograms and summaries cannot be built from a
// single weewx field, so they are rejected.
func ParseMetricType(s string) (MetricType, error) {
	switch t := MetricType(strings.ToLower(strings.TrimSpace(s))); t {
	case Gauge, Counter, Untyped:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported metric type %q", s)
	}
}

// TypeTable maps known field names to the metric type announced for them.  Fields that are not in the table are
// still emitted, just without a "# TYPE" line.  A TypeTable must not be modified once the forwarder is running.
type TypeTable map[string]MetricType

// DefaultTypeTable holds the weewx archive fields whose type we know ahead of time
var DefaultTypeTable = TypeTable{
	"altimeter":   Gauge,
	"barometer":   Gauge,
	"dewpoint":    Gauge,
	"heatindex":   Gauge,
	"inHumidity":  Gauge,
	"inTemp":      Gauge,
	"outHumidity": Gauge,
	"outTemp":     Gauge,
	"pressure":    Gauge,
	"radiation":   Gauge,
	"rain":        Gauge,
	"rainRate":    Gauge,
	"UV":          Gauge,
	"windchill":   Gauge,
	"windDir":     Gauge,
	"windGust":    Gauge,
	"windGustDir": Gauge,
	"windSpeed":   Gauge,
}

// Merge returns a new TypeTable with the entries of other layered over t.  Neither input is modified.
func (t TypeTable) Merge(other TypeTable) TypeTable {
	merged := make(TypeTable, len(t)+len(other))
	maps.Copy(merged, t)
	maps.Copy(merged, other)
	return merged
}

// Validate returns an error for the first entry whose name is not a legal Prometheus metric name
func (t TypeTable) Validate() error {
	for _, name := range t.Names() {
		if !model.IsValidMetricName(model.LabelValue(name)) {
			return fmt.Errorf("%q is not a valid metric name", name)
		}
	}
	return nil
}

// Names returns the table's metric names, sorted
func (t TypeTable) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String renders the table as name=type pairs, for logging
func (t TypeTable) String() string {
	pairs := make([]string, 0, len(t))
	for _, name := range t.Names() {
		pairs = append(pairs, name+"="+string(t[name]))
	}
	return strings.Join(pairs, ", ")
}
