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

// Package metrics holds the Prometheus registry for the forwarder's own instruments.  Packages register their
// collectors into MetricsRegistry at init, and the registry is pushed to a Pushgateway with PushToPrometheus, either
// once at shutdown or periodically with PushEvery.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	log "github.com/sirupsen/logrus"
)

var (
	// MetricsRegistry is a prometheus registry that can be exported and used by importing libraries
	MetricsRegistry = prometheus.NewRegistry()
)

// PushToPrometheus pushes everything in MetricsRegistry to the pushgateway at url, under the given job and grouping
// labels.  Existing metrics for the same grouping key are replaced.
func PushToPrometheus(ctx context.Context, url, job string, grouping map[string]string) error {
	pusher := push.New(url, job).Gatherer(MetricsRegistry)
	for name, value := range grouping {
		pusher = pusher.Grouping(name, value)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("could not push metrics to the prometheus pushgateway: %w", err)
	}
	return nil
}

// PushEvery calls PushToPrometheus every interval until ctx is done.  Push failures are logged and do not stop the
// loop.  A non-positive interval returns immediately.
func PushEvery(ctx context.Context, interval time.Duration, url, job string, grouping map[string]string) {
	if interval <= 0 {
		return
	}
	funcLogger := log.WithFields(log.Fields{
		"pushgateway": url,
		"job":         job,
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := PushToPrometheus(ctx, url, job, grouping); err != nil {
				funcLogger.Warn(err)
				continue
			}
			funcLogger.Debug("Pushed forwarder metrics")
		}
	}
}
