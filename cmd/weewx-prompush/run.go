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

package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fermitools/weewx-prompush/internal/config"
	"github.com/fermitools/weewx-prompush/internal/metrics"
	"github.com/fermitools/weewx-prompush/internal/queue"
	"github.com/fermitools/weewx-prompush/internal/record"
	"github.com/fermitools/weewx-prompush/internal/source"
	"github.com/fermitools/weewx-prompush/internal/worker"
)

const selfMetricsPushTimeout = 10 * time.Second

// runnableSource is a record source that produces records for as long as its Run method runs
type runnableSource interface {
	source.RecordSource
	Run(context.Context) error
}

// selfMetricsConfig controls pushing the forwarder's own instruments
type selfMetricsConfig struct {
	enabled  bool
	url      string
	job      string
	grouping map[string]string
	interval time.Duration
}

type runConfig struct {
	delivery      *config.Delivery
	source        runnableSource
	forwarderOpts []worker.ForwarderOption
	selfMetrics   selfMetricsConfig
}

// run connects the source to a queue drained by a Forwarder, and runs both until ctx is cancelled or the source is
// exhausted.  When the source runs out, the records it already produced are delivered before run returns.  When ctx
// is cancelled, queued records are dropped.
func run(ctx context.Context, rc runConfig) error {
	q := queue.New()
	rc.source.OnNewRecord(func(r record.Record) {
		if !q.Enqueue(r) {
			exeLogger.WithField("dateTime", r.DateTime().Unix()).Warn("Forwarder is shutting down.  Dropping record")
		}
	})

	opts := append([]worker.ForwarderOption{worker.WithLogger(exeLogger)}, rc.forwarderOpts...)
	f, err := worker.NewForwarder(q, rc.delivery, opts...)
	if err != nil {
		return fmt.Errorf("could not set up forwarder: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// The forwarder is the last to finish when draining, so its return ends the run
		defer cancel()
		return f.Run(gCtx)
	})

	g.Go(func() error {
		if err := rc.source.Run(gCtx); err != nil {
			return fmt.Errorf("record source failed: %w", err)
		}
		if gCtx.Err() == nil {
			exeLogger.Info("Record source is exhausted.  Delivering queued records before exiting")
			q.Seal()
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		if lost := q.Close(); lost > 0 {
			exeLogger.WithField("lost", lost).Warn("Shutting down with records still queued.  They will not be delivered")
		}
		return nil
	})

	if rc.selfMetrics.enabled {
		g.Go(func() error {
			metrics.PushEvery(gCtx, rc.selfMetrics.interval, rc.selfMetrics.url, rc.selfMetrics.job, rc.selfMetrics.grouping)
			return nil
		})
	}

	err = g.Wait()
	if rc.selfMetrics.enabled {
		pushSelfMetrics(rc.selfMetrics)
	}
	return err
}

// pushSelfMetrics makes the final push of the forwarder's own instruments at shutdown
func pushSelfMetrics(sm selfMetricsConfig) {
	pushCtx, cancel := context.WithTimeout(context.Background(), selfMetricsPushTimeout)
	defer cancel()
	if err := metrics.PushToPrometheus(pushCtx, sm.url, sm.job, sm.grouping); err != nil {
		exeLogger.Warnf("Could not push forwarder metrics: %s", err)
		return
	}
	exeLogger.WithField("job", sm.job).Debug("Pushed forwarder metrics")
}
