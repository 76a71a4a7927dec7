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
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/fermitools/weewx-prompush/internal/config"
	"github.com/fermitools/weewx-prompush/internal/db"
	"github.com/fermitools/weewx-prompush/internal/source"
)

func getDevEnvironmentLabel() string {
	// For devs, this variable can be set to differentiate between dev and prod for metrics, for example
	viper.SetDefault("devEnvironmentLabel", devEnvironmentLabelDefault)
	viper.BindEnv("devEnvironmentLabel", "WEEWX_PROMPUSH_DEV_ENVIRONMENT_LABEL")
	return viper.GetString("devEnvironmentLabel")
}

// getSourceKind returns the --source flag if given, and source.kind from the configuration otherwise
func getSourceKind() string {
	if kind := viper.GetString("source"); kind != "" {
		return kind
	}
	return viper.GetString("source.kind")
}

// newRecordSource returns the record source for kind
func newRecordSource(kind string) (runnableSource, error) {
	switch kind {
	case "stdin":
		return source.NewLineSource(os.Stdin, exeLogger), nil
	case "http":
		return source.NewHTTPSource(viper.GetString("source.listen"), exeLogger), nil
	default:
		return nil, fmt.Errorf("unsupported record source %q.  Must be stdin or http", kind)
	}
}

func getDbLocation() string {
	return viper.GetString("dbLocation")
}

// getDbTimeout returns db.timeout, the time allowed for each outcome ledger query.  Zero leaves the ledger's default.
func getDbTimeout() time.Duration {
	return viper.GetDuration("db.timeout")
}

// logLedgerCounts logs the outcome counts persisted for d's job and instance
func logLedgerCounts(ctx context.Context, ledger *db.OutcomeDatabase, d *config.Delivery) {
	counts, err := ledger.GetOutcomeCounts(ctx, d.Job, d.Instance)
	if err != nil {
		exeLogger.Warnf("Could not read outcome counts from ledger: %s", err)
		return
	}
	fields := make(log.Fields, len(counts))
	for outcome, count := range counts {
		fields[outcome] = count
	}
	exeLogger.WithFields(fields).Info("Outcome counts recorded by earlier runs")
}

// getSelfMetricsConfig works out where the forwarder's own metrics go.  By default they are pushed to the same
// pushgateway as the records, under the job name with a _forwarder suffix.  Nothing is pushed when posting is skipped.
func getSelfMetricsConfig(d *config.Delivery) selfMetricsConfig {
	sm := selfMetricsConfig{
		enabled:  viper.GetBool("self_metrics.enabled") && !d.SkipPost,
		url:      viper.GetString("self_metrics.url"),
		job:      viper.GetString("self_metrics.job"),
		interval: viper.GetDuration("self_metrics.interval"),
		grouping: make(map[string]string),
	}
	if sm.url == "" {
		sm.url = "http://" + d.Address()
	}
	if sm.job == "" {
		sm.job = d.Job + "_forwarder"
	}
	if d.Instance != "" {
		sm.grouping["instance"] = d.Instance
	}
	return sm
}
