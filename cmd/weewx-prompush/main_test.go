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
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermitools/weewx-prompush/internal/config"
	"github.com/fermitools/weewx-prompush/internal/db"
	"github.com/fermitools/weewx-prompush/internal/record"
	"github.com/fermitools/weewx-prompush/internal/source"
	"github.com/fermitools/weewx-prompush/internal/testUtils"
)

const testConfig = `
{
	"prompush": {
		"host": "pushgateway.example.com",
		"port": 9091,
		"job": "weewx",
		"instance": "roof",
		"stale": 600
	},
	"dbLocation": "/tmp/outcomes.db"
}
`

func reset() {
	viper.Reset()
	devEnvironmentLabel = ""
}

func readTestConfig(t *testing.T) {
	viper.SetConfigType("json")
	require.NoError(t, viper.ReadConfig(strings.NewReader(testConfig)))
}

// deliveryTo returns a Delivery that posts to gateway with short retry settings
func deliveryTo(t *testing.T, gateway *testUtils.FakePushgateway) *config.Delivery {
	host, port := gateway.HostPort(t)
	v := viper.New()
	v.SetConfigType("yaml")
	doc := fmt.Sprintf("prompush:\n  host: %q\n  port: %d\n  stale: 0\n  retry_wait: 0.01\n", host, port)
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	d, err := config.Load(v)
	require.NoError(t, err)
	return d
}

// sliceSource emits its records when Run is called, then either returns or waits for cancellation
type sliceSource struct {
	source.Dispatcher
	records     []record.Record
	waitForStop bool
	err         error
}

func (s *sliceSource) Run(ctx context.Context) error {
	for _, r := range s.records {
		s.Emit(r)
	}
	if s.waitForStop {
		<-ctx.Done()
	}
	return s.err
}

func testRecords(t *testing.T, n int) []record.Record {
	records := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, testUtils.MustRecord(t, float64(1000+i*300), record.Field{Name: "outTemp", Value: 61.6}))
	}
	return records
}

func TestInitDelivery(t *testing.T) {
	type testCase struct {
		description      string
		testMode         bool
		expectedSkipPost bool
	}

	testCases := []testCase{
		{
			"Normal mode",
			false,
			false,
		},
		{
			"Test mode forces skip_post",
			true,
			true,
		},
	}

	for _, test := range testCases {
		t.Run(
			test.description,
			func(t *testing.T) {
				reset()
				defer reset()
				readTestConfig(t)
				if test.testMode {
					viper.Set("test", true)
				}

				d, err := initDelivery()
				require.NoError(t, err)
				assert.Equal(t, test.expectedSkipPost, d.SkipPost)
				assert.Equal(t, "http://pushgateway.example.com:9091/metrics/job/weewx/instance/roof", d.Endpoint.String())
				assert.Equal(t, 600*time.Second, d.Stale)
			},
		)
	}
}

func TestInitDeliveryMissingSection(t *testing.T) {
	type testCase struct {
		description string
		testMode    bool
	}

	testCases := []testCase{
		{"Normal mode", false},
		{"Test mode", true},
	}

	for _, test := range testCases {
		t.Run(
			test.description,
			func(t *testing.T) {
				reset()
				defer reset()
				if test.testMode {
					viper.Set("test", true)
				}

				_, err := initDelivery()
				var configErr *config.ConfigError
				assert.True(t, errors.As(err, &configErr))
				assert.ErrorIs(t, err, config.ErrMissingSection)
			},
		)
	}
}

func TestGetDbTimeout(t *testing.T) {
	reset()
	defer reset()

	assert.Equal(t, time.Duration(0), getDbTimeout())
	viper.Set("db.timeout", "30s")
	assert.Equal(t, 30*time.Second, getDbTimeout())
}

func TestOpenLedger(t *testing.T) {
	reset()
	defer reset()
	oldLogger := exeLogger
	defer func() { exeLogger = oldLogger }()

	readTestConfig(t)
	d, err := config.Load(viper.GetViper())
	require.NoError(t, err)
	ctx := context.Background()

	logger, hook := logtest.NewNullLogger()
	exeLogger = log.NewEntry(logger)

	viper.Set("dbLocation", "")
	assert.Nil(t, openLedger(ctx, d))

	dbLocation := filepath.Join(t.TempDir(), "outcomes.db")
	earlier, err := db.OpenOrCreateDatabase(dbLocation)
	require.NoError(t, err)
	require.NoError(t, earlier.IncrementOutcome(ctx, "weewx", "roof", "delivered"))
	require.NoError(t, earlier.IncrementOutcome(ctx, "weewx", "roof", "delivered"))
	require.NoError(t, earlier.IncrementOutcome(ctx, "weewx", "roof", "stale"))
	require.NoError(t, earlier.Close())

	viper.Set("dbLocation", dbLocation)
	ledger := openLedger(ctx, d)
	require.NotNil(t, ledger)
	defer ledger.Close()

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "Outcome counts recorded by earlier runs", entry.Message)
	assert.Equal(t, log.Fields{"delivered": 2, "stale": 1}, entry.Data)
}

func TestGetSourceKind(t *testing.T) {
	reset()
	defer reset()
	viper.SetDefault("source.kind", "stdin")

	assert.Equal(t, "stdin", getSourceKind())
	viper.Set("source", "http")
	assert.Equal(t, "http", getSourceKind())
}

func TestNewRecordSource(t *testing.T) {
	type testCase struct {
		description string
		kind        string
		expectErr   bool
	}

	testCases := []testCase{
		{"stdin", "stdin", false},
		{"http", "http", false},
		{"unsupported", "mqtt", true},
	}

	for _, test := range testCases {
		t.Run(
			test.description,
			func(t *testing.T) {
				src, err := newRecordSource(test.kind)
				if test.expectErr {
					assert.Error(t, err)
					assert.Nil(t, src)
					return
				}
				assert.NoError(t, err)
				assert.NotNil(t, src)
			},
		)
	}
}

func TestGetSelfMetricsConfig(t *testing.T) {
	reset()
	defer reset()
	readTestConfig(t)
	viper.SetDefault("self_metrics.enabled", true)
	viper.SetDefault("self_metrics.interval", "5m")

	d, err := config.Load(viper.GetViper())
	require.NoError(t, err)

	sm := getSelfMetricsConfig(d)
	assert.True(t, sm.enabled)
	assert.Equal(t, "http://pushgateway.example.com:9091", sm.url)
	assert.Equal(t, "weewx_forwarder", sm.job)
	assert.Equal(t, map[string]string{"instance": "roof"}, sm.grouping)
	assert.Equal(t, 5*time.Minute, sm.interval)

	d.SkipPost = true
	assert.False(t, getSelfMetricsConfig(d).enabled)
}

func TestGetDbLocation(t *testing.T) {
	reset()
	defer reset()
	assert.Equal(t, "", getDbLocation())
	readTestConfig(t)
	assert.Equal(t, "/tmp/outcomes.db", getDbLocation())
}

func TestRunDeliversEverythingBeforeExhaustedSourceExits(t *testing.T) {
	gateway := testUtils.NewFakePushgateway(t)

	d := deliveryTo(t, gateway)
	src := &sliceSource{records: testRecords(t, 3)}

	err := run(context.Background(), runConfig{delivery: d, source: src})
	require.NoError(t, err)

	pushes := gateway.PushesTo("/metrics/job/weewx")
	require.Len(t, pushes, 3)
	for i, push := range pushes {
		assert.Contains(t, push.Body, fmt.Sprintf("dateTime %d\n", 1000+i*300))
		assert.Contains(t, push.Body, "# TYPE outTemp gauge\noutTemp 61.6\n")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	gateway := testUtils.NewFakePushgateway(t)

	src := &sliceSource{waitForStop: true}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- run(ctx, runConfig{delivery: deliveryTo(t, gateway), source: src}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunSourceError(t *testing.T) {
	gateway := testUtils.NewFakePushgateway(t)

	errSource := errors.New("cannot listen")
	src := &sliceSource{err: errSource}

	err := run(context.Background(), runConfig{delivery: deliveryTo(t, gateway), source: src})
	assert.ErrorIs(t, err, errSource)
}

func TestRunPushesSelfMetrics(t *testing.T) {
	gateway := testUtils.NewFakePushgateway(t)

	rc := runConfig{
		delivery: deliveryTo(t, gateway),
		source:   &sliceSource{records: testRecords(t, 1)},
		selfMetrics: selfMetricsConfig{
			enabled: true,
			url:     gateway.URL(),
			job:     "weewx_forwarder",
		},
	}
	require.NoError(t, run(context.Background(), rc))

	assert.Len(t, gateway.PushesTo("/metrics/job/weewx_forwarder"), 1)
	assert.Len(t, gateway.PushesTo("/metrics/job/weewx"), 1)
}
