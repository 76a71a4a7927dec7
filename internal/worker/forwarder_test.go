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
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermitools/weewx-prompush/internal/config"
	"github.com/fermitools/weewx-prompush/internal/exposition"
	"github.com/fermitools/weewx-prompush/internal/pushgateway"
	"github.com/fermitools/weewx-prompush/internal/queue"
	"github.com/fermitools/weewx-prompush/internal/record"
	"github.com/fermitools/weewx-prompush/internal/testUtils"
)

var (
	recordTime = time.Unix(1000, 0)
	testNow    = func() time.Time { return recordTime.Add(10 * time.Second) }
	errPost    = errors.New("post failed")
)

// fakePoster fails its first failures calls with errPost, then succeeds
type fakePoster struct {
	mu       sync.Mutex
	failures int
	bodies   []string
	times    []time.Time
}

func (p *fakePoster) Post(ctx context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = append(p.bodies, string(body))
	p.times = append(p.times, time.Now())
	if len(p.bodies) <= p.failures {
		return errPost
	}
	return nil
}

func (p *fakePoster) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bodies)
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	err      error
}

func (r *fakeRecorder) IncrementOutcome(ctx context.Context, job, instance, outcome string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, job+"/"+instance+"/"+outcome)
	return r.err
}

func testDelivery(t *testing.T, mods ...func(*config.Delivery)) *config.Delivery {
	endpoint, err := pushgateway.URL("localhost", 9091, "weewx", "")
	require.NoError(t, err)
	d := &config.Delivery{
		Host:        "localhost",
		Port:        9091,
		Job:         "weewx",
		MaxBacklog:  math.MaxInt,
		Stale:       time.Minute,
		LogSuccess:  true,
		LogFailure:  true,
		Timeout:     time.Second,
		MaxTries:    3,
		RetryWait:   time.Millisecond,
		MetricTypes: exposition.DefaultTypeTable,
		Endpoint:    endpoint,
	}
	for _, mod := range mods {
		mod(d)
	}
	return d
}

func testRecord(t *testing.T, dateTime time.Time) record.Record {
	return testUtils.MustRecord(t, float64(dateTime.Unix()), record.Field{Name: "outTemp", Value: 61.6})
}

func newTestForwarder(t *testing.T, d *config.Delivery, p Poster, opts ...ForwarderOption) (*Forwarder, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	opts = append([]ForwarderOption{WithLogger(log.NewEntry(logger)), WithClock(testNow), WithPoster(p)}, opts...)
	f, err := NewForwarder(queue.New(), d, opts...)
	require.NoError(t, err)
	return f, hook
}

func entriesAtLevel(hook *logtest.Hook, level log.Level) []*log.Entry {
	entries := make([]*log.Entry, 0)
	for _, entry := range hook.AllEntries() {
		if entry.Level == level {
			entries = append(entries, entry)
		}
	}
	return entries
}

func TestProcessRecordPolicies(t *testing.T) {
	type testCase struct {
		description     string
		delivery        func(*config.Delivery)
		recordTime      time.Time
		backlog         int
		expectedOutcome Outcome
		expectedPosts   int
	}

	testCases := []testCase{
		{
			"Fresh record is delivered",
			func(d *config.Delivery) {},
			recordTime,
			0,
			Delivered,
			1,
		},
		{
			"Stale record is dropped",
			func(d *config.Delivery) { d.Stale = 5 * time.Second },
			recordTime,
			0,
			DroppedStale,
			0,
		},
		{
			"Zero stale disables the age check",
			func(d *config.Delivery) { d.Stale = 0 },
			recordTime.Add(-24 * time.Hour),
			0,
			Delivered,
			1,
		},
		{
			"Backlog over the limit is dropped",
			func(d *config.Delivery) { d.MaxBacklog = 1 },
			recordTime,
			2,
			DroppedBacklog,
			0,
		},
		{
			"Backlog at the limit is delivered",
			func(d *config.Delivery) { d.MaxBacklog = 2 },
			recordTime,
			2,
			Delivered,
			1,
		},
		{
			"Backlog is checked before staleness",
			func(d *config.Delivery) { d.MaxBacklog = 0; d.Stale = time.Second },
			recordTime,
			1,
			DroppedBacklog,
			0,
		},
		{
			"Skip post never posts",
			func(d *config.Delivery) { d.SkipPost = true },
			recordTime,
			0,
			Skipped,
			0,
		},
		{
			"Stale record is dropped even with skip post",
			func(d *config.Delivery) { d.SkipPost = true; d.Stale = time.Second },
			recordTime,
			0,
			DroppedStale,
			0,
		},
	}

	for _, test := range testCases {
		t.Run(
			test.description,
			func(t *testing.T) {
				p := &fakePoster{}
				f, _ := newTestForwarder(t, testDelivery(t, test.delivery), p)
				outcome := f.processRecord(context.Background(), testRecord(t, test.recordTime), test.backlog)
				assert.Equal(t, test.expectedOutcome, outcome)
				assert.Equal(t, test.expectedPosts, p.calls())
			},
		)
	}
}

func TestProcessRecordPostsFormattedBody(t *testing.T) {
	p := &fakePoster{}
	f, _ := newTestForwarder(t, testDelivery(t), p)
	r := testRecord(t, recordTime)

	f.processRecord(context.Background(), r, 0)
	require.Equal(t, 1, p.calls())
	assert.Equal(t, string(exposition.Format(r, exposition.DefaultTypeTable)), p.bodies[0])
}

func TestProcessRecordRetries(t *testing.T) {
	type testCase struct {
		description      string
		failures         int
		expectedOutcome  Outcome
		expectedAttempts int
	}

	testCases := []testCase{
		{
			"Succeeds after one failure",
			1,
			Delivered,
			2,
		},
		{
			"Succeeds on the last try",
			2,
			Delivered,
			3,
		},
		{
			"Always failing stops at max tries",
			100,
			Failed,
			3,
		},
	}

	for _, test := range testCases {
		t.Run(
			test.description,
			func(t *testing.T) {
				wait := 20 * time.Millisecond
				p := &fakePoster{failures: test.failures}
				f, _ := newTestForwarder(t, testDelivery(t, func(d *config.Delivery) { d.RetryWait = wait }), p)

				outcome := f.processRecord(context.Background(), testRecord(t, recordTime), 0)
				assert.Equal(t, test.expectedOutcome, outcome)
				require.Equal(t, test.expectedAttempts, p.calls())
				for i := 1; i < len(p.times); i++ {
					assert.GreaterOrEqual(t, p.times[i].Sub(p.times[i-1]), wait)
				}
				// Every attempt carries the same body
				for _, body := range p.bodies {
					assert.Equal(t, p.bodies[0], body)
				}
			},
		)
	}
}

func TestProcessRecordLogging(t *testing.T) {
	type testCase struct {
		description    string
		delivery       func(*config.Delivery)
		failures       int
		expectedErrors int
		expectedWarns  int
		expectedInfo   []string
	}

	testCases := []testCase{
		{
			"Success is logged",
			func(d *config.Delivery) {},
			0,
			0,
			0,
			[]string{"Published record"},
		},
		{
			"Success is not logged when log_success is off",
			func(d *config.Delivery) { d.LogSuccess = false },
			0,
			0,
			0,
			[]string{},
		},
		{
			"Failure and retries are logged",
			func(d *config.Delivery) {},
			100,
			1,
			2,
			[]string{},
		},
		{
			"Failure is not logged when log_failure is off",
			func(d *config.Delivery) { d.LogFailure = false },
			100,
			0,
			0,
			[]string{},
		},
		{
			"Skip post is logged",
			func(d *config.Delivery) { d.SkipPost = true },
			0,
			0,
			0,
			[]string{"Skipping post"},
		},
	}

	for _, test := range testCases {
		t.Run(
			test.description,
			func(t *testing.T) {
				p := &fakePoster{failures: test.failures}
				f, hook := newTestForwarder(t, testDelivery(t, test.delivery), p)
				f.processRecord(context.Background(), testRecord(t, recordTime), 0)

				assert.Len(t, entriesAtLevel(hook, log.ErrorLevel), test.expectedErrors)
				assert.Len(t, entriesAtLevel(hook, log.WarnLevel), test.expectedWarns)
				infoMessages := make([]string, 0)
				for _, entry := range entriesAtLevel(hook, log.InfoLevel) {
					infoMessages = append(infoMessages, entry.Message)
					assert.Equal(t, "weewx", entry.Data["job"])
					assert.Equal(t, int64(1000), entry.Data["dateTime"])
				}
				assert.Equal(t, test.expectedInfo, infoMessages)
			},
		)
	}
}

func TestProcessRecordCancelStopsRetries(t *testing.T) {
	p := &fakePoster{failures: 100}
	f, _ := newTestForwarder(t, testDelivery(t, func(d *config.Delivery) { d.RetryWait = time.Hour }), p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome)
	go func() { done <- f.processRecord(ctx, testRecord(t, recordTime), 0) }()

	assert.Eventually(t, func() bool { return p.calls() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case outcome := <-done:
		assert.Equal(t, Failed, outcome)
		assert.Equal(t, 1, p.calls())
	case <-time.After(2 * time.Second):
		t.Fatal("processRecord did not return after cancel")
	}
}

func TestProcessRecordCountsOutcomes(t *testing.T) {
	staleBefore := testutil.ToFloat64(recordsHandled.WithLabelValues(DroppedStale.String()))
	failuresBefore := testutil.ToFloat64(deliveryAttempts.WithLabelValues("failure"))

	p := &fakePoster{failures: 100}
	f, _ := newTestForwarder(t, testDelivery(t, func(d *config.Delivery) { d.Stale = time.Second }), p)
	f.processRecord(context.Background(), testRecord(t, recordTime), 0)
	assert.Equal(t, staleBefore+1, testutil.ToFloat64(recordsHandled.WithLabelValues(DroppedStale.String())))

	f, _ = newTestForwarder(t, testDelivery(t), p)
	f.processRecord(context.Background(), testRecord(t, recordTime), 0)
	assert.Equal(t, failuresBefore+3, testutil.ToFloat64(deliveryAttempts.WithLabelValues("failure")))
}

func TestOutcomeRecorder(t *testing.T) {
	t.Run("Outcomes are recorded", func(t *testing.T) {
		rec := &fakeRecorder{}
		f, _ := newTestForwarder(t, testDelivery(t, func(d *config.Delivery) { d.Instance = "roof" }), &fakePoster{}, WithOutcomeRecorder(rec))
		f.processRecord(context.Background(), testRecord(t, recordTime), 0)
		f.processRecord(context.Background(), testRecord(t, recordTime.Add(-time.Hour)), 0)
		assert.Equal(t, []string{"weewx/roof/delivered", "weewx/roof/stale"}, rec.outcomes)
	})

	t.Run("Recorder failure does not change the outcome", func(t *testing.T) {
		rec := &fakeRecorder{err: errors.New("disk full")}
		f, hook := newTestForwarder(t, testDelivery(t), &fakePoster{}, WithOutcomeRecorder(rec))
		outcome := f.processRecord(context.Background(), testRecord(t, recordTime), 0)
		assert.Equal(t, Delivered, outcome)
		assert.Len(t, entriesAtLevel(hook, log.WarnLevel), 1)
	})
}

func TestRunDeliversInOrder(t *testing.T) {
	p := &fakePoster{}
	logger, _ := logtest.NewNullLogger()
	q := queue.New()
	f, err := NewForwarder(q, testDelivery(t), WithLogger(log.NewEntry(logger)), WithClock(testNow), WithPoster(p))
	require.NoError(t, err)

	expected := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		r := testRecord(t, recordTime.Add(time.Duration(i)*time.Second))
		expected = append(expected, string(exposition.Format(r, exposition.DefaultTypeTable)))
		q.Enqueue(r)
	}

	done := make(chan error)
	go func() { done <- f.Run(context.Background()) }()

	assert.Eventually(t, func() bool { return p.calls() == 3 }, time.Second, time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the queue was closed")
	}
	assert.Equal(t, expected, p.bodies)
}

func TestRunStopsOnCancel(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	f, err := NewForwarder(queue.New(), testDelivery(t), WithLogger(log.NewEntry(logger)), WithPoster(&fakePoster{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- f.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestForwarderAgainstPushgateway(t *testing.T) {
	gateway := testUtils.NewFakePushgateway(t)

	d := testDelivery(t, func(d *config.Delivery) { d.Instance = "roof" })
	d.Endpoint.Host = strings.TrimPrefix(gateway.URL(), "http://")
	d.Endpoint.Path = "/metrics/job/weewx/instance/roof"

	logger, _ := logtest.NewNullLogger()
	f, err := NewForwarder(queue.New(), d, WithLogger(log.NewEntry(logger)), WithClock(testNow))
	require.NoError(t, err)

	r := testUtils.MustRecord(t, 1000, record.Field{Name: "outTemp", Value: 61.6})
	assert.Equal(t, Delivered, f.processRecord(context.Background(), r, 0))

	pushes := gateway.Pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, testUtils.Push{
		Method:      http.MethodPost,
		Path:        "/metrics/job/weewx/instance/roof",
		ContentType: "application/octet-stream",
		Body:        "dateTime 1000\n# TYPE outTemp gauge\noutTemp 61.6\n",
	}, pushes[0])
}

func TestNewForwarderErrors(t *testing.T) {
	d := testDelivery(t)

	_, err := NewForwarder(nil, d)
	assert.Error(t, err)
	_, err = NewForwarder(queue.New(), nil)
	assert.Error(t, err)
	_, err = NewForwarder(queue.New(), d, WithLogger(nil))
	assert.Error(t, err)
	_, err = NewForwarder(queue.New(), d, WithClock(nil))
	assert.Error(t, err)
	_, err = NewForwarder(queue.New(), d, WithPoster(nil))
	assert.Error(t, err)
}
