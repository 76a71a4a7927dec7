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

// Package worker contains the Forwarder, the single long-lived worker that drains the forwarding queue and delivers
// each record to the Prometheus Pushgateway
package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fermitools/weewx-prompush/internal/config"
	"github.com/fermitools/weewx-prompush/internal/contextStore"
	"github.com/fermitools/weewx-prompush/internal/exposition"
	"github.com/fermitools/weewx-prompush/internal/pushgateway"
	"github.com/fermitools/weewx-prompush/internal/queue"
	"github.com/fermitools/weewx-prompush/internal/record"
	"github.com/fermitools/weewx-prompush/internal/tracing"
)

var tracer = otel.Tracer("worker")

// Poster makes a single delivery attempt of an exposition body.  *pushgateway.Client satisfies it.
type Poster interface {
	Post(ctx context.Context, body []byte) error
}

// OutcomeRecorder persists outcome counts.  *db.OutcomeDatabase satisfies it.
type OutcomeRecorder interface {
	IncrementOutcome(ctx context.Context, job, instance, outcome string) error
}

// Forwarder moves records from a queue.Queue to the pushgateway, one at a time and in order.  For each record it
// checks the backlog, then the record's age, then the skip_post setting, and only then delivers, retrying up to
// the configured number of tries.  No delivery failure ever stops the Forwarder.
type Forwarder struct {
	queue    *queue.Queue
	delivery *config.Delivery
	poster   Poster
	recorder OutcomeRecorder
	logger   *log.Entry
	now      func() time.Time
}

// ForwarderOption is a functional option passed to NewForwarder
type ForwarderOption func(*Forwarder) error

// WithLogger sets the entry the Forwarder logs through
func WithLogger(logger *log.Entry) ForwarderOption {
	return ForwarderOption(func(f *Forwarder) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		f.logger = logger
		return nil
	})
}

// WithClock replaces time.Now for record age checks
func WithClock(now func() time.Time) ForwarderOption {
	return ForwarderOption(func(f *Forwarder) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		f.now = now
		return nil
	})
}

// WithPoster replaces the pushgateway client built from the Delivery
func WithPoster(p Poster) ForwarderOption {
	return ForwarderOption(func(f *Forwarder) error {
		if p == nil {
			return errors.New("poster must not be nil")
		}
		f.poster = p
		return nil
	})
}

// WithOutcomeRecorder makes the Forwarder persist every outcome through r, in addition to counting it in the metrics
// registry
func WithOutcomeRecorder(r OutcomeRecorder) ForwarderOption {
	return ForwarderOption(func(f *Forwarder) error {
		f.recorder = r
		return nil
	})
}

// NewForwarder returns a Forwarder that drains q according to d
func NewForwarder(q *queue.Queue, d *config.Delivery, opts ...ForwarderOption) (*Forwarder, error) {
	if q == nil {
		return nil, errors.New("queue must not be nil")
	}
	if d == nil {
		return nil, errors.New("delivery configuration must not be nil")
	}

	f := &Forwarder{
		queue:    q,
		delivery: d,
		logger:   log.NewEntry(log.StandardLogger()),
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			log.Error(err)
			return nil, err
		}
	}
	if f.poster == nil {
		f.poster = pushgateway.NewClient(d.Endpoint, d.Timeout)
	}
	f.logger = f.logger.WithFields(log.Fields{
		"job":      d.Job,
		"instance": d.Instance,
	})
	return f, nil
}

// Run dequeues and handles records until the queue is closed or ctx is cancelled.  A delivery that is under way when
// ctx is cancelled finishes its current attempt, but is not retried.
func (f *Forwarder) Run(ctx context.Context) error {
	f.logger.Debug("Forwarder started")
	defer f.logger.Debug("Forwarder stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		r, err := f.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		backlog := f.queue.Len()
		queueBacklog.Set(float64(backlog))
		f.processRecord(ctx, r, backlog)
	}
}

// processRecord takes one record from evaluation through delivery, and returns what happened to it.  backlog is the
// number of records still queued behind r.
func (f *Forwarder) processRecord(ctx context.Context, r record.Record, backlog int) Outcome {
	dateTime := r.DateTime()
	ctx, span := tracer.Start(ctx, "worker.processRecord", trace.WithAttributes(
		attribute.String("job", f.delivery.Job),
		attribute.Int64("dateTime", dateTime.Unix()),
		attribute.Int("backlog", backlog),
	))
	defer span.End()

	recordLogger := f.logger.WithField("dateTime", dateTime.Unix())

	if backlog > f.delivery.MaxBacklog {
		tracing.LogInfoWithTrace(span, recordLogger.WithField("maxBacklog", f.delivery.MaxBacklog),
			"Backlog is too big.  Dropping record",
			tracing.KeyValueForLog{Key: "backlog", Value: strconv.Itoa(backlog)},
		)
		return f.finish(ctx, DroppedBacklog)
	}

	if age := r.Age(f.now()); f.delivery.Stale > 0 && age > f.delivery.Stale {
		tracing.LogInfoWithTrace(span, recordLogger.WithField("stale", f.delivery.Stale.String()),
			"Record is stale.  Dropping record",
			tracing.KeyValueForLog{Key: "age", Value: age.Round(time.Second).String()},
		)
		return f.finish(ctx, DroppedStale)
	}

	if f.delivery.SkipPost {
		tracing.LogInfoWithTrace(span, recordLogger, "Skipping post")
		return f.finish(ctx, Skipped)
	}

	body := exposition.Format(r, f.delivery.MetricTypes)
	attempts, err := pushgateway.Deliver(
		ctx,
		pushgateway.RetryPolicy{MaxTries: f.delivery.MaxTries, Wait: f.delivery.RetryWait},
		func(ctx context.Context, attempt int) error { return f.attempt(ctx, body, attempt) },
		func(err error, attempt int, wait time.Duration) {
			attemptLogger := recordLogger.WithFields(log.Fields{
				"attempt":   attempt,
				"nextRetry": wait.String(),
			})
			if f.delivery.LogFailure {
				attemptLogger.Warnf("Failed to publish record, will retry: %s", err)
				return
			}
			attemptLogger.Debugf("Failed to publish record, will retry: %s", err)
		},
	)

	attemptsKV := tracing.KeyValueForLog{Key: "attempts", Value: strconv.Itoa(attempts)}
	if err != nil {
		var failureLogger *log.Entry
		if f.delivery.LogFailure {
			failureLogger = recordLogger.WithField("error", err.Error())
		}
		tracing.LogErrorWithTrace(span, failureLogger, "Failed to publish record", attemptsKV)
		return f.finish(ctx, Failed)
	}

	var successLogger *log.Entry
	if f.delivery.LogSuccess {
		successLogger = recordLogger
	}
	tracing.LogSuccessWithTrace(span, successLogger, "Published record", attemptsKV)
	lastDeliveredRecord.Set(float64(dateTime.Unix()))
	return f.finish(ctx, Delivered)
}

// attempt makes one POST.  It is detached from cancellation of ctx so that a started attempt always completes.  The
// client's per-attempt timeout still bounds it.
func (f *Forwarder) attempt(ctx context.Context, body []byte, attempt int) error {
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "worker.deliveryAttempt", trace.WithAttributes(
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	start := time.Now()
	err := f.poster.Post(ctx, body)
	attemptDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		deliveryAttempts.WithLabelValues("failure").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	deliveryAttempts.WithLabelValues("success").Inc()
	span.SetStatus(codes.Ok, "")

	attemptLogger := f.logger.WithField("attempt", attempt)
	if verbose, _ := contextStore.GetVerbose(ctx); verbose {
		attemptLogger.Info("Delivery attempt succeeded")
	} else {
		attemptLogger.Debug("Delivery attempt succeeded")
	}
	return nil
}

// finish counts outcome, and persists it if there is an OutcomeRecorder.  A failure to persist is only logged.
func (f *Forwarder) finish(ctx context.Context, outcome Outcome) Outcome {
	recordsHandled.WithLabelValues(outcome.String()).Inc()
	if f.recorder != nil {
		if err := f.recorder.IncrementOutcome(context.WithoutCancel(ctx), f.delivery.Job, f.delivery.Instance, outcome.String()); err != nil {
			f.logger.WithField("outcome", outcome.String()).Warnf("Could not record outcome in ledger: %s", err)
		}
	}
	return outcome
}
