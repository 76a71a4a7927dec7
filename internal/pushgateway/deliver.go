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

package pushgateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the attempts Deliver makes
type RetryPolicy struct {
	// MaxTries is the total number of attempts, including the first
	MaxTries int
	// Wait is the pause between consecutive attempts
	Wait time.Duration
}

// AttemptFunc makes one delivery attempt.  attempt starts at 1.
type AttemptFunc func(ctx context.Context, attempt int) error

// NotifyFunc is called after each failed attempt that will be retried, with the wait before the next attempt
type NotifyFunc func(err error, attempt int, wait time.Duration)

// Deliver runs attempt until it succeeds or policy.MaxTries attempts have failed, pausing policy.Wait between attempts.
// It returns the number of attempts made and the last attempt's error.  The first attempt always runs.  Once ctx is
// done no further attempts are started, and ctx's error is joined to the last attempt's error.
func Deliver(ctx context.Context, policy RetryPolicy, attempt AttemptFunc, notify NotifyFunc) (int, error) {
	maxTries := policy.MaxTries
	if maxTries < 1 {
		maxTries = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Wait), uint64(maxTries-1)),
		ctx,
	)

	var attempts int
	var lastErr error
	operation := func() error {
		attempts++
		lastErr = attempt(ctx, attempts)
		return lastErr
	}
	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	}

	err := backoff.RetryNotify(operation, b, onRetry)
	if err == nil {
		return attempts, nil
	}
	if lastErr != nil && !errors.Is(lastErr, err) {
		return attempts, errors.Join(lastErr, err)
	}
	return attempts, lastErr
}
