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

// Package contextStore stores strongly-typed, run-wide settings in contexts so that they can be retrieved by the
// packages handling records without threading extra parameters through every call
package contextStore

import (
	"context"
	"errors"
	"time"
)

// contextKey is private so that no other package can collide with the keys defined here.  Each key gets a With_ func
// to store a value and a Get_ func to retrieve it type-checked.
type contextKey int

const (
	verbose contextKey = iota
	overrideTimeout
)

var (
	// ErrContextKeyFailedTypeCheck is returned when a value retrieved from a context has an unexpected type
	ErrContextKeyFailedTypeCheck = errors.New("returned value failed type-check")
	// ErrContextKeyNotStored is returned when a requested key is not stored in a context
	ErrContextKeyNotStored = errors.New("no value in Context for contextKey")
)

// WithVerbose returns a child of ctx that marks the run as verbose
func WithVerbose(ctx context.Context) context.Context {
	return context.WithValue(ctx, verbose, true)
}

// GetVerbose reports whether ctx was marked verbose
func GetVerbose(ctx context.Context) (bool, error) {
	return get[bool](ctx, verbose)
}

// WithOverrideTimeout returns a child of ctx carrying a timeout that takes precedence over package defaults
func WithOverrideTimeout(ctx context.Context, timeout time.Duration) context.Context {
	return context.WithValue(ctx, overrideTimeout, timeout)
}

// GetOverrideTimeout returns the override timeout stored in ctx
func GetOverrideTimeout(ctx context.Context) (time.Duration, error) {
	return get[time.Duration](ctx, overrideTimeout)
}

// GetProperTimeout returns the override timeout stored in ctx if there is one, and defaultTimeout otherwise.  The
// returned bool is true when the default was used.
func GetProperTimeout(ctx context.Context, defaultTimeout time.Duration) (time.Duration, bool) {
	if timeout, err := GetOverrideTimeout(ctx); err == nil {
		return timeout, false
	}
	return defaultTimeout, true
}

func get[T any](ctx context.Context, key contextKey) (T, error) {
	var zero T
	val := ctx.Value(key)
	if val == nil {
		return zero, ErrContextKeyNotStored
	}
	typed, ok := val.(T)
	if !ok {
		return zero, ErrContextKeyFailedTypeCheck
	}
	return typed, nil
}
