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

// Package tracing sets up OpenTelemetry tracing for the forwarder and pairs span status updates with log lines, so
// that a record's fate is visible both in the trace backend and in the logs
package tracing

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "weewx-prompush"

// NewOTLPHTTPTraceProvider returns a TracerProvider that batches spans to the OTLP/HTTP collector at endpoint, along
// with a shutdown func that flushes outstanding spans
func NewOTLPHTTPTraceProvider(ctx context.Context, endpoint, deploymentEnvironment string) (*sdktrace.TracerProvider, func(context.Context), error) {
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.DeploymentEnvironmentKey.String(deploymentEnvironment),
		)),
	)
	return tp, func(ctx context.Context) { tp.Shutdown(ctx) }, nil
}

// KeyValueForLog is a field that is set both as a span attribute and as a log field
type KeyValueForLog struct {
	Key   string
	Value string
}

// LogErrorWithTrace marks span as failed with msg and logs msg at Error.  A nil logger only updates the span.
func LogErrorWithTrace(span trace.Span, logger *log.Entry, msg string, keyValues ...KeyValueForLog) {
	logger = assembleSpanAndLogger(span, logger, keyValues...)
	span.SetStatus(codes.Error, msg)
	span.RecordError(errors.New(msg))
	if logger != nil {
		logger.Error(msg)
	}
}

// LogSuccessWithTrace marks span as successful and logs msg at Info.  A nil logger only updates the span.
func LogSuccessWithTrace(span trace.Span, logger *log.Entry, msg string, keyValues ...KeyValueForLog) {
	logger = assembleSpanAndLogger(span, logger, keyValues...)
	span.SetStatus(codes.Ok, msg)
	if logger != nil {
		logger.Info(msg)
	}
}

// LogInfoWithTrace adds msg to span as an event and logs it at Info, without changing the span's status.  Used for
// records that were deliberately not sent.
func LogInfoWithTrace(span trace.Span, logger *log.Entry, msg string, keyValues ...KeyValueForLog) {
	logger = assembleSpanAndLogger(span, logger, keyValues...)
	span.AddEvent(msg)
	if logger != nil {
		logger.Info(msg)
	}
}

func assembleSpanAndLogger(span trace.Span, logger *log.Entry, keyValues ...KeyValueForLog) *log.Entry {
	for _, keyValue := range keyValues {
		span.SetAttributes(attribute.String(keyValue.Key, keyValue.Value))
		if logger != nil {
			logger = logger.WithField(keyValue.Key, keyValue.Value)
		}
	}
	return logger
}
