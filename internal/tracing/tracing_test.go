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

package tracing

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// startRecordedSpan starts a span whose final state can be inspected with the returned end func
func startRecordedSpan(t *testing.T) (trace.Span, func() sdktrace.ReadOnlySpan) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	_, span := tp.Tracer("test").Start(context.Background(), "test")
	return span, func() sdktrace.ReadOnlySpan {
		span.End()
		return recorder.Ended()[0]
	}
}

func TestLogWithTrace(t *testing.T) {
	type testCase struct {
		description    string
		logFunc        func(trace.Span, *log.Entry, string, ...KeyValueForLog)
		expectedStatus codes.Code
		expectedLevel  log.Level
	}

	testCases := []testCase{
		{"Error", LogErrorWithTrace, codes.Error, log.ErrorLevel},
		{"Success", LogSuccessWithTrace, codes.Ok, log.InfoLevel},
		{"Info", LogInfoWithTrace, codes.Unset, log.InfoLevel},
	}

	for _, test := range testCases {
		t.Run(
			test.description,
			func(t *testing.T) {
				logger, hook := logtest.NewNullLogger()
				span, end := startRecordedSpan(t)

				test.logFunc(span, logger.WithField("component", "test"), "message", KeyValueForLog{"job", "weewx"})
				ended := end()

				assert.Equal(t, test.expectedStatus, ended.Status().Code)
				assert.Contains(t, ended.Attributes(), attribute.String("job", "weewx"))
				if assert.Len(t, hook.AllEntries(), 1) {
					entry := hook.LastEntry()
					assert.Equal(t, test.expectedLevel, entry.Level)
					assert.Equal(t, "message", entry.Message)
					assert.Equal(t, "weewx", entry.Data["job"])
				}
			},
		)
	}
}

func TestLogWithTraceNilLogger(t *testing.T) {
	span, end := startRecordedSpan(t)
	LogSuccessWithTrace(span, nil, "message", KeyValueForLog{"job", "weewx"})
	ended := end()
	assert.Equal(t, codes.Ok, ended.Status().Code)
	assert.Contains(t, ended.Attributes(), attribute.String("job", "weewx"))
}
