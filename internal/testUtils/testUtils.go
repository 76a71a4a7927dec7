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

// Package testUtils provides test doubles and fixtures shared by the forwarder's package tests
package testUtils

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fermitools/weewx-prompush/internal/record"
)

// Push is a single request received by a FakePushgateway
type Push struct {
	Method      string
	Path        string
	ContentType string
	Body        string
}

// FakePushgateway is an httptest server that records every request it receives and answers with a configurable
// status code
type FakePushgateway struct {
	server *httptest.Server

	mu     sync.Mutex
	pushes []Push
	status int
}

// NewFakePushgateway starts a FakePushgateway answering 200 OK.  It is closed when the test finishes.
func NewFakePushgateway(t *testing.T) *FakePushgateway {
	f := &FakePushgateway{status: http.StatusOK}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *FakePushgateway) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.pushes = append(f.pushes, Push{
		Method:      r.Method,
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		Body:        string(body),
	})
	status := f.status
	f.mu.Unlock()
	w.WriteHeader(status)
}

// SetStatus changes the status code returned for subsequent requests
func (f *FakePushgateway) SetStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// URL returns the base URL of the fake, e.g. http://127.0.0.1:port
func (f *FakePushgateway) URL() string { return f.server.URL }

// HostPort returns the host and port the fake listens on
func (f *FakePushgateway) HostPort(t *testing.T) (string, int) {
	host, portStr, err := net.SplitHostPort(f.server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// Pushes returns every request received so far, in order
func (f *FakePushgateway) Pushes() []Push {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Push, len(f.pushes))
	copy(out, f.pushes)
	return out
}

// PushesTo returns the requests received for path, in order
func (f *FakePushgateway) PushesTo(path string) []Push {
	out := make([]Push, 0)
	for _, p := range f.Pushes() {
		if p.Path == path {
			out = append(out, p)
		}
	}
	return out
}

// Count returns how many requests have been received
func (f *FakePushgateway) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

// MustRecord builds a record with the given dateTime followed by fields, failing the test if that is not possible
func MustRecord(t *testing.T, dateTime float64, fields ...record.Field) record.Record {
	t.Helper()
	all := append([]record.Field{{Name: record.DateTimeField, Value: dateTime}}, fields...)
	r, err := record.New(all...)
	require.NoError(t, err)
	return r
}
